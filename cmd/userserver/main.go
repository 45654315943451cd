package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"

	"github.com/tinyim/tinyim/internal/config"
	"github.com/tinyim/tinyim/internal/db"
	"github.com/tinyim/tinyim/internal/kv"
	"github.com/tinyim/tinyim/internal/logging"
	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/registry"
	"github.com/tinyim/tinyim/internal/rpc"
	"github.com/tinyim/tinyim/internal/service/relation"
)

// chatSender routes relation-plane system notices through the chat
// service so they land on the target's timeline like any message.
type chatSender struct {
	caller rpc.Caller
}

func (c *chatSender) SendSystem(ctx context.Context, senderID, receiverID int64, msgType int32, content string) error {
	return c.send(ctx, &protocol.SendMessageReq{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       msgType,
		Content:    content,
	})
}

func (c *chatSender) SendGroupSystem(ctx context.Context, senderID, groupID int64, content string) error {
	return c.send(ctx, &protocol.SendMessageReq{
		SenderID: senderID,
		GroupID:  groupID,
		Type:     protocol.MsgTypeSystem,
		Content:  content,
	})
}

func (c *chatSender) send(ctx context.Context, req *protocol.SendMessageReq) error {
	var resp protocol.SendMessageResp
	if err := c.caller.Call(ctx, registry.ServiceChat, "SendMessage", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.ErrorMessage)
	}
	return nil
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("userserver", "info", "json")
		bootLog.Fatal().Err(err).Msg("Configuration load failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log := logging.New("userserver", cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(log)

	ctx := context.Background()
	store, err := kv.NewRedis(ctx, kv.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connect failed")
	}
	defer store.Close()

	database, err := db.Open(db.Config{
		Driver:       db.Driver(cfg.DBDriver),
		DSN:          cfg.DBDSN,
		ReplicaDSNs:  cfg.DBReplicaDSNs,
		MaxOpenConns: cfg.DBMaxOpen,
		MaxIdleConns: cfg.DBMaxIdle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Database open failed")
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("Schema migration failed")
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("im-userserver"))
	if err != nil {
		log.Fatal().Err(err).Msg("NATS connect failed")
	}
	defer nc.Close()

	reg := registry.New(store, log)
	reg.Observe(registry.ServiceChat)

	instance := rpc.InstanceID()
	srv := rpc.NewServer(nc, registry.ServiceRelation, instance, cfg.RPCTimeout, log)
	defer srv.Close()

	caller := rpc.NewClient(nc, reg, cfg.RPCTimeout, log)
	svc := relation.New(database, &chatSender{caller: caller}, log)
	if err := svc.Mount(srv); err != nil {
		log.Fatal().Err(err).Msg("RPC mount failed")
	}

	if err := reg.Register(ctx, registry.ServiceRelation, instance, srv.Addr()); err != nil {
		log.Fatal().Err(err).Msg("Service registration failed")
	}
	reg.Start()
	defer reg.Close()

	log.Info().Str("instance", instance).Str("addr", srv.Addr()).Msg("Relation service ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
