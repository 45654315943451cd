package main

import (
	"context"
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
	"github.com/tinyim/tinyim/internal/registry"
	"github.com/tinyim/tinyim/internal/rpc"
	"github.com/tinyim/tinyim/internal/service/auth"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("authserver", "info", "json")
		bootLog.Fatal().Err(err).Msg("Configuration load failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log := logging.New("authserver", cfg.LogLevel, cfg.LogFormat)
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

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("im-authserver"))
	if err != nil {
		log.Fatal().Err(err).Msg("NATS connect failed")
	}
	defer nc.Close()

	instance := rpc.InstanceID()
	srv := rpc.NewServer(nc, registry.ServiceAuth, instance, cfg.RPCTimeout, log)
	defer srv.Close()

	svc := auth.New(database, store, cfg.TokenSecret, cfg.SessionTTL, log)
	if err := svc.Mount(srv); err != nil {
		log.Fatal().Err(err).Msg("RPC mount failed")
	}

	reg := registry.New(store, log)
	if err := reg.Register(ctx, registry.ServiceAuth, instance, srv.Addr()); err != nil {
		log.Fatal().Err(err).Msg("Service registration failed")
	}
	reg.Start()
	defer reg.Close()

	log.Info().Str("instance", instance).Str("addr", srv.Addr()).Msg("Auth service ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
