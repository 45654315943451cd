package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"

	"github.com/tinyim/tinyim/internal/config"
	"github.com/tinyim/tinyim/internal/dispatch"
	"github.com/tinyim/tinyim/internal/gateway"
	"github.com/tinyim/tinyim/internal/kv"
	"github.com/tinyim/tinyim/internal/logging"
	"github.com/tinyim/tinyim/internal/registry"
	"github.com/tinyim/tinyim/internal/rpc"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("gateway", "info", "json")
		bootLog.Fatal().Err(err).Msg("Configuration load failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)
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

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("im-gateway"))
	if err != nil {
		log.Fatal().Err(err).Msg("NATS connect failed")
	}
	defer nc.Close()

	reg := registry.New(store, log)
	reg.Observe(registry.ServiceAuth)
	reg.Observe(registry.ServiceChat)
	reg.Observe(registry.ServiceRelation)
	reg.Observe(registry.ServiceGateway)

	instance := rpc.InstanceID()
	caller := rpc.NewClient(nc, reg, cfg.RPCTimeout, log)
	srv := gateway.NewServer(cfg, store, caller, instance, log)
	api := dispatch.NewHandler(caller, reg, log)

	// Clients discover this gateway by its public WebSocket address;
	// services reach its sessions through the push endpoint in each
	// location record.
	if err := reg.Register(ctx, registry.ServiceGateway, instance, cfg.GatewayPublicAddr); err != nil {
		log.Fatal().Err(err).Msg("Service registration failed")
	}
	reg.Start()
	defer reg.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(nc, api)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("Gateway failed")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
