package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/config"
	"github.com/mikeyg42/meetsession/internal/logging"
	"github.com/mikeyg42/meetsession/internal/relay"
	"github.com/mikeyg42/meetsession/internal/validate"
)

func main() {
	cfg := config.NewDefaultConfig()
	config.ApplyEnv(cfg)

	flag.StringVar(&cfg.Relay.ListenAddr, "addr", cfg.Relay.ListenAddr, "HTTP listen address")
	flag.StringVar(&cfg.Relay.RedisAddr, "redis", cfg.Relay.RedisAddr, "Redis address for room membership (in-memory when empty)")
	flag.BoolVar(&cfg.Relay.TURNEnabled, "turn", cfg.Relay.TURNEnabled, "run the embedded TURN server")
	flag.StringVar(&cfg.Relay.TURNPublicIP, "turn-public-ip", cfg.Relay.TURNPublicIP, "IP address advertised in TURN relay candidates")
	flag.IntVar(&cfg.Relay.TURNPort, "turn-port", cfg.Relay.TURNPort, "TURN UDP port")
	flag.StringVar(&cfg.Relay.TURNUsers, "turn-users", cfg.Relay.TURNUsers, "TURN credentials, user=pass[,user=pass]")
	flag.IntVar(&cfg.Relay.TURNThreads, "turn-listeners", cfg.Relay.TURNThreads, "number of TURN UDP listeners")
	flag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	flag.Parse()

	if err := validate.ValidateRelayConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Relay stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var store relay.RoomStore = relay.NewMemoryStore()
	if cfg.Relay.RedisAddr != "" {
		rs, err := relay.NewRedisStore(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			return err
		}
		store = rs
		logger.Info("Room membership in Redis", zap.String("addr", cfg.Relay.RedisAddr))
	}
	defer store.Close()

	if cfg.Relay.JWTSecret == "" {
		logger.Warn("No JWT secret configured, rooms are open to anyone")
	}

	if cfg.Relay.TURNEnabled {
		turnServer := relay.NewTURNServer(cfg.Relay, logger)
		if err := turnServer.Start(ctx); err != nil {
			return err
		}
		defer turnServer.Stop()
	}

	return relay.NewServer(cfg.Relay, store, logger).Run(ctx)
}
