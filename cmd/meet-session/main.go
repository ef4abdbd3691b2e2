package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen adapter for screen sharing - DON'T REMOVE

	"github.com/mikeyg42/meetsession/internal/config"
	"github.com/mikeyg42/meetsession/internal/logging"
	"github.com/mikeyg42/meetsession/internal/validate"
)

type options struct {
	uid     string
	offer   bool
	video   bool
	audio   bool
	screen  string
	listDev bool
}

func main() {
	cfg := config.NewDefaultConfig()
	config.ApplyEnv(cfg)

	var opts options
	flag.StringVar(&cfg.Signaling.URL, "signal", cfg.Signaling.URL, "signaling relay websocket URL")
	flag.StringVar(&cfg.Signaling.Room, "room", cfg.Signaling.Room, "room to join")
	flag.StringVar(&cfg.Signaling.Token, "token", cfg.Signaling.Token, "room token issued by the relay")
	flag.StringVar(&cfg.Media.QualityProfile, "quality", cfg.Media.QualityProfile, "initial media quality profile")
	flag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	flag.StringVar(&cfg.History.DSN, "history-dsn", cfg.History.DSN, "Postgres DSN for call history (enables history)")
	flag.StringVar(&opts.uid, "uid", hostname(), "participant name announced to the room")
	flag.BoolVar(&opts.offer, "offer", false, "send the offer when another participant joins")
	flag.BoolVar(&opts.video, "video", true, "start the camera on launch")
	flag.BoolVar(&opts.audio, "audio", true, "start the microphone on launch")
	flag.StringVar(&opts.screen, "screen", "", "share this screen ID on launch (\"default\" for the primary screen)")
	flag.BoolVar(&opts.listDev, "list-devices", false, "print the device inventory and exit")
	flag.Parse()

	if cfg.History.DSN != "" {
		cfg.History.Enabled = true
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, opts, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if opts.listDev {
		app.printDevices()
		return
	}

	if err := app.Initialize(); err != nil {
		logger.Error("Failed to initialize application", zap.Error(err))
		return
	}
	app.Wait()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "participant"
	}
	return h
}
