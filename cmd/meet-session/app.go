package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/config"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/history"
	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/logging"
	"github.com/mikeyg42/meetsession/internal/media"
	"github.com/mikeyg42/meetsession/internal/negotiator"
	"github.com/mikeyg42/meetsession/internal/permissions"
	"github.com/mikeyg42/meetsession/internal/recovery"
	"github.com/mikeyg42/meetsession/internal/sdp"
	"github.com/mikeyg42/meetsession/internal/signaling"
)

const deviceWatchInterval = 5 * time.Second

// Application holds all components of one client process.
type Application struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	opts   options
	logger *zap.Logger

	bus        *events.Bus
	inventory  *media.Inventory
	session    *media.Session
	negotiator *negotiator.Negotiator
	executor   *recovery.Executor
	bridge     *signaling.Bridge
	history    history.Store

	mu     sync.Mutex
	client *signaling.Client
	token  events.Token
	wg     sync.WaitGroup
}

func NewApplication(parent context.Context, cfg *config.Config, opts options, logger *zap.Logger) (*Application, error) {
	ctx, cancel := context.WithCancel(parent)
	app := &Application{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		bus:    events.NewBus(logger),
	}

	app.inventory = media.NewInventory(media.SystemEnumerator{}, app.bus, logger)
	if err := app.inventory.Refresh(ctx); err != nil {
		logger.Warn("Initial device enumeration failed", zap.Error(err))
	}

	quality := media.DefaultQuality()
	if q := media.ProfileByName(cfg.Media.QualityProfile); q != nil {
		quality = *q
	}
	session, err := media.NewSession(media.SessionConfig{
		Logger:      logger,
		Bus:         app.bus,
		Inventory:   app.inventory,
		Permissions: permissions.NewChecker(cfg.Media),
		Quality:     quality,
	})
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create media session: %w", err)
	}
	app.session = session

	agents, err := ice.NewFactory(cfg.ICE, logging.NewPionFactory(logger), logger)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create ICE agent factory: %w", err)
	}
	app.negotiator, err = negotiator.New(negotiator.Config{
		Logger:         logger,
		Bus:            app.bus,
		NewAgent:       agents,
		Media:          session,
		ConnectTimeout: cfg.ICE.ConnectTimeout,
		HealthInterval: cfg.ICE.HealthInterval,
		WarningRTT:     cfg.ICE.WarningRTT,
		CriticalRTT:    cfg.ICE.CriticalRTT,
	})
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create negotiator: %w", err)
	}

	app.executor, err = recovery.NewExecutor(recovery.Config{
		Logger:         logger,
		Bus:            app.bus,
		Actions:        app,
		MaxRetries:     cfg.Recovery.MaxRetries,
		InitialBackoff: cfg.Recovery.InitialBackoff,
		MaxBackoff:     cfg.Recovery.MaxBackoff,
	})
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create recovery executor: %w", err)
	}

	app.bridge = signaling.NewBridge(app.negotiator, app, app.bus, opts.offer, logger)
	return app, nil
}

// Initialize starts background work, connects to the relay and starts
// local media.
func (app *Application) Initialize() error {
	app.token = app.bus.Subscribe(app.handleEvent)

	app.goRun(func() { app.inventory.Watch(app.ctx, deviceWatchInterval) })
	app.goRun(func() { app.executor.Run(app.ctx) })

	if app.cfg.History.Enabled {
		store, err := history.NewPostgresStore(app.ctx, app.cfg.History.DSN, app.logger)
		if err != nil {
			// History is best effort; the call goes on without it.
			app.logger.Warn("Call history disabled", zap.Error(err))
		} else {
			app.history = store
			rec := history.NewRecorder(store, app.cfg.Signaling.Room, app.logger)
			app.goRun(func() { rec.Run(app.ctx, app.bus) })
		}
	}

	app.bridge.Start()
	if err := app.connect(app.cfg.Signaling); err != nil {
		return err
	}

	if app.opts.audio {
		if err := app.session.StartLocalAudio(app.ctx); err != nil {
			app.logger.Warn("Microphone not started", zap.Error(err))
		}
	}
	if app.opts.video {
		if err := app.session.StartLocalVideo(app.ctx); err != nil {
			app.logger.Warn("Camera not started", zap.Error(err))
		}
	}
	if app.opts.screen != "" {
		target := media.ScreenTarget{Kind: media.TargetScreen}
		if app.opts.screen != "default" {
			target.ID = app.opts.screen
		}
		if err := app.session.StartScreenSharing(app.ctx, target); err != nil {
			app.logger.Warn("Screen sharing not started", zap.Error(err))
		}
	}
	return nil
}

// Wait blocks until the application is shut down.
func (app *Application) Wait() {
	<-app.ctx.Done()
	app.logger.Info("Shutting down")
}

// connect dials the relay, joins the room and starts reading.
func (app *Application) connect(cfg config.SignalingConfig) error {
	client, err := signaling.Dial(app.ctx, cfg, app.logger)
	if err != nil {
		return err
	}
	if err := client.Join(app.opts.uid); err != nil {
		client.Close()
		return fmt.Errorf("failed to join room: %w", err)
	}

	app.mu.Lock()
	old := app.client
	app.client = client
	app.mu.Unlock()
	if old != nil {
		old.Close()
	}

	app.goRun(func() {
		err := client.Run(app.ctx, app.bridge)
		if err != nil && app.ctx.Err() == nil {
			app.bus.Publish(events.Error{Source: "signaling", Err: err})
		}
	})
	return nil
}

func (app *Application) handleEvent(ev events.Event) {
	switch e := ev.(type) {
	case negotiator.ConnectionStateChanged:
		app.logger.Info("Call state changed", zap.Stringer("state", e.State), zap.Uint64("generation", e.Generation))
		if e.State == negotiator.StateConnected {
			app.executor.Reset()
		}
	case negotiator.QualityWarning:
		if e.Level == negotiator.HealthCritical {
			q := app.session.DegradeQuality()
			app.logger.Warn("Connection degraded, lowering quality",
				zap.Duration("rtt", e.RTT),
				zap.String("quality", q.Name))
		}
	case media.DevicesChanged:
		for _, d := range e.Added {
			app.logger.Info("Device added", zap.String("name", d.Name), zap.Stringer("type", d.Type))
		}
	default:
		app.logger.Debug("Event", zap.String("name", ev.EventName()))
	}
}

func (app *Application) currentClient() (*signaling.Client, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.client == nil {
		return nil, signaling.ErrClosed
	}
	return app.client, nil
}

// The Application is the bridge's Sender so that a redial does not have
// to rebuild the bridge.

func (app *Application) SendOffer(desc sdp.Description) error {
	c, err := app.currentClient()
	if err != nil {
		return err
	}
	return c.SendOffer(desc)
}

func (app *Application) SendAnswer(desc sdp.Description) error {
	c, err := app.currentClient()
	if err != nil {
		return err
	}
	return c.SendAnswer(desc)
}

func (app *Application) SendCandidate(cand ice.Candidate) error {
	c, err := app.currentClient()
	if err != nil {
		return err
	}
	return c.SendCandidate(cand)
}

func (app *Application) printDevices() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tDIRECTION\tID\tNAME\tDEFAULT")
	for _, d := range app.inventory.Devices() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", d.Type, d.Direction, d.ID, d.Name, d.IsDefault)
	}
	w.Flush()
}

func (app *Application) goRun(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// Cleanup leaves the room and releases every device.
func (app *Application) Cleanup() {
	app.mu.Lock()
	client := app.client
	app.mu.Unlock()
	if client != nil {
		if err := client.Leave(); err != nil && !errors.Is(err, signaling.ErrClosed) {
			app.logger.Debug("Leave not sent", zap.Error(err))
		}
	}
	if app.bridge != nil {
		app.bridge.Stop()
	}
	if app.negotiator != nil {
		app.negotiator.ClosePeerConnection()
	}
	if app.session != nil {
		app.session.Close()
	}
	if client != nil {
		client.Close()
	}

	app.cancel()
	app.wg.Wait()
	if app.token != 0 {
		app.bus.Unsubscribe(app.token)
	}
	if app.history != nil {
		app.history.Close()
	}
	app.bus.Close()
}
