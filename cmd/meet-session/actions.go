package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/media"
)

// errNoFallback makes the executor escalate.
var errNoFallback = errors.New("no fallback for this operation")

// Retry redials the relay after a transport failure; anything else is a
// fresh negotiation.
func (app *Application) Retry(ctx context.Context, ev events.Error) error {
	if ev.Source != "signaling" {
		return app.bridge.Renegotiate()
	}
	// The executor owns the backoff, so each retry is a single dial.
	cfg := app.cfg.Signaling
	cfg.DialAttempts = 1
	if err := app.connect(cfg); err != nil {
		return err
	}
	app.logger.Info("Reconnected to signaling relay")
	return nil
}

func (app *Application) Restart(ctx context.Context, ev events.Error) error {
	app.logger.Info("Restarting negotiation", zap.Uint64("generation", ev.Generation))
	return app.bridge.Renegotiate()
}

// Fallback moves a failed capture to the default device of its kind.
func (app *Application) Fallback(ctx context.Context, ev events.Error) error {
	var ae *apperr.Error
	if !errors.As(ev.Err, &ae) {
		return errNoFallback
	}

	switch ae.Op {
	case "startLocalVideo", "selectCamera":
		return app.fallbackInput(ctx, media.DeviceVideo, ae.DeviceID, app.session.SelectCamera, app.session.StartLocalVideo)
	case "startLocalAudio", "selectMicrophone":
		return app.fallbackInput(ctx, media.DeviceAudio, ae.DeviceID, app.session.SelectMicrophone, app.session.StartLocalAudio)
	case "deviceRemoved":
		return app.inventory.Refresh(ctx)
	case "newSession", "setMediaQuality":
		q := app.session.DegradeQuality()
		app.logger.Info("Fell back to a lower quality", zap.String("quality", q.Name))
		return nil
	}
	return fmt.Errorf("%s: %w", ae.Op, errNoFallback)
}

func (app *Application) fallbackInput(ctx context.Context, t media.DeviceType, failed string,
	sel func(context.Context, string) error, start func(context.Context) error) error {
	if err := app.inventory.Refresh(ctx); err != nil {
		return err
	}
	for _, d := range app.inventory.DevicesOf(t, media.Input) {
		if d.ID == failed || d.State != media.StateAvailable {
			continue
		}
		app.logger.Info("Falling back to another device",
			zap.String("failed", failed),
			zap.String("device", d.ID),
			zap.String("name", d.Name))
		if err := sel(ctx, d.ID); err != nil {
			continue
		}
		return start(ctx)
	}
	return fmt.Errorf("%s: %w", t, media.ErrNoDevice)
}

func (app *Application) Escalate(ev events.Error) {
	app.logger.Error("Unrecoverable error, user action needed",
		zap.String("source", ev.Source),
		zap.Uint64("generation", ev.Generation),
		zap.Error(ev.Err))
}

func (app *Application) Shutdown(ev events.Error) {
	app.logger.Error("Fatal error, shutting down", zap.String("source", ev.Source), zap.Error(ev.Err))
	app.cancel()
}
