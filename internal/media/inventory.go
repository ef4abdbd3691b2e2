package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/events"
)

// Enumerator lists the devices the OS currently exposes.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// SystemEnumerator enumerates through the registered mediadevices drivers.
// Drivers register themselves by blank import (camera, microphone, screen).
type SystemEnumerator struct{}

func (SystemEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Device
	for _, info := range mediadevices.EnumerateDevices() {
		dev := Device{
			ID:    info.DeviceID,
			Name:  info.Label,
			State: StateAvailable,
		}
		switch {
		case info.DeviceType == driver.Screen:
			dev.Type, dev.Direction = DeviceScreen, Input
		case info.Kind == mediadevices.VideoInput:
			dev.Type, dev.Direction = DeviceVideo, Input
		case info.Kind == mediadevices.AudioInput:
			dev.Type, dev.Direction = DeviceAudio, Input
		case info.Kind == mediadevices.AudioOutput:
			dev.Type, dev.Direction = DeviceAudio, Output
		default:
			continue
		}
		if dev.Name == "" {
			dev.Name = dev.ID
		}
		out = append(out, dev)
	}
	return out, nil
}

// Inventory is the shared device list. Anyone may read it; only the
// Session changes device state.
type Inventory struct {
	mu      sync.RWMutex
	devices []Device

	enum   Enumerator
	bus    *events.Bus
	logger *zap.Logger
}

// NewInventory returns an empty inventory. Call Refresh to populate it.
func NewInventory(enum Enumerator, bus *events.Bus, logger *zap.Logger) *Inventory {
	if enum == nil {
		enum = SystemEnumerator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inventory{enum: enum, bus: bus, logger: logger.Named("inventory")}
}

// Refresh re-enumerates devices. Devices still present keep an Active or
// Error state; the first device of each type and direction becomes the
// default unless the enumerator already flagged one. DevicesChanged is
// published when anything was added or removed.
func (inv *Inventory) Refresh(ctx context.Context) error {
	fresh, err := inv.enum.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	inv.mu.Lock()
	old := make(map[string]Device, len(inv.devices))
	for _, d := range inv.devices {
		old[d.ID] = d
	}

	seen := make(map[string]bool, len(fresh))
	var added []Device
	next := make([]Device, 0, len(fresh))
	for _, d := range fresh {
		if d.ID == "" || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if d.State == StateUnavailable {
			d.State = StateAvailable
		}
		if prev, ok := old[d.ID]; ok {
			if prev.State == StateActive || prev.State == StateError {
				d.State = prev.State
			}
		} else {
			added = append(added, d)
		}
		next = append(next, d)
	}
	markDefaults(next)

	var removed []Device
	for _, d := range inv.devices {
		if !seen[d.ID] {
			d.State = StateUnavailable
			removed = append(removed, d)
		}
	}
	inv.devices = next
	inv.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		inv.logger.Info("Device list changed",
			zap.Int("added", len(added)),
			zap.Int("removed", len(removed)),
			zap.Int("total", len(next)))
		if inv.bus != nil {
			inv.bus.Publish(DevicesChanged{Added: added, Removed: removed})
		}
	}
	return nil
}

// Watch refreshes every interval until ctx is done. Enumeration errors are
// logged and the loop carries on.
func (inv *Inventory) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := inv.Refresh(ctx); err != nil && ctx.Err() == nil {
				inv.logger.Warn("Device refresh failed", zap.Error(err))
			}
		}
	}
}

func markDefaults(devs []Device) {
	type group struct {
		t DeviceType
		d Direction
	}
	has := map[group]bool{}
	for _, d := range devs {
		if d.IsDefault {
			has[group{d.Type, d.Direction}] = true
		}
	}
	for i := range devs {
		g := group{devs[i].Type, devs[i].Direction}
		if !has[g] {
			devs[i].IsDefault = true
			has[g] = true
		}
	}
}

// Devices returns a copy of the current list.
func (inv *Inventory) Devices() []Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]Device, len(inv.devices))
	copy(out, inv.devices)
	return out
}

// DevicesOf filters the list by type and direction.
func (inv *Inventory) DevicesOf(t DeviceType, dir Direction) []Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var out []Device
	for _, d := range inv.devices {
		if d.Type == t && d.Direction == dir {
			out = append(out, d)
		}
	}
	return out
}

func (inv *Inventory) Lookup(id string) (Device, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, d := range inv.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Default returns the default device of a type and direction.
func (inv *Inventory) Default(t DeviceType, dir Direction) (Device, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, d := range inv.devices {
		if d.Type == t && d.Direction == dir && d.IsDefault {
			return d, true
		}
	}
	return Device{}, false
}

func (inv *Inventory) setState(id string, st DeviceState) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := range inv.devices {
		if inv.devices[i].ID == id {
			inv.devices[i].State = st
			return true
		}
	}
	return false
}
