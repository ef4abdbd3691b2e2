// Package permissions gates access to capture devices.
package permissions

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mikeyg42/meetsession/internal/config"
)

// Kind is a capture capability that needs user consent.
type Kind int

const (
	Camera Kind = iota
	Microphone
	Screen
)

func (k Kind) String() string {
	switch k {
	case Camera:
		return "camera"
	case Microphone:
		return "microphone"
	case Screen:
		return "screen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// AuthorizationStatus is the current consent for one Kind.
type AuthorizationStatus int

const (
	NotDetermined AuthorizationStatus = iota
	Denied
	Authorized
)

func (s AuthorizationStatus) String() string {
	switch s {
	case NotDetermined:
		return "Not Determined"
	case Denied:
		return "Denied"
	case Authorized:
		return "Authorized"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// ErrDenied is returned by Check when access is not authorized.
var ErrDenied = errors.New("permissions: access denied")

// Checker holds the granted capabilities. Platforms without a consent
// prompt are configured up front from MediaConfig.
type Checker struct {
	mu     sync.RWMutex
	status map[Kind]AuthorizationStatus
}

// NewChecker seeds a Checker from configuration.
func NewChecker(cfg config.MediaConfig) *Checker {
	c := &Checker{status: map[Kind]AuthorizationStatus{}}
	c.Set(Camera, cfg.AllowCamera)
	c.Set(Microphone, cfg.AllowMicrophone)
	c.Set(Screen, cfg.AllowScreen)
	return c
}

// Set grants or revokes k.
func (c *Checker) Set(k Kind, granted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if granted {
		c.status[k] = Authorized
	} else {
		c.status[k] = Denied
	}
}

// Status returns the current consent for k.
func (c *Checker) Status(k Kind) AuthorizationStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status[k]
}

// Check returns nil when k is authorized.
func (c *Checker) Check(k Kind) error {
	if s := c.Status(k); s != Authorized {
		return fmt.Errorf("%s access %s: %w", k, s, ErrDenied)
	}
	return nil
}
