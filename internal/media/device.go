// Package media tracks the local capture devices and the streams opened on
// them for the current call.
package media

import "errors"

var (
	ErrNoDevice      = errors.New("media: no device available")
	ErrUnknownDevice = errors.New("media: unknown device")
	ErrDeviceBusy    = errors.New("media: device in use")
	// ErrUnsupportedTarget is returned for share targets the capturer
	// cannot open.
	ErrUnsupportedTarget = errors.New("media: share target not supported")
	// ErrDeviceFault marks capture errors caused by the hardware itself.
	// The device is put in StateError.
	ErrDeviceFault = errors.New("media: device fault")
)

type DeviceType int

const (
	DeviceAudio DeviceType = iota
	DeviceVideo
	DeviceScreen
)

func (t DeviceType) String() string {
	switch t {
	case DeviceAudio:
		return "audio"
	case DeviceVideo:
		return "video"
	case DeviceScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Direction separates microphones from speakers.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

type DeviceState int

const (
	StateUnavailable DeviceState = iota
	StateAvailable
	StateActive
	StateError
)

func (s DeviceState) String() string {
	switch s {
	case StateUnavailable:
		return "unavailable"
	case StateAvailable:
		return "available"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Device is one capture or render device.
type Device struct {
	ID        string
	Name      string
	Type      DeviceType
	Direction Direction
	State     DeviceState
	IsDefault bool
}

// StreamKind is what a local or remote stream carries.
type StreamKind int

const (
	StreamAudio StreamKind = iota
	StreamVideo
	StreamScreen
)

func (k StreamKind) String() string {
	switch k {
	case StreamAudio:
		return "audio"
	case StreamVideo:
		return "video"
	case StreamScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// TargetKind selects between whole-screen and single-window capture.
type TargetKind int

const (
	TargetScreen TargetKind = iota
	TargetWindow
)

// ScreenTarget is what a screen share captures. An empty screen ID means
// the default screen.
type ScreenTarget struct {
	Kind TargetKind
	ID   string
}

// Stream is a local or remote media stream. Generation is the peer
// connection it is bound to, 0 when unbound.
type Stream struct {
	ID         string
	Kind       StreamKind
	DeviceID   string
	Target     *ScreenTarget
	Generation uint64
}
