// Package apperr defines the error taxonomy shared by the negotiator, the
// media session and the recovery layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by what went wrong, not where.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindDevice
	KindPermission
	KindNegotiation
	KindTimeout
	KindTransport
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDevice:
		return "device"
	case KindPermission:
		return "permission"
	case KindNegotiation:
		return "negotiation"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Severity mirrors how loudly an error should be surfaced.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Error is a classified error. Op names the operation that failed
// (e.g. "setRemoteDescription"), DeviceID is set for device errors.
type Error struct {
	Kind     Kind
	Severity Severity
	Op       string
	DeviceID string
	Err      error
}

func (e *Error) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.DeviceID != "" && e.Op != "":
		return fmt.Sprintf("%s: %s error on device %q: %s", e.Op, e.Kind, e.DeviceID, msg)
	case e.DeviceID != "":
		return fmt.Sprintf("%s error on device %q: %s", e.Kind, e.DeviceID, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, sev Severity, op string, err error) *Error {
	return &Error{Kind: kind, Severity: sev, Op: op, Err: err}
}

// Validation reports malformed input (bad SDP, bad candidate fields).
func Validation(op string, err error) *Error {
	return newError(KindValidation, SeverityWarning, op, err)
}

// Device reports an unavailable or faulty capture/render device.
func Device(op, deviceID string, err error) *Error {
	e := newError(KindDevice, SeverityError, op, err)
	e.DeviceID = deviceID
	return e
}

// Permission reports denied camera/microphone/screen access.
func Permission(op string, err error) *Error {
	return newError(KindPermission, SeverityError, op, err)
}

// Negotiation reports ICE or session negotiation failure.
func Negotiation(op string, err error) *Error {
	return newError(KindNegotiation, SeverityError, op, err)
}

// Timeout reports an operation that did not complete in time.
func Timeout(op string, err error) *Error {
	return newError(KindTimeout, SeverityError, op, err)
}

// Transport reports signaling channel failures.
func Transport(op string, err error) *Error {
	return newError(KindTransport, SeverityError, op, err)
}

// Configuration reports invalid or missing configuration.
func Configuration(op string, err error) *Error {
	return newError(KindConfiguration, SeverityError, op, err)
}

// WithSeverity returns a copy of e with a different severity.
func (e *Error) WithSeverity(s Severity) *Error {
	cp := *e
	cp.Severity = s
	return &cp
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// SeverityOf returns the Severity of the first *Error in err's chain, or
// SeverityError when there is none.
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityError
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
