// Package recovery decides what to do about surfaced errors and does it.
//
// Decide is a pure policy over the apperr taxonomy. The Executor applies
// the policy to every events.Error on the bus through an Actions
// implementation supplied by the application.
package recovery

import (
	"fmt"

	"github.com/mikeyg42/meetsession/internal/apperr"
)

// Action is a recovery decision.
type Action int

const (
	Ignore Action = iota
	Retry
	Restart
	Fallback
	Shutdown
	Escalate
)

func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case Retry:
		return "retry"
	case Restart:
		return "restart"
	case Fallback:
		return "fallback"
	case Shutdown:
		return "shutdown"
	case Escalate:
		return "escalate"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decide maps an error to an action. Severity wins over kind at the
// extremes: fatal shuts down, critical escalates, informational is
// ignored.
func Decide(err error) Action {
	if err == nil {
		return Ignore
	}

	switch apperr.SeverityOf(err) {
	case apperr.SeverityFatal:
		return Shutdown
	case apperr.SeverityCritical:
		return Escalate
	case apperr.SeverityInfo:
		return Ignore
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		// Already returned to the caller; nothing to repair.
		return Ignore
	case apperr.KindPermission:
		return Escalate
	case apperr.KindDevice, apperr.KindConfiguration:
		return Fallback
	case apperr.KindNegotiation:
		return Restart
	case apperr.KindTimeout, apperr.KindTransport:
		return Retry
	default:
		return Escalate
	}
}
