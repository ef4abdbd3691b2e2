package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/negotiator"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

// Recorder follows negotiator events and saves one Call per peer
// connection. Writes happen on Run's goroutine, never on the bus.
type Recorder struct {
	store  Store
	room   string
	logger *zap.Logger
	queue  chan events.Event
	now    func() time.Time

	calls map[uint64]*Call
}

func NewRecorder(store Store, room string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		room:   room,
		logger: logger.Named("history"),
		queue:  make(chan events.Event, 128),
		now:    time.Now,
		calls:  map[uint64]*Call{},
	}
}

// Run subscribes to bus and records until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	token := bus.Subscribe(r.enqueue)
	defer bus.Unsubscribe(token)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			r.apply(ctx, ev)
		}
	}
}

func (r *Recorder) enqueue(ev events.Event) {
	switch ev.(type) {
	case negotiator.ConnectionStateChanged, negotiator.OfferCreated, negotiator.AnswerCreated,
		negotiator.ICECandidate, events.Error:
	default:
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("History queue full, dropping event", zap.String("event", ev.EventName()))
	}
}

func (r *Recorder) apply(ctx context.Context, ev events.Event) {
	var call *Call
	switch e := ev.(type) {
	case negotiator.ConnectionStateChanged:
		call = r.onState(e)
	case negotiator.OfferCreated:
		if call = r.calls[e.Generation]; call != nil {
			call.Offerer = true
			call.MediaKinds = kindsOf(e.Description)
		}
	case negotiator.AnswerCreated:
		if call = r.calls[e.Generation]; call != nil {
			call.MediaKinds = kindsOf(e.Description)
		}
	case negotiator.ICECandidate:
		if !e.Remote {
			return
		}
		if call = r.calls[e.Generation]; call != nil {
			call.RemoteCandidates++
		}
	case events.Error:
		if call = r.calls[e.Generation]; call != nil && e.Err != nil {
			call.LastError = e.Err.Error()
		}
	}
	if call == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.store.Save(saveCtx, *call); err != nil {
		r.logger.Warn("Failed to save call", zap.String("id", call.ID.String()), zap.Error(err))
	}
	if call.Outcome != OutcomeNone {
		delete(r.calls, call.Generation)
	}
}

func (r *Recorder) onState(e negotiator.ConnectionStateChanged) *Call {
	now := r.now()
	switch e.State {
	case negotiator.StateConnecting:
		call := &Call{ID: e.ID, Generation: e.Generation, Room: r.room, StartedAt: now}
		r.calls[e.Generation] = call
		return call
	case negotiator.StateConnected:
		call := r.calls[e.Generation]
		if call != nil && call.ConnectedAt == nil {
			call.ConnectedAt = &now
		}
		return call
	case negotiator.StateFailed, negotiator.StateDisconnected:
		call := r.calls[e.Generation]
		if call == nil {
			return nil
		}
		call.EndedAt = &now
		switch {
		case e.State == negotiator.StateFailed:
			call.Outcome = OutcomeFailed
		case call.ConnectedAt != nil:
			call.Outcome = OutcomeCompleted
		default:
			call.Outcome = OutcomeAbandoned
		}
		return call
	}
	return nil
}

func kindsOf(desc sdp.Description) []string {
	parsed, err := sdp.Parse(desc.SDP)
	if err != nil {
		return nil
	}
	return parsed.Kinds()
}
