package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/events"
)

// Actions performs recovery effects. Retry, Restart and Fallback report
// whether the effect worked; a failed effect is escalated.
type Actions interface {
	Retry(ctx context.Context, ev events.Error) error
	Restart(ctx context.Context, ev events.Error) error
	Fallback(ctx context.Context, ev events.Error) error
	Escalate(ev events.Error)
	Shutdown(ev events.Error)
}

type Config struct {
	Logger  *zap.Logger
	Bus     *events.Bus
	Actions Actions

	// MaxRetries bounds backoff retries of one error and the number of
	// restarts or fallbacks per operation until Reset.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// QueueSize is how many errors may wait for the worker. Defaults to 32.
	QueueSize int
}

// Executor runs recovery for errors published on the bus. Errors are
// handled one at a time, in order, off the bus goroutine.
type Executor struct {
	cfg    Config
	logger *zap.Logger
	queue  chan events.Error

	mu       sync.Mutex
	attempts map[string]int
	token    events.Token
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Actions == nil {
		return nil, errors.New("recovery: executor needs actions")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return &Executor{
		cfg:      cfg,
		logger:   cfg.Logger.Named("recovery"),
		queue:    make(chan events.Error, cfg.QueueSize),
		attempts: map[string]int{},
	}, nil
}

// Run subscribes to the bus and works the queue until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	if e.cfg.Bus != nil {
		e.token = e.cfg.Bus.Subscribe(e.enqueue)
		defer e.cfg.Bus.Unsubscribe(e.token)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			e.Handle(ctx, ev)
		}
	}
}

func (e *Executor) enqueue(ev events.Event) {
	errEv, ok := ev.(events.Error)
	if !ok || errEv.Source == "recovery" {
		return
	}
	select {
	case e.queue <- errEv:
	default:
		e.logger.Warn("Recovery queue full, dropping error",
			zap.String("source", errEv.Source),
			zap.Error(errEv.Err))
	}
}

// Reset forgets restart and fallback counts, e.g. once a connection is up
// again.
func (e *Executor) Reset() {
	e.mu.Lock()
	e.attempts = map[string]int{}
	e.mu.Unlock()
}

// Handle decides and performs recovery for one error and returns the
// action that was finally taken.
func (e *Executor) Handle(ctx context.Context, ev events.Error) Action {
	action := Decide(ev.Err)
	op := opOf(ev.Err)
	logger := e.logger.With(
		zap.String("source", ev.Source),
		zap.String("op", op),
		zap.Uint64("generation", ev.Generation),
		zap.Stringer("action", action),
		zap.Error(ev.Err))

	switch action {
	case Ignore:
		logger.Debug("Ignoring error")
		return Ignore

	case Shutdown:
		logger.Error("Fatal error, shutting down")
		e.cfg.Actions.Shutdown(ev)
		e.publish(Attempted{Source: ev.Source, Op: op, Action: Shutdown, Attempts: 1})
		return Shutdown

	case Escalate:
		logger.Warn("Escalating error")
		e.cfg.Actions.Escalate(ev)
		e.publish(Attempted{Source: ev.Source, Op: op, Action: Escalate, Attempts: 1})
		return Escalate

	case Retry:
		attempts, err := e.retry(ctx, ev)
		e.publish(Attempted{Source: ev.Source, Op: op, Action: Retry, Attempts: attempts, Err: err})
		if err != nil {
			logger.Warn("Retries exhausted", zap.Int("attempts", attempts), zap.NamedError("last", err))
			return e.escalate(ev, op)
		}
		logger.Info("Retry succeeded", zap.Int("attempts", attempts))
		return Retry

	default:
		key := ev.Source + "/" + op
		e.mu.Lock()
		e.attempts[key]++
		n := e.attempts[key]
		e.mu.Unlock()
		if n > e.cfg.MaxRetries {
			logger.Warn("Recovery limit reached", zap.Int("count", n-1))
			return e.escalate(ev, op)
		}

		var err error
		if action == Restart {
			err = e.cfg.Actions.Restart(ctx, ev)
		} else {
			err = e.cfg.Actions.Fallback(ctx, ev)
		}
		e.publish(Attempted{Source: ev.Source, Op: op, Action: action, Attempts: 1, Err: err})
		if err != nil {
			logger.Warn("Recovery failed", zap.NamedError("cause", err))
			return e.escalate(ev, op)
		}
		logger.Info("Recovery succeeded", zap.Int("count", n))
		return action
	}
}

func (e *Executor) retry(ctx context.Context, ev events.Error) (int, error) {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = e.cfg.InitialBackoff
	ebo.MaxInterval = e.cfg.MaxBackoff
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	attempts := 0
	op := func() error {
		attempts++
		return e.cfg.Actions.Retry(ctx, ev)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(e.cfg.MaxRetries)), ctx)
	err := backoff.Retry(op, b)
	return attempts, err
}

func (e *Executor) escalate(ev events.Error, op string) Action {
	e.cfg.Actions.Escalate(ev)
	e.publish(Attempted{Source: ev.Source, Op: op, Action: Escalate, Attempts: 1})
	return Escalate
}

func (e *Executor) publish(ev events.Event) {
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(ev)
	}
}

func opOf(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Op != "" {
		return appErr.Op
	}
	return fmt.Sprintf("%T", err)
}
