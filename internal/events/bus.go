// Package events delivers state-change notifications from the negotiator
// and the media session to whoever subscribed to them.
//
// A Bus owns one dispatch goroutine. Events are delivered in the order they
// were published and, for each event, subscribers are called in the order
// they subscribed. Publish never blocks the caller.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Event is anything that can be published on a Bus.
type Event interface {
	EventName() string
}

// Handler receives events. Handlers run on the bus goroutine and must not
// block for long; they may publish further events.
type Handler func(Event)

// Token identifies a subscription.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
}

// barrier is published by Sync and closed once dispatched.
type barrier struct{ done chan struct{} }

func (barrier) EventName() string { return "barrier" }

// Bus is an ordered, asynchronous publish/subscribe hub.
type Bus struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	subs      []subscription
	nextToken Token
	closed    bool
	done      chan struct{}
	logger    *zap.Logger
}

// NewBus starts a bus. Call Close to stop its goroutine.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		done:   make(chan struct{}),
		logger: logger.Named("events"),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Subscribe registers h and returns a token for Unsubscribe.
func (b *Bus) Subscribe(h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken++
	b.subs = append(b.subs, subscription{token: b.nextToken, handler: h})
	return b.nextToken
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.token == t {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish queues ev for delivery. Events published after Close are dropped.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Debug("Dropping event on closed bus", zap.String("event", ev.EventName()))
		return
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
}

// Sync blocks until every event published before the call has been
// delivered. It returns immediately on a closed bus.
func (b *Bus) Sync() {
	bar := barrier{done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.queue = append(b.queue, bar)
	b.cond.Signal()
	b.mu.Unlock()

	<-bar.done
}

// Close delivers what is already queued, then stops the dispatch goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		if bar, ok := ev.(barrier); ok {
			close(bar.done)
			continue
		}
		for _, s := range subs {
			b.deliver(s, ev)
		}
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", ev.EventName()),
				zap.Uint64("token", uint64(s.token)),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}
