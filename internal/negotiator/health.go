package negotiator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/ice"
)

// HealthLevel grades the selected candidate pair.
type HealthLevel int

const (
	HealthOK HealthLevel = iota
	HealthWarning
	HealthCritical
)

func (l HealthLevel) String() string {
	switch l {
	case HealthOK:
		return "ok"
	case HealthWarning:
		return "warning"
	case HealthCritical:
		return "critical"
	default:
		return "unknown"
	}
}

const rttBufferCapacity = 10

// rttBuffer keeps the last capacity RTT samples.
type rttBuffer struct {
	mu       sync.RWMutex
	data     []time.Duration
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
}

func newRTTBuffer(capacity int) *rttBuffer {
	return &rttBuffer{data: make([]time.Duration, capacity), capacity: capacity}
}

func (b *rttBuffer) Add(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = d
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	} else {
		b.tail = (b.tail + 1) % b.capacity
	}
}

// All returns samples oldest first.
func (b *rttBuffer) All() []time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]time.Duration, b.size)
	cur := b.tail
	for i := 0; i < b.size; i++ {
		out[i] = b.data[cur]
		cur = (cur + 1) % b.capacity
	}
	return out
}

// ema smooths samples so one slow probe does not flip the level.
func ema(samples []time.Duration) time.Duration {
	const alpha = 0.2
	if len(samples) == 0 {
		return 0
	}
	v := float64(samples[0])
	for _, s := range samples[1:] {
		v = alpha*float64(s) + (1-alpha)*v
	}
	return time.Duration(v)
}

// healthMonitor samples the agent's RTT while connected and reports level
// changes through report.
type healthMonitor struct {
	agent    ice.Agent
	interval time.Duration
	warning  time.Duration
	critical time.Duration
	samples  *rttBuffer
	level    HealthLevel
	report   func(HealthLevel, time.Duration)
	logger   *zap.Logger
}

func (h *healthMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sample()
		}
	}
}

func (h *healthMonitor) sample() {
	rtt, ok := h.agent.SelectedPairRTT()
	if !ok {
		return
	}
	h.samples.Add(rtt)
	smoothed := ema(h.samples.All())

	level := HealthOK
	switch {
	case smoothed >= h.critical:
		level = HealthCritical
	case smoothed >= h.warning:
		level = HealthWarning
	}
	if level == h.level {
		return
	}
	h.logger.Info("Connection health changed",
		zap.String("from", h.level.String()),
		zap.String("to", level.String()),
		zap.Duration("rtt", smoothed))
	h.level = level
	h.report(level, smoothed)
}
