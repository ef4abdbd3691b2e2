// Package history keeps a record of every peer connection: when it
// started, whether it connected, and how it ended.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is how a call ended. Empty while the call is in progress.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAbandoned is a call closed before it ever connected.
	OutcomeAbandoned Outcome = "abandoned"
)

// Call is one peer connection.
type Call struct {
	ID               uuid.UUID
	Generation       uint64
	Room             string
	Offerer          bool
	MediaKinds       []string
	RemoteCandidates int
	StartedAt        time.Time
	ConnectedAt      *time.Time
	EndedAt          *time.Time
	Outcome          Outcome
	LastError        string
}

// Duration is the connected time, zero if the call never connected.
func (c Call) Duration() time.Duration {
	if c.ConnectedAt == nil {
		return 0
	}
	end := time.Now()
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	return end.Sub(*c.ConnectedAt)
}

var ErrNotFound = errors.New("history: call not found")

// Store persists calls. Save inserts or replaces by ID.
type Store interface {
	Save(ctx context.Context, call Call) error
	Get(ctx context.Context, id uuid.UUID) (Call, error)
	Recent(ctx context.Context, limit int) ([]Call, error)
	Close() error
}

// MemoryStore keeps calls in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: map[uuid.UUID]Call{}}
}

func (m *MemoryStore) Save(_ context.Context, call Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call.MediaKinds = append([]string(nil), call.MediaKinds...)
	m.calls[call.ID] = call
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return call, nil
}

// Recent returns up to limit calls, newest first.
func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Call, error) {
	m.mu.RLock()
	out := make([]Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
