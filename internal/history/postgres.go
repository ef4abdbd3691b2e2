package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id                UUID PRIMARY KEY,
	generation        BIGINT NOT NULL,
	room              TEXT NOT NULL DEFAULT '',
	offerer           BOOLEAN NOT NULL DEFAULT FALSE,
	media_kinds       TEXT[] NOT NULL DEFAULT '{}',
	remote_candidates INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ NOT NULL,
	connected_at      TIMESTAMPTZ,
	ended_at          TIMESTAMPTZ,
	outcome           VARCHAR(20) NOT NULL DEFAULT ''
		CHECK (outcome IN ('', 'completed', 'failed', 'abandoned')),
	last_error        TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at DESC);
`

// callRow is the calls table as sqlx sees it.
type callRow struct {
	ID               uuid.UUID      `db:"id"`
	Generation       int64          `db:"generation"`
	Room             string         `db:"room"`
	Offerer          bool           `db:"offerer"`
	MediaKinds       pq.StringArray `db:"media_kinds"`
	RemoteCandidates int            `db:"remote_candidates"`
	StartedAt        time.Time      `db:"started_at"`
	ConnectedAt      sql.NullTime   `db:"connected_at"`
	EndedAt          sql.NullTime   `db:"ended_at"`
	Outcome          string         `db:"outcome"`
	LastError        string         `db:"last_error"`
}

func toRow(c Call) callRow {
	r := callRow{
		ID:               c.ID,
		Generation:       int64(c.Generation),
		Room:             c.Room,
		Offerer:          c.Offerer,
		MediaKinds:       pq.StringArray(c.MediaKinds),
		RemoteCandidates: c.RemoteCandidates,
		StartedAt:        c.StartedAt,
		Outcome:          string(c.Outcome),
		LastError:        c.LastError,
	}
	if r.MediaKinds == nil {
		r.MediaKinds = pq.StringArray{}
	}
	if c.ConnectedAt != nil {
		r.ConnectedAt = sql.NullTime{Time: *c.ConnectedAt, Valid: true}
	}
	if c.EndedAt != nil {
		r.EndedAt = sql.NullTime{Time: *c.EndedAt, Valid: true}
	}
	return r
}

func (r callRow) call() Call {
	c := Call{
		ID:               r.ID,
		Generation:       uint64(r.Generation),
		Room:             r.Room,
		Offerer:          r.Offerer,
		MediaKinds:       []string(r.MediaKinds),
		RemoteCandidates: r.RemoteCandidates,
		StartedAt:        r.StartedAt,
		Outcome:          Outcome(r.Outcome),
		LastError:        r.LastError,
	}
	if r.ConnectedAt.Valid {
		t := r.ConnectedAt.Time
		c.ConnectedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		c.EndedAt = &t
	}
	return c
}

// PostgresStore keeps calls in PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects with a lib/pq DSN (URL or key=value form) and
// creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(pingCtx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStore{db: db, logger: logger.Named("history-store")}, nil
}

func (s *PostgresStore) Save(ctx context.Context, call Call) error {
	query := `
		INSERT INTO calls (
			id, generation, room, offerer, media_kinds, remote_candidates,
			started_at, connected_at, ended_at, outcome, last_error
		) VALUES (
			:id, :generation, :room, :offerer, :media_kinds, :remote_candidates,
			:started_at, :connected_at, :ended_at, :outcome, :last_error
		)
		ON CONFLICT (id) DO UPDATE SET
			offerer = EXCLUDED.offerer,
			media_kinds = EXCLUDED.media_kinds,
			remote_candidates = EXCLUDED.remote_candidates,
			connected_at = EXCLUDED.connected_at,
			ended_at = EXCLUDED.ended_at,
			outcome = EXCLUDED.outcome,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`
	if _, err := s.db.NamedExecContext(ctx, query, toRow(call)); err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}
	s.logger.Debug("Call saved",
		zap.String("id", call.ID.String()),
		zap.String("outcome", string(call.Outcome)))
	return nil
}

const selectCalls = `
	SELECT id, generation, room, offerer, media_kinds, remote_candidates,
	       started_at, connected_at, ended_at, outcome, last_error
	FROM calls
`

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Call, error) {
	var row callRow
	err := s.db.GetContext(ctx, &row, selectCalls+" WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("failed to get call: %w", err)
	}
	return row.call(), nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []callRow
	if err := s.db.SelectContext(ctx, &rows, selectCalls+" ORDER BY started_at DESC LIMIT $1", limit); err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	out := make([]Call, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.call())
	}
	return out, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
