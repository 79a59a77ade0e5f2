// Package postgres stores the hash-chained audit event log in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/events"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// chainLockKey serialises appends so that every event links to its
// predecessor.
const chainLockKey int64 = 0x45474f4c4f47

// Config describes the connection pool.
type Config struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// Connect opens a pgx pool with the configured limits.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse postgres dsn")
	}
	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.HealthCheckPeriod = 30 * time.Second
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping postgres")
	}
	return pool, nil
}

// EventLog is a PostgreSQL-backed events.Log. The encoded data is kept
// verbatim next to the JSONB copy so verification never depends on how
// the database normalises JSON.
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog creates an EventLog on pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// EnsureSchema creates the events table and its indexes.
func (l *EventLog) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL UNIQUE,
			kind        TEXT NOT NULL,
			subject     TEXT NOT NULL,
			actor       TEXT NOT NULL DEFAULT '',
			data        JSONB NOT NULL DEFAULT '{}',
			data_raw    TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			hash        TEXT NOT NULL,
			prev_hash   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "ensure audit_events schema")
		}
	}
	return nil
}

// Append implements events.Log.
func (l *EventLog) Append(ctx context.Context, e *events.Event) error {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "marshal event data")
	}
	// TIMESTAMPTZ keeps microseconds; hash what will be read back.
	e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin append")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "lock event chain")
	}
	var prev string
	err = tx.QueryRow(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read chain head")
	}

	hash := events.HashEncoded(prev, e, raw)
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (id, kind, subject, actor, data, data_raw, occurred_at, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		e.ID, string(e.Kind), e.Subject, e.Actor, string(raw), string(raw), e.OccurredAt, hash, prev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert event")
	}
	if err := tx.Commit(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit event")
	}
	e.PrevHash = prev
	e.Hash = hash
	return nil
}

// Recent implements events.Log, newest first.
func (l *EventLog) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx, `
		SELECT id, kind, subject, actor, data_raw, occurred_at, hash, prev_hash
		FROM audit_events ORDER BY seq DESC LIMIT $1`, limit)
}

// BySubject implements events.Log, oldest first.
func (l *EventLog) BySubject(ctx context.Context, subject string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		return l.query(ctx, `
			SELECT id, kind, subject, actor, data_raw, occurred_at, hash, prev_hash
			FROM audit_events WHERE subject = $1 ORDER BY seq ASC`, subject)
	}
	return l.query(ctx, `
		SELECT id, kind, subject, actor, data_raw, occurred_at, hash, prev_hash
		FROM audit_events WHERE subject = $1 ORDER BY seq ASC LIMIT $2`, subject, limit)
}

// Verify walks the chain in append order and recomputes every link.
func (l *EventLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `
		SELECT id, kind, subject, actor, data_raw, occurred_at, hash, prev_hash
		FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "verify chain query")
	}
	defer rows.Close()

	prev := ""
	i := 0
	for rows.Next() {
		e, raw, err := scanEvent(rows)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("verify chain scan row %d", i))
		}
		if e.PrevHash != prev {
			return fmt.Errorf("event %d (%s): prev_hash mismatch", i, e.ID)
		}
		if want := events.HashEncoded(prev, &e, raw); e.Hash != want {
			return fmt.Errorf("event %d (%s): hash mismatch", i, e.ID)
		}
		prev = e.Hash
		i++
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "verify chain rows")
	}
	return nil
}

// Close releases the pool.
func (l *EventLog) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}

func (l *EventLog) query(ctx context.Context, query string, args ...any) ([]events.Event, error) {
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query events")
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	for rows.Next() {
		e, _, err := scanEvent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan event")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "row iteration")
	}
	return out, nil
}

func scanEvent(row pgx.Row) (events.Event, []byte, error) {
	var e events.Event
	var kind, raw string
	if err := row.Scan(&e.ID, &kind, &e.Subject, &e.Actor, &raw, &e.OccurredAt, &e.Hash, &e.PrevHash); err != nil {
		return events.Event{}, nil, err
	}
	e.Kind = events.Kind(kind)
	e.OccurredAt = e.OccurredAt.UTC()
	if err := decodeData(raw, &e); err != nil {
		return events.Event{}, nil, err
	}
	return e, []byte(raw), nil
}

func decodeData(raw string, e *events.Event) error {
	if raw == "" {
		e.Data = map[string]any{}
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
		return fmt.Errorf("unmarshal event data: %w", err)
	}
	return nil
}

var _ events.Log = (*EventLog)(nil)
