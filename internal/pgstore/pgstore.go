// Package pgstore persists the engine's request table and event stream in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entropycalc/internal/engine"
	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
)

// Connect opens a pool for dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS entropy_requests (
	engine       TEXT        NOT NULL,
	id           TEXT        NOT NULL,
	pending      BOOLEAN     NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	consumed_at  TIMESTAMPTZ,
	PRIMARY KEY (engine, id)
);
CREATE TABLE IF NOT EXISTS engine_events (
	engine     TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	kind       TEXT        NOT NULL,
	principal  TEXT        NOT NULL DEFAULT '',
	request_id TEXT        NOT NULL DEFAULT '',
	result     BYTEA,
	at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (engine, seq)
);
CREATE INDEX IF NOT EXISTS engine_events_request ON engine_events (engine, request_id);
`

// Store scopes both tables to one engine principal.
type Store struct {
	DB     *pgxpool.Pool
	Engine fhe.Principal
}

var (
	_ engine.RequestTable = (*Store)(nil)
	_ engine.EventSink    = (*Store)(nil)
)

// New returns a store for the engine named self.
func New(db *pgxpool.Pool, self fhe.Principal) *Store { return &Store{DB: db, Engine: self} }

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) Record(ctx context.Context, id oracle.RequestID) error {
	tag, err := s.DB.Exec(ctx, `INSERT INTO entropy_requests(engine,id,pending) VALUES($1,$2,true)
ON CONFLICT (engine,id) DO NOTHING`, string(s.Engine), string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrDuplicateRequest
	}
	return nil
}

func (s *Store) State(ctx context.Context, id oracle.RequestID) (engine.RequestState, error) {
	var pending bool
	err := s.DB.QueryRow(ctx, `SELECT pending FROM entropy_requests WHERE engine=$1 AND id=$2`,
		string(s.Engine), string(id)).Scan(&pending)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return engine.RequestUnknown, nil
	case err != nil:
		return engine.RequestUnknown, err
	case pending:
		return engine.RequestPending, nil
	default:
		return engine.RequestConsumed, nil
	}
}

// Consume flips the flag only where it is still set, so of two racing consumers one sees
// zero affected rows.
func (s *Store) Consume(ctx context.Context, id oracle.RequestID) error {
	tag, err := s.DB.Exec(ctx, `UPDATE entropy_requests SET pending=false, consumed_at=now()
WHERE engine=$1 AND id=$2 AND pending`, string(s.Engine), string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrUnknownOrConsumedRequest
	}
	return nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count(*) FROM entropy_requests WHERE engine=$1 AND pending`,
		string(s.Engine)).Scan(&n)
	return n, err
}

// Emit appends ev with the next sequence number for this engine.
func (s *Store) Emit(ctx context.Context, ev engine.Event) error {
	var result []byte
	if ev.Result != nil {
		result = ev.Result[:]
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO engine_events(engine,seq,kind,principal,request_id,result,at)
SELECT $1, COALESCE(MAX(seq),0)+1, $2, $3, $4, $5, $6 FROM engine_events WHERE engine=$1`,
		string(s.Engine), string(ev.Kind), string(ev.Principal), string(ev.RequestID), result, ev.Time)
	return err
}

// Events lists events with seq greater than after, in order.
func (s *Store) Events(ctx context.Context, after uint64) ([]engine.Event, error) {
	rows, err := s.DB.Query(ctx, `SELECT seq,kind,principal,request_id,result,at FROM engine_events
WHERE engine=$1 AND seq>$2 ORDER BY seq`, string(s.Engine), int64(after))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Event
	for rows.Next() {
		var (
			ev                         engine.Event
			seq                        int64
			kind, principal, requestID string
			result                     []byte
		)
		if err := rows.Scan(&seq, &kind, &principal, &requestID, &result, &ev.Time); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.Kind = engine.EventKind(kind)
		ev.Principal = fhe.Principal(principal)
		ev.RequestID = oracle.RequestID(requestID)
		if len(result) == fhe.HandleSize {
			var h fhe.Handle
			copy(h[:], result)
			ev.Result = &h
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
