package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sonzai/livepk/src/domain/shared"
)

// querier is the subset of pgxpool.Pool the repositories use.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns the connection pool shared by the battle and invitation repositories.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables if they are missing. It is safe to run on every boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Battles returns the battle repository backed by this store.
func (s *Store) Battles() *BattleRepository {
	return &BattleRepository{db: s.db}
}

// Invitations returns the invitation repository backed by this store.
func (s *Store) Invitations() *InvitationRepository {
	return &InvitationRepository{db: s.db}
}

const schema = `
CREATE TABLE IF NOT EXISTS pk_battles (
	id                TEXT PRIMARY KEY,
	invitation_id     TEXT NOT NULL DEFAULT '',
	stream_a          TEXT NOT NULL,
	stream_b          TEXT NOT NULL,
	user_a            TEXT NOT NULL,
	user_b            TEXT NOT NULL,
	cohost_stream     TEXT NOT NULL DEFAULT '',
	phase             TEXT NOT NULL,
	rounds            INTEGER NOT NULL CHECK (rounds > 0),
	round_duration_ms BIGINT NOT NULL CHECK (round_duration_ms > 0),
	countdown_ms      BIGINT NOT NULL CHECK (countdown_ms >= 0),
	tie_policy        TEXT NOT NULL,
	invite_sent_at    TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	ends_at           TIMESTAMPTZ,
	ended_at          TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL,
	score_a           BIGINT NOT NULL DEFAULT 0 CHECK (score_a >= 0),
	score_b           BIGINT NOT NULL DEFAULT 0 CHECK (score_b >= 0),
	winner_id         TEXT NOT NULL DEFAULT '',
	draw              BOOLEAN NOT NULL DEFAULT FALSE,
	end_reason        TEXT NOT NULL DEFAULT '',
	source_ids        TEXT[] NOT NULL DEFAULT '{}'
);
ALTER TABLE pk_battles ADD COLUMN IF NOT EXISTS source_ids TEXT[] NOT NULL DEFAULT '{}';
CREATE INDEX IF NOT EXISTS pk_battles_live_idx ON pk_battles (phase) WHERE phase IN ('countdown', 'active');

CREATE TABLE IF NOT EXISTS pk_invitations (
	id                TEXT PRIMARY KEY,
	challenger_id     TEXT NOT NULL,
	challenger_name   TEXT NOT NULL DEFAULT '',
	challenger_avatar TEXT NOT NULL DEFAULT '',
	opponent_id       TEXT NOT NULL,
	stream_a          TEXT NOT NULL,
	stream_b          TEXT NOT NULL,
	cohost_stream     TEXT NOT NULL DEFAULT '',
	rounds            INTEGER NOT NULL DEFAULT 0,
	round_duration_ms BIGINT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	battle_id         TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	resolved_at       TIMESTAMPTZ
);
`

// classify separates writes that can never succeed from transient failures the outbox should retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) || pgerrcode.IsDataException(pgErr.Code) {
			return fmt.Errorf("%s: %w: %w", op, shared.ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
