// Package journal persists speaking transitions in PostgreSQL.
//
// A [Store] is a notification sink: every update delivered to it becomes a
// row in speaking_events. The table is append-only and meant for later
// analysis of who spoke when.
//
// Usage:
//
//	store, err := journal.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	dispatcher := notify.NewDispatcher([]notify.Notifier{webhook, store})
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dcaud/dcaud/internal/notify"
)

var _ notify.Notifier = (*Store)(nil)

const ddlSpeakingEvents = `
CREATE TABLE IF NOT EXISTS speaking_events (
    id          BIGSERIAL    PRIMARY KEY,
    guild_id    TEXT         NOT NULL,
    user_id     TEXT         NOT NULL,
    username    TEXT         NOT NULL DEFAULT '',
    session_id  TEXT         NOT NULL DEFAULT '',
    speaking    BOOLEAN      NOT NULL,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speaking_events_user_at
    ON speaking_events (guild_id, user_id, at);

CREATE INDEX IF NOT EXISTS idx_speaking_events_session
    ON speaking_events (session_id);
`

// Migrate creates the journal table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSpeakingEvents); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Entry is one stored transition.
type Entry struct {
	ID        int64     `json:"id"`
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	SessionID string    `json:"session_id"`
	Speaking  bool      `json:"speaking"`
	At        time.Time `json:"at"`
}

// Store writes transitions to PostgreSQL. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Name implements [notify.Notifier].
func (s *Store) Name() string { return "journal" }

// Notify implements [notify.Notifier] by inserting one row.
func (s *Store) Notify(ctx context.Context, u notify.Update) error {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO speaking_events (guild_id, user_id, username, session_id, speaking, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.GuildID, u.UserID, u.Username, u.SessionID, u.Speaking, at,
	)
	if err != nil {
		return fmt.Errorf("%w: journal: insert: %w", notify.ErrDelivery, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-empty guildID
// restricts the result to that guild.
func (s *Store) Recent(ctx context.Context, guildID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, guild_id, user_id, username, session_id, speaking, at
		   FROM speaking_events
		  WHERE $1 = '' OR guild_id = $1
		  ORDER BY at DESC, id DESC
		  LIMIT $2`,
		guildID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Entry])
	if err != nil {
		return nil, fmt.Errorf("journal: recent: scan: %w", err)
	}
	return entries, nil
}

// Ping checks the database connection. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }
