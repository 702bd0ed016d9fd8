package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lanehub/conductor/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresConfig holds connection settings for PostgresStore. It is sized
// for a shared database backing multiple gateway processes (e.g. a
// CockroachDB or Postgres-wire-compatible cluster), unlike SQLiteStore
// which assumes a single embedded process.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults; DSN must still be set.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store against a shared Postgres-wire database.
// It mirrors SQLiteStore's schema and query shapes so the two can be
// swapped without touching any caller.
type PostgresStore struct {
	db     *sql.DB
	locker *Locker

	stmtGet    *sql.Stmt
	stmtUpsert *sql.Stmt
	stmtDelete *sql.Stmt
	stmtList   *sql.Stmt
}

const postgresSchemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	channel_id   TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	last_active  TIMESTAMPTZ NOT NULL,
	turn_count   INTEGER NOT NULL DEFAULT 0,
	overloaded   BOOLEAN NOT NULL DEFAULT FALSE,
	envelope     JSONB NOT NULL,
	PRIMARY KEY (channel_id, sender_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);
`

// NewPostgresStore opens a connection pool per cfg and ensures the sessions
// table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sessions schema: %w", err)
	}

	store := &PostgresStore{db: db, locker: NewLocker()}
	if err := store.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) prepare(ctx context.Context) error {
	var err error
	if s.stmtGet, err = s.db.PrepareContext(ctx,
		`SELECT envelope FROM sessions WHERE channel_id = $1 AND sender_id = $2`); err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	if s.stmtUpsert, err = s.db.PrepareContext(ctx, `
		INSERT INTO sessions (channel_id, sender_id, last_active, turn_count, overloaded, envelope)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, sender_id) DO UPDATE SET
			last_active = excluded.last_active,
			turn_count  = excluded.turn_count,
			overloaded  = excluded.overloaded,
			envelope    = excluded.envelope
	`); err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	if s.stmtDelete, err = s.db.PrepareContext(ctx,
		`DELETE FROM sessions WHERE channel_id = $1 AND sender_id = $2`); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	if s.stmtList, err = s.db.PrepareContext(ctx,
		`SELECT channel_id, sender_id, last_active, turn_count, overloaded FROM sessions ORDER BY last_active DESC`); err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Load(ctx context.Context, scope models.SessionScope) (*models.Session, error) {
	var blob []byte
	err := s.stmtGet.QueryRowContext(ctx, string(scope.ChannelID), scope.SenderID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	session, err := decodeSession(blob)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	return session, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, scope models.SessionScope, mutate Mutator) (*models.Session, error) {
	unlock := s.locker.Lock(scope)
	defer unlock()

	session, err := s.Load(ctx, scope)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if err == ErrNotFound {
		now := time.Now()
		session = &models.Session{Scope: scope, CreatedAt: now, LastActive: now, Flags: map[string]bool{}}
	}

	if err := mutate(session); err != nil {
		return nil, err
	}
	session.LastActive = time.Now()

	row, err := encodeSession(session)
	if err != nil {
		return nil, &StorageError{Op: "upsert", Err: err}
	}
	if _, err := s.stmtUpsert.ExecContext(ctx,
		row.ChannelID, row.SenderID, session.LastActive, row.TurnCount, row.Overloaded, row.Envelope,
	); err != nil {
		return nil, &StorageError{Op: "upsert", Err: err}
	}
	return session, nil
}

func (s *PostgresStore) Delete(ctx context.Context, scope models.SessionScope) error {
	unlock := s.locker.Lock(scope)
	defer unlock()

	if _, err := s.stmtDelete.ExecContext(ctx, string(scope.ChannelID), scope.SenderID); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := s.stmtList.QueryContext(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var channelID, senderID string
		var lastActive time.Time
		var turnCount int
		var overloaded bool
		if err := rows.Scan(&channelID, &senderID, &lastActive, &turnCount, &overloaded); err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		out = append(out, models.SessionSummary{
			Scope:      models.SessionScope{ChannelID: models.ChannelID(channelID), SenderID: senderID},
			LastActive: lastActive,
			TurnCount:  turnCount,
			Overloaded: overloaded,
		})
	}
	return out, rows.Err()
}
