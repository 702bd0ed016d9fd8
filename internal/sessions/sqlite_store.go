package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lanehub/conductor/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on top of an embedded, pure-Go SQLite
// database. It is the default store for single-process deployments; use
// PostgresStore when multiple gateway processes share one session table.
type SQLiteStore struct {
	db     *sql.DB
	locker *Locker

	stmtGet    *sql.Stmt
	stmtUpsert *sql.Stmt
	stmtDelete *sql.Stmt
	stmtList   *sql.Stmt
}

// NewSQLiteStore opens (creating if absent) the database at path and
// ensures the sessions table exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sessions schema: %w", err)
	}

	store := &SQLiteStore{db: db, locker: NewLocker()}
	if err := store.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	channel_id   TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	last_active  INTEGER NOT NULL,
	turn_count   INTEGER NOT NULL DEFAULT 0,
	overloaded   INTEGER NOT NULL DEFAULT 0,
	envelope     BLOB NOT NULL,
	PRIMARY KEY (channel_id, sender_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);
`

func (s *SQLiteStore) prepare(ctx context.Context) error {
	var err error
	if s.stmtGet, err = s.db.PrepareContext(ctx,
		`SELECT envelope FROM sessions WHERE channel_id = ? AND sender_id = ?`); err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}
	if s.stmtUpsert, err = s.db.PrepareContext(ctx, `
		INSERT INTO sessions (channel_id, sender_id, last_active, turn_count, overloaded, envelope)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, sender_id) DO UPDATE SET
			last_active = excluded.last_active,
			turn_count  = excluded.turn_count,
			overloaded  = excluded.overloaded,
			envelope    = excluded.envelope
	`); err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	if s.stmtDelete, err = s.db.PrepareContext(ctx,
		`DELETE FROM sessions WHERE channel_id = ? AND sender_id = ?`); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	if s.stmtList, err = s.db.PrepareContext(ctx,
		`SELECT channel_id, sender_id, last_active, turn_count, overloaded FROM sessions ORDER BY last_active DESC`); err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, scope models.SessionScope) (*models.Session, error) {
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

func (s *SQLiteStore) Upsert(ctx context.Context, scope models.SessionScope, mutate Mutator) (*models.Session, error) {
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
		row.ChannelID, row.SenderID, row.LastActive, row.TurnCount, row.Overloaded, row.Envelope,
	); err != nil {
		return nil, &StorageError{Op: "upsert", Err: err}
	}
	return session, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, scope models.SessionScope) error {
	unlock := s.locker.Lock(scope)
	defer unlock()

	if _, err := s.stmtDelete.ExecContext(ctx, string(scope.ChannelID), scope.SenderID); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := s.stmtList.QueryContext(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var channelID, senderID string
		var lastActiveNanos int64
		var turnCount int
		var overloaded bool
		if err := rows.Scan(&channelID, &senderID, &lastActiveNanos, &turnCount, &overloaded); err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		out = append(out, models.SessionSummary{
			Scope:      models.SessionScope{ChannelID: models.ChannelID(channelID), SenderID: senderID},
			LastActive: time.Unix(0, lastActiveNanos),
			TurnCount:  turnCount,
			Overloaded: overloaded,
		})
	}
	return out, rows.Err()
}
