package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore persists saga state to SQLite. It is suitable for
// single-process production use and backs recovery across restarts.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store
// at path. The database file is created with restrictive permissions
// (0600) before sql.Open touches it, avoiding a TOCTOU window where it
// would briefly be world-readable.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if createErr == nil {
				if closeErr := f.Close(); closeErr != nil {
					slog.Warn("failed to close saga store file after creation",
						slog.String("path", path), slog.String("error", closeErr.Error()))
				}
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sagas (
			saga_id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sagas table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sagas_status_started
		ON sagas(status, started_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create status index: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			slog.Warn("failed to set restrictive permissions on saga store file",
				slog.String("path", path), slog.String("error", err.Error()),
				slog.String("security_note", "saga state may be readable by other users"))
		}
	}

	return &SQLiteStore{db: db}, nil
}

// PutSaga serializes state as JSON and upserts it keyed by SagaID.
func (s *SQLiteStore) PutSaga(ctx context.Context, state *SagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("saga: store: closed")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal saga state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (saga_id, saga_type, status, started_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(saga_id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data
	`, state.SagaID, state.SagaType, string(state.Status), state.StartedAt.Format(timeLayout), data)
	if err != nil {
		return fmt.Errorf("put saga: %w", err)
	}
	return nil
}

// GetSaga loads and deserializes the saga record for id.
func (s *SQLiteStore) GetSaga(ctx context.Context, id string) (*SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.New("saga: store: closed")
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sagas WHERE saga_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoreSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga: %w", err)
	}

	var state SagaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal saga state: %w", err)
	}
	return &state, nil
}

// RecoverActive returns every saga whose status column is not one of
// the terminal statuses, ordered by start time so recovery processes
// the oldest in-flight sagas first.
func (s *SQLiteStore) RecoverActive(ctx context.Context) ([]*SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.New("saga: store: closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM sagas
		WHERE status NOT IN (?, ?, ?, ?, ?)
		ORDER BY started_at
	`, string(StatusCompleted), string(StatusCompensated), string(StatusFailed),
		string(StatusTimedOut), string(StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("recover active: %w", err)
	}
	defer rows.Close()

	var active []*SagaState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan saga row: %w", err)
		}
		var state SagaState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("unmarshal recovered saga: %w", err)
		}
		active = append(active, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sagas: %w", err)
	}
	return active, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

var _ Store = (*SQLiteStore)(nil)
