package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// Pure Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

// DatabaseFilename is the history database name inside the state directory.
const DatabaseFilename = "history.db"

// defaultListLimit caps List when no positive limit is given.
const defaultListLimit = 50

// errClosed is returned by operations on a closed store.
var errClosed = errors.New("history store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target_version TEXT,
	state TEXT NOT NULL,
	message TEXT,
	backup_path TEXT,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	logs TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`

// Repository records finished runs.
type Repository interface {
	Record(ctx context.Context, entry *domain.HistoryEntry) error
	List(ctx context.Context, limit int) ([]*domain.HistoryEntry, error)
}

// SQLiteRepository keeps run history in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(ctx context.Context, path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+filepath.Clean(path)+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Record stores a finished run. A missing ID is generated.
func (r *SQLiteRepository) Record(ctx context.Context, entry *domain.HistoryEntry) error {
	if r.db == nil {
		return errClosed
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	logs, err := json.Marshal(entry.Logs)
	if err != nil {
		return fmt.Errorf("marshal run logs: %w", err)
	}

	const query = `
		INSERT INTO runs (id, kind, target_version, state, message, backup_path, started_at, ended_at, logs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID, string(entry.Kind), entry.TargetVersion, string(entry.State),
		entry.Message, entry.BackupPath,
		entry.StartTime.UnixNano(), entry.EndTime.UnixNano(), string(logs),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", entry.ID, err)
	}

	return nil
}

// List returns up to limit runs, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*domain.HistoryEntry, error) {
	if r.db == nil {
		return nil, errClosed
	}

	if limit <= 0 {
		limit = defaultListLimit
	}

	const query = `
		SELECT id, kind, target_version, state, message, backup_path, started_at, ended_at, logs
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	result := make([]*domain.HistoryEntry, 0, limit)

	for rows.Next() {
		var (
			entry                        domain.HistoryEntry
			kind, state                  string
			target, message, backup, raw sql.NullString
			started, ended               int64
		)

		if err = rows.Scan(&entry.ID, &kind, &target, &state, &message, &backup, &started, &ended, &raw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		entry.Kind = domain.RunKind(kind)
		entry.State = domain.State(state)
		entry.TargetVersion = target.String
		entry.Message = message.String
		entry.BackupPath = backup.String
		entry.StartTime = time.Unix(0, started).UTC()
		entry.EndTime = time.Unix(0, ended).UTC()
		entry.Logs = []string{}

		if raw.Valid && raw.String != "" {
			if err = json.Unmarshal([]byte(raw.String), &entry.Logs); err != nil {
				return nil, fmt.Errorf("unmarshal logs of run %s: %w", entry.ID, err)
			}
		}

		result = append(result, &entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return result, nil
}

// Close releases the database.
func (r *SQLiteRepository) Close() error {
	if r.db == nil {
		return nil
	}

	err := r.db.Close()
	r.db = nil

	return err
}
