package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createWorkersTable = `
CREATE TABLE IF NOT EXISTS workers (
    id                 TEXT PRIMARY KEY,
    worker_key         TEXT NOT NULL,
    kind               TEXT NOT NULL,
    service_path       TEXT NOT NULL DEFAULT '',
    execution_id       TEXT NOT NULL UNIQUE,
    status             TEXT NOT NULL,
    boot_time_ms       INTEGER,
    termination_reason TEXT NOT NULL DEFAULT '',
    error              TEXT NOT NULL DEFAULT '',
    created_at         DATETIME NOT NULL,
    finished_at        DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS worker_events (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    worker_key   TEXT NOT NULL,
    worker_kind  TEXT NOT NULL,
    service_path TEXT NOT NULL DEFAULT '',
    execution_id TEXT NOT NULL DEFAULT '',
    boot_time_ms INTEGER NOT NULL DEFAULT 0,
    elapsed_ms   INTEGER NOT NULL DEFAULT 0,
    reason       TEXT NOT NULL DEFAULT '',
    message      TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL
)`

var createIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_workers_key ON workers (worker_key, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_events_key ON worker_events (worker_key, created_at)",
}

const workerColumns = `id, worker_key, kind, service_path, execution_id, status,
	boot_time_ms, termination_reason, error, created_at, finished_at`

// ErrNotFound is returned when a worker record is not found.
var ErrNotFound = errors.New("worker not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createWorkersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create workers table: %w", err)
	}

	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	for _, stmt := range createIndexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordEvent inserts ev and, in the same transaction, creates or finishes
// the worker record it belongs to.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *model.WorkerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO worker_events (
			id, kind, worker_key, worker_kind, service_path, execution_id,
			boot_time_ms, elapsed_ms, reason, message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), string(ev.WorkerKey), string(ev.WorkerKind), ev.ServicePath,
		ev.ExecutionID, ev.BootTimeMS, ev.ElapsedMS, string(ev.Reason), ev.Message, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if ev.ExecutionID != "" {
		if err := applyEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyEvent(ctx context.Context, tx *sql.Tx, ev *model.WorkerEvent) error {
	switch ev.Kind {
	case model.EventBoot, model.EventBootFailure:
		rec := model.WorkerRecord{
			ID:          model.NewID(),
			Key:         ev.WorkerKey,
			Kind:        ev.WorkerKind,
			ServicePath: ev.ServicePath,
			ExecutionID: ev.ExecutionID,
			Status:      model.StatusRunning,
			CreatedAt:   ev.CreatedAt,
		}
		if ev.Kind == model.EventBoot {
			boot := ev.BootTimeMS
			rec.BootTimeMS = &boot
		} else {
			rec.Status = model.StatusFailed
			rec.Error = ev.Message
			rec.FinishedAt = &ev.CreatedAt
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, string(rec.Key), string(rec.Kind), rec.ServicePath, rec.ExecutionID, rec.Status,
			rec.BootTimeMS, rec.TerminationReason, rec.Error, rec.CreatedAt, rec.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert worker: %w", err)
		}
		return nil
	}

	status := model.StatusShutdown
	if ev.Reason.IsLimit() {
		status = model.StatusTerminated
	}
	var current string
	err := tx.QueryRowContext(ctx,
		"SELECT status FROM workers WHERE execution_id = ?", ev.ExecutionID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get worker status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE workers SET status = ?, termination_reason = ?, finished_at = ? WHERE execution_id = ?",
		status, string(ev.Reason), ev.CreatedAt, ev.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (*model.WorkerRecord, error) {
	w := &model.WorkerRecord{}
	var key, kind string
	err := row.Scan(
		&w.ID, &key, &kind, &w.ServicePath, &w.ExecutionID, &w.Status,
		&w.BootTimeMS, &w.TerminationReason, &w.Error, &w.CreatedAt, &w.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Key = model.WorkerKey(key)
	w.Kind = model.WorkerKind(kind)
	return w, nil
}

// GetWorker retrieves the most recent record for key.
func (s *SQLiteStore) GetWorker(ctx context.Context, key model.WorkerKey) (*model.WorkerRecord, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE worker_key = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, string(key),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns a paginated list of worker records ordered by
// created_at DESC, along with the total count.
func (s *SQLiteStore) ListWorkers(ctx context.Context, limit, offset int) ([]*model.WorkerRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workers").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workers: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*model.WorkerRecord
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate workers: %w", err)
	}

	return workers, total, nil
}

// ListEvents returns events newest first, optionally for one worker key.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]model.WorkerEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	query := `SELECT id, kind, worker_key, worker_kind, service_path, execution_id,
		boot_time_ms, elapsed_ms, reason, message, created_at FROM worker_events`
	args := []any{}
	if f.WorkerKey != "" {
		query += " WHERE worker_key = ?"
		args = append(args, string(f.WorkerKey))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.WorkerEvent
	for rows.Next() {
		var (
			ev                        model.WorkerEvent
			kind, key, wkind, reason string
		)
		if err := rows.Scan(
			&ev.ID, &kind, &key, &wkind, &ev.ServicePath, &ev.ExecutionID,
			&ev.BootTimeMS, &ev.ElapsedMS, &reason, &ev.Message, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		ev.WorkerKey = model.WorkerKey(key)
		ev.WorkerKind = model.WorkerKind(wkind)
		ev.Reason = model.TerminationReason(reason)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// GetStats returns aggregate counts over every stored worker and event.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	st := &Stats{}
	if st.CountByStatus, err = countBy(ctx, tx, "SELECT status, COUNT(*) FROM workers GROUP BY status"); err != nil {
		return nil, err
	}
	if st.CountByKind, err = countBy(ctx, tx, "SELECT kind, COUNT(*) FROM workers GROUP BY kind"); err != nil {
		return nil, err
	}
	if st.EventsByKind, err = countBy(ctx, tx, "SELECT kind, COUNT(*) FROM worker_events GROUP BY kind"); err != nil {
		return nil, err
	}
	for _, n := range st.CountByStatus {
		st.TotalWorkers += n
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(boot_time_ms) FROM workers WHERE boot_time_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average boot time: %w", err)
	}
	st.AvgBootTimeMS = avg.Float64

	return st, nil
}

func countBy(ctx context.Context, tx *sql.Tx, query string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}
