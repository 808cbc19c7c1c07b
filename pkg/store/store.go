// Package store is the kernel's single embedded relational store: one
// SQLite database, WAL-mode, holding memories, scheduled-task cadence
// state, ticks, nudges, reflections, and the parking-brake flag.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/barthlab/kernel/pkg/log"
	"github.com/barthlab/kernel/pkg/types"
)

var (
	// ErrUnavailable means the store could not be opened or its schema
	// could not be ensured.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrBusy means a write could not proceed because SQLite reported
	// SQLITE_BUSY after the configured busy_timeout elapsed.
	ErrBusy = errors.New("store: busy")
	// ErrNotFound means a row lookup by key found nothing.
	ErrNotFound = errors.New("store: not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL DEFAULT 'note',
	key TEXT NOT NULL DEFAULT '',
	value TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	pinned INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(kind, key)
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	cadence TEXT NOT NULL,
	next_run_ts INTEGER NOT NULL,
	last_run_ts INTEGER,
	window_state TEXT
);

CREATE TABLE IF NOT EXISTS ticks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	started_ts INTEGER NOT NULL,
	finished_ts INTEGER,
	success INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL UNIQUE,
	result_meta TEXT
);
CREATE INDEX IF NOT EXISTS idx_ticks_task_started ON ticks(task_id, started_ts DESC);

CREATE TABLE IF NOT EXISTS nudges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	actions TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'pending',
	created_ts INTEGER NOT NULL,
	created_ts_s INTEGER NOT NULL,
	acted_ts INTEGER,
	acted_ts_s INTEGER
);
CREATE INDEX IF NOT EXISTS idx_nudges_status ON nudges(status);

CREATE TABLE IF NOT EXISTS reflections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	meta TEXT NOT NULL DEFAULT '{}',
	ts INTEGER NOT NULL,
	ts_s INTEGER NOT NULL,
	pinned INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_reflections_kind_ts ON reflections(kind, ts DESC);

CREATE TABLE IF NOT EXISTS system_flags (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store wraps the shared *sql.DB handle and the WAL housekeeping needed
// to release the -wal/-shm files cleanly when the daemon shuts down.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates (if needed) and opens the SQLite database at path with
// WAL journaling, NORMAL synchronous durability, foreign keys on, and a
// five-second busy timeout, then ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000",
		path,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}

	s := &Store{db: db, path: path, log: log.WithComponent("store")}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrUnavailable, err)
	}
	return nil
}

// DB exposes the underlying handle for packages (fts, embeddings) that need
// to run their own DDL/DML against the same database.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the filesystem path of the backing database file.
func (s *Store) Path() string { return s.path }

// Close closes the pool and then checkpoints the WAL file on a fresh
// connection, the same fresh-connection dance db_ctx.py's
// wal_checkpoint_truncate uses to let Windows release the -wal/-shm
// handles.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.checkpointWAL()
	return nil
}

// checkpointWAL runs PRAGMA wal_checkpoint(TRUNCATE) on a short-lived,
// dedicated connection after the caller has already closed the
// connection it was using. A checkpoint issued on the same connection
// that was just writing can't always reclaim the -wal/-shm files, so
// db_ctx.py's wal_checkpoint_truncate always reopens fresh for this.
func (s *Store) checkpointWAL() {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", s.path)
	checkpointDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return // best-effort; the primary handle already closed cleanly
	}
	defer checkpointDB.Close()
	if _, err := checkpointDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
}

// Conn is a dedicated, single-connection handle scoped to one logical
// unit of work, acquired via Store.Acquire.
type Conn struct {
	DB *sql.DB
}

// Acquire opens a dedicated connection to the same database, separate
// from the long-lived pooled handle Open returns, scoped to one caller's
// unit of work. Calling the returned release func closes that connection
// and checkpoints the WAL immediately, the same wal_db() context-manager
// pattern db_ctx.py uses — mandatory for short-lived callers (a CLI
// subcommand, a one-off maintenance task) that would otherwise leave
// -wal/-shm files sitting around until the daemon's own long-lived
// connection eventually closes.
func (s *Store) Acquire(ctx context.Context) (*Conn, func(), error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000",
		s.path,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: acquire %s: %v", ErrUnavailable, s.path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("%w: acquire ping: %v", ErrUnavailable, err)
	}

	var released bool
	release := func() {
		if released {
			return
		}
		released = true
		if err := db.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing scoped connection failed")
		}
		s.checkpointWAL()
	}
	return &Conn{DB: db}, release, nil
}

func isBusy(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "database is locked")
}

func wrapExecErr(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// --- Memories ---

// UpsertMemory inserts a new Memory, or — when a row with the same
// (kind, key) already exists — replaces its value, summary, and ts in
// place, returning the row's ID either way.
func (s *Store) UpsertMemory(ctx context.Context, m types.Memory) (types.Memory, error) {
	now := time.Now().UTC()
	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return types.Memory{}, err
	}
	if m.TS == 0 {
		m.TS = now.Unix()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (kind, key, value, summary, ts, source, tags, pinned, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET
		   value = excluded.value, summary = excluded.summary, ts = excluded.ts, updated_at = excluded.updated_at`,
		m.Kind, m.Key, m.Value, m.Summary, m.TS, m.Source, string(tagsJSON), boolToInt(m.Pinned),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return types.Memory{}, wrapExecErr(err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, key, value, summary, ts, source, tags, pinned, created_at, updated_at
		 FROM memories WHERE kind = ? AND key = ?`, m.Kind, m.Key)
	return scanMemory(row)
}

// GetMemory fetches a Memory by ID.
func (s *Store) GetMemory(ctx context.Context, id int64) (types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, key, value, summary, ts, source, tags, pinned, created_at, updated_at
		 FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// DeleteMemory removes a Memory by ID. The caller's FTS layer is
// responsible for mirroring the delete via its own triggers.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return wrapExecErr(err)
}

func scanMemory(row *sql.Row) (types.Memory, error) {
	var m types.Memory
	var tagsJSON, createdAt, updatedAt string
	var pinned int
	if err := row.Scan(&m.ID, &m.Kind, &m.Key, &m.Value, &m.Summary, &m.TS, &m.Source, &tagsJSON, &pinned, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Memory{}, ErrNotFound
		}
		return types.Memory{}, err
	}
	m.Pinned = pinned != 0
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return m, nil
}

// --- Scheduled tasks ---

// UpsertScheduledTask inserts a task row if one doesn't already exist for
// its ID; existing rows are left untouched so in-flight cadence state
// survives a restart.
func (s *Store) UpsertScheduledTask(ctx context.Context, id, cadence string, nowTS int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, cadence, next_run_ts, last_run_ts, window_state)
		 VALUES (?, ?, ?, NULL, NULL)
		 ON CONFLICT(id) DO NOTHING`,
		id, cadence, nowTS,
	)
	return wrapExecErr(err)
}

// NextDueTask returns the scheduled task with the smallest next_run_ts
// that is <= nowTS, or ErrNotFound if none is due.
func (s *Store) NextDueTask(ctx context.Context, nowTS int64) (types.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, cadence, next_run_ts, last_run_ts, window_state
		 FROM scheduled_tasks WHERE next_run_ts <= ? ORDER BY next_run_ts ASC LIMIT 1`,
		nowTS,
	)
	var t types.ScheduledTask
	if err := row.Scan(&t.ID, &t.Cadence, &t.NextRunTS, &t.LastRunTS, &t.WindowState); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ScheduledTask{}, ErrNotFound
		}
		return types.ScheduledTask{}, err
	}
	return t, nil
}

// UpdateNextRun persists a task's recomputed schedule after a tick.
func (s *Store) UpdateNextRun(ctx context.Context, id string, nextRunTS, lastRunTS int64, windowState *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET next_run_ts = ?, last_run_ts = ?, window_state = ? WHERE id = ?`,
		nextRunTS, lastRunTS, windowState, id,
	)
	return wrapExecErr(err)
}

// --- Ticks ---

// TickExists reports whether a tick with the given idempotency key has
// already been recorded, the crash-safety check the scheduler performs
// before re-executing a drive.
func (s *Store) TickExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM ticks WHERE idempotency_key = ?`, idempotencyKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertTick records a tick's outcome. A duplicate idempotency key is
// treated as already-recorded, not an error.
func (s *Store) InsertTick(ctx context.Context, t types.Tick) error {
	metaJSON, err := json.Marshal(t.ResultMeta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ticks (task_id, started_ts, finished_ts, success, idempotency_key, result_meta)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.StartedTS, t.FinishedTS, boolToInt(t.Success), t.IdempotencyKey, string(metaJSON),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return nil
	}
	return wrapExecErr(err)
}

// --- Nudges ---

// InsertNudge persists a new pending Nudge.
func (s *Store) InsertNudge(ctx context.Context, n types.Nudge) (types.Nudge, error) {
	actionsJSON, err := json.Marshal(n.Actions)
	if err != nil {
		return types.Nudge{}, err
	}
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nudges (kind, message, reason, actions, status, created_ts, created_ts_s)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		n.Kind, n.Message, n.Reason, string(actionsJSON), now, now,
	)
	if err != nil {
		return types.Nudge{}, wrapExecErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Nudge{}, err
	}
	n.ID = id
	n.Status = types.NudgeStatusPending
	n.CreatedTS = now
	return n, nil
}

// ListPendingNudges returns up to limit nudges still awaiting a decision,
// oldest first.
func (s *Store) ListPendingNudges(ctx context.Context, limit int) ([]types.Nudge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, message, reason, actions, status, created_ts, acted_ts
		 FROM nudges WHERE status = 'pending' ORDER BY created_ts ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Nudge
	for rows.Next() {
		var n types.Nudge
		var actionsJSON string
		var actedTS sql.NullInt64
		if err := rows.Scan(&n.ID, &n.Kind, &n.Message, &n.Reason, &actionsJSON, &n.Status, &n.CreatedTS, &actedTS); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(actionsJSON), &n.Actions)
		if actedTS.Valid {
			n.ActedTS = &actedTS.Int64
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountPendingNudges returns the current pending backlog size.
func (s *Store) CountPendingNudges(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nudges WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// SetNudgeStatus transitions a nudge to acted or dismissed, stamping
// acted_ts.
func (s *Store) SetNudgeStatus(ctx context.Context, id int64, status types.NudgeStatus) error {
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE nudges SET status = ?, acted_ts = ?, acted_ts_s = ? WHERE id = ?`,
		status, now, now, id,
	)
	if err != nil {
		return wrapExecErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Reflections ---

// InsertReflection persists a new Reflection entry.
func (s *Store) InsertReflection(ctx context.Context, r types.Reflection) (types.Reflection, error) {
	metaJSON, err := json.Marshal(r.Meta)
	if err != nil {
		return types.Reflection{}, err
	}
	if r.TS == 0 {
		r.TS = time.Now().UTC().Unix()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reflections (kind, content, meta, ts, ts_s, pinned) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Kind, r.Content, string(metaJSON), r.TS, r.TS, boolToInt(r.Pinned),
	)
	if err != nil {
		return types.Reflection{}, wrapExecErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Reflection{}, err
	}
	r.ID = id
	return r, nil
}

// LatestReflection returns the most recent reflection of the given kind.
func (s *Store) LatestReflection(ctx context.Context, kind string) (types.Reflection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, content, meta, ts, pinned FROM reflections
		 WHERE kind = ? ORDER BY ts DESC LIMIT 1`, kind)
	var r types.Reflection
	var metaJSON string
	var pinned int
	if err := row.Scan(&r.ID, &r.Kind, &r.Content, &metaJSON, &r.TS, &pinned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Reflection{}, ErrNotFound
		}
		return types.Reflection{}, err
	}
	r.Pinned = pinned != 0
	_ = json.Unmarshal([]byte(metaJSON), &r.Meta)
	return r, nil
}

// --- System flags (parking brake) ---

// GetSystemFlag returns the raw JSON value stored under key.
func (s *Store) GetSystemFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_flags WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// SetSystemFlag upserts the JSON value stored under key.
func (s *Store) SetSystemFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_flags (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return wrapExecErr(err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
