// Package store implements the durable store (§4.A): an embedded,
// crash-safe SQL store with single-writer discipline, backing users,
// credentials, jobs, uploads, the library index, QA reviews and the
// storage ledger.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps two sqlite database files, matching §4.A's split: one for
// auth/users (auth.db) and one for jobs/library/uploads (jobs.db), each
// with its own single-writer lock domain so a long write transaction on
// one never blocks the other. Readers may issue concurrent queries
// against either *sql.DB since the driver multiplexes connections over
// one file, but every mutating statement in this package takes that
// db's mutex (authMu or jobsMu) first, matching the "writers serialize through an
// in-process lock" contract.
type Store struct {
	authDB *sql.DB
	jobsDB *sql.DB
	authMu sync.Mutex
	jobsMu sync.Mutex

	dir        string
	authLockFh *os.File
	jobsLockFh *os.File
}

// Open creates (if needed) and opens auth.db and jobs.db inside dir,
// acquiring a process-level advisory lock file alongside each so two
// processes never attempt to drive the same database file concurrently.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	authPath := filepath.Join(dir, "auth.db")
	jobsPath := filepath.Join(dir, "jobs.db")

	authLockFh, err := acquireLock(authPath + ".lock")
	if err != nil {
		return nil, err
	}
	jobsLockFh, err := acquireLock(jobsPath + ".lock")
	if err != nil {
		authLockFh.Close()
		os.Remove(authLockFh.Name())
		return nil, err
	}

	authDB, err := openSQLite(authPath)
	if err != nil {
		authLockFh.Close()
		jobsLockFh.Close()
		return nil, fmt.Errorf("opening auth store: %w", err)
	}
	jobsDB, err := openSQLite(jobsPath)
	if err != nil {
		authDB.Close()
		authLockFh.Close()
		jobsLockFh.Close()
		return nil, fmt.Errorf("opening jobs store: %w", err)
	}

	s := &Store{
		authDB: authDB, jobsDB: jobsDB,
		dir: dir, authLockFh: authLockFh, jobsLockFh: jobsLockFh,
	}
	if _, err := s.authDB.Exec(authSchemaSQL); err != nil {
		s.Close()
		return nil, fmt.Errorf("applying auth schema: %w", err)
	}
	if _, err := s.jobsDB.Exec(jobsSchemaSQL); err != nil {
		s.Close()
		return nil, fmt.Errorf("applying jobs schema: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// At most eight pooled connections, shared by readers and writers.
	// Writes are serialized by the Store's mutexes, so they do not contend
	// for the sqlite file lock with each other.
	db.SetMaxOpenConns(8)
	return db, nil
}

// Close releases both database handles and their process locks.
func (s *Store) Close() error {
	var firstErr error
	if s.authDB != nil {
		if err := s.authDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.jobsDB != nil {
		if err := s.jobsDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.authLockFh != nil {
		os.Remove(s.authLockFh.Name())
		s.authLockFh.Close()
	}
	if s.jobsLockFh != nil {
		os.Remove(s.jobsLockFh.Name())
		s.jobsLockFh.Close()
	}
	return firstErr
}

func acquireLock(path string) (*os.File, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("store already locked by another process: %s", path)
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	fmt.Fprintf(fh, "%d\n", os.Getpid())
	return fh, nil
}

const authSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	totp_secret   TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	jti         TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	token_hash  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	revoked     INTEGER NOT NULL DEFAULT 0,
	replaced_by TEXT NOT NULL DEFAULT '',
	device_id   TEXT NOT NULL DEFAULT '',
	last_ip     TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);

CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	prefix     TEXT UNIQUE NOT NULL,
	key_hash   TEXT NOT NULL,
	scopes     TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	revoked    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS invites (
	token_hash TEXT PRIMARY KEY,
	created_by TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	used_by    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
`

const jobsSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	video_path   TEXT NOT NULL,
	duration_s   REAL NOT NULL DEFAULT 0,
	mode         TEXT NOT NULL,
	device       TEXT NOT NULL,
	src_lang     TEXT NOT NULL,
	tgt_lang     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	state        TEXT NOT NULL,
	progress     REAL NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	output_mkv   TEXT NOT NULL DEFAULT '',
	output_srt   TEXT NOT NULL DEFAULT '',
	work_dir     TEXT NOT NULL DEFAULT '',
	log_path     TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	series_title TEXT NOT NULL DEFAULT '',
	series_slug  TEXT NOT NULL DEFAULT '',
	season       INTEGER NOT NULL DEFAULT 0,
	episode      INTEGER NOT NULL DEFAULT 0,
	visibility   TEXT NOT NULL DEFAULT 'private',
	runtime      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_series ON jobs(series_slug, season, episode);

CREATE TABLE IF NOT EXISTS uploads (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	filename       TEXT NOT NULL,
	total_bytes    INTEGER NOT NULL,
	chunk_bytes    INTEGER NOT NULL,
	received       TEXT NOT NULL DEFAULT '{}',
	received_bytes INTEGER NOT NULL DEFAULT 0,
	completed      INTEGER NOT NULL DEFAULT 0,
	part_path      TEXT NOT NULL DEFAULT '',
	final_path     TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_owner ON uploads(owner_id);

CREATE TABLE IF NOT EXISTS library_entries (
	job_id      TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	series_slug TEXT NOT NULL,
	season      INTEGER NOT NULL,
	episode     INTEGER NOT NULL,
	visibility  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_library_series ON library_entries(series_slug, season, episode);

CREATE TABLE IF NOT EXISTS qa_reviews (
	job_id     TEXT NOT NULL,
	segment_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	updated_by TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (job_id, segment_id)
);

CREATE TABLE IF NOT EXISTS view_records (
	user_id     TEXT NOT NULL,
	series_slug TEXT NOT NULL,
	season      INTEGER NOT NULL,
	episode     INTEGER NOT NULL,
	job_id      TEXT NOT NULL,
	opened_at   TEXT NOT NULL,
	PRIMARY KEY (user_id, series_slug, season, episode)
);

CREATE TABLE IF NOT EXISTS voice_profiles (
	id          TEXT PRIMARY KEY,
	series_slug TEXT NOT NULL,
	character   TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	meta        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_voice_series_char ON voice_profiles(series_slug, character);

CREATE TABLE IF NOT EXISTS storage_ledger (
	scope       TEXT PRIMARY KEY,
	bytes_used  INTEGER NOT NULL DEFAULT 0,
	file_count  INTEGER NOT NULL DEFAULT 0,
	updated_at  TEXT NOT NULL
);
`

// rfc3339 formats a time.Time the way every timestamp column in this
// package is stored, so lexical and chronological order agree.
func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRFC3339(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = fmt.Errorf("store: not found")
