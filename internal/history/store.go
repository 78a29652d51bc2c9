// Package history keeps a local log of photo operations in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Kind is the photo operation performed.
type Kind string

// Operation kinds.
const (
	KindGet    Kind = "get"
	KindUpload Kind = "upload"
	KindDelete Kind = "delete"
)

// Outcome is how an operation ended.
type Outcome string

// Operation outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeAbsent  Outcome = "absent"  // get found no photo
	OutcomeSkipped Outcome = "skipped" // upload found the remote already current
	OutcomeFailed  Outcome = "failed"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 20

// Entry is one recorded operation.
type Entry struct {
	ID         string
	Kind       Kind
	Tenant     string
	Principal  string
	Outcome    Outcome
	HTTPStatus int    // 0 when no response was received
	Size       int64  // bytes sent or received
	SHA256     string // hex digest of the photo bytes, empty if none
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the operation took.
func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

const sqlInsert = `INSERT INTO operations
	(id, kind, tenant, principal, outcome, http_status, size_bytes, sha256, error, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const sqlSelectColumns = `SELECT id, kind, tenant, principal, outcome, http_status, size_bytes,
	sha256, error, started_at, finished_at FROM operations`

const sqlList = sqlSelectColumns + ` ORDER BY started_at DESC, rowid DESC LIMIT ?`

const sqlLastUpload = sqlSelectColumns + `
	WHERE tenant = ? AND principal = ? AND kind = 'upload' AND outcome IN ('success', 'skipped')
	ORDER BY started_at DESC, rowid DESC LIMIT 1`

// Store is the operation log. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the history database at path and applies
// pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("history: creating directory: %w", err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("history store opened", slog.String("db_path", path))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts e. A missing ID gets a fresh UUID and missing timestamps
// default to now. Returns the stored entry.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	now := s.nowFunc()

	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}

	if e.FinishedAt.IsZero() {
		e.FinishedAt = now
	}

	_, err := s.db.ExecContext(ctx, sqlInsert,
		e.ID, string(e.Kind), e.Tenant, e.Principal, string(e.Outcome),
		nullInt(e.HTTPStatus), e.Size, nullString(e.SHA256), nullString(e.Error),
		e.StartedAt.UnixNano(), e.FinishedAt.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("history: recording %s: %w", e.Kind, err)
	}

	s.logger.Debug("recorded operation",
		slog.String("id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.String("outcome", string(e.Outcome)),
	)

	return e, nil
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, sqlList, limit)
	if err != nil {
		return nil, fmt.Errorf("history: listing operations: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating operations: %w", err)
	}

	return entries, nil
}

// LastUpload returns the newest upload of principal's photo that left the
// remote holding known content. ok is false when there is none.
func (s *Store) LastUpload(ctx context.Context, tenant, principal string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, sqlLastUpload, tenant, principal)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, err
	}

	return e, true, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e          Entry
		kind       string
		outcome    string
		status     sql.NullInt64
		sum        sql.NullString
		errText    sql.NullString
		startedAt  int64
		finishedAt int64
	)

	err := sc.Scan(&e.ID, &kind, &e.Tenant, &e.Principal, &outcome, &status, &e.Size,
		&sum, &errText, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, err
	}

	if err != nil {
		return Entry{}, fmt.Errorf("history: scanning operation: %w", err)
	}

	e.Kind = Kind(kind)
	e.Outcome = Outcome(outcome)
	e.HTTPStatus = int(status.Int64)
	e.SHA256 = sum.String
	e.Error = errText.String
	e.StartedAt = time.Unix(0, startedAt)
	e.FinishedAt = time.Unix(0, finishedAt)

	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
