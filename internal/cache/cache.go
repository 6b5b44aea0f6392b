// Package cache implements the submission cache: a sqlite table remembering,
// for each parent package, which devel package state was last skipped or
// submitted.
//
// Writes are buffered in a single transaction and only become visible to
// later runs once Flush commits them. Reads made through the same Store see
// the buffered writes.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/steveyegge/autosubmit/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	driver = "sqlite"

	// FileName is the name of the database file inside the cache directory.
	FileName = "cache.db"

	// DefaultMaxAge is how long a cache row is trusted before Prune drops it.
	DefaultMaxAge = 7 * 24 * time.Hour

	timeLayout = "2006-01-02 15:04:05"
)

var (
	// ErrReadOnly is returned by Open when the database file exists but
	// cannot be written.
	ErrReadOnly = errors.New("cache database is read-only")

	// ErrClosed is returned for operations on a closed Store.
	ErrClosed = errors.New("cache database is closed")
)

// Entry is a cached decision for a parent package.
type Entry struct {
	InsertedAt time.Time
	Parent     types.PackageIdentity
	Devel      types.PackageIdentity
	DevelHash  string
}

// Matches reports whether the entry was recorded for exactly this devel
// identity and fingerprint.
func (e Entry) Matches(devel types.PackageState) bool {
	return e.Devel == devel.PackageIdentity && e.DevelHash == devel.Hash
}

// Store is the sqlite-backed submission cache.
type Store struct {
	db   *sql.DB
	tx   *sql.Tx
	path string

	// Now is the clock used for row timestamps and pruning.
	Now func() time.Time
}

// Open opens (creating if needed) the cache database in dir and applies the
// embedded migrations.
func Open(ctx context.Context, dir string) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	if err := checkWritable(path); err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// One connection: the pending transaction owns it for the whole run.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:   db,
		path: path,
		Now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate cache database: %w", err)
	}
	return nil
}

func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err == nil {
		return f.Close()
	}
	if os.IsNotExist(err) {
		return nil
	}
	if os.IsPermission(err) {
		return fmt.Errorf("%s: %w", path, ErrReadOnly)
	}
	return fmt.Errorf("failed to check cache database: %w", err)
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// reader returns the pending transaction when there is one, so that reads see
// buffered writes.
func (s *Store) reader() (querier, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if s.tx != nil {
		return s.tx, nil
	}
	return s.db, nil
}

// writer returns the pending transaction, starting one if needed. The
// transaction outlives ctx: database/sql rolls back a transaction whose
// context is cancelled, and buffered writes must stay until Flush or Close.
func (s *Store) writer(ctx context.Context) (*sql.Tx, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if s.tx == nil {
		tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin cache transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

// Lookup returns the cached entry for parent, if any.
func (s *Store) Lookup(ctx context.Context, parent types.PackageIdentity) (Entry, bool, error) {
	q, err := s.reader()
	if err != nil {
		return Entry{}, false, err
	}

	var (
		entry      Entry
		insertedAt string
	)
	err = q.QueryRowContext(ctx, `
		SELECT inserted_at, parent_project, parent_package, devel_project, devel_package, devel_fingerprint
		FROM cache
		WHERE parent_project = ? AND parent_package = ?
		ORDER BY inserted_at DESC
		LIMIT 1`,
		parent.Project, parent.Package,
	).Scan(&insertedAt, &entry.Parent.Project, &entry.Parent.Package, &entry.Devel.Project, &entry.Devel.Package, &entry.DevelHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", parent, err)
	}
	entry.InsertedAt = parseTime(insertedAt)
	return entry, true, nil
}

// Record remembers that devel at hash was handled for parent. Any previous
// row for parent is replaced. The write is buffered until Flush.
func (s *Store) Record(ctx context.Context, parent, devel types.PackageIdentity, hash string) error {
	tx, err := s.writer(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache WHERE parent_project = ? AND parent_package = ?`,
		parent.Project, parent.Package,
	); err != nil {
		return fmt.Errorf("record %s: delete previous entry: %w", parent, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache (inserted_at, parent_project, parent_package, devel_project, devel_package, devel_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(s.Now()), parent.Project, parent.Package, devel.Project, devel.Package, hash,
	); err != nil {
		return fmt.Errorf("record %s: insert entry: %w", parent, err)
	}
	return nil
}

// Flush commits buffered writes. It is a no-op when nothing is pending.
func (s *Store) Flush(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache: %w", err)
	}
	return nil
}

// Prune removes rows older than maxAge, measured when Prune runs, and commits.
// A row exactly maxAge old is kept.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	tx, err := s.writer(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := formatTime(s.Now().Add(-maxAge))
	res, err := tx.ExecContext(ctx, `DELETE FROM cache WHERE inserted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of rows in the cache, including buffered writes.
func (s *Store) Count(ctx context.Context) (int, error) {
	q, err := s.reader()
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache rows: %w", err)
	}
	return n, nil
}

// Close discards anything not flushed and closes the database.
// Safe to call more than once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	s.db = nil
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
