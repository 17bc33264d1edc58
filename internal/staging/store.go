// Package staging keeps in-flight transfer payloads on local disk.
//
// Every staged file lives under <root>/<namespace>/<id> and has a row in a SQLite index
// (<root>/index.db). A namespace is usually one transfer session; the filesystem storage
// backend uses a namespace of its own. Rows and files are created and removed together so
// the age-based sweep never leaves orphaned metadata behind.
package staging

import (
	"context"
	"database/sql"
	stderr "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/volatilevault/vault/pkg/errors"
	"github.com/volatilevault/vault/pkg/utils"
)

const indexFileName = "index.db"

// NoSlot marks a staged file that is not bound to a chunk index.
const NoSlot = -1

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS staged_files (
  file_id    TEXT PRIMARY KEY,
  namespace  TEXT NOT NULL,
  slot       INTEGER NOT NULL DEFAULT -1,
  size       INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_staged_files_namespace_slot
ON staged_files (namespace, slot);
`,
	`
CREATE INDEX IF NOT EXISTS idx_staged_files_created_at
ON staged_files (created_at);
`,
}

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// File describes one staged file.
type File struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Slot      int       `json:"slot"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Store.
type Options struct {
	// Reset wipes the staging root before opening. Staged chunks from a previous process have no
	// live session to own them.
	Reset  bool
	Logger *utils.StructuredLogger
}

// Store is the chunk staging store.
type Store struct {
	root   string
	db     *sql.DB
	logger *utils.StructuredLogger
	now    func() time.Time

	closeOnce sync.Once
}

// Open opens (or creates) a staging store rooted at dir and runs schema migrations.
func Open(dir string, opts Options) (*Store, error) {
	if err := utils.ValidateDir(dir); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid staging folder")
	}
	if opts.Reset {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("reset staging directory: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	dbPath := filepath.Join(dir, indexFileName)
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open staging index: %w", err)
	}
	// One writer at a time; file I/O happens outside the connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping staging index: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	store := &Store{
		root:   dir,
		db:     db,
		logger: logger.WithComponent("staging"),
		now:    time.Now,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Root returns the staging directory.
func (s *Store) Root() string {
	return s.root
}

// Ping checks that the index answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeStagingFailed, "staging index unreachable")
	}
	return nil
}

// Close closes the SQLite index.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func validNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) || strings.Contains(namespace, "..") {
		return errors.Newf(errors.ErrCodeValidationFailed, "invalid staging namespace %q", namespace)
	}
	return nil
}

func (s *Store) path(namespace, id string) (string, error) {
	p, err := utils.SecureJoin(s.root, namespace, id)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeValidationFailed, "invalid staging path")
	}
	return p, nil
}

// Put stages r under namespace without binding it to a chunk slot.
func (s *Store) Put(ctx context.Context, namespace string, r io.Reader) (File, error) {
	return s.PutSlot(ctx, namespace, NoSlot, r)
}

// PutSlot stages r as chunk slot of namespace. The file becomes visible only once fully written,
// so concurrent writers to distinct slots never observe each other's partial data.
func (s *Store) PutSlot(ctx context.Context, namespace string, slot int, r io.Reader) (File, error) {
	if err := validNamespace(namespace); err != nil {
		return File{}, err
	}

	dir := filepath.Join(s.root, namespace)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "create namespace directory").
			WithComponent("staging").WithOperation("put")
	}

	id := uuid.NewString()
	tmp, err := os.CreateTemp(dir, id+".*.part")
	if err != nil {
		return File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "create staging file").
			WithComponent("staging").WithOperation("put")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	size, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "write staging file").
			WithComponent("staging").WithOperation("put")
	}

	final, err := s.path(namespace, id)
	if err != nil {
		cleanup()
		return File{}, err
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "commit staging file").
			WithComponent("staging").WithOperation("put")
	}

	file := File{ID: id, Namespace: namespace, Slot: slot, Size: size, CreatedAt: s.now()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO staged_files (file_id, namespace, slot, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		file.ID, file.Namespace, file.Slot, file.Size, file.CreatedAt.UnixNano())
	if err != nil {
		_ = os.Remove(final)
		return File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "record staging file").
			WithComponent("staging").WithOperation("put")
	}

	s.logger.Trace("staged file", map[string]interface{}{"namespace": namespace, "id": id, "slot": slot, "size": size})
	return file, nil
}

// Stat returns the record for id. A missing record yields UNKNOWN_FILE.
func (s *Store) Stat(ctx context.Context, id string) (File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_id, namespace, slot, size, created_at FROM staged_files WHERE file_id = ?`, id)
	file, err := scanFile(row)
	if stderr.Is(err, sql.ErrNoRows) {
		return File{}, errors.Newf(errors.ErrCodeUnknownFile, "staged file %s not found", id)
	}
	if err != nil {
		return File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "read staging index")
	}
	return file, nil
}

// Has reports whether id is staged.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	_, err := s.Stat(ctx, id)
	if errors.IsCode(err, errors.ErrCodeUnknownFile) {
		return false, nil
	}
	return err == nil, err
}

// Lookup returns the most recent file staged in slot of namespace.
func (s *Store) Lookup(ctx context.Context, namespace string, slot int) (File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_id, namespace, slot, size, created_at FROM staged_files
		 WHERE namespace = ? AND slot = ? ORDER BY created_at DESC LIMIT 1`, namespace, slot)
	file, err := scanFile(row)
	if stderr.Is(err, sql.ErrNoRows) {
		return File{}, errors.Newf(errors.ErrCodeUnknownFile, "no staged file for slot %d", slot)
	}
	if err != nil {
		return File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "read staging index")
	}
	return file, nil
}

// Open returns a reader for id along with its record.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, File, error) {
	file, err := s.Stat(ctx, id)
	if err != nil {
		return nil, File{}, err
	}
	p, err := s.path(file.Namespace, file.ID)
	if err != nil {
		return nil, File{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if stderr.Is(err, fs.ErrNotExist) {
			return nil, File{}, errors.Newf(errors.ErrCodeUnknownFile, "staged file %s missing on disk", id)
		}
		return nil, File{}, errors.Wrap(err, errors.ErrCodeStagingFailed, "open staging file")
	}
	return f, file, nil
}

// List returns the files of namespace ordered by slot, then creation time.
func (s *Store) List(ctx context.Context, namespace string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, namespace, slot, size, created_at FROM staged_files
		 WHERE namespace = ? ORDER BY slot, created_at`, namespace)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStagingFailed, "list staging index")
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStagingFailed, "scan staging index")
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// Remove deletes the file and its record in one step. If the file cannot be removed the record
// is kept so a later sweep retries.
func (s *Store) Remove(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStagingFailed, "begin remove")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var namespace string
	err = tx.QueryRowContext(ctx, `SELECT namespace FROM staged_files WHERE file_id = ?`, id).Scan(&namespace)
	if stderr.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStagingFailed, "read staging index")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_files WHERE file_id = ?`, id); err != nil {
		return errors.Wrap(err, errors.ErrCodeStagingFailed, "delete staging record")
	}
	p, err := s.path(namespace, id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, errors.ErrCodeStagingFailed, "delete staging file")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStagingFailed, "commit remove")
	}
	return nil
}

// RemoveNamespace deletes every file of namespace and the namespace directory. It returns the
// number of records removed and is a no-op for an unknown namespace.
func (s *Store) RemoveNamespace(ctx context.Context, namespace string) (int, error) {
	if err := validNamespace(namespace); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStagingFailed, "begin namespace remove")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM staged_files WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStagingFailed, "delete namespace records")
	}
	if err := os.RemoveAll(filepath.Join(s.root, namespace)); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStagingFailed, "delete namespace directory")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStagingFailed, "commit namespace remove")
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("removed namespace", map[string]interface{}{"namespace": namespace, "files": n})
	}
	return int(n), nil
}

// Sweep removes files of namespace created at or before cutoff. An empty namespace sweeps every
// namespace. Failures on individual files are logged and skipped.
func (s *Store) Sweep(ctx context.Context, namespace string, cutoff time.Time) (int, error) {
	query := `SELECT file_id FROM staged_files WHERE created_at <= ?`
	args := []interface{}{cutoff.UnixNano()}
	if namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, namespace)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStagingFailed, "query expired files")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, errors.ErrCodeStagingFailed, "scan expired files")
		}
		ids = append(ids, id)
	}
	rows.Close()

	removed := 0
	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil {
			s.logger.Warn("sweep failed to remove file", map[string]interface{}{"id": id, "error": err})
			continue
		}
		removed++
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (File, error) {
	var file File
	var created int64
	if err := row.Scan(&file.ID, &file.Namespace, &file.Slot, &file.Size, &created); err != nil {
		return File{}, err
	}
	file.CreatedAt = time.Unix(0, created)
	return file, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
