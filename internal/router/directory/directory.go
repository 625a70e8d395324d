// Package directory implements the router's persistent registry of
// users and hosts, backed by a SQLite database.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/jurafish/aspia/internal/domain"
)

// Directory wraps a SQLite database connection for all router
// persistence operations. Writes are durable before the call returns;
// reads observe all prior writes.
type Directory struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations,
// and enables WAL mode for improved concurrent read performance.
func Open(path string) (*Directory, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with
// tunable connection pool settings.
func OpenWithOptions(path string, opts OpenOptions) (*Directory, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(full)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	d := &Directory{db: db}
	if err := d.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Migrate creates all required tables and indexes if they do not
// already exist.
func (d *Directory) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	verifier TEXT NOT NULL,
	sessions INTEGER NOT NULL,
	flags INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_name ON users(name);
CREATE TABLE IF NOT EXISTS hosts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_hash BLOB NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_hosts_key_hash ON hosts(key_hash);
`
	_, err := d.db.ExecContext(ctx, ddl)
	return err
}

// foldUsername normalizes a username for uniqueness and lookups.
func foldUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// UserList returns every user ordered by entry id.
func (d *Directory) UserList(ctx context.Context) ([]domain.User, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, name, verifier, sessions, flags
FROM users
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.EntryID, &u.Username, &u.Verifier, &u.Sessions, &u.Flags); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AddUser inserts a new user. A case-folded duplicate name returns
// [domain.ErrDuplicateUsername] without mutation.
func (d *Directory) AddUser(ctx context.Context, u domain.User) (domain.User, error) {
	name := foldUsername(u.Username)
	if name == "" {
		return domain.User{}, errors.New("username is required")
	}
	res, err := d.db.ExecContext(ctx, `
INSERT INTO users(name, verifier, sessions, flags)
VALUES(?, ?, ?, ?)`, name, u.Verifier, u.Sessions, u.Flags)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, domain.ErrDuplicateUsername
		}
		return domain.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, err
	}
	u.EntryID = id
	u.Username = name
	return u, nil
}

// ModifyUser updates an existing entry by its entry id.
func (d *Directory) ModifyUser(ctx context.Context, u domain.User) error {
	name := foldUsername(u.Username)
	res, err := d.db.ExecContext(ctx, `
UPDATE users
SET name = ?, verifier = ?, sessions = ?, flags = ?
WHERE id = ?`, name, u.Verifier, u.Sessions, u.Flags, u.EntryID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateUsername
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// RemoveUser deletes the entry with the given id.
func (d *Directory) RemoveUser(ctx context.Context, entryID int64) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, entryID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// FindUser looks a user up by case-folded name. A missing user returns
// an empty record, not an error: callers treat unknown and disabled
// users identically.
func (d *Directory) FindUser(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	err := d.db.QueryRowContext(ctx, `
SELECT id, name, verifier, sessions, flags
FROM users
WHERE name = ?`, foldUsername(username)).Scan(&u.EntryID, &u.Username, &u.Verifier, &u.Sessions, &u.Flags)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, nil
	}
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// HostID resolves a key digest to its issued host id.
// [domain.ErrNoHostFound] means the digest was never registered; any
// other error is a storage failure.
func (d *Directory) HostID(ctx context.Context, keyHash []byte) (domain.HostID, error) {
	if len(keyHash) != domain.KeyHashSize {
		return domain.InvalidHostID, fmt.Errorf("key hash must be %d bytes", domain.KeyHashSize)
	}
	var id int64
	err := d.db.QueryRowContext(ctx, `SELECT id FROM hosts WHERE key_hash = ?`, keyHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InvalidHostID, domain.ErrNoHostFound
	}
	if err != nil {
		return domain.InvalidHostID, err
	}
	return domain.HostID(id), nil
}

// AddHost registers a key digest, allocating a host id on first
// insertion. Registering the same digest again is idempotent and
// returns the existing id.
func (d *Directory) AddHost(ctx context.Context, keyHash []byte) (domain.HostID, error) {
	if len(keyHash) != domain.KeyHashSize {
		return domain.InvalidHostID, fmt.Errorf("key hash must be %d bytes", domain.KeyHashSize)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.InvalidHostID, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO hosts(key_hash) VALUES(?)
ON CONFLICT(key_hash) DO NOTHING`, keyHash); err != nil {
		return domain.InvalidHostID, err
	}
	var id int64
	if err = tx.QueryRowContext(ctx, `SELECT id FROM hosts WHERE key_hash = ?`, keyHash).Scan(&id); err != nil {
		return domain.InvalidHostID, err
	}
	if err = tx.Commit(); err != nil {
		return domain.InvalidHostID, err
	}
	return domain.HostID(id), nil
}

// HostList returns every registered host record ordered by id.
func (d *Directory) HostList(ctx context.Context) ([]domain.HostRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, key_hash FROM hosts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.HostRecord
	for rows.Next() {
		var id int64
		var hash []byte
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out = append(out, domain.HostRecord{KeyHash: hash, HostID: domain.HostID(id)})
	}
	return out, rows.Err()
}

// ImportUser inserts a user preserving its entry id; used by settings
// import to rebuild a directory exactly.
func (d *Directory) ImportUser(ctx context.Context, u domain.User) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO users(id, name, verifier, sessions, flags)
VALUES(?, ?, ?, ?, ?)`, u.EntryID, foldUsername(u.Username), u.Verifier, u.Sessions, u.Flags)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateUsername
	}
	return err
}

// ImportHost inserts a host record preserving its issued id.
func (d *Directory) ImportHost(ctx context.Context, r domain.HostRecord) error {
	if len(r.KeyHash) != domain.KeyHashSize {
		return fmt.Errorf("key hash must be %d bytes", domain.KeyHashSize)
	}
	_, err := d.db.ExecContext(ctx, `
INSERT INTO hosts(id, key_hash) VALUES(?, ?)
ON CONFLICT(key_hash) DO NOTHING`, int64(r.HostID), r.KeyHash)
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
