package depot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const registrySchemaVersion = 1

// Registry durably records which packages and files are installed. All
// mutations happen on a single connection between nested SQL savepoints, so
// nothing becomes visible outside the registry until Commit releases the
// outermost checkpoint.
type Registry struct {
	db         *sql.DB
	conn       *sql.Conn
	savepoints int
}

// Entry is the durable record of one installed package.
type Entry struct {
	ID       int64
	Remote   string
	Category string
	Package  string
	Type     PackageType
	Version  string
	Author   string
	Pinned   bool
}

// Valid reports whether the entry refers to an actual registry row.
func (e Entry) Valid() bool { return e.ID > 0 }

// FullName is "<Remote>/<Category>/<Package> v<Version>".
func (e Entry) FullName() string {
	return fmt.Sprintf("%s/%s/%s v%s", e.Remote, e.Category, e.Package, e.Version)
}

// File is the durable record of one installed file of an Entry.
type File struct {
	Path     string
	Main     bool
	Sections int
	Type     PackageType
}

// NewRegistry opens (creating if needed) the registry database at path.
func NewRegistry(ctx context.Context, path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	r := &Registry{db: db, conn: conn}
	if err := r.migrate(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	var version int
	if err := r.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read registry version: %w", err)
	}

	switch {
	case version == registrySchemaVersion:
		return nil
	case version > registrySchemaVersion:
		return fmt.Errorf("registry was created by a newer version")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY,
			remote TEXT NOT NULL,
			category TEXT NOT NULL,
			package TEXT NOT NULL,
			type INTEGER NOT NULL,
			version TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0,
			UNIQUE(remote, category, package)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY,
			entry INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			path TEXT UNIQUE NOT NULL,
			main INTEGER NOT NULL DEFAULT 0,
			sections INTEGER NOT NULL DEFAULT 0,
			type INTEGER NOT NULL DEFAULT 0
		)`,
		fmt.Sprintf("PRAGMA user_version = %d", registrySchemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := r.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return nil
}

// Savepoint opens a nested transactional checkpoint.
func (r *Registry) Savepoint(ctx context.Context) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("SAVEPOINT sp%d", r.savepoints))
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	r.savepoints++
	return nil
}

// Restore undoes every change made since the most recent open checkpoint and
// closes it.
func (r *Registry) Restore(ctx context.Context) error {
	if r.savepoints == 0 {
		return nil
	}
	r.savepoints--
	name := fmt.Sprintf("sp%d", r.savepoints)
	if _, err := r.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if _, err := r.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// Commit durably persists everything written since the outermost checkpoint.
func (r *Registry) Commit(ctx context.Context) error {
	if r.savepoints == 0 {
		return nil
	}
	r.savepoints = 0
	if _, err := r.conn.ExecContext(ctx, "RELEASE SAVEPOINT sp0"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const entryColumns = "id, remote, category, package, type, version, author, pinned"

func scanEntry(scanner interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	err := scanner.Scan(&e.ID, &e.Remote, &e.Category, &e.Package,
		&e.Type, &e.Version, &e.Author, &e.Pinned)
	return e, err
}

// GetEntry returns the installed entry for pkg, or a zero entry when the
// package is not installed.
func (r *Registry) GetEntry(ctx context.Context, pkg *Package) (Entry, error) {
	var remote, category string
	if pkg.category != nil {
		category = pkg.category.name
		if pkg.category.index != nil {
			remote = pkg.category.index.name
		}
	}
	return r.getEntry(ctx, remote, category, pkg.name)
}

func (r *Registry) getEntry(ctx context.Context, remote, category, pkg string) (Entry, error) {
	row := r.conn.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE remote = ? AND category = ? AND package = ?",
		remote, category, pkg)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// GetEntries lists every installed entry recorded for the named remote.
func (r *Registry) GetEntries(ctx context.Context, remoteName string) ([]Entry, error) {
	rows, err := r.conn.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE remote = ? ORDER BY category, package",
		remoteName)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetFiles lists the installed file records of e.
func (r *Registry) GetFiles(ctx context.Context, e Entry) ([]File, error) {
	return r.files(ctx, e, "")
}

// GetMainFiles lists only the files that register into host sections.
func (r *Registry) GetMainFiles(ctx context.Context, e Entry) ([]File, error) {
	return r.files(ctx, e, " AND main = 1")
}

func (r *Registry) files(ctx context.Context, e Entry, filter string) ([]File, error) {
	rows, err := r.conn.QueryContext(ctx,
		"SELECT path, main, sections, type FROM files WHERE entry = ?"+filter+" ORDER BY path",
		e.ID)
	if err != nil {
		return nil, fmt.Errorf("get files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.Path, &f.Main, &f.Sections, &f.Type); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Push records (or updates) the entry for an installed version along with its
// file set. Two entries can never own the same path; pushing a version whose
// files collide with another entry's fails, which is what the pre-install
// conflict probe relies on.
func (r *Registry) Push(ctx context.Context, ver *Version, pinned bool) (Entry, error) {
	pkg := ver.pkg
	if pkg == nil || pkg.category == nil || pkg.category.index == nil {
		return Entry{}, fmt.Errorf("version is not part of an index")
	}

	e := Entry{
		Remote:   pkg.category.index.name,
		Category: pkg.category.name,
		Package:  pkg.name,
		Type:     pkg.typ,
		Version:  ver.name,
		Author:   ver.author,
		Pinned:   pinned,
	}

	row := r.conn.QueryRowContext(ctx,
		`INSERT INTO entries (remote, category, package, type, version, author, pinned)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(remote, category, package) DO UPDATE
		 SET type = excluded.type, version = excluded.version,
		     author = excluded.author, pinned = excluded.pinned
		 RETURNING id`,
		e.Remote, e.Category, e.Package, e.Type, e.Version, e.Author, e.Pinned)
	if err := row.Scan(&e.ID); err != nil {
		return Entry{}, fmt.Errorf("push entry: %w", err)
	}

	if _, err := r.conn.ExecContext(ctx, "DELETE FROM files WHERE entry = ?", e.ID); err != nil {
		return Entry{}, fmt.Errorf("push entry: %w", err)
	}

	for _, src := range ver.sources {
		path := src.TargetPath()
		_, err := r.conn.ExecContext(ctx,
			"INSERT INTO files (entry, path, main, sections, type) VALUES (?, ?, ?, ?, ?)",
			e.ID, path, src.IsMain(), src.sections, pkg.typ)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				if owner, ferr := r.owner(ctx, path); ferr == nil && owner.Valid() {
					return Entry{}, fmt.Errorf("%s is already owned by %s", path, owner.FullName())
				}
			}
			return Entry{}, fmt.Errorf("push file %s: %w", path, err)
		}
	}

	return e, nil
}

func (r *Registry) owner(ctx context.Context, path string) (Entry, error) {
	row := r.conn.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE id = (SELECT entry FROM files WHERE path = ?)",
		path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil
	}
	return e, err
}

// SetPinned flags or unflags an entry as excluded from automatic upgrades.
func (r *Registry) SetPinned(ctx context.Context, e Entry, pinned bool) error {
	_, err := r.conn.ExecContext(ctx,
		"UPDATE entries SET pinned = ? WHERE id = ?", pinned, e.ID)
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	return nil
}

// Forget removes an entry and its file records.
func (r *Registry) Forget(ctx context.Context, e Entry) error {
	// not relying on the cascade: foreign keys may be off on this connection
	if _, err := r.conn.ExecContext(ctx, "DELETE FROM files WHERE entry = ?", e.ID); err != nil {
		return fmt.Errorf("forget entry: %w", err)
	}
	if _, err := r.conn.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", e.ID); err != nil {
		return fmt.Errorf("forget entry: %w", err)
	}
	return nil
}

// Close abandons any open checkpoints (nothing uncommitted persists) and
// releases the database.
func (r *Registry) Close() error {
	if r.savepoints > 0 {
		r.savepoints = 0
		ctx := context.Background()
		_, _ = r.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT sp0")
		_, _ = r.conn.ExecContext(ctx, "RELEASE SAVEPOINT sp0")
	}
	if err := r.conn.Close(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}
