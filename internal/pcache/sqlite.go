package pcache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/renderkit/renderkit/internal/lockfs"
)

const createEntriesTable = `CREATE TABLE IF NOT EXISTS entries(` +
	`key TEXT PRIMARY KEY UNIQUE NOT NULL, content BLOB NOT NULL, ` +
	`input_signature INTEGER, write_timestamp INTEGER)`

// SQLiteBackend stores entries in a single SQLite database over a
// lockfs.FileSet. SQLite's own file locking is disabled; every operation is
// bracketed by the file set's shared lock word instead, so coordination
// works across processes and survives a crashed holder as an abandonable
// busy state rather than a stuck kernel lock.
//
// A backend opened from a local path uses a truncating rollback journal in
// the set's journal file. A backend opened from received handles has no path
// to name a journal with, so it reaches the database through its descriptor
// and journals in memory.
type SQLiteBackend struct {
	mu          sync.Mutex
	files       *lockfs.FileSet
	path        string
	db          *sql.DB
	initialized bool
}

// NewSQLiteBackendAt creates (or opens) the database files for baseName
// under dir and returns a read-write backend on them.
func NewSQLiteBackendAt(dir, baseName string) (*SQLiteBackend, error) {
	files, err := lockfs.CreateFileSet(dir, baseName)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{
		files: files,
		path:  dir + "/" + baseName + lockfs.DBExt,
	}, nil
}

// NewSQLiteBackend opens a backend on the handles carried by params,
// consuming them.
func NewSQLiteBackend(params *BackendParams) (*SQLiteBackend, error) {
	if params.Type != BackendSQLite {
		return nil, fmt.Errorf("pcache: params are for backend type %q, not sqlite", params.Type)
	}
	if !params.Valid() {
		return nil, errors.New("pcache: params do not hold valid handles")
	}
	db, journal, lock := params.take()
	files, err := lockfs.FileSetFromHandles(db, journal, lock, !params.ReadWrite)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{files: files}, nil
}

func (b *SQLiteBackend) dsn() string {
	if b.path != "" {
		return fmt.Sprintf("file:%s?nolock=1&_journal_mode=TRUNCATE&_busy_timeout=0", b.path)
	}
	mode := ""
	if b.files.ReadOnly() {
		mode = "mode=ro&"
	}
	return fmt.Sprintf("file:/proc/self/fd/%d?%snolock=1&_journal_mode=MEMORY&_busy_timeout=0",
		b.files.DB().Fd(), mode)
}

// Initialize opens the database and creates the entries table. Must be
// called exactly once.
func (b *SQLiteBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		panic("pcache: sqlite backend initialized twice")
	}

	db, err := sql.Open("sqlite3", b.dsn())
	if err != nil {
		return fmt.Errorf("pcache: open database: %w", err)
	}
	// One connection; the page cache and the lock word both assume it.
	db.SetMaxOpenConns(1)

	if b.files.ReadOnly() {
		// Force the lazy open; the schema already exists or the first
		// Find will say otherwise.
		if _, err := db.Exec("PRAGMA schema_version"); err != nil {
			db.Close()
			return fmt.Errorf("pcache: open read-only database: %w", err)
		}
	} else {
		if err := b.withLock(lockfs.LockExclusive, func() error {
			_, err := db.Exec(createEntriesTable)
			return err
		}); err != nil {
			db.Close()
			return fmt.Errorf("pcache: create schema: %w", err)
		}
	}

	b.db = db
	b.initialized = true
	return nil
}

// Find returns the entry for key, (nil, nil) on a miss, or a
// TransactionError describing what the caller must do about the failure.
func (b *SQLiteBackend) Find(key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		panic("pcache: Find on uninitialized backend")
	}
	if key == "" {
		panic("pcache: empty cache key")
	}

	var entry *Entry
	err := b.withLock(lockfs.LockShared, func() error {
		var content []byte
		var signature, timestamp sql.NullInt64
		row := b.db.QueryRow(
			"SELECT content, input_signature, write_timestamp FROM entries WHERE key = ?", key)
		if err := row.Scan(&content, &signature, &timestamp); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		entry = &Entry{
			Content: content,
			Metadata: EntryMetadata{
				InputSignature: signature.Int64,
				WriteTimestamp: timestamp.Int64,
			},
		}
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}
	return entry, nil
}

// Insert stores content under key, replacing any previous entry. The write
// timestamp comes from the store's clock; meta.WriteTimestamp must be zero.
func (b *SQLiteBackend) Insert(key string, content []byte, meta EntryMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		panic("pcache: Insert on uninitialized backend")
	}
	if key == "" {
		panic("pcache: empty cache key")
	}
	if meta.WriteTimestamp != 0 {
		panic("pcache: write timestamp is assigned by the store, not the caller")
	}

	err := b.withLock(lockfs.LockExclusive, func() error {
		_, err := b.db.Exec(
			"REPLACE INTO entries (key, content, input_signature, write_timestamp) "+
				"VALUES (?, ?, ?, strftime('%s', 'now'))",
			key, content, meta.InputSignature)
		return err
	})
	if err != nil {
		return translateError(err)
	}
	return nil
}

// withLock runs op while holding level on the shared word, dropping back to
// none afterwards. Lock failures surface untranslated for translateError.
func (b *SQLiteBackend) withLock(level lockfs.LockLevel, op func() error) error {
	if err := b.files.Lock().Lock(level); err != nil {
		b.files.Lock().Unlock(lockfs.LockNone)
		return err
	}
	defer b.files.Lock().Unlock(lockfs.LockNone)
	return op()
}

// ExportReadOnlyParams duplicates the backend's handles into params for an
// independent read-only connection.
func (b *SQLiteBackend) ExportReadOnlyParams() (*BackendParams, error) {
	return b.exportParams(false)
}

// ExportReadWriteParams duplicates the backend's handles into params for an
// independent read-write connection.
func (b *SQLiteBackend) ExportReadWriteParams() (*BackendParams, error) {
	return b.exportParams(true)
}

func (b *SQLiteBackend) exportParams(readWrite bool) (*BackendParams, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, journal, lock, err := b.files.DuplicateFiles(readWrite)
	if err != nil {
		return nil, fmt.Errorf("pcache: export params: %w", err)
	}
	return &BackendParams{
		Type:      BackendSQLite,
		DB:        db,
		Journal:   journal,
		Lock:      lock,
		ReadWrite: readWrite,
	}, nil
}

// Abandon permanently invalidates every connection sharing these files.
// Read-only instances do not have that privilege.
func (b *SQLiteBackend) Abandon() {
	if b.ReadOnly() {
		panic("pcache: Abandon on read-only backend")
	}
	b.files.Abandon()
}

// ReadOnly reports whether this backend was opened without write rights.
func (b *SQLiteBackend) ReadOnly() bool { return b.files.ReadOnly() }

// Type returns BackendSQLite.
func (b *SQLiteBackend) Type() BackendType { return BackendSQLite }

// Close releases the database connection and all file handles.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		b.db.Close()
		b.db = nil
	}
	return b.files.Close()
}

// translateError classifies an operation failure into the three-kind
// taxonomy. Unrecognized engine codes default to transient; surprising codes
// must be watched for, since misclassifying a permanent one keeps an
// unusable database in service.
func translateError(err error) TransactionError {
	if errors.Is(err, lockfs.ErrAbandoned) {
		return ErrConnection
	}
	if errors.Is(err, lockfs.ErrBusy) {
		return ErrTransient
	}

	var se sqlite3.Error
	if !errors.As(err, &se) {
		return ErrTransient
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrNomem:
		return ErrTransient
	case sqlite3.ErrCantOpen:
		return ErrConnection
	case sqlite3.ErrError, sqlite3.ErrCorrupt, sqlite3.ErrFull:
		return ErrPermanent
	case sqlite3.ErrIoErr:
		switch se.ExtendedCode {
		case sqlite3.ErrIoErrRead, sqlite3.ErrIoErrWrite,
			sqlite3.ErrIoErrFsync, sqlite3.ErrIoErrFstat:
			return ErrPermanent
		}
		return ErrTransient
	}
	return ErrTransient
}
