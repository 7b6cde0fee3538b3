package lockfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Conventional extensions for the files making up one database.
const (
	DBExt      = ".db"
	JournalExt = ".db-journal"
	LockExt    = ".db-lock"
)

// FileSet is the trio of handles backing one database: the main file, its
// rollback journal, and the lock file whose mapped word carries the
// cross-process lock protocol. Consumers address the set through an opaque
// virtual path token rather than a real filesystem path, so the set can be
// handed to a process that has no filesystem access at all.
type FileSet struct {
	db      *SandboxedFile
	journal *SandboxedFile
	lock    *SharedLock
	state   *LockState

	readOnly    bool
	virtualPath string
}

// CreateFileSet creates (or opens) the database and journal files for
// baseName under dir, read-write, with a freshly created lock file. The
// creator owns the generation; instances share a set through exported
// handles, never by a second CreateFileSet on a live base name.
func CreateFileSet(dir, baseName string) (*FileSet, error) {
	flags := os.O_RDWR | os.O_CREATE
	db, err := os.OpenFile(filepath.Join(dir, baseName+DBExt), flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfs: open database file: %w", err)
	}
	journal, err := os.OpenFile(filepath.Join(dir, baseName+JournalExt), flags, 0o644)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("lockfs: open journal file: %w", err)
	}
	// A fresh set starts a new lock generation on a fresh inode. Clearing
	// the old word in place would revive holders of previously exported
	// handles, whose abandonment must outlive the set that issued it; they
	// keep their mapping of the orphaned file instead.
	lockPath := filepath.Join(dir, baseName+LockExt)
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		db.Close()
		journal.Close()
		return nil, fmt.Errorf("lockfs: remove stale lock file: %w", err)
	}
	lock, err := OpenSharedLock(lockPath)
	if err != nil {
		db.Close()
		journal.Close()
		return nil, err
	}
	return newFileSet(db, journal, lock, false), nil
}

// FileSetFromHandles assembles a set from already-open handles, typically
// received from another process. readOnly must match the rights the handles
// were granted with; it can never be relaxed afterwards.
func FileSetFromHandles(db, journal, lockFile *os.File, readOnly bool) (*FileSet, error) {
	lock, err := SharedLockFromFile(lockFile)
	if err != nil {
		db.Close()
		journal.Close()
		return nil, err
	}
	return newFileSet(db, journal, lock, readOnly), nil
}

func newFileSet(db, journal *os.File, lock *SharedLock, readOnly bool) *FileSet {
	return &FileSet{
		db:          NewSandboxedFile(db, !readOnly),
		journal:     NewSandboxedFile(journal, !readOnly),
		lock:        lock,
		state:       NewLockState(lock),
		readOnly:    readOnly,
		virtualPath: uuid.NewString(),
	}
}

// VirtualPath returns the opaque token consumers use to address this set.
// Unique per set instance; carries no filesystem meaning.
func (s *FileSet) VirtualPath() string { return s.virtualPath }

// ReadOnly reports whether the set was assembled without write rights.
func (s *FileSet) ReadOnly() bool { return s.readOnly }

// DB returns the main database file.
func (s *FileSet) DB() *SandboxedFile { return s.db }

// Journal returns the rollback journal file.
func (s *FileSet) Journal() *SandboxedFile { return s.journal }

// Lock returns this set's connection lock state on the shared word.
func (s *FileSet) Lock() *LockState { return s.state }

// DuplicateFiles returns fresh handles to the three files, for handing the
// set to another consumer. A read-only set refuses read-write duplication;
// rights only ever narrow.
func (s *FileSet) DuplicateFiles(readWrite bool) (db, journal, lock *os.File, err error) {
	if readWrite && s.readOnly {
		return nil, nil, nil, errors.New("lockfs: cannot duplicate read-only set as read-write")
	}
	db, err = s.db.Dup(readWrite)
	if err != nil {
		return nil, nil, nil, err
	}
	journal, err = s.journal.Dup(readWrite)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	// The lock word is mapped writable by every consumer, read-only sets
	// included; the lock handle always travels with full rights.
	lock, err = NewSandboxedFile(s.lock.File(), true).Dup(true)
	if err != nil {
		db.Close()
		journal.Close()
		return nil, nil, nil, err
	}
	return db, journal, lock, nil
}

// Abandoned reports whether the set's lock word was abandoned.
func (s *FileSet) Abandoned() bool { return s.lock.Abandoned() }

// Abandon permanently invalidates the lock word for every holder of this
// set's files, in every process.
func (s *FileSet) Abandon() { s.lock.Abandon() }

// Close releases every held lock level and all three handles.
func (s *FileSet) Close() error {
	s.state.Unlock(LockNone)
	errDB := s.db.Close()
	errJournal := s.journal.Close()
	errLock := s.lock.Close()
	if errDB != nil {
		return errDB
	}
	if errJournal != nil {
		return errJournal
	}
	return errLock
}
