// Package pcache implements a cross-process persistent key-value cache backed
// by SQLite. A cache is reached through a Backend; backends are created
// locally from on-disk files or remotely from a BackendParams bundle of
// duplicated file handles, so sandboxed consumers with no filesystem access
// can still share the same store.
package pcache

import (
	"errors"
	"os"
)

// TransactionError is the three-kind taxonomy every cache operation reports
// failures in. The kind tells the caller what structural action is needed,
// which is the only thing that matters at this layer.
type TransactionError int

const (
	// ErrTransient is resource contention or low memory. Retry the call or
	// treat it as a miss; the connection stays usable.
	ErrTransient TransactionError = iota

	// ErrConnection means the files or lock could not be reached, or the
	// connection was abandoned. Discard the connection and reopen.
	ErrConnection

	// ErrPermanent is corruption or unrecoverable I/O. Delete the backing
	// storage before connecting to the same files again.
	ErrPermanent
)

func (e TransactionError) Error() string {
	switch e {
	case ErrTransient:
		return "pcache: transient error"
	case ErrConnection:
		return "pcache: connection error"
	case ErrPermanent:
		return "pcache: permanent error"
	}
	return "pcache: unknown error"
}

// EntryMetadata rides along with an entry's content.
type EntryMetadata struct {
	InputSignature int64
	// WriteTimestamp is seconds since the epoch, assigned by the store's
	// own clock at insertion. Callers must leave it zero on Insert.
	WriteTimestamp int64
}

// Entry is a snapshot of one cache row at Find time.
type Entry struct {
	Content  []byte
	Metadata EntryMetadata
}

// BackendType tags the concrete engine a BackendParams bundle targets.
type BackendType string

const BackendSQLite BackendType = "sqlite"

// BackendParams bundles duplicated file handles for opening an independent
// connection to an existing cache, possibly in another process. It is
// move-only: exactly one live owner, consumed by opening a backend or by
// serialization, never usable twice.
type BackendParams struct {
	Type      BackendType
	DB        *os.File
	Journal   *os.File
	Lock      *os.File
	ReadWrite bool

	consumed bool
}

// Valid reports whether the params still own three live handles.
func (p *BackendParams) Valid() bool {
	return p != nil && !p.consumed && p.DB != nil && p.Journal != nil && p.Lock != nil
}

// take transfers ownership of the handles out of p. Panics on a params that
// was already consumed; use-after-transfer is a programming error, not a
// runtime condition.
func (p *BackendParams) take() (db, journal, lock *os.File) {
	if p.consumed {
		panic("pcache: BackendParams used after transfer")
	}
	p.consumed = true
	db, journal, lock = p.DB, p.Journal, p.Lock
	p.DB, p.Journal, p.Lock = nil, nil, nil
	return db, journal, lock
}

// Discard consumes the params and closes any handles it still owns.
func (p *BackendParams) Discard() {
	if p == nil || p.consumed {
		return
	}
	db, journal, lock := p.take()
	for _, f := range []*os.File{db, journal, lock} {
		if f != nil {
			f.Close()
		}
	}
}

// Backend is one connection to a cache's backing store.
type Backend interface {
	// Initialize opens the store and creates its schema. Must be called
	// exactly once, before any other operation; a failure leaves the
	// backend unusable.
	Initialize() error

	// Find returns the entry for key, (nil, nil) on a miss, or a
	// TransactionError.
	Find(key string) (*Entry, error)

	// Insert stores content under key, replacing any previous entry.
	// meta.WriteTimestamp must be zero.
	Insert(key string, content []byte, meta EntryMetadata) error

	// ExportReadOnlyParams and ExportReadWriteParams duplicate the
	// backend's handles into params for an independent connection.
	ExportReadOnlyParams() (*BackendParams, error)
	ExportReadWriteParams() (*BackendParams, error)

	// Abandon permanently invalidates every connection sharing this
	// backend's files, across processes. Read-write backends only.
	Abandon()

	ReadOnly() bool
	Type() BackendType
	Close() error
}

// AsTransactionError extracts the taxonomy kind from an operation error.
func AsTransactionError(err error) (TransactionError, bool) {
	var te TransactionError
	if errors.As(err, &te) {
		return te, true
	}
	return 0, false
}
