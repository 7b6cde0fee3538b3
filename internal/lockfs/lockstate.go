// Package lockfs implements the cross-process file and lock layer underneath
// the persistent cache: a rollback-journal style lock protocol on a shared
// memory-mapped word, sandbox-friendly file wrappers with zero-fill read
// semantics, and paired database/journal file sets with handle duplication.
package lockfs

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Lock word layout. The word lives in a 4-byte file mapped shared by every
// connection, in this process or another. A crashed holder leaves its bits
// set; contenders observe a busy word and retry, they never deadlock on a
// kernel mutex that nobody will release.
const (
	lockFileSize = 4

	abandonedBit = uint32(1) << 31
	pendingBit   = uint32(1) << 30
	reservedBit  = uint32(1) << 29
	sharedMask   = reservedBit - 1
)

// LockLevel is a connection's exclusivity level, in increasing order.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockPending:
		return "pending"
	case LockExclusive:
		return "exclusive"
	}
	return fmt.Sprintf("LockLevel(%d)", int(l))
}

var (
	// ErrBusy means another connection holds a conflicting level. The
	// caller retries; the protocol never blocks.
	ErrBusy = errors.New("lockfs: lock busy")

	// ErrAbandoned means the lock word was permanently abandoned. The
	// connection is lost; the caller must discard it.
	ErrAbandoned = errors.New("lockfs: lock abandoned")
)

// SharedLock is the mapped cross-process lock word. One per database file,
// shared by every connection to it.
type SharedLock struct {
	file *os.File
	data []byte
	word *uint32
}

// OpenSharedLock creates or opens the lock file at path and maps its word.
func OpenSharedLock(path string) (*SharedLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfs: open lock file: %w", err)
	}
	if err := f.Truncate(lockFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfs: size lock file: %w", err)
	}
	return mapSharedLock(f)
}

// SharedLockFromFile maps the word of an already open lock file, typically
// one received from another process.
func SharedLockFromFile(f *os.File) (*SharedLock, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("lockfs: stat lock file: %w", err)
	}
	if info.Size() < lockFileSize {
		return nil, fmt.Errorf("lockfs: lock file too small: %d bytes", info.Size())
	}
	return mapSharedLock(f)
}

func mapSharedLock(f *os.File) (*SharedLock, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, lockFileSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfs: map lock file: %w", err)
	}
	return &SharedLock{
		file: f,
		data: data,
		word: (*uint32)(unsafe.Pointer(&data[0])),
	}, nil
}

// File returns the underlying lock file, for handle duplication.
func (l *SharedLock) File() *os.File { return l.file }

// Abandoned reports whether the word was permanently abandoned.
func (l *SharedLock) Abandoned() bool {
	return atomic.LoadUint32(l.word)&abandonedBit != 0
}

// Abandon permanently invalidates the word for every connection holding a
// handle to it, in every process. The bit is never cleared; recreating the
// file set replaces the lock file with a fresh word while abandoned holders
// keep their mapping of the orphaned one.
func (l *SharedLock) Abandon() {
	for {
		cur := atomic.LoadUint32(l.word)
		if cur&abandonedBit != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(l.word, cur, cur|abandonedBit) {
			return
		}
	}
}

// Close unmaps the word and closes the lock file. Held levels are NOT
// released; use Unlock first for a graceful teardown.
func (l *SharedLock) Close() error {
	if err := unix.Munmap(l.data); err != nil {
		l.file.Close()
		return fmt.Errorf("lockfs: unmap lock file: %w", err)
	}
	l.data = nil
	l.word = nil
	return l.file.Close()
}

// LockState is one connection's view of a shared lock word. It tracks the
// level this connection holds; the word itself only knows bit ownership in
// aggregate. A LockState is not safe for concurrent use by multiple
// goroutines; the cross-process safety lives in the word's atomics.
type LockState struct {
	shared *SharedLock
	level  LockLevel

	holdsReserved bool
	holdsPending  bool
}

// NewLockState returns an unlocked connection state on the shared word.
func NewLockState(shared *SharedLock) *LockState {
	return &LockState{shared: shared}
}

// Level returns the level this connection currently holds.
func (s *LockState) Level() LockLevel { return s.level }

// Lock escalates to the requested level. Requesting the held level or a
// lower one is a no-op success; the held level is monotonic until Unlock.
// Returns ErrBusy when another connection conflicts; an exclusive attempt
// that found other readers stays parked at pending so a retry resumes there.
// Returns ErrAbandoned, forever, once the word has been abandoned.
func (s *LockState) Lock(level LockLevel) error {
	if atomic.LoadUint32(s.shared.word)&abandonedBit != 0 {
		return ErrAbandoned
	}
	if level <= s.level {
		return nil
	}
	for s.level < level {
		var err error
		switch s.level {
		case LockNone:
			err = s.lockShared()
		case LockShared:
			if level == LockReserved {
				err = s.lockReserved()
			} else {
				// Hot journal rollback goes straight from shared
				// to exclusive, skipping reserved.
				err = s.lockPending()
			}
		case LockReserved:
			err = s.lockPending()
		case LockPending:
			err = s.lockExclusive()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Unlock drops to the requested level. Always succeeds, including after
// abandonment, so teardown code never has to special-case a lost word.
func (s *LockState) Unlock(level LockLevel) {
	if level >= s.level {
		return
	}
	for {
		cur := atomic.LoadUint32(s.shared.word)
		next := cur
		if s.holdsPending && level < LockPending {
			next &^= pendingBit
		}
		if s.holdsReserved && level < LockReserved {
			next &^= reservedBit
		}
		if level < LockShared && s.level >= LockShared {
			next = (next &^ sharedMask) | ((next & sharedMask) - 1)
		}
		if atomic.CompareAndSwapUint32(s.shared.word, cur, next) {
			break
		}
	}
	if level < LockPending {
		s.holdsPending = false
	}
	if level < LockReserved {
		s.holdsReserved = false
	}
	s.level = level
}

func (s *LockState) lockShared() error {
	for {
		cur := atomic.LoadUint32(s.shared.word)
		if cur&abandonedBit != 0 {
			return ErrAbandoned
		}
		// A pending writer shuts out new readers so it can drain the
		// existing ones.
		if cur&pendingBit != 0 {
			return ErrBusy
		}
		if cur&sharedMask == sharedMask {
			return ErrBusy
		}
		if atomic.CompareAndSwapUint32(s.shared.word, cur, cur+1) {
			s.level = LockShared
			return nil
		}
	}
}

func (s *LockState) lockReserved() error {
	for {
		cur := atomic.LoadUint32(s.shared.word)
		if cur&abandonedBit != 0 {
			return ErrAbandoned
		}
		if cur&reservedBit != 0 {
			return ErrBusy
		}
		if atomic.CompareAndSwapUint32(s.shared.word, cur, cur|reservedBit) {
			s.holdsReserved = true
			s.level = LockReserved
			return nil
		}
	}
}

func (s *LockState) lockPending() error {
	for {
		cur := atomic.LoadUint32(s.shared.word)
		if cur&abandonedBit != 0 {
			return ErrAbandoned
		}
		if cur&pendingBit != 0 {
			return ErrBusy
		}
		if atomic.CompareAndSwapUint32(s.shared.word, cur, cur|pendingBit) {
			s.holdsPending = true
			s.level = LockPending
			return nil
		}
	}
}

func (s *LockState) lockExclusive() error {
	cur := atomic.LoadUint32(s.shared.word)
	if cur&abandonedBit != 0 {
		return ErrAbandoned
	}
	// Our own shared count is still registered; exclusive means no OTHER
	// reader remains. Stay parked at pending on failure.
	if cur&sharedMask > 1 {
		return ErrBusy
	}
	s.level = LockExclusive
	return nil
}
