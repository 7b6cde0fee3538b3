package lockfs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// SandboxedFile wraps an open file handle together with the access rights it
// was opened with. Sandboxed consumers receive already-open handles and can
// never reopen by path, so the wrapper is the whole capability: a read-only
// SandboxedFile can never be upgraded to a writable one.
type SandboxedFile struct {
	file     *os.File
	writable bool
}

// NewSandboxedFile wraps f. writable must match the rights f was actually
// opened with.
func NewSandboxedFile(f *os.File, writable bool) *SandboxedFile {
	return &SandboxedFile{file: f, writable: writable}
}

// Writable reports whether writes are permitted on this handle.
func (f *SandboxedFile) Writable() bool { return f.writable }

// Fd returns the handle's file descriptor. The descriptor stays valid until
// Close; callers must not close it themselves.
func (f *SandboxedFile) Fd() uintptr { return f.file.Fd() }

// ReadAt fills p from offset off. Reading at or past EOF, or a read that
// straddles EOF, zero-fills the remainder of p and reports shortRead=true
// with a nil error. Database pagers probe past the end of fresh files; that
// is not an I/O failure.
func (f *SandboxedFile) ReadAt(p []byte, off int64) (shortRead bool, err error) {
	n, err := f.file.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("lockfs: read at %d: %w", off, err)
	}
	if n < len(p) {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return true, nil
	}
	return false, nil
}

// WriteAt writes p at offset off, sparsely extending the file when off is
// past the current end. Fails on a read-only handle.
func (f *SandboxedFile) WriteAt(p []byte, off int64) error {
	if !f.writable {
		return fmt.Errorf("lockfs: write at %d: handle is read-only", off)
	}
	if _, err := f.file.WriteAt(p, off); err != nil {
		return fmt.Errorf("lockfs: write at %d: %w", off, err)
	}
	return nil
}

// Truncate sets the file length. Fails on a read-only handle.
func (f *SandboxedFile) Truncate(size int64) error {
	if !f.writable {
		return errors.New("lockfs: truncate: handle is read-only")
	}
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("lockfs: truncate to %d: %w", size, err)
	}
	return nil
}

// Size returns the current file length.
func (f *SandboxedFile) Size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("lockfs: stat: %w", err)
	}
	return info.Size(), nil
}

// Sync flushes the file's data and metadata to stable storage.
func (f *SandboxedFile) Sync() error {
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("lockfs: sync: %w", err)
	}
	return nil
}

// Dup returns a fresh handle to the same file. Duplicating read-write
// requires a writable source handle; rights can be narrowed, never widened.
// The caller owns the returned handle.
func (f *SandboxedFile) Dup(readWrite bool) (*os.File, error) {
	if readWrite && !f.writable {
		return nil, errors.New("lockfs: cannot duplicate read-only handle as read-write")
	}
	if !readWrite && f.writable {
		// Narrowing cannot use dup: the duplicate shares the open file
		// description, so the receiving process would hold an OS-writable
		// handle no matter what the wrapper says. Reopen through the proc
		// link instead; it reaches the same inode even for handles that
		// arrived over a socket and have no usable path.
		dup, err := os.OpenFile(fmt.Sprintf("/proc/self/fd/%d", int(f.file.Fd())), os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("lockfs: reopen read-only: %w", err)
		}
		return dup, nil
	}
	fd, err := unix.Dup(int(f.file.Fd()))
	if err != nil {
		return nil, fmt.Errorf("lockfs: dup: %w", err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), f.file.Name()), nil
}

// Close releases the underlying handle.
func (f *SandboxedFile) Close() error {
	return f.file.Close()
}
