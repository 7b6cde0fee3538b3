package pcache

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/renderkit/renderkit/internal/archive"
	"github.com/renderkit/renderkit/internal/lockfs"
)

// Delegate decouples directory and file naming policy from the abstract
// notion of a backend. A delegate knows which files belong to a backend of
// its type and how to create or delete them.
type Delegate interface {
	// MakeBackend creates a backend on the files for baseName under
	// directory, creating them as needed.
	MakeBackend(directory, baseName string) (Backend, error)

	// BaseName returns the backend base name that owns fileName, or ""
	// when the file is not one of this backend type's.
	BaseName(fileName string) string

	// DeleteFiles removes every file belonging to baseName under
	// directory and returns the number of bytes removed.
	DeleteFiles(directory, baseName string) int64
}

// FootprintReduction reports the outcome of a footprint reduction pass.
type FootprintReduction struct {
	CurrentFootprint int64
	BytesDeleted     int64
}

// BackendStorage manages the directory holding every backend's files:
// creation, deletion, and bounded total footprint. An optional archive
// receives files before they are deleted.
type BackendStorage struct {
	delegate  Delegate
	directory string
	valid     bool
	archiver  *archive.Archiver
}

// NewBackendStorage manages directory through delegate, creating the
// directory if needed. A storage whose directory could not be created stays
// constructed but answers MakeBackend with nil and treats every maintenance
// operation as a no-op.
func NewBackendStorage(delegate Delegate, directory string) *BackendStorage {
	s := &BackendStorage{delegate: delegate, directory: directory}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		log.Printf("pcache: create storage directory: %v", err)
		return s
	}
	s.valid = delegate != nil
	return s
}

// SetArchiver routes files through the archiver before footprint reduction
// deletes them.
func (s *BackendStorage) SetArchiver(a *archive.Archiver) { s.archiver = a }

// Valid reports whether the storage directory is usable.
func (s *BackendStorage) Valid() bool { return s.valid }

// MakeBackend creates a backend on the files for baseName. Returns nil when
// the storage directory was never usable or creation fails.
func (s *BackendStorage) MakeBackend(baseName string) Backend {
	if !s.valid {
		return nil
	}
	backend, err := s.delegate.MakeBackend(s.directory, baseName)
	if err != nil {
		log.Printf("pcache: make backend %q: %v", baseName, err)
		return nil
	}
	return backend
}

// DeleteAllFiles best-effort deletes every file in the managed directory.
// Live backends keep working through their open handles; the caller must
// make sure none point here before recreating state in this directory.
func (s *BackendStorage) DeleteAllFiles() {
	if !s.valid {
		return
	}
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return
	}
	for _, entry := range entries {
		os.RemoveAll(filepath.Join(s.directory, entry.Name()))
	}
}

// DeleteFiles removes every file belonging to baseName.
func (s *BackendStorage) DeleteFiles(baseName string) {
	if s.valid {
		s.delegate.DeleteFiles(s.directory, baseName)
	}
}

// BringDownTotalFootprint deletes whole backend base names, oldest first by
// modification time, until the directory's total footprint fits
// targetBytes. Files the delegate does not recognize count toward the
// footprint but are never deleted. Stops as soon as enough bytes are gone.
func (s *BackendStorage) BringDownTotalFootprint(targetBytes int64) FootprintReduction {
	if !s.valid {
		return FootprintReduction{}
	}

	type ownedBaseName struct {
		name     string
		modified time.Time
	}

	var totalFootprint int64
	var owned []ownedBaseName
	seen := make(map[string]bool)

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return FootprintReduction{}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Unreadable metadata leaves a zero time, which sorts the file
		// oldest and deletes it first.
		var size int64
		var modified time.Time
		if info, err := entry.Info(); err == nil {
			size = info.Size()
			modified = info.ModTime()
		}
		totalFootprint += size

		baseName := s.delegate.BaseName(entry.Name())
		if baseName == "" {
			continue
		}
		if seen[baseName] {
			// Track the oldest file of the base name.
			for i := range owned {
				if owned[i].name == baseName && modified.Before(owned[i].modified) {
					owned[i].modified = modified
				}
			}
			continue
		}
		seen[baseName] = true
		owned = append(owned, ownedBaseName{name: baseName, modified: modified})
	}

	if totalFootprint <= targetBytes {
		return FootprintReduction{CurrentFootprint: totalFootprint}
	}

	sort.Slice(owned, func(i, j int) bool {
		return owned[i].modified.Before(owned[j].modified)
	})

	necessary := totalFootprint - targetBytes
	var deleted int64
	for _, base := range owned {
		if s.archiver != nil {
			s.archiveBaseName(base.name)
		}
		deleted += s.delegate.DeleteFiles(s.directory, base.name)
		if deleted >= necessary {
			break
		}
	}

	return FootprintReduction{
		CurrentFootprint: totalFootprint - deleted,
		BytesDeleted:     deleted,
	}
}

// archiveBaseName uploads the base name's files before they are deleted.
// Best effort: an archive failure never blocks footprint reduction.
func (s *BackendStorage) archiveBaseName(baseName string) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if s.delegate.BaseName(entry.Name()) != baseName {
			continue
		}
		path := filepath.Join(s.directory, entry.Name())
		if err := s.archiver.ArchiveFile(context.Background(), path, entry.Name()); err != nil {
			log.Printf("pcache: archive %s: %v", entry.Name(), err)
		}
	}
}

// SQLiteDelegate is the naming policy for SQLite backends: three files per
// base name, carrying the lockfs extensions.
type SQLiteDelegate struct{}

var sqliteExtensions = []string{lockfs.DBExt, lockfs.JournalExt, lockfs.LockExt}

// MakeBackend creates a read-write SQLite backend for baseName.
func (SQLiteDelegate) MakeBackend(directory, baseName string) (Backend, error) {
	return NewSQLiteBackendAt(directory, baseName)
}

// BaseName strips a recognized SQLite extension, or returns "".
func (SQLiteDelegate) BaseName(fileName string) string {
	for _, ext := range sqliteExtensions {
		if strings.HasSuffix(fileName, ext) {
			return strings.TrimSuffix(fileName, ext)
		}
	}
	return ""
}

// DeleteFiles removes the base name's three files, returning bytes removed.
func (SQLiteDelegate) DeleteFiles(directory, baseName string) int64 {
	var deleted int64
	for _, ext := range sqliteExtensions {
		path := filepath.Join(directory, baseName+ext)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err == nil {
			deleted += info.Size()
		}
	}
	return deleted
}
