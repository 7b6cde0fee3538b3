// Package archive provides object storage for cache files displaced by
// footprint reduction: instead of being destroyed outright, files can be
// compressed and shipped to a local or S3-backed store, and restored later.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/golang/snappy"
)

// Common errors for archive operations.
var (
	ErrObjectNotFound = errors.New("archive: object not found")
	ErrPutFailed      = errors.New("archive: put failed")
	ErrGetFailed      = errors.New("archive: get failed")
	ErrDeleteFailed   = errors.New("archive: delete failed")
)

// ObjectStorage abstracts the archive's storage tier.
// Implementations include S3 and local filesystem for testing.
type ObjectStorage interface {
	// Put stores data under objectPath, overwriting any previous object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get returns the object at objectPath, or ErrObjectNotFound.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes the object at objectPath. Idempotent.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object is stored at objectPath.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver ships files into an ObjectStorage under a fixed prefix,
// snappy-compressing them on the way in.
type Archiver struct {
	store  ObjectStorage
	prefix string
}

// NewArchiver archives into store under prefix.
func NewArchiver(store ObjectStorage, prefix string) *Archiver {
	return &Archiver{store: store, prefix: prefix}
}

// ArchiveFile compresses the file at localPath and stores it as objectName.
func (a *Archiver) ArchiveFile(ctx context.Context, localPath, objectName string) error {
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("archive: read %s: %w", localPath, err)
	}
	compressed := snappy.Encode(nil, raw)
	return a.store.Put(ctx, a.objectPath(objectName), compressed)
}

// RestoreFile fetches objectName, decompresses it, and writes it to
// localPath.
func (a *Archiver) RestoreFile(ctx context.Context, objectName, localPath string) error {
	compressed, err := a.store.Get(ctx, a.objectPath(objectName))
	if err != nil {
		return err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("archive: snappy decompress failed: %w", err)
	}
	if err := os.WriteFile(localPath, raw, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", localPath, err)
	}
	return nil
}

// Delete removes the archived objectName.
func (a *Archiver) Delete(ctx context.Context, objectName string) error {
	return a.store.Delete(ctx, a.objectPath(objectName))
}

// List returns the names of every archived object.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	objects, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, path.Base(obj))
	}
	return names, nil
}

func (a *Archiver) objectPath(objectName string) string {
	return path.Join(a.prefix, objectName)
}
