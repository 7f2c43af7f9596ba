// Package catalog describes the logical files of one storage instance:
// their relative paths and sizes. The view pool consults it read-only at
// open time.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/segmentio/ksuid"
)

// StorageID identifies one logical storage instance (e.g. one torrent).
// IDs are K-sortable strings, so they also provide the total ordering the
// pool needs over its keys.
type StorageID string

// NewStorageID returns a fresh, unique StorageID.
func NewStorageID() StorageID {
	return StorageID(ksuid.New().String())
}

// FileSpec describes one file in a catalog.
type FileSpec struct {
	// Path is the file's location relative to the storage's save path.
	Path string
	// Size is the file's logical size in bytes.
	Size int64
}

// Catalog is an immutable list of the files making up one storage.
type Catalog struct {
	files     []FileSpec
	totalSize int64
}

// New builds a catalog from specs. Paths must be non-empty and relative,
// sizes non-negative.
func New(files []FileSpec) (*Catalog, error) {
	if len(files) == 0 {
		return nil, errors.New("catalog: no files")
	}

	c := &Catalog{files: make([]FileSpec, len(files))}
	for i, f := range files {
		if f.Path == "" {
			return nil, fmt.Errorf("catalog: file %d has empty path", i)
		}
		if filepath.IsAbs(f.Path) {
			return nil, fmt.Errorf("catalog: file %d path %q is absolute", i, f.Path)
		}
		if f.Size < 0 {
			return nil, fmt.Errorf("catalog: file %d has negative size %d", i, f.Size)
		}
		c.files[i] = f
		c.totalSize += f.Size
	}
	return c, nil
}

// NumFiles returns the number of files in the catalog.
func (c *Catalog) NumFiles() int { return len(c.files) }

// FilePath returns the relative path of file i.
func (c *Catalog) FilePath(i int) string { return c.files[i].Path }

// FileSize returns the logical size of file i.
func (c *Catalog) FileSize(i int) int64 { return c.files[i].Size }

// TotalSize returns the sum of all file sizes.
func (c *Catalog) TotalSize() int64 { return c.totalSize }
