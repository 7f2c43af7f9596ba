// Package mmapfile provides reference-counted memory-mapped file handles.
// A Mapping stays valid until its last reference is released, so a cache
// can drop a mapping from its index while readers still hold it.
package mmapfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2/z"
)

// OpenMode controls how a file is opened and mapped.
type OpenMode uint8

const (
	// ModeRead opens an existing file for reading. Zero value.
	ModeRead OpenMode = 0
	// ModeWrite opens read-write, creating the file and growing it to the
	// requested size if needed. Growth preallocates the backing blocks
	// unless ModeSparse is also set.
	ModeWrite OpenMode = 1 << 0
	// ModeSparse grows writable files by truncation only, leaving holes
	// where nothing has been written.
	ModeSparse OpenMode = 1 << 1
	// ModeRandomAccess hints the kernel that access will not be sequential.
	ModeRandomAccess OpenMode = 1 << 2
)

// Satisfies reports whether a mapping opened with mode m grants the access
// that a request with mode req needs. A read-write mapping satisfies read
// requests; a read-only mapping does not satisfy write requests.
func (m OpenMode) Satisfies(req OpenMode) bool {
	return req&ModeWrite == 0 || m&ModeWrite != 0
}

func (m OpenMode) String() string {
	s := "read"
	if m&ModeWrite != 0 {
		s = "read-write"
	}
	if m&ModeSparse != 0 {
		s += "+sparse"
	}
	if m&ModeRandomAccess != 0 {
		s += "+random"
	}
	return s
}

// Mapping is a reference-counted open file plus its memory mapping.
// Open returns a Mapping holding one reference; the final Unref unmaps
// and closes the file.
type Mapping struct {
	path string
	size int64
	mode OpenMode
	f    *os.File
	data []byte

	refs    atomic.Int32
	onClose func()
}

// Open opens (and for ModeWrite, creates) the file at path and maps up to
// size bytes of it. Zero-size files are opened without a mapping.
func Open(path string, size int64, mode OpenMode) (*Mapping, error) {
	writable := mode&ModeWrite != 0

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	mapSize := size
	if writable {
		if fi.Size() < size {
			if err := grow(f, fi.Size(), size, mode&ModeSparse != 0); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("mmapfile: grow %s to %d bytes: %w", path, size, err)
			}
		}
	} else if fi.Size() < mapSize {
		// Never map past the end of a read-only file.
		mapSize = fi.Size()
	}

	var data []byte
	if mapSize > 0 {
		data, err = z.Mmap(f, writable, mapSize)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("mmapfile: map %s: %w", path, err)
		}
		if mode&ModeRandomAccess != 0 {
			_ = z.Madvise(data, false)
		}
	}

	m := &Mapping{
		path: path,
		size: mapSize,
		mode: mode,
		f:    f,
		data: data,
	}
	m.refs.Store(1)
	return m, nil
}

// grow extends f from size from to size to. Sparse growth truncates
// only; otherwise the new region is written out so its blocks are
// allocated up front. Existing content below from is untouched.
func grow(f *os.File, from, to int64, sparse bool) error {
	if err := f.Truncate(to); err != nil {
		return err
	}
	if sparse {
		return nil
	}
	zeros := make([]byte, 1<<20)
	for off := from; off < to; {
		n := int64(len(zeros))
		if to-off < n {
			n = to - off
		}
		if _, err := f.WriteAt(zeros[:n], off); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Ref takes an additional reference and returns m for chaining.
func (m *Mapping) Ref() *Mapping {
	m.refs.Add(1)
	return m
}

// Unref drops one reference. The last Unref tears the mapping down and
// returns any unmap/close error; earlier Unrefs return nil.
func (m *Mapping) Unref() error {
	if m.refs.Add(-1) > 0 {
		return nil
	}
	if m.onClose != nil {
		m.onClose()
	}
	var unmapErr error
	if m.data != nil {
		unmapErr = z.Munmap(m.data)
		m.data = nil
	}
	return errors.Join(unmapErr, m.f.Close())
}

// OnClose registers fn to run while the final Unref tears the mapping
// down, before the unmap and close. Must be set before the Mapping is
// shared. Used for resource accounting.
func (m *Mapping) OnClose(fn func()) { m.onClose = fn }

// Flush syncs modified pages back to the file. No-op for read-only or
// unmapped files.
func (m *Mapping) Flush() error {
	if m.data == nil || m.mode&ModeWrite == 0 {
		return nil
	}
	return z.Msync(m.data)
}

// Bytes exposes the raw mapped region. Nil for zero-size files.
func (m *Mapping) Bytes() []byte { return m.data }

// Path returns the file path the mapping was opened with.
func (m *Mapping) Path() string { return m.path }

// Size returns the mapped size in bytes.
func (m *Mapping) Size() int64 { return m.size }

// Mode returns the mode the mapping was opened with.
func (m *Mapping) Mode() OpenMode { return m.mode }

// ReadAt copies from the mapped region at off.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("mmapfile: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies into the mapped region at off. The mapping must have been
// opened with ModeWrite; writes past the mapped size are truncated and
// reported with io.ErrShortWrite.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if m.mode&ModeWrite == 0 {
		return 0, fmt.Errorf("mmapfile: %s not opened for writing", m.path)
	}
	if off < 0 {
		return 0, fmt.Errorf("mmapfile: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
