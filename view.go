package multiface

import (
	"sync/atomic"
	"time"

	"github.com/qBitMF/libtorrent-multiface/mmapfile"
)

// FileView is one caller's reference to a pooled file mapping. Views must
// be closed; the underlying mapping is torn down when the pool has evicted
// it and the last view is closed.
type FileView struct {
	m      *mmapfile.Mapping
	closed atomic.Bool
}

func newFileView(m *mmapfile.Mapping) *FileView {
	return &FileView{m: m}
}

// Close releases the view's reference. Idempotent. If this was the last
// reference to an already evicted mapping, the unmap/close runs here and
// its error is returned.
func (v *FileView) Close() error {
	if v.closed.Swap(true) {
		return nil
	}
	return v.m.Unref()
}

// Bytes exposes the mapped region. Valid until Close.
func (v *FileView) Bytes() []byte { return v.m.Bytes() }

func (v *FileView) ReadAt(p []byte, off int64) (int, error) {
	return v.m.ReadAt(p, off)
}

func (v *FileView) WriteAt(p []byte, off int64) (int, error) {
	return v.m.WriteAt(p, off)
}

func (v *FileView) Size() int64 { return v.m.Size() }

func (v *FileView) Path() string { return v.m.Path() }

func (v *FileView) Mode() mmapfile.OpenMode { return v.m.Mode() }

// OpenFileState is a diagnostic snapshot of one cached file view.
type OpenFileState struct {
	FileIndex int
	Path      string
	Mode      mmapfile.OpenMode
	LastUse   time.Time
}
