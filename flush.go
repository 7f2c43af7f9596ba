package multiface

import (
	"os"

	"github.com/qBitMF/libtorrent-multiface/catalog"
)

var pageSize = uint64(os.Getpagesize())

// RecordFileWrite attributes pages modified pages to the cached view of
// one file. Writes through a view consume OS resources that are only
// reclaimed by an explicit flush; the accumulated count drives
// FlushNextFile's victim selection. No-op if the file is not cached.
func (p *Pool) RecordFileWrite(st catalog.StorageID, fileIndex int, pages int) {
	if pages <= 0 {
		return
	}
	dirty := uint64(pages) * pageSize

	p.mu.Lock()
	if e, ok := p.files[fileID{storage: st, file: fileIndex}]; ok {
		e.dirty += dirty
		p.metrics.AddDirtyBytes(float64(dirty))
	}
	p.mu.Unlock()
}

// FlushNextFile flushes the cached view with the most unflushed bytes and
// resets its counter. Independent of recency: it bounds memory pressure
// from accumulated writes, invoked by an external scheduler on its own
// period or threshold. Flush errors are logged, never surfaced; the
// writes that produced the dirty pages already succeeded.
func (p *Pool) FlushNextFile() {
	p.mu.Lock()
	var victim *fileEntry
	for _, e := range p.files {
		if e.dirty == 0 {
			continue
		}
		if victim == nil || e.dirty > victim.dirty {
			victim = e
		}
	}
	if victim == nil {
		p.mu.Unlock()
		return
	}
	m := victim.mapping.Ref()
	flushed := victim.dirty
	victim.dirty = 0
	p.metrics.AddDirtyBytes(-float64(flushed))
	p.mu.Unlock()

	err := m.Flush()
	if err != nil {
		p.logger.Warn("multiface: flush failed", "path", m.Path(), "error", err)
	}
	p.metrics.ObserveFlush(flushed, err)
	if cerr := m.Unref(); cerr != nil {
		p.logger.Warn("multiface: close after flush failed", "path", m.Path(), "error", cerr)
	}
}
