package multiface

import (
	"cmp"
	"slices"

	"github.com/qBitMF/libtorrent-multiface/catalog"
)

// GetStatus returns a snapshot of every cached view belonging to storage
// st, ordered by file index. Diagnostics only: it does not touch recency
// order.
func (p *Pool) GetStatus(st catalog.StorageID) []OpenFileState {
	p.mu.Lock()
	var out []OpenFileState
	for key, e := range p.files {
		if key.storage != st {
			continue
		}
		out = append(out, OpenFileState{
			FileIndex: key.file,
			Path:      e.mapping.Path(),
			Mode:      e.mode,
			LastUse:   e.lastUse,
		})
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b OpenFileState) int {
		return cmp.Compare(a.FileIndex, b.FileIndex)
	})
	return out
}
