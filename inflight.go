package multiface

import "github.com/qBitMF/libtorrent-multiface/mmapfile"

// openingFile records one file currently being opened by exactly one
// caller. Other callers needing the same file with a compatible mode park
// as waiters instead of opening the file again. A record for a file does
// not block openers with incompatible modes; those run as independent
// openers, so the key can have several records at once.
type openingFile struct {
	key  fileID
	mode mmapfile.OpenMode

	waiters []*openWaiter

	// cancelled is set when the record's storage is released (or the pool
	// closed) before the open finished. The opener then skips the index
	// insert.
	cancelled bool
	// detached is set once the record has been unlinked from the tracker.
	detached bool
}

// openWaiter is one caller parked on an in-flight open. The opener stores
// the outcome and closes done; the waiter adopts the reference in mapping
// or propagates err. The reference is taken by the opener, under the pool
// lock, so the result cannot be destroyed between notify and wake-up even
// if the entry is immediately evicted.
type openWaiter struct {
	done    chan struct{}
	mapping *mmapfile.Mapping
	err     error
}
