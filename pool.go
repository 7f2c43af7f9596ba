// Package multiface implements a bounded, concurrent pool of open
// memory-mapped file views for a storage engine that keeps many logical
// files open across concurrent readers and writers while respecting OS
// limits on open descriptors and mapped regions.
//
// The pool deduplicates concurrent opens of the same file, evicts the
// least recently used view when over its size limit, and defers the
// potentially blocking unmap/close of evicted views to a drainer
// goroutine so no pool operation ever waits on a slow close.
package multiface

import (
	"container/list"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/qBitMF/libtorrent-multiface/catalog"
	"github.com/qBitMF/libtorrent-multiface/mmapfile"
)

// fileID identifies one cached file view: one file within one storage.
type fileID struct {
	storage catalog.StorageID
	file    int
}

type fileEntry struct {
	key     fileID
	mapping *mmapfile.Mapping // the index's own reference
	mode    mmapfile.OpenMode
	lastUse time.Time
	dirty   uint64
	elem    *list.Element
}

// Pool is a bounded cache of open file views keyed by (storage, file
// index). All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	limit   int
	files   map[fileID]*fileEntry
	lru     *list.List // front = least recently used
	opening map[fileID][]*openingFile
	closed  bool

	// Evicted and released mappings are moved here and dropped by the
	// drainer, outside the index lock, so a blocking unmap/close never
	// stalls pool operations.
	destroyMu sync.Mutex
	destroyQ  []*mmapfile.Mapping

	drainCh     chan struct{}
	done        chan struct{}
	drainerDone chan struct{}

	openFn  func(path string, size int64, mode mmapfile.OpenMode) (*mmapfile.Mapping, error)
	logger  *slog.Logger
	metrics *PoolMetrics
}

// NewPool creates a pool and starts its destruction drainer. Close must
// be called to release all views and stop the drainer.
func NewPool(opts PoolOptions) *Pool {
	limit := opts.SizeLimit
	switch {
	case limit == 0:
		limit = DefaultSizeLimit
	case limit < 0:
		limit = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		limit:       limit,
		files:       make(map[fileID]*fileEntry),
		lru:         list.New(),
		opening:     make(map[fileID][]*openingFile),
		drainCh:     make(chan struct{}, 1),
		done:        make(chan struct{}),
		drainerDone: make(chan struct{}),
		openFn:      mmapfile.Open,
		logger:      logger,
		metrics:     opts.Metrics,
	}
	go p.drainer()
	return p
}

// OpenFile returns a view of file fileIndex of catalog cat, rooted at
// savePath and belonging to storage st. A cached view whose mode grants
// the requested access is reused without I/O. Concurrent opens of the
// same file with compatible modes perform a single underlying open. The
// returned view must be closed by the caller; closing it never
// invalidates other callers' views.
func (p *Pool) OpenFile(st catalog.StorageID, savePath string, fileIndex int, cat *catalog.Catalog, mode mmapfile.OpenMode) (*FileView, error) {
	if fileIndex < 0 || fileIndex >= cat.NumFiles() {
		return nil, fmt.Errorf("%w: %d of %d", ErrFileIndexOutOfRange, fileIndex, cat.NumFiles())
	}

	start := time.Now()
	key := fileID{storage: st, file: fileIndex}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if e, ok := p.files[key]; ok {
		if e.mode.Satisfies(mode) {
			e.lastUse = time.Now()
			p.lru.MoveToBack(e.elem)
			m := e.mapping.Ref()
			p.mu.Unlock()
			p.metrics.ObserveOpen(time.Since(start), true, nil)
			return newFileView(m), nil
		}
		// The cached mode cannot grant the requested access. Invalidate
		// the entry and reopen with the union of both modes; current
		// holders of the old mapping keep using it until they close.
		mode |= e.mode
		p.removeLocked(e)
	}

	// Park behind a compatible in-flight open of the same file.
	for _, ofe := range p.opening[key] {
		if ofe.mode.Satisfies(mode) {
			w := &openWaiter{done: make(chan struct{})}
			ofe.waiters = append(ofe.waiters, w)
			p.mu.Unlock()
			p.metrics.ObserveWait()
			<-w.done
			p.metrics.ObserveOpen(time.Since(start), false, w.err)
			if w.err != nil {
				return nil, w.err
			}
			return newFileView(w.mapping), nil
		}
	}

	// No compatible open in flight: this call is the opener. An in-flight
	// record with an incompatible mode is deliberately not waited on; a
	// reader must not stall behind a writer's open.
	ofe := &openingFile{key: key, mode: mode}
	p.opening[key] = append(p.opening[key], ofe)
	p.mu.Unlock()

	path := filepath.Join(savePath, cat.FilePath(fileIndex))
	m, err := p.openFn(path, cat.FileSize(fileIndex), mode)

	p.mu.Lock()
	p.detachOpeningLocked(ofe)
	if err != nil {
		// Every waiter observes the opener's error. No entry is created.
		for _, w := range ofe.waiters {
			w.err = err
			close(w.done)
		}
		ofe.waiters = nil
		p.mu.Unlock()
		p.metrics.ObserveOpen(time.Since(start), false, err)
		return nil, err
	}

	// References for the waiters and for our caller are taken before the
	// eviction loop can move the index reference to the destruction
	// queue. With a tiny size limit the new entry may be evicted
	// immediately; these references keep the mapping alive regardless.
	for _, w := range ofe.waiters {
		w.mapping = m.Ref()
	}
	callerRef := m.Ref()

	switch {
	case ofe.cancelled || p.closed:
		// The storage (or the whole pool) was released while the open was
		// in flight. The index must stay clean of it, but the open itself
		// succeeded, so the opener's caller still gets the handle. Not
		// the last reference, so this cannot block.
		_ = m.Unref()
	default:
		// Two independent openers (incompatible modes) can finish for the
		// same key; the index holds at most one entry per key. If the
		// entry that got there first grants our access, keep it and drop
		// our would-be index reference; otherwise it is the narrower
		// mapping and gets replaced.
		existing, ok := p.files[key]
		if ok && existing.mode.Satisfies(mode) {
			_ = m.Unref()
			break
		}
		if ok {
			p.removeLocked(existing)
		}
		e := &fileEntry{key: key, mapping: m, mode: mode, lastUse: time.Now()}
		e.elem = p.lru.PushBack(e)
		p.files[key] = e
		p.evictOverLimitLocked()
	}

	for _, w := range ofe.waiters {
		close(w.done)
	}
	ofe.waiters = nil
	p.mu.Unlock()

	p.metrics.ObserveOpen(time.Since(start), false, nil)
	return newFileView(callerRef), nil
}

// CloseOldest evicts the least recently used view, if any, queueing its
// mapping for deferred destruction.
func (p *Pool) CloseOldest() {
	p.mu.Lock()
	p.evictOldestLocked()
	p.mu.Unlock()
}

// Resize sets the pool's size limit and evicts until the pool fits.
// Limits <= 0 are allowed: every currently cached view is evicted and
// subsequent opens are evicted right after being handed to their caller.
func (p *Pool) Resize(n int) {
	p.mu.Lock()
	p.limit = n
	p.evictOverLimitLocked()
	p.mu.Unlock()
}

// SizeLimit returns the current size limit.
func (p *Pool) SizeLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// ReleaseAll removes every cached view from the pool, queueing their
// mappings for deferred destruction. In-flight opens are unaffected.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	for _, e := range p.files {
		p.metrics.AddDirtyBytes(-float64(e.dirty))
		p.enqueueDestroy(e.mapping)
	}
	p.files = make(map[fileID]*fileEntry)
	p.lru.Init()
	p.mu.Unlock()
}

// Release removes every cached view belonging to storage st and cancels
// any in-flight open records for it; their waiters are woken with
// ErrStorageReleased. Used when a storage instance is torn down.
func (p *Pool) Release(st catalog.StorageID) {
	p.mu.Lock()
	for key, e := range p.files {
		if key.storage == st {
			p.removeLocked(e)
		}
	}
	for key, records := range p.opening {
		if key.storage != st {
			continue
		}
		for _, ofe := range records {
			ofe.cancelled = true
			ofe.detached = true
			for _, w := range ofe.waiters {
				w.err = ErrStorageReleased
				close(w.done)
			}
			ofe.waiters = nil
		}
		delete(p.opening, key)
	}
	p.mu.Unlock()
}

// ReleaseFile removes the view of one file of storage st, if cached.
func (p *Pool) ReleaseFile(st catalog.StorageID, fileIndex int) {
	p.mu.Lock()
	if e, ok := p.files[fileID{storage: st, file: fileIndex}]; ok {
		p.removeLocked(e)
	}
	p.mu.Unlock()
}

// Close releases every view, cancels in-flight records and stops the
// drainer after a final drain. The pool cannot be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, e := range p.files {
		p.metrics.AddDirtyBytes(-float64(e.dirty))
		p.enqueueDestroy(e.mapping)
	}
	p.files = make(map[fileID]*fileEntry)
	p.lru.Init()
	for key, records := range p.opening {
		for _, ofe := range records {
			ofe.cancelled = true
			ofe.detached = true
			for _, w := range ofe.waiters {
				w.err = ErrPoolClosed
				close(w.done)
			}
			ofe.waiters = nil
		}
		delete(p.opening, key)
	}
	p.mu.Unlock()

	close(p.done)
	<-p.drainerDone
	return nil
}

func (p *Pool) evictOverLimitLocked() {
	for len(p.files) > p.limit {
		if !p.evictOldestLocked() {
			return
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	front := p.lru.Front()
	if front == nil {
		return false
	}
	p.removeLocked(front.Value.(*fileEntry))
	p.metrics.ObserveEviction()
	return true
}

// removeLocked drops e from the index and hands its mapping to the
// destruction queue. The mapping stays alive for any caller still
// holding a view of it.
func (p *Pool) removeLocked(e *fileEntry) {
	delete(p.files, e.key)
	p.lru.Remove(e.elem)
	p.metrics.AddDirtyBytes(-float64(e.dirty))
	p.enqueueDestroy(e.mapping)
}

func (p *Pool) detachOpeningLocked(ofe *openingFile) {
	if ofe.detached {
		return
	}
	ofe.detached = true
	records := p.opening[ofe.key]
	for i, o := range records {
		if o == ofe {
			records = append(records[:i], records[i+1:]...)
			break
		}
	}
	if len(records) == 0 {
		delete(p.opening, ofe.key)
	} else {
		p.opening[ofe.key] = records
	}
}

func (p *Pool) enqueueDestroy(m *mmapfile.Mapping) {
	p.destroyMu.Lock()
	p.destroyQ = append(p.destroyQ, m)
	p.destroyMu.Unlock()

	select {
	case p.drainCh <- struct{}{}:
	default:
	}
}

func (p *Pool) drainer() {
	defer close(p.drainerDone)
	for {
		select {
		case <-p.drainCh:
			p.drainDeferred()
		case <-p.done:
			p.drainDeferred()
			return
		}
	}
}

func (p *Pool) drainDeferred() {
	p.destroyMu.Lock()
	q := p.destroyQ
	p.destroyQ = nil
	p.destroyMu.Unlock()

	for _, m := range q {
		if err := m.Unref(); err != nil {
			p.logger.Warn("multiface: deferred close failed", "path", m.Path(), "error", err)
		}
		p.metrics.ObserveDeferredClose()
	}
}
