package multiface

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qBitMF/libtorrent-multiface/catalog"
	"github.com/qBitMF/libtorrent-multiface/mmapfile"
)

func TestConcurrentOpen_Deduplicated(t *testing.T) {
	p := newTestPool(t, 4)
	st := catalog.NewStorageID()
	cat := testCatalog(t, 1)
	dir := t.TempDir()

	var opens atomic.Int32
	realOpen := p.openFn
	p.openFn = func(path string, size int64, mode mmapfile.OpenMode) (*mmapfile.Mapping, error) {
		opens.Add(1)
		// Widen the window in which the other callers arrive.
		time.Sleep(50 * time.Millisecond)
		return realOpen(path, size, mode)
	}

	const callers = 16
	views := make([]*FileView, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeWrite)
			require.NoError(t, err)
			views[i] = v
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), opens.Load(), "concurrent opens of one file must deduplicate")
	for _, v := range views {
		require.Same(t, &views[0].Bytes()[0], &v.Bytes()[0], "all callers must share the mapping")
		require.NoError(t, v.Close())
	}
}

func TestConcurrentOpen_WaitersSurviveImmediateEviction(t *testing.T) {
	// With a zero limit the new entry is evicted before any waiter wakes
	// up to look for it. The references handed to waiters under the pool
	// lock must keep the mapping usable regardless.
	p := newTestPool(t, ZeroSizeLimit)
	st := catalog.NewStorageID()
	cat := testCatalog(t, 1)
	dir := t.TempDir()

	release := make(chan struct{})
	var opens atomic.Int32
	realOpen := p.openFn
	p.openFn = func(path string, size int64, mode mmapfile.OpenMode) (*mmapfile.Mapping, error) {
		opens.Add(1)
		<-release
		return realOpen(path, size, mode)
	}

	const callers = 8
	views := make([]*FileView, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeWrite)
			require.NoError(t, err)
			views[i] = v
		}(i)
	}

	// Let every caller but the opener park on the record before the open
	// is allowed to finish.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		records := p.opening[fileID{storage: st, file: 0}]
		return len(records) == 1 && len(records[0].waiters) == callers-1
	}, 5*time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	require.Equal(t, int32(1), opens.Load())
	require.Equal(t, 0, resident(p), "zero limit must evict the entry immediately")

	for _, v := range views {
		_, err := v.WriteAt([]byte("x"), 0)
		require.NoError(t, err)
		require.NoError(t, v.Close())
	}
}

func TestConcurrentOpen_ErrorFansOutToAllWaiters(t *testing.T) {
	p := newTestPool(t, 4)
	st := catalog.NewStorageID()
	cat := testCatalog(t, 1)
	dir := t.TempDir()

	openErr := errors.New("injected open failure")
	p.openFn = func(path string, size int64, mode mmapfile.OpenMode) (*mmapfile.Mapping, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, openErr
	}

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeWrite)
			require.ErrorIs(t, err, openErr)
		}()
	}
	wg.Wait()

	require.Equal(t, 0, resident(p), "no entry may be created on open failure")
}

func TestConcurrentOpen_IncompatibleModeDoesNotWait(t *testing.T) {
	p := newTestPool(t, 4)
	st := catalog.NewStorageID()
	cat := testCatalog(t, 1)
	dir := t.TempDir()

	// A read-only opener parks in openFn. A writer arriving meanwhile
	// must not wait on its record: the read-only result could never grant
	// it write access.
	readerParked := make(chan struct{})
	releaseReader := make(chan struct{})
	realOpen := p.openFn
	var parkOnce sync.Once
	p.openFn = func(path string, size int64, mode mmapfile.OpenMode) (*mmapfile.Mapping, error) {
		if mode&mmapfile.ModeWrite == 0 {
			parkOnce.Do(func() { close(readerParked) })
			<-releaseReader
		}
		return realOpen(path, size, mode)
	}

	// Seed the file so the read-only open can succeed on its own.
	seed, err := mmapfile.Open(dir+"/"+cat.FilePath(0), cat.FileSize(0), mmapfile.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, seed.Unref())

	readerDone := make(chan error, 1)
	var readerView *FileView
	go func() {
		v, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeRead)
		readerView = v
		readerDone <- err
	}()

	<-readerParked

	// The write open must complete while the reader's open is still
	// parked.
	done := make(chan struct{})
	go func() {
		v, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeWrite)
		require.NoError(t, err)
		require.NoError(t, v.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer stalled behind an incompatible in-flight open")
	}

	close(releaseReader)
	require.NoError(t, <-readerDone)

	// The reader's caller got a usable view even though the index kept
	// the broader read-write entry that landed first.
	require.NotNil(t, readerView)
	buf := make([]byte, 1)
	_, err = readerView.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, readerView.Close())

	states := p.GetStatus(st)
	require.Len(t, states, 1)
	require.True(t, states[0].Mode.Satisfies(mmapfile.ModeWrite))
}

func TestRelease_CancelsPendingWaiters(t *testing.T) {
	p := newTestPool(t, 4)
	st := catalog.NewStorageID()
	cat := testCatalog(t, 1)
	dir := t.TempDir()

	openerParked := make(chan struct{})
	releaseOpener := make(chan struct{})
	realOpen := p.openFn
	p.openFn = func(path string, size int64, mode mmapfile.OpenMode) (*mmapfile.Mapping, error) {
		close(openerParked)
		<-releaseOpener
		return realOpen(path, size, mode)
	}

	openerDone := make(chan error, 1)
	var openerView *FileView
	go func() {
		v, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeWrite)
		openerView = v
		openerDone <- err
	}()
	<-openerParked

	waiterDone := make(chan error, 1)
	go func() {
		_, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeWrite)
		waiterDone <- err
	}()

	// Wait for the second caller to actually park on the record.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		records := p.opening[fileID{storage: st, file: 0}]
		return len(records) == 1 && len(records[0].waiters) == 1
	}, 5*time.Second, time.Millisecond)

	p.Release(st)

	select {
	case err := <-waiterDone:
		require.ErrorIs(t, err, ErrStorageReleased)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter left blocked after Release")
	}

	// The opener finishes its open; the result is not inserted for the
	// released storage, but the opener's caller still gets a valid view.
	close(releaseOpener)
	require.NoError(t, <-openerDone)
	require.NotNil(t, openerView)
	require.Empty(t, p.GetStatus(st))

	_, err := openerView.WriteAt([]byte("x"), 0)
	require.NoError(t, err)
	require.NoError(t, openerView.Close())
}

func TestEviction_DoesNotWaitForClose(t *testing.T) {
	p := newTestPool(t, 1)
	st := catalog.NewStorageID()
	cat := testCatalog(t, 2)
	dir := t.TempDir()

	closeStarted := make(chan struct{})
	closeRelease := make(chan struct{})
	defer close(closeRelease)

	var hooked atomic.Bool
	realOpen := p.openFn
	p.openFn = func(path string, size int64, mode mmapfile.OpenMode) (*mmapfile.Mapping, error) {
		m, err := realOpen(path, size, mode)
		if err == nil && hooked.CompareAndSwap(false, true) {
			m.OnClose(func() {
				close(closeStarted)
				<-closeRelease
			})
		}
		return m, err
	}

	v0, err := p.OpenFile(st, dir, 0, cat, mmapfile.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, v0.Close())

	// Opening file 1 evicts file 0, whose close blocks in the hook. The
	// open must return without waiting for it.
	done := make(chan struct{})
	go func() {
		v1, err := p.OpenFile(st, dir, 1, cat, mmapfile.ModeWrite)
		require.NoError(t, err)
		require.NoError(t, v1.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("insert blocked on the evicted mapping's close")
	}

	// The deferred close does run, on the drainer.
	select {
	case <-closeStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("evicted mapping was never closed")
	}
}
