package sharing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/versekit/versekit/heap/tx"
	"github.com/versekit/versekit/pkg/page"
)

// fakeBacking is a bump allocator over a pretend address space. It counts
// traffic so tests can prove whether a request was served from the cache
// or freshly mapped.
type fakeBacking struct {
	mu      sync.Mutex
	next    uintptr
	maps    int
	evicts  []page.Extent
	mapErr  error
	evictFn func(e page.Extent) error
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{next: 0x10000000}
}

func (b *fakeBacking) Map(size, alignment uint64, _ *tx.Transaction) (page.Extent, page.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapErr != nil {
		return page.Extent{}, 0, b.mapErr
	}
	b.maps++
	addr := (b.next + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	b.next = addr + uintptr(size)
	return page.Extent{Addr: addr, Size: size}, page.StateUncommitted, nil
}

func (b *fakeBacking) Evict(e page.Extent, _ page.State, _ *tx.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evictFn != nil {
		if err := b.evictFn(e); err != nil {
			return err
		}
	}
	b.evicts = append(b.evicts, e)
	return nil
}

const c = page.ChunkSize

func Test_Acquire_MissMapsWithoutCaching(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	ext, st, err := cache.Acquire(2*c, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2*c), ext.Size)
	require.Equal(t, page.StateUncommitted, st)
	require.Equal(t, 1, b.maps)

	// Miss-path extents are handed out directly, never inserted.
	require.Equal(t, uint64(0), cache.CachedBytes())
}

func Test_ReleaseThenAcquire_ReusesExtent(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	ext, _, err := cache.Acquire(c, 0, nil)
	require.NoError(t, err)
	cache.Release(ext, page.StateCommitted)

	got, st, err := cache.Acquire(c, 0, nil)
	require.NoError(t, err)
	require.Equal(t, ext, got, "release-then-acquire must reuse the identical extent")
	require.Equal(t, page.StateCommitted, st, "reused extent keeps its tracked state")
	require.Equal(t, 1, b.maps, "no fresh mapping for a cache hit")

	stats := cache.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func Test_Acquire_BestFitPrefersSmallest(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	big, _, err := cache.Acquire(8*c, 0, nil)
	require.NoError(t, err)
	pad, _, err := cache.Acquire(c, 0, nil) // keeps big and small non-adjacent
	require.NoError(t, err)
	small, _, err := cache.Acquire(2*c, 0, nil)
	require.NoError(t, err)
	_ = pad

	cache.Release(big, page.StateCommitted)
	cache.Release(small, page.StateCommitted)

	got, _, err := cache.Acquire(2*c, 0, nil)
	require.NoError(t, err)
	require.Equal(t, small, got, "best fit must take the smaller extent")
}

func Test_Acquire_SplitsAndKeepsRemainder(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	big, _, err := cache.Acquire(8*c, 0, nil)
	require.NoError(t, err)
	cache.Release(big, page.StateCommitted)

	got, _, err := cache.Acquire(3*c, 0, nil)
	require.NoError(t, err)
	require.Equal(t, big.Addr, got.Addr)
	require.Equal(t, uint64(3*c), got.Size)
	require.Equal(t, uint64(5*c), cache.CachedBytes(), "remainder stays cached")
	require.Equal(t, 1, b.maps)
}

func Test_Release_CoalescesAdjacent(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	big, _, err := cache.Acquire(4*c, 0, nil)
	require.NoError(t, err)
	first := page.Extent{Addr: big.Addr, Size: 2 * c}
	second := page.Extent{Addr: big.Addr + 2*c, Size: 2 * c}

	// Backward then forward coalescing rebuilds the original extent.
	cache.Release(first, page.StateCommitted)
	cache.Release(second, page.StateCommitted)

	got, _, err := cache.Acquire(4*c, 0, nil)
	require.NoError(t, err)
	require.Equal(t, big, got, "coalesced neighbors must serve a full-size request")
	require.Equal(t, 1, b.maps)

	stats := cache.Stats()
	require.Equal(t, uint64(1), stats.CoalesceBackward)
}

func Test_Release_DifferentStatesDontCoalesce(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	big, _, err := cache.Acquire(4*c, 0, nil)
	require.NoError(t, err)

	cache.Release(page.Extent{Addr: big.Addr, Size: 2 * c}, page.StateCommitted)
	cache.Release(page.Extent{Addr: big.Addr + 2*c, Size: 2 * c}, page.StateDecommitted)

	// A 4-chunk request cannot be served by two unmergeable halves.
	_, _, err = cache.Acquire(4*c, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 2, b.maps, "mixed-state neighbors must not merge")
}

func Test_TrimTo_EvictsLargestFirst(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	small, _, err := cache.Acquire(c, 0, nil)
	require.NoError(t, err)
	pad, _, err := cache.Acquire(c, 0, nil) // keeps small and large non-adjacent
	require.NoError(t, err)
	large, _, err := cache.Acquire(4*c, 0, nil)
	require.NoError(t, err)
	_ = pad
	cache.Release(small, page.StateCommitted)
	cache.Release(large, page.StateCommitted)

	txn := tx.New(tx.NewTable(), nil)
	txn.Begin()
	require.NoError(t, cache.TrimTo(c, txn))
	_, err = txn.End(nil)
	require.NoError(t, err)

	require.Equal(t, uint64(c), cache.CachedBytes())
	require.Equal(t, []page.Extent{large}, b.evicts)
}

func Test_TrimTo_ContentionReinsertsVictim(t *testing.T) {
	b := newFakeBacking()
	failures := 1
	b.evictFn = func(page.Extent) error {
		if failures > 0 {
			failures--
			return tx.ErrContended
		}
		return nil
	}
	cache := New(b, nil)

	ext, _, err := cache.Acquire(2*c, 0, nil)
	require.NoError(t, err)
	cache.Release(ext, page.StateCommitted)

	txn := tx.New(tx.NewTable(), nil)
	txn.Begin()
	require.ErrorIs(t, cache.TrimTo(0, txn), tx.ErrContended)
	require.Equal(t, uint64(2*c), cache.CachedBytes(), "contended victim goes back into the cache")
	done, err := txn.End(tx.ErrContended)
	require.False(t, done)
	require.NoError(t, err)

	// The retried trim succeeds.
	txn.Begin()
	require.NoError(t, cache.TrimTo(0, txn))
	_, err = txn.End(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), cache.CachedBytes())
}

func Test_TrimTo_FailedEvictKeepsReleaseCountExact(t *testing.T) {
	b := newFakeBacking()
	b.evictFn = func(page.Extent) error { return tx.ErrContended }
	cache := New(b, nil)

	// One consumer release, then a split so the cache also holds a
	// remainder that never went through Release.
	ext, _, err := cache.Acquire(2*c, 0, nil)
	require.NoError(t, err)
	cache.Release(ext, page.StateCommitted)
	_, _, err = cache.Acquire(c, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cache.Stats().Releases)

	// Failed evictions reinsert their victim without touching the
	// release counter, no matter how often they fail.
	txn := tx.New(tx.NewTable(), nil)
	txn.Begin()
	require.ErrorIs(t, cache.TrimTo(0, txn), tx.ErrContended)
	require.ErrorIs(t, cache.TrimTo(0, txn), tx.ErrContended)
	done, err := txn.End(tx.ErrContended)
	require.False(t, done)
	require.NoError(t, err)

	require.Equal(t, uint64(1), cache.Stats().Releases)
	require.Equal(t, uint64(c), cache.CachedBytes())
}

func Test_Acquire_PanicsOnBadSize(t *testing.T) {
	cache := New(newFakeBacking(), nil)
	require.Panics(t, func() { cache.Acquire(c + 1, 0, nil) })
	require.Panics(t, func() { cache.Acquire(0, 0, nil) })
	require.Panics(t, func() { cache.Release(page.Extent{Addr: 1, Size: c}, 0) })
}

func Test_Acquire_HonorsLargeAlignment(t *testing.T) {
	b := newFakeBacking()
	cache := New(b, nil)

	// Seed the cache with a chunk-aligned extent that is misaligned for a
	// 4-chunk alignment request.
	ext, _, err := cache.Acquire(8*c, 0, nil)
	require.NoError(t, err)
	cache.Release(ext, page.StateCommitted)

	got, _, err := cache.Acquire(2*c, 4*c, nil)
	require.NoError(t, err)
	require.Zero(t, uint64(got.Addr)%(4*c), "result must honor the requested alignment")
	require.Equal(t, 1, b.maps, "aligned carve must still come from the cache")
}
