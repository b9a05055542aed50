// Package sharing implements the physical page sharing cache: a pool of
// free physical extents that can be handed back out to satisfy new chunk
// requests, decoupling physical-memory lifetime from any one virtual
// mapping and bounding resident set size under churn.
//
// Free extents live in a min-heap keyed on size with an address tie-break,
// giving O(log n) best-fit acquisition, plus byAddr/byEnd maps for O(1)
// neighbor lookup when coalescing on release. A cache never maps memory
// eagerly: a miss is forwarded to its Backing and the fresh extent is
// returned directly, so insertion happens only on release.
package sharing

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/versekit/versekit/heap/tx"
	"github.com/versekit/versekit/pkg/page"
)

// Backing is the source a cache falls back to on a miss and evicts into
// under memory pressure. The global cache is backed by the OS; a caged
// heap's private cache is backed by that heap's reserve/commit cache.
type Backing interface {
	// Map produces a fresh extent of the given size and alignment together
	// with its primordial state. The extent is handed straight to the
	// requester, never inserted into the cache.
	Map(size, alignment uint64, txn *tx.Transaction) (page.Extent, page.State, error)

	// Evict returns a cached extent to the underlying source. st is the
	// extent's state as tracked by the cache.
	Evict(e page.Extent, st page.State, txn *tx.Transaction) error
}

// Stats holds cache counters for instrumentation and tests.
type Stats struct {
	Acquires         uint64
	Hits             uint64
	Misses           uint64
	Releases         uint64
	Splits           uint64
	CoalesceForward  uint64
	CoalesceBackward uint64
	Evictions        uint64
	CachedBytes      uint64
	EvictedBytes     uint64
}

// freeExtent is a cache entry. heapIndex tracks its position in the
// min-heap so coalescing can remove it in O(log n).
type freeExtent struct {
	ext       page.Extent
	state     page.State
	heapIndex int
}

// extentHeap is a min-heap keyed on extent size, with lower addresses
// winning ties so reuse prefers packing over spreading.
type extentHeap []*freeExtent

func (h extentHeap) Len() int { return len(h) }

func (h extentHeap) Less(i, j int) bool {
	if h[i].ext.Size != h[j].ext.Size {
		return h[i].ext.Size < h[j].ext.Size
	}
	return h[i].ext.Addr < h[j].ext.Addr
}

func (h extentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *extentHeap) Push(x any) {
	fe := x.(*freeExtent)
	fe.heapIndex = len(*h)
	*h = append(*h, fe)
}

func (h *extentHeap) Pop() any {
	old := *h
	n := len(old)
	fe := old[n-1]
	fe.heapIndex = -1
	*h = old[0 : n-1]
	return fe
}

// Cache is a physical page sharing cache. One instance is shared by all
// global-cache heaps; each caged heap additionally owns a private instance
// backed by its reserved span.
type Cache struct {
	backing Backing
	log     *logrus.Entry

	mu     sync.Mutex
	heap   extentHeap
	byAddr map[uintptr]*freeExtent
	byEnd  map[uintptr]*freeExtent
	stats  Stats
}

// New creates an empty cache over the given backing. log may be nil.
func New(backing Backing, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		backing: backing,
		log:     log.WithField("cache", "sharing"),
		byAddr:  make(map[uintptr]*freeExtent),
		byEnd:   make(map[uintptr]*freeExtent),
	}
}

// Acquire hands out an extent of the given size and alignment, preferring
// a cached free extent (best fit, address tie-break) and falling back to
// the backing on a miss. The returned state tells the caller what commit
// and zeroing work remains. Acquire never inserts the miss-path extent
// into the cache; extents enter the cache only through Release.
func (c *Cache) Acquire(size, alignment uint64, txn *tx.Transaction) (page.Extent, page.State, error) {
	if !page.IsChunkMultiple(size) {
		panic(fmt.Sprintf("sharing: acquire size %#x is not a positive chunk multiple", size))
	}
	align := page.EffectiveAlignment(alignment)

	c.mu.Lock()
	c.stats.Acquires++
	ext, st, ok := c.takeLocked(size, align)
	if ok {
		c.stats.Hits++
		c.mu.Unlock()
		return ext, st, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	ext, st, err := c.backing.Map(size, align, txn)
	if err != nil {
		return page.Extent{}, 0, err
	}
	return ext, st, nil
}

// Release returns an extent to the cache, coalescing with free neighbors
// of the same page state. The extent must be exclusively owned by the
// caller; it becomes cache property until re-acquired or evicted.
func (c *Cache) Release(e page.Extent, st page.State) {
	if !page.IsChunkMultiple(e.Size) || !page.IsChunkAligned(uint64(e.Addr)) {
		panic(fmt.Sprintf("sharing: release of misaligned extent %s", e))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Releases++

	// Coalesce forward: a free extent starting exactly at our end.
	if next, ok := c.byAddr[e.End()]; ok && next.state == st {
		c.removeLocked(next)
		e.Size += next.ext.Size
		c.stats.CoalesceForward++
	}

	// Coalesce backward: a free extent ending exactly at our start.
	if prev, ok := c.byEnd[e.Addr]; ok && prev.state == st {
		c.removeLocked(prev)
		e = page.Extent{Addr: prev.ext.Addr, Size: prev.ext.Size + e.Size}
		c.stats.CoalesceBackward++
	}

	c.insertLocked(e, st)
}

// TrimTo evicts the largest free extents through the backing until the
// cached byte count is at or below target. Handed-out extents are not in
// the cache and can never be touched by a trim.
func (c *Cache) TrimTo(target uint64, txn *tx.Transaction) error {
	for {
		c.mu.Lock()
		if c.stats.CachedBytes <= target {
			c.mu.Unlock()
			return nil
		}
		victim := c.largestLocked()
		if victim == nil {
			c.mu.Unlock()
			return nil
		}
		c.removeLocked(victim)
		c.mu.Unlock()

		if err := c.backing.Evict(victim.ext, victim.state, txn); err != nil {
			// Put the victim back so a contended or failed evict leaves the
			// cache exactly as it was. insertLocked does not count releases,
			// so Releases keeps tracking consumer Release calls only.
			c.mu.Lock()
			c.insertLocked(victim.ext, victim.state)
			c.mu.Unlock()
			return err
		}

		c.mu.Lock()
		c.stats.Evictions++
		c.stats.EvictedBytes += victim.ext.Size
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{
			"extent": victim.ext.String(),
			"state":  victim.state.String(),
		}).Debug("evicted free extent")
	}
}

// TrimAll evicts every cached extent.
func (c *Cache) TrimAll(txn *tx.Transaction) error {
	return c.TrimTo(0, txn)
}

// CachedBytes returns the number of bytes currently held free in the cache.
func (c *Cache) CachedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.CachedBytes
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// takeLocked pops the best-fit extent for (size, align), reinserting any
// head/tail remainders left over from the carve.
//
// Fast path: the heap top is the smallest extent; if it fits with no
// alignment slack it is the best fit by definition. Otherwise scan for the
// smallest extent whose aligned interior still holds the request.
func (c *Cache) takeLocked(size, align uint64) (page.Extent, page.State, bool) {
	var best *freeExtent
	var bestStart uintptr

	if len(c.heap) > 0 {
		top := c.heap[0]
		if start := alignUp(top.ext.Addr, align); start == top.ext.Addr && top.ext.Size >= size {
			best, bestStart = top, start
		}
	}
	if best == nil {
		for _, fe := range c.heap {
			start := alignUp(fe.ext.Addr, align)
			if start < fe.ext.Addr || uint64(fe.ext.End()) < uint64(start)+size {
				continue
			}
			if best == nil || fe.ext.Size < best.ext.Size ||
				(fe.ext.Size == best.ext.Size && fe.ext.Addr < best.ext.Addr) {
				best, bestStart = fe, start
			}
		}
	}
	if best == nil {
		return page.Extent{}, 0, false
	}

	c.removeLocked(best)

	ext := page.Extent{Addr: bestStart, Size: size}
	head := page.Extent{Addr: best.ext.Addr, Size: uint64(bestStart - best.ext.Addr)}
	tail := page.Extent{Addr: ext.End(), Size: uint64(best.ext.End() - ext.End())}
	if !head.Empty() {
		c.insertLocked(head, best.state)
		c.stats.Splits++
	}
	if !tail.Empty() {
		c.insertLocked(tail, best.state)
		c.stats.Splits++
	}
	return ext, best.state, true
}

// largestLocked returns the largest cached extent, or nil. The heap is
// size-ascending, so this is a linear scan; trims are rare and batched.
func (c *Cache) largestLocked() *freeExtent {
	var largest *freeExtent
	for _, fe := range c.heap {
		if largest == nil || fe.ext.Size > largest.ext.Size {
			largest = fe
		}
	}
	return largest
}

func (c *Cache) insertLocked(e page.Extent, st page.State) {
	fe := &freeExtent{ext: e, state: st}
	heap.Push(&c.heap, fe)
	c.byAddr[e.Addr] = fe
	c.byEnd[e.End()] = fe
	c.stats.CachedBytes += e.Size
}

func (c *Cache) removeLocked(fe *freeExtent) {
	heap.Remove(&c.heap, fe.heapIndex)
	delete(c.byAddr, fe.ext.Addr)
	delete(c.byEnd, fe.ext.End())
	c.stats.CachedBytes -= fe.ext.Size
}

func alignUp(p uintptr, align uint64) uintptr {
	return (p + uintptr(align) - 1) &^ (uintptr(align) - 1)
}
