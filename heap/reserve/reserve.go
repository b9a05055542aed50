// Package reserve implements the dedicated-region page cache for a caged
// heap: the entire virtual span is reserved once at construction, and
// chunk-granular pieces inside it are committed and decommitted lazily as
// chunks are allocated and released.
//
// The free set is an address-ordered collection of decommitted (or
// never-committed) sub-ranges. Allocation is best-fit by size with an
// address tie-break; release coalesces with adjacent free ranges. The
// reservation never grows: when the span is fully committed and no fit
// exists, allocation fails with ErrSpanExhausted.
package reserve

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/versekit/versekit/heap/tx"
	"github.com/versekit/versekit/internal/vmem"
	"github.com/versekit/versekit/pkg/page"
)

var (
	// ErrSpanExhausted indicates the reserved span has no free range large
	// enough for the request. The cache never grows its reservation, and
	// there is no fallback to any other cache.
	ErrSpanExhausted = errors.New("reserve: reserved span exhausted")

	// ErrOutOfSpan indicates a release of a range that does not lie inside
	// the reserved span.
	ErrOutOfSpan = errors.New("reserve: extent outside reserved span")
)

// Stats holds cache counters for instrumentation and tests.
type Stats struct {
	Allocs      uint64
	Releases    uint64
	Commits     uint64
	Decommits   uint64
	Splits      uint64
	Coalesces   uint64
	FreeBytes   uint64
	SpanBytes   uint64
	FailedFits  uint64
	CommitFails uint64
}

// Cache manages lazy commit/decommit inside one reserved span.
type Cache struct {
	vm   vmem.Source
	span page.Extent
	log  *logrus.Entry

	mu    sync.Mutex
	free  []page.Extent // address-ordered, disjoint, coalesced
	fresh uintptr       // addresses at or above this were never committed
	stats Stats
}

// New reserves a span of the given size and alignment and returns a cache
// over it. Size must be a positive chunk multiple; alignment must be a
// chunk-multiple power of two. Geometry violations panic; a reservation
// failure is resource exhaustion and returns an error.
func New(vm vmem.Source, size, alignment uint64, log *logrus.Entry) (*Cache, error) {
	if !page.IsChunkMultiple(size) {
		panic(fmt.Sprintf("reserve: span size %#x is not a positive chunk multiple", size))
	}
	if !page.ValidAlignment(alignment) {
		panic(fmt.Sprintf("reserve: span alignment %#x is invalid", alignment))
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	base, err := vm.Reserve(size, page.EffectiveAlignment(alignment))
	if err != nil {
		return nil, fmt.Errorf("reserve: span reservation: %w", err)
	}

	span := page.Extent{Addr: base, Size: size}
	c := &Cache{
		vm:    vm,
		span:  span,
		log:   log.WithField("cache", "reserve"),
		free:  []page.Extent{span},
		fresh: base,
	}
	c.stats.SpanBytes = size
	c.stats.FreeBytes = size
	c.log.WithFields(logrus.Fields{
		"base": fmt.Sprintf("%#x", base),
		"size": size,
	}).Debug("reserved caged span")
	return c, nil
}

// Span returns the reserved span.
func (c *Cache) Span() page.Extent {
	return c.span
}

// Allocate removes a best-fit range of the given size and alignment from
// the free set. When desired requires backed memory the range is committed
// under txn before being handed out; a contended transaction or a failed
// commit reinserts the range and reports the error, leaving no partial
// effects.
func (c *Cache) Allocate(size, alignment uint64, txn *tx.Transaction, desired page.State) (page.Extent, page.State, error) {
	if !page.IsChunkMultiple(size) {
		panic(fmt.Sprintf("reserve: allocation size %#x is not a positive chunk multiple", size))
	}
	align := page.EffectiveAlignment(alignment)

	c.mu.Lock()
	ext, state, ok := c.carveLocked(size, align)
	c.mu.Unlock()
	if !ok {
		return page.Extent{}, 0, ErrSpanExhausted
	}

	if desired != page.StateCommitted {
		return ext, state, nil
	}

	// Commit outside the cache lock; the transaction's range hold keeps
	// concurrent commit/decommit off the extent.
	if err := txn.Acquire(ext); err != nil {
		c.reinsert(ext)
		return page.Extent{}, 0, err
	}
	if err := c.vm.Commit(ext); err != nil {
		c.reinsert(ext)
		c.mu.Lock()
		c.stats.CommitFails++
		c.mu.Unlock()
		return page.Extent{}, 0, fmt.Errorf("reserve: commit %s: %w", ext, err)
	}
	c.mu.Lock()
	c.stats.Commits++
	c.mu.Unlock()
	return ext, page.StateCommitted, nil
}

// Release decommits the range and reinserts it into the free set,
// coalescing with adjacent free ranges.
func (c *Cache) Release(e page.Extent, txn *tx.Transaction) error {
	if !page.IsChunkMultiple(e.Size) || !page.IsChunkAligned(uint64(e.Addr)) {
		panic(fmt.Sprintf("reserve: release of misaligned extent %s", e))
	}
	if !c.span.Contains(e) {
		return ErrOutOfSpan
	}

	if err := txn.Acquire(e); err != nil {
		return err
	}
	if err := c.vm.Decommit(e); err != nil {
		return fmt.Errorf("reserve: decommit %s: %w", e, err)
	}

	c.mu.Lock()
	c.stats.Releases++
	c.stats.Decommits++
	c.insertLocked(e)
	c.mu.Unlock()
	return nil
}

// FreeBytes returns the number of decommitted bytes currently available.
func (c *Cache) FreeBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.FreeBytes
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// carveLocked finds the best-fit free range for (size, align), removes the
// chosen window from the free set, and returns it together with its
// primordial state. Best-fit means the smallest usable range; ties go to
// the lowest address, which keeps allocations packed toward the span base.
func (c *Cache) carveLocked(size, align uint64) (page.Extent, page.State, bool) {
	best := -1
	var bestStart uintptr
	for i, f := range c.free {
		start := alignUp(f.Addr, align)
		if start < f.Addr || uint64(f.End()) < uint64(start)+size {
			continue // alignment slack doesn't fit
		}
		if best == -1 || f.Size < c.free[best].Size {
			best, bestStart = i, start
		}
	}
	if best == -1 {
		c.stats.FailedFits++
		return page.Extent{}, 0, false
	}

	f := c.free[best]
	ext := page.Extent{Addr: bestStart, Size: size}

	head := page.Extent{Addr: f.Addr, Size: uint64(bestStart - f.Addr)}
	tail := page.Extent{Addr: ext.End(), Size: uint64(f.End() - ext.End())}

	// Replace the chosen range with its remainders, keeping address order.
	repl := make([]page.Extent, 0, 2)
	if !head.Empty() {
		repl = append(repl, head)
	}
	if !tail.Empty() {
		repl = append(repl, tail)
	}
	if len(repl) > 0 {
		c.stats.Splits++
	}
	c.free = append(c.free[:best], append(repl, c.free[best+1:]...)...)

	state := page.StateDecommitted
	if bestStart >= c.fresh {
		state = page.StateUncommitted
	}
	if ext.End() > c.fresh {
		c.fresh = ext.End()
	}

	c.stats.Allocs++
	c.stats.FreeBytes -= size
	return ext, state, true
}

// reinsert undoes a carve after a contended or failed commit.
func (c *Cache) reinsert(e page.Extent) {
	c.mu.Lock()
	c.stats.Allocs--
	c.insertLocked(e)
	c.mu.Unlock()
}

// insertLocked puts e back into the address-ordered free set, merging with
// the previous and next ranges when the addresses are contiguous.
func (c *Cache) insertLocked(e page.Extent) {
	added := e.Size
	i := sort.Search(len(c.free), func(i int) bool {
		return c.free[i].Addr >= e.Addr
	})

	// Merge with predecessor.
	if i > 0 && c.free[i-1].AdjacentBefore(e) {
		c.free[i-1].Size += e.Size
		i--
		c.stats.Coalesces++
	} else {
		c.free = append(c.free, page.Extent{})
		copy(c.free[i+1:], c.free[i:])
		c.free[i] = e
	}

	// Merge with successor.
	if i+1 < len(c.free) && c.free[i].AdjacentBefore(c.free[i+1]) {
		c.free[i].Size += c.free[i+1].Size
		c.free = append(c.free[:i+1], c.free[i+2:]...)
		c.stats.Coalesces++
	}

	c.stats.FreeBytes += added
}

func alignUp(p uintptr, align uint64) uintptr {
	return (p + uintptr(align) - 1) &^ (uintptr(align) - 1)
}
