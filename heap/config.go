package heap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/versekit/versekit/heap/objectset"
	"github.com/versekit/versekit/heap/reserve"
	"github.com/versekit/versekit/heap/sharing"
	"github.com/versekit/versekit/heap/tx"
	"github.com/versekit/versekit/internal/vmem"
	"github.com/versekit/versekit/pkg/page"
)

// CagedLargeThreshold is the request size at which a caged heap stops
// using the reserve/commit path and starts consulting its private sharing
// cache. Below it the reserve cache's address-ordered best fit is cheap
// and keeps the cage packed; at or above it cross-request physical reuse
// pays for itself.
const CagedLargeThreshold = 16 * page.ChunkSize

// Options configures a heap runtime config. The zero value selects the OS
// virtual-memory source, the logrus standard logger, and unbounded
// transaction retry with the default backoff.
type Options struct {
	VM  vmem.Source
	Log *logrus.Entry
	Tx  *tx.Options
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.VM == nil {
		out.VM = vmem.OS()
	}
	if out.Log == nil {
		out.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

// Geometry describes a caged heap's reserved span.
type Geometry struct {
	Size      uint64 // span size; positive chunk multiple
	Alignment uint64 // span alignment; chunk-compatible power of two
}

// Config binds one logical heap to its page-sourcing strategy. It is
// created once when the heap is constructed and lives as long as the heap;
// a heap never re-sources between global and caged.
type Config struct {
	// HeapBase, HeapSize and HeapAlignment are all zero for a global
	// config and all nonzero for a caged one. Mixed is an invariant
	// violation.
	HeapBase      uintptr
	HeapSize      uint64
	HeapAlignment uint64

	// LargeCache is the physical page sharing cache this heap draws large
	// requests from: the shared process-wide cache for a global config,
	// or the heap's private cage-backed cache for a caged one.
	LargeCache *sharing.Cache

	// SmallCache is the reserve/commit cache over a caged heap's span.
	// Nil for global configs.
	SmallCache *reserve.Cache

	// ObjectSets tracks this config's live chunks for the collector.
	ObjectSets *objectset.SetSet

	provider PageProvider
	table    *tx.Table
	vm       vmem.Source
	txOpts   *tx.Options
	log      *logrus.Entry
}

// NewGlobalConfig creates a config that sources every chunk from the
// shared global cache. table serializes physical-range operations across
// everything that shares memory with this heap; nil creates a fresh one.
func NewGlobalConfig(global *sharing.Cache, table *tx.Table, opts *Options) *Config {
	if global == nil {
		panic("heap: global config requires the shared sharing cache")
	}
	o := opts.withDefaults()
	if table == nil {
		table = tx.NewTable()
	}
	c := &Config{
		LargeCache: global,
		ObjectSets: objectset.NewSetSet(),
		table:      table,
		vm:         o.VM,
		txOpts:     o.Tx,
		log:        o.Log.WithField("heap", "global"),
	}
	c.provider = &GlobalCacheProvider{cfg: c}
	verifyCaging(c.HeapBase, c.HeapSize, c.HeapAlignment)
	return c
}

// NewCagedConfig creates a config caged to a private virtual-address span:
// the whole span is reserved up front, small requests are served by lazy
// commit inside it, and large requests by a private sharing cache carved
// from the same span. Reservation failure is resource exhaustion.
func NewCagedConfig(geom Geometry, table *tx.Table, opts *Options) (*Config, error) {
	o := opts.withDefaults()
	if table == nil {
		table = tx.NewTable()
	}

	small, err := reserve.New(o.VM, geom.Size, geom.Alignment, o.Log)
	if err != nil {
		return nil, fmt.Errorf("heap: caged span: %w", err)
	}

	c := &Config{
		HeapBase:      small.Span().Addr,
		HeapSize:      geom.Size,
		HeapAlignment: page.EffectiveAlignment(geom.Alignment),
		SmallCache:    small,
		LargeCache:    sharing.New(cageBacking{small: small}, o.Log),
		ObjectSets:    objectset.NewSetSet(),
		table:         table,
		vm:            o.VM,
		txOpts:        o.Tx,
		log: o.Log.WithFields(logrus.Fields{
			"heap": "caged",
			"base": fmt.Sprintf("%#x", small.Span().Addr),
		}),
	}
	c.provider = &CagedRegionProvider{cfg: c}
	verifyCaging(c.HeapBase, c.HeapSize, c.HeapAlignment)
	return c, nil
}

// Caged reports whether this config is caged to a private span.
func (c *Config) Caged() bool {
	return c.HeapBase != 0
}

// Provider returns the page provider capability backed by this config.
func (c *Config) Provider() PageProvider {
	return c.provider
}

// Table returns the transaction table this config coordinates through.
func (c *Config) Table() *tx.Table {
	return c.table
}

// NewTransaction creates a transaction suitable for this config's
// allocation and release entry points.
func (c *Config) NewTransaction() *tx.Transaction {
	return tx.New(c.table, c.txOpts)
}

// AllocateChunks allocates size bytes of chunk-granular memory from this
// config's page source and registers it in the object sets.
//
// size must be a positive multiple of page.ChunkSize; violations panic.
// txn may be nil, in which case a fresh transaction is used. Contention is
// retried internally; an error always means resource exhaustion, with no
// partial registration left behind.
func (c *Config) AllocateChunks(size uint64, txn *tx.Transaction, desired page.State) (page.Result, error) {
	if !page.IsChunkMultiple(size) {
		panic(fmt.Sprintf("heap: allocation size %#x is not a positive chunk multiple", size))
	}
	return c.allocateAligned(size, page.ChunkSize, txn, desired)
}

func (c *Config) allocateAligned(size, alignment uint64, txn *tx.Transaction, desired page.State) (page.Result, error) {
	if txn == nil {
		txn = c.NewTransaction()
	}

	var res page.Result
	err := tx.RunWith(txn, func(t *tx.Transaction) error {
		ext, st, err := c.acquire(size, alignment, t, desired)
		if err != nil {
			return err
		}
		if desired == page.StateCommitted && !st.Backed() {
			if err := c.commit(ext, t); err != nil {
				c.unwind(ext, st, size)
				return err
			}
			st = page.StateCommitted
		}
		// Registration happens only after commit succeeded, so an
		// enumerating collector never observes an unbacked chunk.
		if err := c.ObjectSets.Insert(ext); err != nil {
			// Two live chunks on one range means cache state is corrupt.
			panic(fmt.Sprintf("heap: allocated extent %s already live: %v", ext, err))
		}
		res = page.ResultFrom(ext, st)
		return nil
	})
	if err != nil {
		return page.Result{}, err
	}
	return res, nil
}

// acquire routes one attempt to the config's page source.
func (c *Config) acquire(size, alignment uint64, t *tx.Transaction, desired page.State) (page.Extent, page.State, error) {
	if c.Caged() && size < CagedLargeThreshold {
		return c.SmallCache.Allocate(size, alignment, t, desired)
	}
	return c.LargeCache.Acquire(size, alignment, t)
}

// commit makes ext physically backed under t's range hold.
func (c *Config) commit(ext page.Extent, t *tx.Transaction) error {
	if err := t.Acquire(ext); err != nil {
		return err
	}
	if err := c.vm.Commit(ext); err != nil {
		return fmt.Errorf("heap: commit %s: %w", ext, err)
	}
	return nil
}

// unwind returns an acquired extent to its source after a contended or
// failed follow-up step, so a retried attempt starts from scratch.
func (c *Config) unwind(ext page.Extent, st page.State, size uint64) {
	if c.Caged() && size < CagedLargeThreshold {
		// Reserve-cache ranges go back decommitted; run the unwind under
		// its own transaction so it cannot itself be contended away.
		err := tx.RunWith(c.NewTransaction(), func(t *tx.Transaction) error {
			return c.SmallCache.Release(ext, t)
		})
		if err != nil {
			c.log.WithError(err).WithField("extent", ext.String()).
				Warn("unwind release failed; range leaked to cage")
		}
		return
	}
	c.LargeCache.Release(ext, st)
}

// ReleaseChunks removes a chunk from the object sets and returns its
// backing to the cache it came from. st describes the chunk's current
// backing state (a live chunk that was committed passes StateCommitted).
//
// The removal happens before any decommit so the collector cannot observe
// a live-but-unbacked chunk.
func (c *Config) ReleaseChunks(e page.Extent, st page.State, txn *tx.Transaction) error {
	if !page.IsChunkMultiple(e.Size) || !page.IsChunkAligned(uint64(e.Addr)) {
		panic(fmt.Sprintf("heap: release of misaligned extent %s", e))
	}
	if err := c.ObjectSets.Remove(e); err != nil {
		return err
	}
	if txn == nil {
		txn = c.NewTransaction()
	}

	err := tx.RunWith(txn, func(t *tx.Transaction) error {
		if c.Caged() && e.Size < CagedLargeThreshold {
			return c.SmallCache.Release(e, t)
		}
		c.LargeCache.Release(e, st)
		return nil
	})
	if err != nil {
		// The range is still backed and owned by the caller. Restore its
		// registration so it stays in exactly one place: live, not freed.
		if rerr := c.ObjectSets.Insert(e); rerr != nil {
			c.log.WithError(err).WithField("extent", e.String()).
				Warn("release failed and range could not be re-registered; range leaked")
		}
		return err
	}
	return nil
}

// Trim responds to external memory pressure by evicting free extents from
// the sharing cache until at most target bytes remain cached. Live chunks
// are never touched.
func (c *Config) Trim(target uint64) error {
	return tx.RunWith(c.NewTransaction(), func(t *tx.Transaction) error {
		return c.LargeCache.TrimTo(target, t)
	})
}

// verifyCaging enforces the construction invariant: heap base, size and
// alignment are either all zero (global) or all nonzero (caged).
func verifyCaging(base uintptr, size, alignment uint64) {
	zero := 0
	if base == 0 {
		zero++
	}
	if size == 0 {
		zero++
	}
	if alignment == 0 {
		zero++
	}
	if zero != 0 && zero != 3 {
		panic(fmt.Sprintf(
			"heap: mixed caging fields: base=%#x size=%#x alignment=%#x (must be all zero or all nonzero)",
			base, size, alignment))
	}
}
