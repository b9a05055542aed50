package heap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/versekit/versekit/heap/tx"
	"github.com/versekit/versekit/pkg/page"
)

// PageProvider is the sole boundary between the page-sourcing subsystem
// and the rest of the allocator: a capability that produces chunk-granular
// memory without exposing which sourcing variant backs the heap.
//
// name is a diagnostic label carried into log fields; it has no semantic
// effect. size must be a positive chunk multiple and alignment must be
// compatible with the chunk granularity; violations panic.
type PageProvider interface {
	ProvideChunks(size, alignment uint64, name string, txn *tx.Transaction, desired page.State) (page.Result, error)
}

// GlobalCacheProvider sources chunks from the process-wide sharing cache.
type GlobalCacheProvider struct {
	cfg *Config
}

func (p *GlobalCacheProvider) ProvideChunks(size, alignment uint64, name string, txn *tx.Transaction, desired page.State) (page.Result, error) {
	return provideChunks(p.cfg, size, alignment, name, txn, desired)
}

// CagedRegionProvider sources chunks from a heap's private caged region.
type CagedRegionProvider struct {
	cfg *Config
}

func (p *CagedRegionProvider) ProvideChunks(size, alignment uint64, name string, txn *tx.Transaction, desired page.State) (page.Result, error) {
	return provideChunks(p.cfg, size, alignment, name, txn, desired)
}

func provideChunks(c *Config, size, alignment uint64, name string, txn *tx.Transaction, desired page.State) (page.Result, error) {
	if !page.IsChunkMultiple(size) {
		panic(fmt.Sprintf("heap: provider size %#x is not a positive chunk multiple", size))
	}
	if !page.ValidAlignment(alignment) {
		panic(fmt.Sprintf("heap: provider alignment %#x is incompatible with the chunk granularity", alignment))
	}

	res, err := c.allocateAligned(size, page.EffectiveAlignment(alignment), txn, desired)
	if err != nil {
		c.log.WithError(err).WithField("name", name).Debug("chunk provision failed")
		return page.Result{}, err
	}
	c.log.WithFields(logrus.Fields{
		"name": name,
		"addr": fmt.Sprintf("%#x", res.Addr),
		"size": res.Size,
	}).Trace("chunks provided")
	return res, nil
}
