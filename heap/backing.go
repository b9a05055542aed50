package heap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/versekit/versekit/heap/reserve"
	"github.com/versekit/versekit/heap/sharing"
	"github.com/versekit/versekit/heap/tx"
	"github.com/versekit/versekit/internal/vmem"
	"github.com/versekit/versekit/pkg/page"
)

// osBacking sources a sharing cache straight from the OS: misses reserve
// fresh address space, evictions unmap it. The global cache uses this.
type osBacking struct {
	vm vmem.Source
}

func (b osBacking) Map(size, alignment uint64, _ *tx.Transaction) (page.Extent, page.State, error) {
	addr, err := b.vm.Reserve(size, alignment)
	if err != nil {
		return page.Extent{}, 0, fmt.Errorf("heap: map %d bytes: %w", size, err)
	}
	return page.Extent{Addr: addr, Size: size}, page.StateUncommitted, nil
}

func (b osBacking) Evict(e page.Extent, _ page.State, txn *tx.Transaction) error {
	// The unmap revokes physical backing, so it needs the same range
	// coordination as a decommit.
	if err := txn.Acquire(e); err != nil {
		return err
	}
	return b.vm.Release(e)
}

// cageBacking sources a caged heap's private sharing cache from that
// heap's reserve/commit cache: misses carve uncommitted ranges out of the
// cage, evictions decommit and hand the range back.
type cageBacking struct {
	small *reserve.Cache
}

func (b cageBacking) Map(size, alignment uint64, txn *tx.Transaction) (page.Extent, page.State, error) {
	return b.small.Allocate(size, alignment, txn, page.StateUncommitted)
}

func (b cageBacking) Evict(e page.Extent, _ page.State, txn *tx.Transaction) error {
	return b.small.Release(e, txn)
}

// NewGlobalCache creates the process-wide physical page sharing cache that
// global-mode heaps draw from. Model it as an explicit service object: the
// process creates one at startup and passes it to every NewGlobalConfig.
func NewGlobalCache(vm vmem.Source, log *logrus.Entry) *sharing.Cache {
	if vm == nil {
		vm = vmem.OS()
	}
	return sharing.New(osBacking{vm: vm}, log)
}
