//go:build !unix

package vmem

import (
	"sync"
	"unsafe"

	"github.com/versekit/versekit/pkg/page"
)

// osSource emulates reserve/commit/decommit with pinned Go allocations when
// real virtual-memory primitives are not available. Reservations are held
// in a process-wide table so the backing arrays stay live for as long as
// the addresses are handed out. Decommit zeroes the range so recommitted
// memory reads as zero, matching the unix implementation.
type osSource struct{}

var fallback = struct {
	mu    sync.Mutex
	spans map[uintptr][]byte // aligned base -> backing array
}{spans: make(map[uintptr][]byte)}

func (osSource) Reserve(size, align uint64) (uintptr, error) {
	if err := checkReserve(size, align); err != nil {
		return 0, err
	}
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(align) - 1) &^ (uintptr(align) - 1)

	fallback.mu.Lock()
	fallback.spans[aligned] = buf
	fallback.mu.Unlock()
	return aligned, nil
}

func (osSource) Commit(e page.Extent) error {
	return checkExtent(e)
}

func (osSource) Decommit(e page.Extent) error {
	if err := checkExtent(e); err != nil {
		return err
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(e.Addr)), e.Size)
	clear(b)
	return nil
}

func (osSource) Release(e page.Extent) error {
	if err := checkExtent(e); err != nil {
		return err
	}
	fallback.mu.Lock()
	defer fallback.mu.Unlock()
	// Sub-extent releases keep the whole span pinned; only a release at the
	// reservation base lets the backing array go.
	delete(fallback.spans, e.Addr)
	return nil
}
