//go:build unix

package vmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/versekit/versekit/pkg/page"
)

type osSource struct{}

// Reserve maps size bytes of PROT_NONE address space aligned to align.
//
// mmap only guarantees page alignment, so for larger alignments we
// over-reserve by align-PageSize and unmap the head and tail slack.
func (osSource) Reserve(size, align uint64) (uintptr, error) {
	if err := checkReserve(size, align); err != nil {
		return 0, err
	}

	if align == page.PageSize {
		p, err := mmapNone(size)
		if err != nil {
			return 0, fmt.Errorf("vmem: reserve %d bytes: %w", size, err)
		}
		return p, nil
	}

	over := size + align - page.PageSize
	p, err := mmapNone(over)
	if err != nil {
		return 0, fmt.Errorf("vmem: reserve %d bytes (aligned %d): %w", size, align, err)
	}

	aligned := (p + uintptr(align) - 1) &^ (uintptr(align) - 1)
	if head := uint64(aligned - p); head != 0 {
		if err := munmap(p, head); err != nil {
			return 0, fmt.Errorf("vmem: trim reservation head: %w", err)
		}
	}
	if tail := over - uint64(aligned-p) - size; tail != 0 {
		if err := munmap(aligned+uintptr(size), tail); err != nil {
			return 0, fmt.Errorf("vmem: trim reservation tail: %w", err)
		}
	}
	return aligned, nil
}

// Commit makes the range readable/writable. Pages read as zero on first
// touch after each commit because decommit punches them out with
// MADV_DONTNEED.
func (osSource) Commit(e page.Extent) error {
	if err := checkExtent(e); err != nil {
		return err
	}
	if err := mprotect(e, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("vmem: commit %s: %w", e, err)
	}
	return nil
}

// Decommit drops the physical backing and makes the range inaccessible
// again. The virtual reservation stays intact.
func (osSource) Decommit(e page.Extent) error {
	if err := checkExtent(e); err != nil {
		return err
	}
	if err := madviseFree(e); err != nil {
		return fmt.Errorf("vmem: decommit %s: %w", e, err)
	}
	if err := mprotect(e, unix.PROT_NONE); err != nil {
		return fmt.Errorf("vmem: decommit protect %s: %w", e, err)
	}
	return nil
}

// Release unmaps the range entirely.
func (osSource) Release(e page.Extent) error {
	if err := checkExtent(e); err != nil {
		return err
	}
	if err := munmap(e.Addr, e.Size); err != nil {
		return fmt.Errorf("vmem: release %s: %w", e, err)
	}
	return nil
}

// The helpers below convert between raw addresses and the slice forms the
// unix package wants. None of the mapped memory is Go-managed, so the
// unsafe round trips stay confined to this file.

func mmapNone(size uint64) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, nil, uintptr(size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

func munmap(addr uintptr, size uint64) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))
}

func asSlice(e page.Extent) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(e.Addr)), e.Size)
}

func mprotect(e page.Extent, prot int) error {
	return unix.Mprotect(asSlice(e), prot)
}

func madviseFree(e page.Extent) error {
	// MADV_DONTNEED guarantees zero-fill on next touch, which the
	// decommitted primordial state promises to consumers.
	return unix.Madvise(asSlice(e), unix.MADV_DONTNEED)
}
