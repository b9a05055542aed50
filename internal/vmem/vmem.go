// Package vmem isolates the OS virtual-memory operations the page caches
// are built on: reserving address space, committing physical backing into a
// reservation, decommitting it again, and releasing the reservation.
//
// The Source interface exists so the caches can be driven by an
// instrumented or simulated source in tests; production code uses OS().
package vmem

import (
	"errors"

	"github.com/versekit/versekit/pkg/page"
)

// ErrBadSize indicates a size or alignment that is zero or not
// page-aligned. This is a contract violation by the caller.
var ErrBadSize = errors.New("vmem: size and alignment must be positive multiples of the page size")

// Source supplies address space and physical memory.
//
// Reserve carves out size bytes of address space aligned to align, with no
// physical backing; the range is inaccessible until committed. Commit makes
// a sub-range of a reservation physically backed and accessible (contents
// read as zero on first touch after each commit). Decommit reclaims the
// physical backing while keeping the reservation intact. Release returns
// the whole range to the OS.
//
// All extents must be page-aligned. Commit and Decommit may be called on
// any sub-range of a reservation.
type Source interface {
	Reserve(size, align uint64) (uintptr, error)
	Commit(e page.Extent) error
	Decommit(e page.Extent) error
	Release(e page.Extent) error
}

// OS returns the process-wide Source backed by real OS primitives
// (mmap/mprotect/madvise on unix, a pinned-slice emulation elsewhere).
func OS() Source {
	return osSource{}
}

func checkExtent(e page.Extent) error {
	if e.Size == 0 || e.Size%page.PageSize != 0 || uint64(e.Addr)%page.PageSize != 0 {
		return ErrBadSize
	}
	return nil
}

func checkReserve(size, align uint64) error {
	if size == 0 || size%page.PageSize != 0 {
		return ErrBadSize
	}
	if align == 0 || align&(align-1) != 0 || align%page.PageSize != 0 {
		return ErrBadSize
	}
	return nil
}
