package page

import "fmt"

// Extent is a contiguous physical range: an address and a size in bytes.
// Extents are the unit of bookkeeping in the page caches, the transaction
// lock table, and the object sets.
type Extent struct {
	Addr uintptr
	Size uint64
}

// End returns the first address past the extent.
func (e Extent) End() uintptr {
	return e.Addr + uintptr(e.Size)
}

// Empty reports whether the extent has zero size.
func (e Extent) Empty() bool {
	return e.Size == 0
}

// Overlaps reports whether the two extents share at least one byte.
func (e Extent) Overlaps(o Extent) bool {
	if e.Empty() || o.Empty() {
		return false
	}
	return e.Addr < o.End() && o.Addr < e.End()
}

// Contains reports whether o lies entirely within e.
func (e Extent) Contains(o Extent) bool {
	return o.Addr >= e.Addr && o.End() <= e.End()
}

// AdjacentBefore reports whether e ends exactly where o begins.
func (e Extent) AdjacentBefore(o Extent) bool {
	return e.End() == o.Addr
}

func (e Extent) String() string {
	return fmt.Sprintf("[%#x,%#x)", e.Addr, uint64(e.Addr)+e.Size)
}
