package page

// Result is the value handed back across the provider boundary for every
// chunk allocation. Callers must check OK before using Addr; a failed
// result means the OS could not supply backing memory, never contention.
type Result struct {
	OK    bool
	Addr  uintptr
	Size  uint64
	State State
}

// ResultFrom builds a successful Result for an extent at the given state.
func ResultFrom(e Extent, s State) Result {
	return Result{OK: true, Addr: e.Addr, Size: e.Size, State: s}
}

// Extent returns the allocated range. Only meaningful when OK is true.
func (r Result) Extent() Extent {
	return Extent{Addr: r.Addr, Size: r.Size}
}
