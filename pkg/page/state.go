package page

// State is the primordial page state: what a chunk's contents look like at
// the moment it is handed to a new owner.
type State uint8

const (
	// StateUncommitted marks address space that is reserved but has never
	// been physically backed. Commit is required before touching it; the OS
	// supplies zeroed pages on first touch.
	StateUncommitted State = iota

	// StateDecommitted marks address space that was committed in a previous
	// life and has since had its physical backing reclaimed. Recommit is
	// required; pages read as zero afterwards.
	StateDecommitted

	// StateCommitted marks address space that is physically backed right
	// now. Contents are whatever the previous owner left behind, so the
	// consumer must zero before use.
	StateCommitted
)

// Backed reports whether the state describes physically backed memory.
func (s State) Backed() bool {
	return s == StateCommitted
}

// NeedsZeroing reports whether a consumer that requires zeroed memory must
// clear the range itself. Uncommitted and decommitted ranges come back
// zeroed from the OS once committed.
func (s State) NeedsZeroing() bool {
	return s == StateCommitted
}

func (s State) String() string {
	switch s {
	case StateUncommitted:
		return "uncommitted"
	case StateDecommitted:
		return "decommitted"
	case StateCommitted:
		return "committed"
	default:
		return "invalid"
	}
}
