// Package objectset tracks the live chunks of one heap runtime config as a
// set of disjoint address ranges, for enumeration by an external collector.
//
// Insert and remove are internally consistent under concurrent mutation;
// enumeration is snapshot-style and restartable. A collector enumerating
// concurrently with mutators sees a well-defined set only if it quiesces
// them for the scan window; the set provides no scan synchronization of
// its own.
package objectset

import (
	"errors"
	"sort"
	"sync"

	"github.com/versekit/versekit/pkg/page"
)

var (
	// ErrOverlap indicates an insert that intersects a live range.
	ErrOverlap = errors.New("objectset: extent overlaps a live range")

	// ErrNotLive indicates a remove of a range that is not registered.
	ErrNotLive = errors.New("objectset: extent is not live")
)

// Set is a mutex-guarded, address-ordered collection of disjoint extents.
type Set struct {
	mu     sync.RWMutex
	ranges []page.Extent
	bytes  uint64
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{}
}

// Insert registers a live chunk range. The range must not intersect any
// registered range.
func (s *Set) Insert(e page.Extent) error {
	if e.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Addr >= e.Addr
	})
	if i > 0 && s.ranges[i-1].Overlaps(e) {
		return ErrOverlap
	}
	if i < len(s.ranges) && s.ranges[i].Overlaps(e) {
		return ErrOverlap
	}

	s.ranges = append(s.ranges, page.Extent{})
	copy(s.ranges[i+1:], s.ranges[i:])
	s.ranges[i] = e
	s.bytes += e.Size
	return nil
}

// Remove unregisters a live chunk range. The range must match a registered
// range exactly.
func (s *Set) Remove(e page.Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Addr >= e.Addr
	})
	if i >= len(s.ranges) || s.ranges[i] != e {
		return ErrNotLive
	}
	s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	s.bytes -= e.Size
	return nil
}

// Contains reports whether addr lies inside a live range.
func (s *Set) Contains(addr uintptr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End() > addr
	})
	return i < len(s.ranges) && s.ranges[i].Addr <= addr
}

// Len returns the number of live ranges.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ranges)
}

// Bytes returns the total size of all live ranges.
func (s *Set) Bytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// Snapshot returns a copied, address-ordered view of the live ranges. The
// copy is immune to later mutation, so a collector can restart its scan
// from it at any time.
func (s *Set) Snapshot() []page.Extent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]page.Extent, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// SetSet aggregates the object sets of one heap runtime config: the main
// set that always holds every live chunk, plus any collector-registered
// auxiliary views that receive the same insert/remove stream.
type SetSet struct {
	mu    sync.RWMutex
	main  *Set
	views []*Set
}

// NewSetSet creates a set-set with an empty main set and no views.
func NewSetSet() *SetSet {
	return &SetSet{main: NewSet()}
}

// Main returns the canonical live set.
func (ss *SetSet) Main() *Set {
	return ss.main
}

// AddView registers an auxiliary set that will receive every subsequent
// insert and remove. It starts from the current live set.
func (ss *SetSet) AddView(v *Set) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, e := range ss.main.Snapshot() {
		if err := v.Insert(e); err != nil {
			return err
		}
	}
	ss.views = append(ss.views, v)
	return nil
}

// Insert registers a chunk in the main set and every view. A main-set
// failure aborts before any view is touched.
func (ss *SetSet) Insert(e page.Extent) error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if err := ss.main.Insert(e); err != nil {
		return err
	}
	for _, v := range ss.views {
		if err := v.Insert(e); err != nil {
			return err
		}
	}
	return nil
}

// Remove unregisters a chunk from the main set and every view.
func (ss *SetSet) Remove(e page.Extent) error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	if err := ss.main.Remove(e); err != nil {
		return err
	}
	for _, v := range ss.views {
		if err := v.Remove(e); err != nil {
			return err
		}
	}
	return nil
}
