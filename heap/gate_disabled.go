//go:build noverseheap

package heap

// Enabled reports whether the verse heap page-sourcing subsystem is
// compiled in. Builds with the "noverseheap" tag must substitute a no-op
// page source.
const Enabled = false
