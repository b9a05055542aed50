//go:build !noverseheap

package heap

// Enabled reports whether the verse heap page-sourcing subsystem is
// compiled in. Consumers must check it before referencing the subsystem.
const Enabled = true
