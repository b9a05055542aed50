// Package heap binds one logical verse heap to its page-sourcing strategy
// and exposes the chunk allocation entry points consumed by the rest of the
// allocator.
//
// # Page Sourcing
//
// A heap sources chunks in one of two mutually exclusive ways, fixed at
// construction time:
//
//   - Global: chunks come from a process-wide physical page sharing cache
//     shared by every global heap (NewGlobalConfig).
//   - Caged: the heap is confined to a single reserved virtual-address
//     region; small requests are served by a reserve/commit cache inside
//     the cage and large requests by a private, cage-backed sharing cache
//     (NewCagedConfig).
//
// A Config's HeapBase, HeapSize and HeapAlignment are either all zero
// (global) or all nonzero (caged); anything mixed is an invariant violation
// and panics at construction.
//
// # Transactions
//
// Every allocation and release runs under a physical memory transaction
// (heap/tx). Contention between concurrent operations on overlapping
// physical ranges is retried internally and never surfaces to callers; a
// failed allocation always means resource exhaustion.
//
// # Feature Gate
//
// The subsystem compiles unconditionally, but consumers must check the
// Enabled constant (false under the "noverseheap" build tag) before
// relying on it.
package heap
