// Package page defines the primitive vocabulary shared by the verse heap
// page-sourcing subsystem and its consumers: the chunk granularity constant,
// alignment helpers, physical extents, primordial page states, and the
// allocation result type.
//
// # Chunk Granularity
//
// Every size and alignment argument crossing the subsystem boundary must be
// a positive multiple of ChunkSize. This is the wire contract between the
// page caches and the object allocator sitting above them; violations are
// programming errors and panic rather than returning an error.
//
// # Primordial Page States
//
// A State describes what a chunk's contents look like at the moment it is
// handed to a new owner, so the consumer can decide whether commit and/or
// zeroing work is still needed:
//
//   - StateUncommitted: reserved address space, never physically backed.
//   - StateDecommitted: previously backed, physical pages reclaimed.
//   - StateCommitted: physically backed with stale contents.
//
// Both uncommitted and decommitted ranges read as zero after (re)commit;
// committed ranges must be zeroed by the consumer before reuse.
package page
