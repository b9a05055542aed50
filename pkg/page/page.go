package page

const (
	// ChunkSize is the fixed granularity of chunks handed from the page
	// caches to the rest of the allocator. Every size and alignment crossing
	// the subsystem boundary must be a multiple of it.
	ChunkSize = 1 << 16

	// ChunkSizeMask is used by the alignment helpers.
	ChunkSizeMask = ChunkSize - 1

	// PageSize is the OS commit granularity assumed by the virtual-memory
	// layer. ChunkSize is a multiple of PageSize, so chunk-granular
	// commit/decommit is always page-aligned.
	PageSize = 4096
)

// AlignChunk returns n aligned up to the next chunk boundary.
//
// Example:
//
//	AlignChunk(1)          = ChunkSize
//	AlignChunk(ChunkSize)  = ChunkSize
//	AlignChunk(ChunkSize+1) = 2 * ChunkSize
func AlignChunk(n uint64) uint64 {
	return (n + ChunkSizeMask) &^ uint64(ChunkSizeMask)
}

// IsChunkAligned reports whether n is a multiple of ChunkSize.
func IsChunkAligned(n uint64) bool {
	return n&ChunkSizeMask == 0
}

// IsChunkMultiple reports whether n is a positive multiple of ChunkSize.
// This is the precondition on every size argument crossing the subsystem
// boundary.
func IsChunkMultiple(n uint64) bool {
	return n != 0 && IsChunkAligned(n)
}

// ValidAlignment reports whether align is acceptable on the provider
// boundary: a power of two that either divides ChunkSize (chunk alignment
// already satisfies it) or is itself a multiple of ChunkSize.
func ValidAlignment(align uint64) bool {
	if align == 0 || align&(align-1) != 0 {
		return false
	}
	return align <= ChunkSize || IsChunkAligned(align)
}

// EffectiveAlignment returns the alignment the caches must actually honor
// for a request: alignments at or below ChunkSize collapse to ChunkSize
// because every extent in the system is chunk-aligned.
func EffectiveAlignment(align uint64) uint64 {
	if align <= ChunkSize {
		return ChunkSize
	}
	return align
}
