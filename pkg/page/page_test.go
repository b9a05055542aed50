package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_AlignChunk(t *testing.T) {
	require.Equal(t, uint64(ChunkSize), AlignChunk(1))
	require.Equal(t, uint64(ChunkSize), AlignChunk(ChunkSize))
	require.Equal(t, uint64(2*ChunkSize), AlignChunk(ChunkSize+1))
	require.Equal(t, uint64(0), AlignChunk(0))
}

func Test_IsChunkMultiple(t *testing.T) {
	require.False(t, IsChunkMultiple(0))
	require.False(t, IsChunkMultiple(ChunkSize-1))
	require.False(t, IsChunkMultiple(ChunkSize+1))
	require.True(t, IsChunkMultiple(ChunkSize))
	require.True(t, IsChunkMultiple(7*ChunkSize))
}

func Test_ValidAlignment(t *testing.T) {
	// Powers of two at or below the chunk size are satisfied by chunk
	// alignment; larger ones must be chunk multiples.
	require.True(t, ValidAlignment(PageSize))
	require.True(t, ValidAlignment(ChunkSize))
	require.True(t, ValidAlignment(4*ChunkSize))
	require.False(t, ValidAlignment(0))
	require.False(t, ValidAlignment(3*PageSize))
	require.False(t, ValidAlignment(ChunkSize+PageSize))
}

func Test_EffectiveAlignment(t *testing.T) {
	require.Equal(t, uint64(ChunkSize), EffectiveAlignment(0))
	require.Equal(t, uint64(ChunkSize), EffectiveAlignment(PageSize))
	require.Equal(t, uint64(4*ChunkSize), EffectiveAlignment(4*ChunkSize))
}

func Test_Extent_Overlaps(t *testing.T) {
	a := Extent{Addr: 0x10000, Size: 0x10000}
	require.True(t, a.Overlaps(Extent{Addr: 0x18000, Size: 0x10000}))
	require.True(t, a.Overlaps(a))
	require.False(t, a.Overlaps(Extent{Addr: 0x20000, Size: 0x10000}), "adjacency is not overlap")
	require.False(t, a.Overlaps(Extent{Addr: 0x10000, Size: 0}), "empty extents never overlap")
}

func Test_Extent_ContainsAndAdjacency(t *testing.T) {
	a := Extent{Addr: 0x10000, Size: 0x30000}
	require.True(t, a.Contains(Extent{Addr: 0x20000, Size: 0x10000}))
	require.True(t, a.Contains(a))
	require.False(t, a.Contains(Extent{Addr: 0x30000, Size: 0x20000}))
	require.True(t, a.AdjacentBefore(Extent{Addr: 0x40000, Size: 0x10000}))
	require.False(t, a.AdjacentBefore(Extent{Addr: 0x50000, Size: 0x10000}))
}

func Test_State_Predicates(t *testing.T) {
	require.False(t, StateUncommitted.Backed())
	require.False(t, StateDecommitted.Backed())
	require.True(t, StateCommitted.Backed())

	// Only committed memory carries stale contents; the OS zeroes the
	// other two on (re)commit.
	require.True(t, StateCommitted.NeedsZeroing())
	require.False(t, StateUncommitted.NeedsZeroing())
	require.False(t, StateDecommitted.NeedsZeroing())
}
