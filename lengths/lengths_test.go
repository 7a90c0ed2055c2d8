package lengths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvenSplit(t *testing.T) {
	l := New(4*65536, 65536, 16384)
	assert.EqualValues(t, 4, l.TotalPieces())
	assert.EqualValues(t, 65536, l.PieceLength(0))
	assert.EqualValues(t, 65536, l.PieceLength(3))
	assert.EqualValues(t, 4, l.NumChunks(0))
}

func TestNewShortFinalPiece(t *testing.T) {
	l := New(65536+100, 65536, 16384)
	require.EqualValues(t, 2, l.TotalPieces())
	assert.EqualValues(t, 65536, l.PieceLength(0))
	assert.EqualValues(t, 100, l.PieceLength(1))
	assert.EqualValues(t, 1, l.NumChunks(1))
}

func TestPieceBitfieldBytes(t *testing.T) {
	l := New(9*65536, 65536, 16384)
	assert.Equal(t, 2, l.PieceBitfieldBytes())
}

func TestIterChunkInfos(t *testing.T) {
	l := New(65536+100, 65536, 16384)
	var offsets []uint32
	l.IterChunkInfos(0, func(ci ChunkInfo) bool {
		offsets = append(offsets, ci.Offset)
		return true
	})
	assert.Equal(t, []uint32{0, 16384, 32768, 49152}, offsets)

	var last []ChunkInfo
	l.IterChunkInfos(1, func(ci ChunkInfo) bool {
		last = append(last, ci)
		return true
	})
	require.Len(t, last, 1)
	assert.EqualValues(t, 100, last[0].Length)
}

func TestChunkInfoFromReceivedData(t *testing.T) {
	l := New(65536, 65536, 16384)
	ci, ok := l.ChunkInfoFromReceivedData(0, 0, 16384)
	require.True(t, ok)
	assert.EqualValues(t, 0, ci.Offset)

	_, ok = l.ChunkInfoFromReceivedData(0, 65536, 1)
	assert.False(t, ok)

	_, ok = l.ChunkInfoFromReceivedData(5, 0, 1)
	assert.False(t, ok)

	_, ok = l.ChunkInfoFromReceivedData(0, 60000, 10000)
	assert.False(t, ok)
}

func TestChunkInfoFromReceivedPiece(t *testing.T) {
	l := New(65536+100, 65536, 16384)
	_, ok := l.ChunkInfoFromReceivedPiece(1, 0, 100)
	assert.True(t, ok)
	_, ok = l.ChunkInfoFromReceivedPiece(1, 0, 99)
	assert.False(t, ok, "short block length must be rejected")
}

// TestIndexMatchesNonDefaultChunkLength guards against ChunkInfo.Index
// hardcoding DefaultChunkLength: under a non-default --chunk-length,
// Index() must still agree with NumChunks/IterChunkInfos' own notion of
// chunk boundaries, or two distinct chunks can collide on one index.
func TestIndexMatchesNonDefaultChunkLength(t *testing.T) {
	const chunkLength = 4096 // deliberately not DefaultChunkLength (16384)
	l := New(65536, 65536, chunkLength)
	require.EqualValues(t, 16, l.NumChunks(0))

	var indexes []uint32
	l.IterChunkInfos(0, func(ci ChunkInfo) bool {
		indexes = append(indexes, ci.Index())
		return true
	})
	require.Len(t, indexes, int(l.NumChunks(0)))
	for i, idx := range indexes {
		assert.EqualValues(t, i, idx, "chunk index must track offset/chunkLength, not the package default")
	}

	ci, ok := l.ChunkInfoFromReceivedPiece(0, 3*chunkLength, chunkLength)
	require.True(t, ok)
	assert.EqualValues(t, 3, ci.Index())
}
