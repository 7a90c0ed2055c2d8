package storage

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinkbit/torrent/lengths"
)

func testLayout(t *testing.T, dir string) (lengths.L, []FileEntry) {
	t.Helper()
	l := lengths.New(2*65536, 65536, 16384)
	files := []FileEntry{
		{Path: filepath.Join(dir, "a.bin"), Length: 65536, Offset: 0},
		{Path: filepath.Join(dir, "b.bin"), Length: 65536, Offset: 65536},
	}
	return l, files
}

func writeAndCheckRoundTrip(t *testing.T, ops FileOps, l lengths.L) {
	t.Helper()
	data := make([]byte, l.PieceLength(0))
	for i := range data {
		data[i] = byte(i)
	}
	l.IterChunkInfos(0, func(ci lengths.ChunkInfo) bool {
		require.NoError(t, ops.WriteChunk(ci, data[ci.Offset:ci.Offset+ci.Length]))
		return true
	})
	readBack := make([]byte, l.PieceLength(0))
	l.IterChunkInfos(0, func(ci lengths.ChunkInfo) bool {
		buf := make([]byte, ci.Length)
		require.NoError(t, ops.ReadChunk(ci, buf))
		copy(readBack[ci.Offset:], buf)
		return true
	})
	assert.Equal(t, data, readBack)

	hash := sha1.Sum(data)
	ok, err := ops.CheckPiece(0, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ops.CheckPiece(0, sha1.Sum([]byte("wrong")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileRoundTrip(t *testing.T) {
	l, files := testLayout(t, t.TempDir())
	f, err := NewFile(l, files)
	require.NoError(t, err)
	defer f.Close()
	writeAndCheckRoundTrip(t, f, l)
}

func TestFileReopenReadOnlyRejectsWrites(t *testing.T) {
	l, files := testLayout(t, t.TempDir())
	f, err := NewFile(l, files)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.ReopenReadOnly())

	ci := lengths.ChunkInfo{PieceIndex: 0, Offset: 0, Length: 16384}
	err = f.WriteChunk(ci, make([]byte, 16384))
	assert.Error(t, err)
}

func TestMMapRoundTrip(t *testing.T) {
	l, files := testLayout(t, t.TempDir())
	m, err := NewMMap(l, files)
	require.NoError(t, err)
	defer m.Close()
	writeAndCheckRoundTrip(t, m, l)
}

func TestBoltRoundTrip(t *testing.T) {
	l := lengths.New(65536, 65536, 16384)
	b, err := NewBolt(l, filepath.Join(t.TempDir(), "pieces.db"))
	require.NoError(t, err)
	defer b.Close()
	writeAndCheckRoundTrip(t, b, l)
}

// TestFileChunkSpanningTwoFiles exercises a chunk that straddles two backing files.
func TestFileChunkSpanningTwoFiles(t *testing.T) {
	dir := t.TempDir()
	l := lengths.New(131072, 65536, 16384)
	files := []FileEntry{
		{Path: filepath.Join(dir, "a.bin"), Length: 65530, Offset: 0},
		{Path: filepath.Join(dir, "b.bin"), Length: 65542, Offset: 65530},
	}
	f, err := NewFile(l, files)
	require.NoError(t, err)
	defer f.Close()

	ci := lengths.ChunkInfo{PieceIndex: 0, Offset: 49152, Length: 16384}
	data := make([]byte, ci.Length)
	for i := range data {
		data[i] = byte(i + 1)
	}
	require.NoError(t, f.WriteChunk(ci, data))

	readBack := make([]byte, ci.Length)
	require.NoError(t, f.ReadChunk(ci, readBack))
	assert.Equal(t, data, readBack)
}
