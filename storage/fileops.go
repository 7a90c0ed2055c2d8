// Package storage implements the FileOps capability: reading and
// writing chunk-sized byte ranges against the torrent's target files,
// and verifying a completed piece's checksum. Three backends are
// provided, all satisfying the same contract.
package storage

import (
	"crypto/sha1"

	"github.com/brinkbit/torrent/lengths"
)

// FileEntry describes one file within a (possibly multi-file) torrent:
// its length and its starting byte offset within the concatenated
// virtual content space that pieces are indexed against.
type FileEntry struct {
	Path   string
	Length uint64
	Offset uint64
}

// FileOps is the storage capability the engine depends on. The
// lengths.ChunkInfo passed to each call identifies the piece/file span;
// implementations translate virtual offsets into their own backing
// store.
type FileOps interface {
	// ReadChunk reads ci's bytes into buf, which must be len(ci.Length).
	ReadChunk(ci lengths.ChunkInfo, buf []byte) error
	// WriteChunk writes data (len(data) == ci.Length) at ci's offset.
	WriteChunk(ci lengths.ChunkInfo, data []byte) error
	// CheckPiece reads back the whole of piece p and compares its SHA-1
	// against expectedHash (20 bytes).
	CheckPiece(p uint32, expectedHash [20]byte) (bool, error)
	// Close releases any resources (file handles, mappings, db handles).
	Close() error
}

// ReadOnlyReopener is implemented by backends that can downgrade to a
// read-only mode once a torrent finishes downloading, per spec.md's
// "reopen all files read-only" completion step. Backends that don't
// support it (e.g. bbolt, which has no meaningful read-only distinction
// for this use) simply don't implement it; callers type-assert.
type ReadOnlyReopener interface {
	ReopenReadOnly() error
}

func sha1Sum(b []byte) [20]byte {
	return sha1.Sum(b)
}
