// Package lengths implements the pure piece/chunk arithmetic that the
// torrent engine treats as an external capability: given the static
// shape of a torrent (total length, piece length, chunk length), it
// answers questions about piece and chunk boundaries without touching
// any network or disk state.
package lengths

import (
	"fmt"
)

// DefaultChunkLength is the conventional BitTorrent request block size.
const DefaultChunkLength = 16 * 1024

// L describes the fixed shape of a torrent's content.
type L struct {
	totalLength uint64
	pieceLength uint32
	chunkLength uint32
	totalPieces uint32
}

// New builds an L from the metadata every torrent carries: total content
// length, piece length, and the chunk (request block) length used for
// the wire protocol. Panics on nonsensical input, mirroring the
// teacher's convention of panicking on metadata the caller should have
// already validated before construction.
func New(totalLength uint64, pieceLength uint32, chunkLength uint32) L {
	if totalLength == 0 {
		panic("zero total length")
	}
	if pieceLength == 0 {
		panic("zero piece length")
	}
	if chunkLength == 0 {
		chunkLength = DefaultChunkLength
	}
	totalPieces := uint32((totalLength + uint64(pieceLength) - 1) / uint64(pieceLength))
	return L{
		totalLength: totalLength,
		pieceLength: pieceLength,
		chunkLength: chunkLength,
		totalPieces: totalPieces,
	}
}

// TotalPieces returns the number of pieces in the torrent.
func (l L) TotalPieces() uint32 { return l.totalPieces }

// TotalLength returns the total content length in bytes.
func (l L) TotalLength() uint64 { return l.totalLength }

// ValidatePieceIndex reports whether p is a legal piece index.
func (l L) ValidatePieceIndex(p uint32) bool {
	return p < l.totalPieces
}

// PieceLength returns the length in bytes of piece p, which is shorter
// than the nominal piece length only for the final piece.
func (l L) PieceLength(p uint32) uint32 {
	if !l.ValidatePieceIndex(p) {
		panic(fmt.Sprintf("invalid piece index %d", p))
	}
	if p != l.totalPieces-1 {
		return l.pieceLength
	}
	last := l.totalLength - uint64(p)*uint64(l.pieceLength)
	return uint32(last)
}

// PieceBitfieldBytes returns the number of bytes needed to represent a
// bitfield with one bit per piece, as sent on the wire.
func (l L) PieceBitfieldBytes() int {
	return int((l.totalPieces + 7) / 8)
}

// ChunkInfo describes one request-sized subdivision of a piece.
type ChunkInfo struct {
	PieceIndex uint32
	Offset     uint32 // offset within the piece
	Length     uint32

	// chunkLength is the torrent's actual configured chunk length, carried
	// here so Index() stays correct under a non-default --chunk-length
	// instead of assuming DefaultChunkLength.
	chunkLength uint32
}

// Index returns a stable index for this chunk within its piece, used as
// the key half of inflight_requests/previously-requested tracking. It
// must agree with NumChunks/IterChunkInfos' iteration order for the
// same L, so it divides by the torrent's actual chunk length rather
// than the package default.
func (ci ChunkInfo) Index() uint32 {
	return ci.Offset / ci.chunkLength
}

// IterChunkInfos calls f for every chunk of piece p, in offset order.
// Iteration stops early if f returns false.
func (l L) IterChunkInfos(p uint32, f func(ChunkInfo) bool) {
	pieceLen := l.PieceLength(p)
	var offset uint32
	for offset < pieceLen {
		length := l.chunkLength
		if remaining := pieceLen - offset; remaining < length {
			length = remaining
		}
		if !f(ChunkInfo{PieceIndex: p, Offset: offset, Length: length, chunkLength: l.chunkLength}) {
			return
		}
		offset += length
	}
}

// NumChunks returns how many chunks piece p is divided into.
func (l L) NumChunks(p uint32) uint32 {
	pieceLen := l.PieceLength(p)
	return (pieceLen + l.chunkLength - 1) / l.chunkLength
}

// ChunkInfoFromReceivedData validates and returns the ChunkInfo implied
// by a Request/Piece message's (piece, begin, length) triple as read off
// the wire before any payload bytes are consumed. Returns false if the
// triple does not correspond to a legal chunk.
func (l L) ChunkInfoFromReceivedData(piece, begin, length uint32) (ChunkInfo, bool) {
	if !l.ValidatePieceIndex(piece) {
		return ChunkInfo{}, false
	}
	pieceLen := l.PieceLength(piece)
	if begin >= pieceLen {
		return ChunkInfo{}, false
	}
	if length == 0 || begin+length > pieceLen {
		return ChunkInfo{}, false
	}
	return ChunkInfo{PieceIndex: piece, Offset: begin, Length: length, chunkLength: l.chunkLength}, true
}

// ChunkInfoFromReceivedPiece validates a Piece message's header fields
// against the expected chunk boundary (length must match exactly what
// we would have requested, not merely fit within the piece).
func (l L) ChunkInfoFromReceivedPiece(piece, begin uint32, blockLen int) (ChunkInfo, bool) {
	ci, ok := l.ChunkInfoFromReceivedData(piece, begin, uint32(blockLen))
	if !ok {
		return ChunkInfo{}, false
	}
	if begin%l.chunkLength != 0 {
		return ChunkInfo{}, false
	}
	expected := l.chunkLength
	if remaining := l.PieceLength(piece) - begin; remaining < expected {
		expected = remaining
	}
	if uint32(blockLen) != expected {
		return ChunkInfo{}, false
	}
	return ci, true
}

// ChunkLength returns the nominal (non-final) chunk length.
func (l L) ChunkLength() uint32 { return l.chunkLength }
