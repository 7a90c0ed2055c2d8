// Package chunktracker implements the ChunkTracker capability the
// engine treats as an external collaborator: it tracks, per piece,
// whether it is needed, reserved, fully downloaded, or verified, and
// tracks in-progress chunk completion within a not-yet-verified piece.
package chunktracker

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/bitmap"

	"github.com/brinkbit/torrent/lengths"
)

// DownloadOutcome is the result of marking a chunk downloaded.
type DownloadOutcome int

const (
	// Invalid indicates the chunk reference did not correspond to any
	// known, not-yet-verified piece.
	Invalid DownloadOutcome = iota
	// NotCompleted means the piece still has outstanding chunks.
	NotCompleted
	// Completed means this was the last outstanding chunk of the piece;
	// the caller should now verify it and call MarkPieceDownloaded or
	// MarkPieceBroken.
	Completed
	// PreviouslyCompleted means the piece had already finished (e.g. a
	// duplicate Piece message arrived); no further action is needed.
	PreviouslyCompleted
)

// T tracks chunk/piece completion state for a single torrent. Safe for
// concurrent use; callers needing atomicity across a read-then-write
// sequence must still hold their own external lock (the engine's shared
// torrent-state lock serializes all chunk tracker calls made from the
// reservation/completion paths, per spec).
type T struct {
	lens lengths.L

	mu        sync.Mutex
	have      *roaring.Bitmap // verified pieces
	reserved  *roaring.Bitmap // pieces currently assigned to some peer
	chunkBits map[uint32]*bitmap.Bitmap // piece -> chunks downloaded so far (absent once have or untouched)
}

// New constructs a tracker for a torrent with the given lengths, where
// haveInitially holds the set of pieces already on disk and verified
// (e.g. from a resume scan).
func New(l lengths.L, haveInitially *roaring.Bitmap) *T {
	have := roaring.New()
	if haveInitially != nil {
		have.Or(haveInitially)
	}
	return &T{
		lens:      l,
		have:      have,
		reserved:  roaring.New(),
		chunkBits: make(map[uint32]*bitmap.Bitmap),
	}
}

// IterNeededPieces calls f for each piece index that is neither verified
// nor currently reserved, in ascending order. Stops early if f returns
// false.
func (t *T) IterNeededPieces(f func(uint32) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.lens.TotalPieces()
	for p := uint32(0); p < total; p++ {
		if t.have.Contains(p) || t.reserved.Contains(p) {
			continue
		}
		if !f(p) {
			return
		}
	}
}

// ReserveNeededPiece marks piece p reserved, so it no longer appears in
// IterNeededPieces. The caller is responsible for the inflight_pieces
// bookkeeping this is paired with (engine-side, under the shared lock).
func (t *T) ReserveNeededPiece(p uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved.Add(p)
}

// MarkChunkRequestCancelled returns a chunk to the needed pool, clearing
// any partial progress recorded for it. Used when a peer dies with
// inflight requests; stealing a piece does not call it.
func (t *T) MarkChunkRequestCancelled(p uint32, chunkIndex uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bm, ok := t.chunkBits[p]; ok {
		bm.Remove(bitmap.BitIndex(chunkIndex))
	}
}

// MarkChunkDownloaded records that one chunk of piece p has arrived.
func (t *T) MarkChunkDownloaded(p uint32, chunkIndex uint32) DownloadOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.have.Contains(p) {
		return PreviouslyCompleted
	}
	if !t.lens.ValidatePieceIndex(p) {
		return Invalid
	}
	bm, ok := t.chunkBits[p]
	if !ok {
		nb := &bitmap.Bitmap{}
		t.chunkBits[p] = nb
		bm = nb
	}
	idx := bitmap.BitIndex(chunkIndex)
	if bm.Contains(idx) {
		return PreviouslyCompleted
	}
	bm.Add(idx)
	want := int(t.lens.NumChunks(p))
	if bm.Len() >= want {
		return Completed
	}
	return NotCompleted
}

// MarkPieceDownloaded finalizes piece p as verified: it leaves the
// reserved set, joins the have set, and its chunk-progress bitmap is
// freed.
func (t *T) MarkPieceDownloaded(p uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.have.Add(p)
	t.reserved.Remove(p)
	delete(t.chunkBits, p)
}

// MarkPieceBroken undoes all progress on piece p: its checksum failed,
// so every chunk re-enters the needed pool.
func (t *T) MarkPieceBroken(p uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.have.Remove(p)
	t.reserved.Remove(p)
	delete(t.chunkBits, p)
}

// IsChunkReadyToUpload reports whether piece p has been fully verified
// and can be served to other peers.
func (t *T) IsChunkReadyToUpload(p uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have.Contains(p)
}

// GetHavePieces returns a snapshot copy of the verified-piece set.
func (t *T) GetHavePieces() *roaring.Bitmap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have.Clone()
}

// HaveCount returns the number of verified pieces, for stats snapshots.
func (t *T) HaveCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have.GetCardinality()
}
