package torrent

import (
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brinkbit/torrent/chunktracker"
	"github.com/brinkbit/torrent/lengths"
)

func newTestEngineShared(t *testing.T) (*Engine, lengths.L) {
	t.Helper()
	lens := lengths.New(8*65536, 65536, 16384)
	chunks := chunktracker.New(lens, roaring.New())
	e := &Engine{
		lens: lens,
		shared: sharedState{
			lock:           newTracedLock("test-shared", levelSharedState, log.Default),
			chunks:         chunks,
			lens:           lens,
			inflightPieces: make(map[uint32]*inflightPiece),
		},
	}
	return e, lens
}

func fullBitfield(total uint32) bitmap.Bitmap {
	var bm bitmap.Bitmap
	for i := uint32(0); i < total; i++ {
		bm.Add(bitmap.BitIndex(i))
	}
	return bm
}

func TestReserveNextNeededPieceSkipsChoked(t *testing.T) {
	e, lens := newTestEngineShared(t)
	live := &LiveState{IChoked: true, Bitfield: fullBitfield(lens.TotalPieces())}
	_, ok := e.reserveNextNeededPiece(live, "self")
	assert.False(t, ok, "a choked peer offers nothing to request regardless of its bitfield")
}

func TestReserveNextNeededPieceOnlyPicksPiecesInBitfield(t *testing.T) {
	e, lens := newTestEngineShared(t)
	live := &LiveState{Bitfield: bitmap.Bitmap{}}
	live.Bitfield.Add(bitmap.BitIndex(3))

	p, ok := e.reserveNextNeededPiece(live, "self")
	require.True(t, ok)
	assert.EqualValues(t, 3, p, "only piece 3 is both needed and in the peer's bitfield")

	_, stillAvailable := e.shared.inflightPieces[3]
	assert.True(t, stillAvailable)
	assert.False(t, e.shared.chunks.IsChunkReadyToUpload(3))
}

// TestReserveNextNeededPiecePrefersNeverRequested exercises DESIGN.md's
// Open Question decision #3: previously_requested_pieces acts as a
// tiebreaker, preferring a piece never requested from this peer.
func TestReserveNextNeededPiecePrefersNeverRequested(t *testing.T) {
	e, lens := newTestEngineShared(t)
	live := &LiveState{Bitfield: fullBitfield(lens.TotalPieces())}
	live.PreviouslyRequestedPieces.Add(bitmap.BitIndex(0))

	p, ok := e.reserveNextNeededPiece(live, "self")
	require.True(t, ok)
	assert.NotEqual(t, uint32(0), p, "piece 0 was already requested once; a never-requested piece should win")
}

func TestTryStealOldSlowPieceRequiresMinimumDownloadedPieces(t *testing.T) {
	e, lens := newTestEngineShared(t)
	live := &LiveState{Bitfield: fullBitfield(lens.TotalPieces())}
	e.shared.inflightPieces[0] = &inflightPiece{peer: "other", startedAt: now().Add(-time.Hour)}
	e.stats.downloadedAndCheckedPieces.Add(5) // below minDownloadedPiecesForStealing

	_, ok := e.tryStealOldSlowPiece(live, "self", 10.0)
	assert.False(t, ok, "stealing must not trigger before the 20-piece statistical floor")
}

func TestTryStealOldSlowPieceStealsWhenOverThreshold(t *testing.T) {
	e, lens := newTestEngineShared(t)
	live := &LiveState{Bitfield: fullBitfield(lens.TotalPieces())}
	e.stats.downloadedAndCheckedPieces.Add(minDownloadedPiecesForStealing)
	e.stats.totalPieceDownloadMs.Add(minDownloadedPiecesForStealing * 1000) // avg 1s/piece

	frozen := time.Now()
	restore := now
	now = func() time.Time { return frozen }
	defer func() { now = restore }()

	e.shared.inflightPieces[2] = &inflightPiece{peer: "other", startedAt: frozen.Add(-20 * time.Second)}

	piece, ok := e.tryStealOldSlowPiece(live, "self", 10.0)
	require.True(t, ok, "20s elapsed against a 1s average clears the 10x aggressive threshold")
	assert.EqualValues(t, 2, piece)
	assert.Equal(t, "self", e.shared.inflightPieces[2].peer, "stealing reassigns ownership to the caller")
}

func TestTryStealOldSlowPieceIgnoresSelfOwnedPieces(t *testing.T) {
	e, lens := newTestEngineShared(t)
	live := &LiveState{Bitfield: fullBitfield(lens.TotalPieces())}
	e.stats.downloadedAndCheckedPieces.Add(minDownloadedPiecesForStealing)
	e.stats.totalPieceDownloadMs.Add(minDownloadedPiecesForStealing * 1000)
	e.shared.inflightPieces[1] = &inflightPiece{peer: "self", startedAt: now().Add(-time.Hour)}

	_, ok := e.tryStealOldSlowPiece(live, "self", 10.0)
	assert.False(t, ok, "a peer cannot steal a piece it already owns")
}

// TestCompleteChunkPreviouslyCompletedAfterSteal covers P1 indirectly:
// once a piece is reassigned away from its original owner, that owner's
// stale completion report must not resurrect its old reservation.
func TestCompleteChunkPreviouslyCompletedAfterSteal(t *testing.T) {
	e, _ := newTestEngineShared(t)
	e.shared.inflightPieces[0] = &inflightPiece{peer: "new-owner", startedAt: now()}
	outcome := e.completeChunk(0, 0, "old-owner")
	assert.Equal(t, chunktracker.PreviouslyCompleted, outcome)
}
