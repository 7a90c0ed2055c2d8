package torrent

import (
	"time"

	"github.com/brinkbit/torrent/chunktracker"
)

// minDownloadedPiecesForStealing is the statistical floor from spec.md
// §4.6: stealing decisions need at least this many completed pieces to
// trust the average download time.
const minDownloadedPiecesForStealing = 20

// reserveNextNeededPiece implements spec.md §4.6's reserve_next_needed_piece:
// picks the first still-needed piece present in the peer's bitfield that
// has not been requested from this peer before, falling back to the
// first still-needed piece in its bitfield if every candidate has been;
// records it in inflight_pieces, and marks it reserved in the chunk
// tracker. Returns false if the peer is choked or no candidate exists.
func (e *Engine) reserveNextNeededPiece(live *LiveState, selfAddr string) (uint32, bool) {
	if live.IChoked {
		return 0, false
	}
	e.shared.lock.Lock()
	defer e.shared.lock.Unlock()

	var chosen uint32
	var found bool
	var fallback uint32
	var haveFallback bool

	e.shared.chunks.IterNeededPieces(func(p uint32) bool {
		if !live.Bitfield.Contains(bitIndex(p)) {
			return true
		}
		// Open-question hook (DESIGN.md): prefer a piece never before
		// requested from this peer. The scan stops at the first such
		// piece; if every candidate was requested before, it runs over
		// all needed pieces and the first candidate seen is used.
		if !live.PreviouslyRequestedPieces.Contains(bitIndex(p)) {
			chosen = p
			found = true
			return false
		}
		if !haveFallback {
			fallback = p
			haveFallback = true
		}
		return true
	})
	if !found {
		if !haveFallback {
			return 0, false
		}
		chosen = fallback
	}

	e.shared.inflightPieces[chosen] = &inflightPiece{peer: selfAddr, startedAt: now()}
	e.shared.chunks.ReserveNeededPiece(chosen)
	return chosen, true
}

// tryStealOldSlowPiece implements spec.md §4.6's try_steal_old_slow_piece:
// finds the inflight piece with the longest elapsed time not owned by
// self, and reassigns it if its elapsed time exceeds threshold x the
// observed average piece download time.
func (e *Engine) tryStealOldSlowPiece(live *LiveState, selfAddr string, threshold float64) (uint32, bool) {
	downloaded := e.stats.downloadedAndCheckedPieces.Int64()
	if downloaded < minDownloadedPiecesForStealing {
		return 0, false
	}
	avgMs := float64(e.stats.totalPieceDownloadMs.Int64()) / float64(downloaded)

	e.shared.lock.Lock()
	defer e.shared.lock.Unlock()

	var (
		bestPiece   uint32
		bestElapsed time.Duration
		found       bool
	)
	self := selfAddr
	for p, inflight := range e.shared.inflightPieces {
		if inflight.peer == self {
			continue
		}
		if !live.Bitfield.Contains(bitIndex(p)) {
			continue
		}
		elapsed := now().Sub(inflight.startedAt)
		if !found || elapsed > bestElapsed {
			bestPiece, bestElapsed, found = p, elapsed, true
		}
	}
	if !found {
		return 0, false
	}
	if float64(bestElapsed.Milliseconds()) <= avgMs*threshold {
		return 0, false
	}
	e.shared.inflightPieces[bestPiece] = &inflightPiece{peer: self, startedAt: now()}
	return bestPiece, true
}

// completeChunk implements the bulk of on_received_piece's step 5: it
// must be called with e.shared.lock held by the caller is NOT the
// contract here -- completeChunk takes the lock itself, matching the
// other reservation helpers' shape.
func (e *Engine) completeChunk(piece, chunkIndex uint32, owner string) chunktracker.DownloadOutcome {
	e.shared.lock.Lock()
	defer e.shared.lock.Unlock()

	inflight, ok := e.shared.inflightPieces[piece]
	if !ok {
		return chunktracker.PreviouslyCompleted
	}
	if inflight.peer != owner {
		// Piece was stolen out from under the original requester; drop
		// the chunk silently, it is already accounted for elsewhere.
		return chunktracker.PreviouslyCompleted
	}
	outcome := e.shared.chunks.MarkChunkDownloaded(piece, chunkIndex)
	if outcome == chunktracker.Completed {
		delete(e.shared.inflightPieces, piece)
	}
	return outcome
}

// now is a seam for deterministic tests of the stealing algorithm.
var now = time.Now
