package torrent

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/cenkalti/backoff/v4"

	"github.com/brinkbit/torrent/chunktracker"
	"github.com/brinkbit/torrent/lengths"
	pp "github.com/brinkbit/torrent/peerprotocol"
)

// unchokeWaitTimeout bounds how long the requester waits for the first
// Unchoke after sending Interested. Per DESIGN.md's Open Question
// decision #1, the timeout fires and the loop re-checks state; it is
// not treated as a fatal timeout. A peer still choking us at that point
// is then waited on by waitForUnchokeBlocking, which has no timeout.
const unchokeWaitTimeout = 60 * time.Second

// requestSemAcquireRetry is how long a single Acquire attempt waits
// (through a context timeout) before re-checking overall state, matching rqbit's
// timeout(Duration::from_secs(10), sem.acquire()) retry loop.
const requestSemAcquireRetry = 10 * time.Second

// emptyQueueBackoff is how long the requester sleeps when no piece can
// currently be reserved or stolen (§4.6).
const emptyQueueBackoff = 10 * time.Second

// runPeerTask is the per-peer task from spec.md §4.4: dial, handshake,
// then run manager and requester until either completes, crediting the
// admission permit and invoking onPeerDied exactly once on exit. If the
// peer is no longer Queued, the task returns at once, crediting the
// permit without calling onPeerDied.
func (e *Engine) runPeerTask(addr string) {
	defer e.admissionSem.Release(1)

	tx, ok := e.registry.MarkPeerConnecting(addr)
	if !ok {
		return
	}

	start := time.Now()
	conn, err := e.dialer.Dial(e.ctx, addr)
	connectMs := time.Since(start).Milliseconds()
	e.registry.WithPeerMut(addr, "record-connect-time", func(rec *PeerRecord) {
		rec.Counters.TotalTimeConnectingMs.Add(connectMs)
	})

	var runErr error
	if err != nil {
		runErr = transportError(err)
	} else {
		defer conn.Close()
		runErr = e.servePeerConn(addr, tx, conn)
	}
	e.onPeerDied(addr, runErr)
}

// servePeerConn performs the handshake and then runs the manager and
// requester sub-activities, returning whichever finishes first's error.
func (e *Engine) servePeerConn(addr string, tx *peerTx, conn net.Conn) error {
	writer := newPeerTxWriter(tx, conn, e.logger)
	go writer.run()
	defer tx.Close()

	if err := e.handshake(conn); err != nil {
		return transportError(err)
	}

	peerID, err := e.readRemoteHandshake(conn)
	if err != nil {
		return transportError(err)
	}

	var live *LiveState
	var becameLive bool
	found := e.registry.WithPeerMut(addr, "become-live", func(rec *PeerRecord) {
		live, becameLive = rec.becomeLive(&e.registry.agg, peerID, tx, int(e.lens.TotalPieces()))
	})
	if !found || !becameLive || live == nil {
		return &PeerError{Kind: KindInvariantViolation, Err: errMissingDuringTransition}
	}

	tx.Send(pp.Message{ID: pp.Unchoke})
	tx.Send(pp.Message{ID: pp.Interested})

	type done struct{ err error }
	results := make(chan done, 2)

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	go func() { results <- done{e.manager(ctx, addr, live, conn)} }()
	go func() { results <- done{e.requester(ctx, addr, live)} }()

	r := <-results
	return r.err
}

func (e *Engine) handshake(conn net.Conn) error {
	h := pp.Handshake{InfoHash: e.infoHash, PeerID: e.ourPeerID}
	_, err := conn.Write(h.Marshal())
	return err
}

func (e *Engine) readRemoteHandshake(conn net.Conn) ([20]byte, error) {
	h, err := pp.ReadHandshake(conn)
	if err != nil {
		return [20]byte{}, err
	}
	if h.InfoHash != e.infoHash {
		return [20]byte{}, errInfoHashMismatch
	}
	return h.PeerID, nil
}

// manager drives the connection: reads and dispatches messages in wire
// order, per spec.md §4.4 and §4.5. Terminates on disconnect, timeout,
// or protocol error.
func (e *Engine) manager(ctx context.Context, addr string, live *LiveState, conn net.Conn) error {
	r := bufio.NewReaderSize(conn, 1<<16)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Minute))
		msg, err := pp.ReadMessage(r)
		if err != nil {
			return transportError(err)
		}
		if err := e.dispatch(addr, live, msg); err != nil {
			return err
		}
	}
}

// dispatch handles one inbound message, per spec.md §4.5.
func (e *Engine) dispatch(addr string, live *LiveState, msg pp.Message) error {
	if msg.Keepalive {
		return nil
	}
	switch msg.ID {
	case pp.Request:
		return e.onDownloadRequest(live, msg)
	case pp.Bitfield:
		return e.onBitfield(addr, live, msg)
	case pp.Have:
		if !e.lens.ValidatePieceIndex(msg.Index) {
			return protocolViolation("have: invalid piece index %d", msg.Index)
		}
		live.Bitfield.Add(bitIndex(msg.Index))
		return nil
	case pp.Choke:
		live.IChoked = true
		return nil
	case pp.Unchoke:
		live.IChoked = false
		live.unchokeNotify.Broadcast()
		live.RequestSem.Release(16)
		return nil
	case pp.Interested:
		live.PeerInterested = true
		return nil
	case pp.NotInterested:
		live.PeerInterested = false
		return nil
	case pp.Piece:
		return e.onReceivedPiece(addr, live, msg)
	default:
		e.logger.WithDefaultLevel(log.Debug).Printf("ignoring message %v from %s", msg.ID, addr)
		return nil
	}
}

// onDownloadRequest implements spec.md §4.5's Request handling: validate,
// check the chunk is ready to upload, and enqueue a read+send.
func (e *Engine) onDownloadRequest(live *LiveState, msg pp.Message) error {
	ci, ok := e.lens.ChunkInfoFromReceivedData(msg.Index, msg.Begin, msg.Length)
	if !ok {
		return protocolViolation("request: invalid chunk (%d,%d,%d)", msg.Index, msg.Begin, msg.Length)
	}
	if !e.shared.chunks.IsChunkReadyToUpload(ci.PieceIndex) {
		return protocolViolation("request: piece %d not ready to upload", ci.PieceIndex)
	}
	go e.serveUpload(live, ci)
	return nil
}

func (e *Engine) serveUpload(live *LiveState, ci lengths.ChunkInfo) {
	buf := make([]byte, ci.Length)
	if err := e.files.ReadChunk(ci, buf); err != nil {
		e.logger.WithDefaultLevel(log.Warning).Printf("reading chunk for upload: %v", err)
		return
	}
	if live.tx.Send(pp.Message{ID: pp.Piece, Index: ci.PieceIndex, Begin: ci.Offset, Piece: buf}) {
		e.stats.uploadedBytes.Add(int64(len(buf)))
	}
}

// onBitfield implements spec.md §4.5's Bitfield handling.
func (e *Engine) onBitfield(addr string, live *LiveState, msg pp.Message) error {
	if len(msg.Bitfield) != e.lens.PieceBitfieldBytes() {
		return protocolViolation("bitfield: bad length %d, want %d", len(msg.Bitfield), e.lens.PieceBitfieldBytes())
	}
	live.Bitfield = decodeBitfield(msg.Bitfield, e.lens.TotalPieces())
	live.PreviouslyRequestedPieces = bitfieldZero()

	if !e.amInterestedIn(live) {
		live.tx.Send(pp.Message{ID: pp.Unchoke})
		live.tx.Send(pp.Message{ID: pp.NotInterested})
		if e.IsFinished() {
			return &PeerError{Kind: KindCleanFinish, Err: errCleanFinish}
		}
		return nil
	}
	live.bitfieldNotify.Set()
	return nil
}

func (e *Engine) amInterestedIn(live *LiveState) bool {
	interested := false
	e.shared.chunks.IterNeededPieces(func(p uint32) bool {
		if live.Bitfield.Contains(bitIndex(p)) {
			interested = true
			return false
		}
		return true
	})
	return interested
}

func decodeBitfield(b []byte, totalPieces uint32) (bm bitmap.Bitmap) {
	for i := uint32(0); i < totalPieces; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if byteIdx < uint32(len(b)) && b[byteIdx]&(1<<bitIdx) != 0 {
			bm.Add(bitIndex(i))
		}
	}
	return bm
}

func bitfieldZero() bitmap.Bitmap { return bitmap.Bitmap{} }

// requester continuously reserves needed pieces and sends REQUEST
// messages, per spec.md §4.6's pseudocode.
func (e *Engine) requester(ctx context.Context, addr string, live *LiveState) error {
	if err := e.waitForBitfield(ctx, live); err != nil {
		return err
	}
	e.waitForUnchoke(ctx, live)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if live.IChoked {
			if err := e.waitForUnchokeBlocking(ctx, live); err != nil {
				return err
			}
			continue
		}
		if e.IsFinished() {
			<-ctx.Done()
			return nil
		}

		piece, ok := e.tryStealOldSlowPiece(live, addr, 10.0)
		if !ok {
			piece, ok = e.reserveNextNeededPiece(live, addr)
		}
		if !ok {
			piece, ok = e.tryStealOldSlowPiece(live, addr, 2.0)
		}
		if !ok {
			select {
			case <-time.After(emptyQueueBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		live.PreviouslyRequestedPieces.Add(bitIndex(piece))
		if err := e.requestAllChunks(ctx, live, piece); err != nil {
			return err
		}
	}
}

func (e *Engine) waitForBitfield(ctx context.Context, live *LiveState) error {
	select {
	case <-live.bitfieldNotify.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}

// waitForUnchoke applies the 60s-timeout-then-proceed behavior from
// DESIGN.md's Open Question decision #1: it returns after either the
// unchoke arrives or the timeout elapses, treating the timeout as a
// liveness recheck rather than a fatal condition.
func (e *Engine) waitForUnchoke(ctx context.Context, live *LiveState) {
	if !live.IChoked {
		return
	}
	signal := live.unchokeNotify.Signaled()
	t := time.NewTimer(unchokeWaitTimeout)
	defer t.Stop()
	select {
	case <-signal:
	case <-t.C:
	case <-ctx.Done():
	}
}

func (e *Engine) waitForUnchokeBlocking(ctx context.Context, live *LiveState) error {
	signal := live.unchokeNotify.Signaled()
	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// requestAllChunks sends a Request for every chunk of piece, bounded by
// the per-peer request semaphore, per spec.md §4.6.
func (e *Engine) requestAllChunks(ctx context.Context, live *LiveState, piece uint32) error {
	var outerErr error
	e.lens.IterChunkInfos(piece, func(ci lengths.ChunkInfo) bool {
		key := chunkKey{piece: ci.PieceIndex, chunk: ci.Index()}
		if _, dup := live.InflightRequests[key]; dup {
			e.logger.WithDefaultLevel(log.Warning).Printf("duplicate inflight request for piece %d chunk %d", ci.PieceIndex, ci.Index())
			return true
		}
		live.InflightRequests[key] = struct{}{}

		if err := e.acquireRequestPermit(ctx, live); err != nil {
			outerErr = err
			return false
		}
		live.tx.Send(pp.Message{ID: pp.Request, Index: ci.PieceIndex, Begin: ci.Offset, Length: ci.Length})
		return true
	})
	return outerErr
}

func (e *Engine) acquireRequestPermit(ctx context.Context, live *LiveState) error {
	for {
		acqCtx, cancel := context.WithTimeout(ctx, requestSemAcquireRetry)
		err := live.RequestSem.Acquire(acqCtx, 1)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		// Timed out on this attempt only; loop and retry as long as the
		// connection itself is alive.
	}
}

// onReceivedPiece implements spec.md §4.6's on_received_piece.
func (e *Engine) onReceivedPiece(addr string, live *LiveState, msg pp.Message) error {
	ci, ok := e.lens.ChunkInfoFromReceivedPiece(msg.Index, msg.Begin, len(msg.Piece))
	if !ok {
		return protocolViolation("piece: invalid chunk (%d,%d,%d)", msg.Index, msg.Begin, len(msg.Piece))
	}
	live.RequestSem.Release(1)

	e.registry.WithPeerMut(addr, "piece-counters", func(rec *PeerRecord) {
		rec.Counters.FetchedBytes.Add(int64(len(msg.Piece)))
		rec.Counters.FetchedChunks.Add(1)
	})
	e.stats.fetchedBytes.Add(int64(len(msg.Piece)))

	key := chunkKey{piece: ci.PieceIndex, chunk: ci.Index()}
	if _, ok := live.InflightRequests[key]; !ok {
		return protocolViolation("piece: unsolicited chunk (%d,%d)", ci.PieceIndex, ci.Index())
	}
	delete(live.InflightRequests, key)

	outcome := e.completeChunk(ci.PieceIndex, ci.Index(), addr)
	switch outcome {
	case chunktracker.Invalid:
		return &PeerError{Kind: KindInvariantViolation, Err: errInvalidChunkOutcome}
	case chunktracker.PreviouslyCompleted:
		return nil
	case chunktracker.NotCompleted:
		return e.writeChunkToDisk(ci, msg.Piece)
	case chunktracker.Completed:
		return e.finishPiece(addr, live, ci, msg.Piece)
	default:
		return &PeerError{Kind: KindInvariantViolation, Err: errInvalidChunkOutcome}
	}
}

// writeChunkToDisk persists a non-completing chunk immediately so a
// completing chunk arriving later only has to read back what's already
// on disk for the whole-piece checksum, rather than buffering every
// chunk of a large piece in memory.
func (e *Engine) writeChunkToDisk(ci lengths.ChunkInfo, data []byte) error {
	if err := e.files.WriteChunk(ci, data); err != nil {
		e.logger.WithDefaultLevel(log.Error).Printf("fatal: write chunk failed: %v", err)
		panic(err) // spec.md §4.6/§7: local storage errors are fatal, never un-mark-and-retry.
	}
	return nil
}

// finishPiece implements the remainder of on_received_piece: write the
// completing chunk, checksum the assembled piece, and branch on the
// result (§4.6 step 7).
func (e *Engine) finishPiece(addr string, live *LiveState, ci lengths.ChunkInfo, data []byte) error {
	started := time.Now()
	if err := e.writeChunkToDisk(ci, data); err != nil {
		return err
	}

	ok, err := e.files.CheckPiece(ci.PieceIndex, e.pieceHashes[ci.PieceIndex])
	if err != nil {
		e.logger.WithDefaultLevel(log.Error).Printf("fatal: checking piece %d: %v", ci.PieceIndex, err)
		panic(err)
	}

	if !ok {
		e.shared.lock.Lock()
		e.shared.chunks.MarkPieceBroken(ci.PieceIndex)
		e.shared.lock.Unlock()
		return nil // bad luck, not the peer's fault necessarily; keep the peer.
	}

	e.shared.lock.Lock()
	e.shared.chunks.MarkPieceDownloaded(ci.PieceIndex)
	e.shared.lock.Unlock()

	pieceLen := e.lens.PieceLength(ci.PieceIndex)
	elapsedMs := time.Since(started).Milliseconds()
	e.stats.downloadedAndCheckedBytes.Add(int64(pieceLen))
	e.stats.downloadedAndCheckedPieces.Add(1)
	e.stats.haveBytes.Add(int64(pieceLen))
	e.stats.totalPieceDownloadMs.Add(elapsedMs)

	e.registry.WithPeerMut(addr, "piece-verified", func(rec *PeerRecord) {
		rec.Counters.DownloadedAndCheckedBytes.Add(int64(pieceLen))
		rec.Counters.DownloadedAndCheckedPieces.Add(1)
		rec.resetBackoff()
	})

	if e.IsFinished() {
		e.onTorrentFinished()
	}
	e.maybeTransmitHaves(ci.PieceIndex)
	return nil
}

// onPeerDied implements spec.md §4.4's on_peer_died: take the state out,
// release any inflight chunks if it was Live, and decide what happens
// next to the peer record.
func (e *Engine) onPeerDied(addr string, runErr error) {
	var (
		priorState   PeerState
		priorLive    *LiveState
		recordExists bool
	)
	e.registry.WithPeerMut(addr, "peer-died", func(rec *PeerRecord) {
		recordExists = true
		priorState = rec.state
		priorLive = rec.live
	})
	if !recordExists {
		e.logger.WithDefaultLevel(log.Warning).Printf("on_peer_died: %s vanished from registry", addr)
		return
	}

	if priorState == StateLive && priorLive != nil {
		e.shared.lock.Lock()
		for key := range priorLive.InflightRequests {
			e.shared.chunks.MarkChunkRequestCancelled(key.piece, key.chunk)
		}
		e.shared.lock.Unlock()
	}

	if priorState == StateNotNeeded {
		e.registry.WithPeerMut(addr, "restore-not-needed", func(rec *PeerRecord) {
			rec.becomeNotNeeded(&e.registry.agg)
		})
		return
	}

	if priorState == StateQueued || priorState == StateDead {
		e.logger.WithDefaultLevel(log.Warning).Printf("on_peer_died: %s was %v, a state the peer task should not reach; dropping", addr, priorState)
		e.registry.DropPeer(addr)
		return
	}

	if runErr == nil {
		// Clean disconnect from Connecting/Live: per DESIGN.md's Open
		// Question decision #2, treated as NotNeeded rather than Dead.
		e.registry.WithPeerMut(addr, "clean-disconnect", func(rec *PeerRecord) {
			rec.becomeNotNeeded(&e.registry.agg)
		})
		return
	}

	if IsKind(runErr, KindCleanFinish) {
		e.registry.WithPeerMut(addr, "clean-finish", func(rec *PeerRecord) {
			rec.becomeNotNeeded(&e.registry.agg)
		})
		return
	}

	if e.IsFinished() {
		e.registry.WithPeerMut(addr, "finished-during-death", func(rec *PeerRecord) {
			rec.becomeNotNeeded(&e.registry.agg)
		})
		return
	}

	e.registry.WithPeerMut(addr, "error", func(rec *PeerRecord) {
		rec.Counters.Errors.Add(1)
		rec.becomeDead(&e.registry.agg)
	})

	var nextBackoff time.Duration
	var exhausted bool
	e.registry.WithPeerMut(addr, "compute-backoff", func(rec *PeerRecord) {
		d := rec.backoff.NextBackOff()
		if d == backoff.Stop {
			exhausted = true
			return
		}
		nextBackoff = d
	})
	if exhausted {
		e.registry.DropPeer(addr)
		return
	}
	go e.reenqueueAfterBackoff(addr, nextBackoff)
}
