// Package torrent implements the core of a peer-to-peer download
// engine: the peer lifecycle state machine, the chunk/piece reservation
// and stealing algorithm, the per-peer request pipeline, and the shared
// chunk-tracker coordination that together download, verify, and
// persist every piece of a torrent's content.
package torrent

import (
	"context"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"golang.org/x/sync/semaphore"

	"github.com/brinkbit/torrent/chunktracker"
	"github.com/brinkbit/torrent/lengths"
	"github.com/brinkbit/torrent/storage"
)

// admissionCapacity is the maximum number of concurrently connected
// peers, per spec.md §5.
const admissionCapacity = 128

// inflightPiece records who currently owns an in-progress piece and
// when they started it, per spec.md §3's shared torrent state.
type inflightPiece struct {
	peer      string
	startedAt time.Time
}

// sharedState is the single reader/writer-locked state from spec.md §3:
// the chunk tracker plus the inflight_pieces map. Invariant I1: every
// key here has the piece marked reserved in chunks.
type sharedState struct {
	lock *tracedLock // levelSharedState

	chunks *chunktracker.T
	lens   lengths.L

	inflightPieces map[uint32]*inflightPiece
}

// Options configures an Engine beyond its required torrent metadata.
type Options struct {
	// AdmissionCapacity overrides admissionCapacity (0 means default).
	AdmissionCapacity int64
	Logger            log.Logger

	// ListenAddr, if non-empty, is opened for inbound peer connections.
	// Accepted connections are admitted through the same admission
	// semaphore as outbound dials (§5's 128-peer cap covers both
	// directions); spec.md's component list centers on outbound
	// dialing from the admission queue but SPEC_FULL.md's Close()
	// contract ("release the listener") implies a listener exists.
	ListenAddr string
}

// Engine is the torrent download engine from spec.md §4.1: it owns the
// peer registry, the locked chunk tracker + in-flight-piece map, the
// peer admission semaphore and queue, and the finish-notification
// primitive.
type Engine struct {
	infoHash   [20]byte
	ourPeerID  [20]byte
	lens       lengths.L
	files      storage.FileOps
	pieceHashes [][20]byte

	logger log.Logger

	registry *peerRegistry
	shared   sharedState

	stats globalStats

	admissionSem   *semaphore.Weighted
	admissionQueue chan string

	finished chansync.SetOnce

	// initiallyNeededBytes is the total content length; is_finished()
	// holds once downloadedAndCheckedBytes reaches this (spec.md §4.1:
	// needed_bytes - downloaded_and_checked_bytes == 0).
	initiallyNeededBytes uint64

	ctx    context.Context
	cancel context.CancelFunc

	dialer   Dialer
	listener Listener
}

// New constructs the engine, spawns the admission task, and returns a
// shared handle, per spec.md §4.1.
func New(
	infoHash, ourPeerID [20]byte,
	lens lengths.L,
	files storage.FileOps,
	pieceHashes [][20]byte,
	chunks *chunktracker.T,
	opts Options,
) *Engine {
	logger := opts.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	capacity := int64(admissionCapacity)
	if opts.AdmissionCapacity > 0 {
		capacity = opts.AdmissionCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	haveBytes := uint64(0)
	have := chunks.GetHavePieces()
	it := have.Iterator()
	for it.HasNext() {
		p := it.Next()
		haveBytes += uint64(lens.PieceLength(p))
	}

	e := &Engine{
		infoHash:    infoHash,
		ourPeerID:   ourPeerID,
		lens:        lens,
		files:       files,
		pieceHashes: pieceHashes,
		logger:      logger,
		registry:    newPeerRegistry(logger),
		shared: sharedState{
			lock:           newTracedLock("shared-torrent-state", levelSharedState, logger),
			chunks:         chunks,
			lens:           lens,
			inflightPieces: make(map[uint32]*inflightPiece),
		},
		admissionSem:   semaphore.NewWeighted(capacity),
		admissionQueue: make(chan string, 1024),
		ctx:            ctx,
		cancel:         cancel,
		dialer:         DefaultDialer,
	}
	e.stats.haveBytes.Add(int64(haveBytes))
	e.initiallyNeededBytes = lens.TotalLength()
	e.stats.downloadedAndCheckedBytes.Add(int64(haveBytes))
	e.stats.downloadedAndCheckedPieces.Add(int64(have.GetCardinality()))

	if e.IsFinished() {
		e.finished.Set()
	}

	if opts.ListenAddr != "" {
		if l, err := Listen(opts.ListenAddr); err != nil {
			e.logger.WithDefaultLevel(log.Warning).Printf("listen on %s: %v", opts.ListenAddr, err)
		} else {
			e.listener = l
			go e.acceptLoop(l)
		}
	}

	go e.admissionTask()
	return e
}

// AddPeerIfNotSeen enqueues a newly discovered peer, returning true on
// first sighting (§4.1).
func (e *Engine) AddPeerIfNotSeen(addr string) bool {
	if !e.registry.AddIfNotSeen(addr) {
		return false
	}
	select {
	case e.admissionQueue <- addr:
	case <-e.ctx.Done():
	}
	return true
}

// IsFinished reports whether every needed byte has been downloaded and
// checked, per spec.md §4.1.
func (e *Engine) IsFinished() bool {
	return uint64(e.stats.downloadedAndCheckedBytes.Int64()) >= e.initiallyNeededBytes
}

// WaitUntilCompleted awaits the finish notification, returning
// immediately if already finished. The check-before-wait order avoids
// the final notify being missed (§5).
func (e *Engine) WaitUntilCompleted(ctx context.Context) error {
	if e.IsFinished() {
		return nil
	}
	select {
	case <-e.finished.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatsSnapshot returns a non-blocking, point-in-time read of every
// global counter (§6).
func (e *Engine) StatsSnapshot() StatsSnapshot {
	total := e.lens.TotalLength()
	downloaded := uint64(e.stats.downloadedAndCheckedBytes.Int64())
	var remaining int64
	if total > downloaded {
		remaining = int64(total - downloaded)
	}
	return StatsSnapshot{
		HaveBytes:                  e.stats.haveBytes.Int64(),
		DownloadedAndCheckedBytes:  e.stats.downloadedAndCheckedBytes.Int64(),
		DownloadedAndCheckedPieces: e.stats.downloadedAndCheckedPieces.Int64(),
		FetchedBytes:               e.stats.fetchedBytes.Int64(),
		UploadedBytes:              e.stats.uploadedBytes.Int64(),
		TotalBytes:                 total,
		InitiallyNeededBytes:       e.initiallyNeededBytes,
		RemainingBytes:             remaining,
		TotalPieceDownloadMs:       e.stats.totalPieceDownloadMs.Int64(),
		AggregatePeerStats:         e.registry.agg.snapshot(),
	}
}

// PerPeerStatsSnapshot returns a filtered per-peer stats view (§6).
func (e *Engine) PerPeerStatsSnapshot(filter PeerStatsFilter) []PeerStatsSnapshot {
	return e.registry.PerPeerStatsSnapshot(filter)
}

// Close cancels all background tasks and releases the listener. Not
// named in spec.md's operation list, but necessary for a real process
// to unwind (§4, "supplemented behavior").
func (e *Engine) Close() error {
	e.cancel()
	if e.listener != nil {
		e.listener.Close()
	}
	return e.files.Close()
}

// acceptLoop accepts inbound peer connections for as long as the
// listener is open, handing each to handleInboundConn.
func (e *Engine) acceptLoop(l Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.logger.WithDefaultLevel(log.Warning).Printf("accept: %v", err)
			return
		}
		go e.handleInboundConn(conn)
	}
}

// handleInboundConn admits an already-established inbound connection
// through the same admission semaphore outbound dials use, then runs
// it through the same handshake/manager/requester machinery as an
// outbound peer task, skipping only the dial step.
func (e *Engine) handleInboundConn(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	e.registry.AddIfNotSeen(addr)

	if err := e.admissionSem.Acquire(e.ctx, 1); err != nil {
		conn.Close()
		return
	}
	defer e.admissionSem.Release(1)

	tx, ok := e.registry.MarkPeerConnecting(addr)
	if !ok {
		conn.Close()
		return
	}

	defer conn.Close()
	runErr := e.servePeerConn(addr, tx, conn)
	e.onPeerDied(addr, runErr)
}

// admissionTask awaits addresses from the queue and spawns per-peer
// tasks under the admission semaphore, per spec.md §4.1.
func (e *Engine) admissionTask() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case addr := <-e.admissionQueue:
			if e.IsFinished() {
				e.registry.MarkPeerNotNeeded(addr)
				continue
			}
			if err := e.admissionSem.Acquire(e.ctx, 1); err != nil {
				return
			}
			go e.runPeerTask(addr)
		}
	}
}

// maybeTransmitHaves scans all live peers; for each interested peer that
// doesn't already have pieceIndex, enqueues a HAVE message. Per spec.md
// §4.1, skipped entirely if no candidate peers exist and failures to
// enqueue (peer dropped) are ignored.
func (e *Engine) maybeTransmitHaves(pieceIndex uint32) {
	e.registry.ForEachLive(func(addr string, rec *PeerRecord, live *LiveState) {
		if !live.PeerInterested {
			return
		}
		if live.Bitfield.Contains(bitIndex(pieceIndex)) {
			return
		}
		live.tx.Send(haveMessage(pieceIndex))
	})
}

// onTorrentFinished runs the completion side-effects from spec.md §4.6:
// notify waiters, disconnect all peers that have the full torrent, and
// reopen all files read-only.
func (e *Engine) onTorrentFinished() {
	e.finished.Set()
	e.registry.ForEachLive(func(addr string, rec *PeerRecord, live *LiveState) {
		if peerHasAllPieces(live, e.lens.TotalPieces()) {
			live.tx.Send(disconnectSentinel())
			live.tx.Close()
		}
	})
	if reopener, ok := e.files.(storage.ReadOnlyReopener); ok {
		if err := reopener.ReopenReadOnly(); err != nil {
			e.logger.WithDefaultLevel(log.Warning).Printf("reopening files read-only: %v", err)
		}
	}
}

func peerHasAllPieces(live *LiveState, total uint32) bool {
	for p := uint32(0); p < total; p++ {
		if !live.Bitfield.Contains(bitIndex(p)) {
			return false
		}
	}
	return true
}

// reenqueueAfterBackoff sleeps for d, transitions addr Dead->Queued, and
// re-enqueues it on the admission queue, per on_peer_died step 7.
func (e *Engine) reenqueueAfterBackoff(addr string, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.ctx.Done():
		return
	}
	e.registry.WithPeerMut(addr, "backoff-expired", func(rec *PeerRecord) {
		if rec.state == StateDead {
			rec.becomeQueued(&e.registry.agg)
		}
	})
	select {
	case e.admissionQueue <- addr:
	case <-e.ctx.Done():
	}
}
