package torrent

import (
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// PeerState is one of the five lifecycle states from spec.md §4.3.
type PeerState int

const (
	StateQueued PeerState = iota
	StateConnecting
	StateLive
	StateDead
	StateNotNeeded
)

func (s PeerState) String() string {
	switch s {
	case StateQueued:
		return "Queued"
	case StateConnecting:
		return "Connecting"
	case StateLive:
		return "Live"
	case StateDead:
		return "Dead"
	case StateNotNeeded:
		return "NotNeeded"
	default:
		return "Unknown"
	}
}

// defaultBackoff builds the exponential backoff policy from spec.md §3:
// initial 10s, multiplier 6, max interval 1h, max elapsed 24h.
func defaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Second
	b.Multiplier = 6
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 24 * time.Hour
	b.Reset()
	return b
}

// LiveState holds the fields that exist only while a peer record is in
// StateLive (spec.md §3 "Live peer substate").
type LiveState struct {
	PeerID          [20]byte
	PeerInterested  bool
	IChoked         bool // true until the first Unchoke arrives; "i_am_choked" in spec prose
	Bitfield        bitmap.Bitmap
	InflightRequests map[chunkKey]struct{}

	// PreviouslyRequestedPieces records every piece index ever requested
	// from this peer, vestigial per spec.md §9's documented open
	// question but hooked into reservation as a tiebreaker (see
	// DESIGN.md "Open Question decisions").
	PreviouslyRequestedPieces bitmap.Bitmap

	// RequestSem bounds outstanding REQUEST messages to this peer: 0
	// initially, +16 on Unchoke, +1 per received Piece (§5).
	RequestSem *semaphore.Weighted

	// unchokeNotify wakes the requester loop each time the manager
	// processes an Unchoke (§4.5); a peer can be choked and unchoked
	// repeatedly, so it stays a BroadcastCond.
	//
	// bitfieldNotify latches once: the bitfield arrives at most once per
	// connection, so it's a SetOnce rather than a BroadcastCond. That
	// makes waitForBitfield's check-before-wait race-free regardless of
	// whether onBitfield runs before or after the requester starts
	// waiting — a BroadcastCond's Signaled() channel is only good for
	// the next broadcast, which never comes for a one-shot event.
	unchokeNotify  chansync.BroadcastCond
	bitfieldNotify chansync.SetOnce

	tx *peerTx
}

// requestSemMaxPermits bounds the per-peer request semaphore's backing
// capacity; it is an implementation ceiling, not a protocol limit (real
// outstanding-request counts never approach it).
const requestSemMaxPermits = 1 << 20

// newRequestSemaphore builds the per-peer request semaphore starting at
// 0 available permits (spec.md §5): golang.org/x/sync/semaphore always
// starts fully available, so this drains it completely before handing
// it back; Unchoke/Piece handling then Release()s permits back in.
func newRequestSemaphore() *semaphore.Weighted {
	sem := semaphore.NewWeighted(requestSemMaxPermits)
	if !sem.TryAcquire(requestSemMaxPermits) {
		panic("unreachable: draining a fresh semaphore cannot fail")
	}
	return sem
}

type chunkKey struct {
	piece uint32
	chunk uint32
}

// PeerRecord is the per-address entry in the peer registry (spec.md
// §3 "Peer record").
type PeerRecord struct {
	Addr string

	state PeerState
	live  *LiveState

	Counters PeerCounters
	backoff  *backoff.ExponentialBackOff

	// connectionAttempts is observability-only, mirrored from rqbit's
	// PeerStats.
	connectionAttempts int
}

func newPeerRecord(addr string) *PeerRecord {
	return &PeerRecord{
		Addr:    addr,
		state:   StateQueued,
		backoff: defaultBackoff(),
	}
}

// State returns the peer's current lifecycle state. Callers needing a
// consistent view across state and live-substate fields must call this
// from within a registry WithPeer/WithPeerMut closure.
func (p *PeerRecord) State() PeerState { return p.state }

// Live returns the live substate, or nil if not currently Live.
func (p *PeerRecord) Live() *LiveState { return p.live }

// setState performs a bare state transition plus the paired aggregate
// counter update, per spec.md §4.3's invariant that every transition
// calls incdec under the same lock as the state write (I2). Callers
// must already hold the record's exclusive lock.
func (p *PeerRecord) setState(agg *AggregateCounters, newState PeerState) {
	old := p.state
	agg.slot(old).Add(-1)
	p.state = newState
	agg.slot(newState).Add(1)
}

// becomeConnecting transitions Queued -> Connecting, allocating the
// outbound message handle. Fails if not currently Queued.
func (p *PeerRecord) becomeConnecting(agg *AggregateCounters) (*peerTx, bool) {
	if p.state != StateQueued {
		return nil, false
	}
	p.setState(agg, StateConnecting)
	p.connectionAttempts++
	p.Counters.ConnectionAttempts.Add(1)
	tx := newPeerTx()
	return tx, true
}

// becomeLive transitions Connecting -> Live on a valid handshake.
func (p *PeerRecord) becomeLive(agg *AggregateCounters, peerID [20]byte, tx *peerTx, numPieces int) (*LiveState, bool) {
	if p.state != StateConnecting {
		return nil, false
	}
	p.setState(agg, StateLive)
	ls := &LiveState{
		PeerID:           peerID,
		IChoked:          true,
		InflightRequests: make(map[chunkKey]struct{}),
		RequestSem:       newRequestSemaphore(),
		tx:               tx,
	}
	p.live = ls
	p.Counters.Connections.Add(1)
	return ls, true
}

// becomeDead transitions to Dead from any state, clearing live substate.
func (p *PeerRecord) becomeDead(agg *AggregateCounters) {
	p.setState(agg, StateDead)
	p.live = nil
}

// becomeNotNeeded transitions to NotNeeded from any state.
func (p *PeerRecord) becomeNotNeeded(agg *AggregateCounters) {
	p.setState(agg, StateNotNeeded)
	p.live = nil
}

// becomeQueued transitions Dead -> Queued once backoff has expired.
func (p *PeerRecord) becomeQueued(agg *AggregateCounters) {
	p.setState(agg, StateQueued)
}

// resetBackoff restarts this peer's exponential backoff, called after
// any fully-verified piece arrives from it (a sign the connection is
// healthy).
func (p *PeerRecord) resetBackoff() {
	p.backoff.Reset()
}

// addrHost is a convenience for constructing net.Addr-shaped logging
// without importing the whole net package at every call site.
func addrHost(a string) string {
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		return a
	}
	return host
}
