package torrent

import (
	"bytes"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/brinkbit/torrent/peerprotocol"
)

// writeBufferHighWaterLen bounds how much unsent data peerTx will
// buffer before Send reports backpressure to its caller, matching the
// teacher's peer-conn-msg-writer.go constant of the same purpose.
const writeBufferHighWaterLen = 1 << 17 // 128 KiB

// peerTx is the outbound message handle shared between a PeerRecord (for
// HAVE fan-out) and the peer handler (for requests), per spec.md §3's
// "Live peer substate" and §9's note that it must not hold back a
// strong reference to the handler. It is allocated at Connecting time
// (spec.md §4.3) before any real connection exists; Send merely
// buffers until servePeerConn starts a peerTxWriter on the live socket.
type peerTx struct {
	closed chansync.SetOnce

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	buf       bytes.Buffer
}

func newPeerTx() *peerTx {
	return &peerTx{}
}

// Send enqueues msg for transmission. Returns false if tx is closed (msg
// is dropped) or if, with msg added, the buffer has reached its
// high-water mark (msg is still queued; informational backpressure signal,
// not a hard limit: spec.md §9 keeps this channel conceptually
// unbounded and instead relies on the per-peer request semaphore and
// the admission semaphore for real backpressure).
func (tx *peerTx) Send(msg pp.Message) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed.IsSet() {
		return false
	}
	_ = msg.WriteTo(&tx.buf)
	tx.writeCond.Broadcast()
	return tx.buf.Len() < writeBufferHighWaterLen
}

// Close marks tx closed; the writer loop observes this, writes out what
// is still buffered, closes the connection and exits.
func (tx *peerTx) Close() {
	tx.closed.Set()
	tx.mu.Lock()
	tx.writeCond.Broadcast()
	tx.mu.Unlock()
}

// peerTxWriter drains a peerTx's buffer onto a real connection, a direct
// adaptation of the teacher's peerConnMsgWriter.run loop: flip buffers
// under the lock so everything queued since the last flip goes out in
// one pass, write off-lock, send a keepalive when idle past the
// timeout. minFillGap is stored but run never waits on it.
type peerTxWriter struct {
	tx     *peerTx
	w      io.Writer
	logger log.Logger

	keepAliveTimeout time.Duration
	minFillGap       time.Duration
}

func newPeerTxWriter(tx *peerTx, w io.Writer, logger log.Logger) *peerTxWriter {
	return &peerTxWriter{
		tx:               tx,
		w:                w,
		logger:           logger,
		keepAliveTimeout: 2 * time.Minute,
		minFillGap:       10 * time.Millisecond,
	}
}

// run blocks until tx is closed and its buffer drained, or a write
// fails. On close it also closes w if w is an io.Closer.
func (w *peerTxWriter) run() {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(w.keepAliveTimeout)
	defer keepAliveTimer.Stop()
	var front bytes.Buffer
	for {
		w.tx.mu.Lock()
		empty := w.tx.buf.Len() == 0
		if empty && w.tx.closed.IsSet() {
			w.tx.mu.Unlock()
			if c, ok := w.w.(io.Closer); ok {
				c.Close()
			}
			return
		}
		if empty && time.Since(lastWrite) >= w.keepAliveTimeout {
			_ = pp.Message{Keepalive: true}.WriteTo(&w.tx.buf)
			empty = false
		}
		if empty {
			signal := w.tx.writeCond.Signaled()
			w.tx.mu.Unlock()
			select {
			case <-w.tx.closed.Done():
			case <-signal:
			case <-keepAliveTimer.C:
			}
			continue
		}
		front.Reset()
		front.Write(w.tx.buf.Bytes())
		w.tx.buf.Reset()
		w.tx.mu.Unlock()

		buf := front.Bytes()
		for len(buf) > 0 {
			n, err := w.w.Write(buf)
			if n > 0 {
				buf = buf[n:]
			}
			if err != nil {
				w.logger.WithDefaultLevel(log.Debug).Printf("error writing to peer: %v", err)
				return
			}
			if n == 0 {
				w.logger.WithDefaultLevel(log.Debug).Printf("short write to peer")
				return
			}
		}
		lastWrite = time.Now()
		keepAliveTimer.Reset(w.keepAliveTimeout)
	}
}
