package torrent

import (
	"bufio"
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/brinkbit/torrent/chunktracker"
	"github.com/brinkbit/torrent/lengths"
	pp "github.com/brinkbit/torrent/peerprotocol"
	"github.com/brinkbit/torrent/storage"
)

// pipeDialer hands out one side of an in-memory net.Pipe per dial,
// publishing the other side on conns for the test's synthetic peer to
// drive. Stands in for a real network in the single-peer happy-path
// scenario (spec.md §8, end-to-end scenario 1).
type pipeDialer struct {
	conns chan net.Conn
}

func (d *pipeDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	a, b := net.Pipe()
	d.conns <- b
	return a, nil
}

// runSyntheticPeer plays the remote side of the wire protocol: replies
// to the handshake, announces a full bitfield, unchokes immediately,
// and serves every Request with the matching slice of content.
func runSyntheticPeer(t *testing.T, conn net.Conn, infoHash [20]byte, content []byte, lens lengths.L) {
	t.Helper()
	defer conn.Close()

	hs, err := pp.ReadHandshake(conn)
	if err != nil {
		return
	}
	require.Equal(t, infoHash, hs.InfoHash)

	reply := pp.Handshake{InfoHash: infoHash, PeerID: [20]byte{9, 9, 9}}
	if _, err := conn.Write(reply.Marshal()); err != nil {
		return
	}

	bf := make([]byte, lens.PieceBitfieldBytes())
	for i := range bf {
		bf[i] = 0xFF
	}
	if _, err := conn.Write(pp.Message{ID: pp.Bitfield, Bitfield: bf}.MustMarshalBinary()); err != nil {
		return
	}
	if _, err := conn.Write(pp.Message{ID: pp.Unchoke}.MustMarshalBinary()); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		msg, err := pp.ReadMessage(r)
		if err != nil {
			return
		}
		if msg.Keepalive || msg.ID != pp.Request {
			continue
		}
		start := uint64(msg.Index)*uint64(lens.PieceLength(0)) + uint64(msg.Begin)
		data := content[start : start+uint64(msg.Length)]
		out := pp.Message{ID: pp.Piece, Index: msg.Index, Begin: msg.Begin, Piece: data}
		if _, err := conn.Write(out.MustMarshalBinary()); err != nil {
			return
		}
	}
}

// buildTestTorrent lays out 4 pieces of 4 chunks each (piece_length
// 65536, chunk 16384), matching spec.md §8's literal end-to-end
// scenario 1.
func buildTestTorrent(t *testing.T) (content []byte, pieceHashes [][20]byte, lens lengths.L) {
	t.Helper()
	const pieceLength = 65536
	const numPieces = 4
	content = make([]byte, pieceLength*numPieces)
	for i := range content {
		content[i] = byte(i)
	}
	lens = lengths.New(uint64(len(content)), pieceLength, 16384)
	pieceHashes = make([][20]byte, numPieces)
	for p := 0; p < numPieces; p++ {
		pieceHashes[p] = sha1.Sum(content[p*pieceLength : (p+1)*pieceLength])
	}
	return content, pieceHashes, lens
}

func TestSinglePeerHappyPath(t *testing.T) {
	content, pieceHashes, lens := buildTestTorrent(t)

	dir := t.TempDir()
	files, err := storage.NewFile(lens, []storage.FileEntry{{
		Path:   filepath.Join(dir, "data"),
		Length: lens.TotalLength(),
		Offset: 0,
	}})
	require.NoError(t, err)
	defer files.Close()

	chunks := chunktracker.New(lens, roaring.New())
	infoHash := [20]byte{1, 2, 3}

	e := New(infoHash, [20]byte{4, 5, 6}, lens, files, pieceHashes, chunks, Options{Logger: log.Default})
	defer e.Close()

	dialer := &pipeDialer{conns: make(chan net.Conn, 1)}
	e.dialer = dialer

	go func() {
		conn := <-dialer.conns
		runSyntheticPeer(t, conn, infoHash, content, lens)
	}()

	e.AddPeerIfNotSeen("synthetic-peer:6881")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitUntilCompleted(ctx))

	snap := e.StatsSnapshot()
	require.EqualValues(t, 4, snap.DownloadedAndCheckedPieces)
	require.EqualValues(t, len(content), snap.HaveBytes)
	require.True(t, e.IsFinished())

	got, err := os.ReadFile(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestIsFinishedAtConstructionWhenEveryPieceVerified(t *testing.T) {
	_, pieceHashes, lens := buildTestTorrent(t)
	dir := t.TempDir()
	files, err := storage.NewFile(lens, []storage.FileEntry{{
		Path:   filepath.Join(dir, "data"),
		Length: lens.TotalLength(),
	}})
	require.NoError(t, err)
	defer files.Close()

	have := roaring.New()
	have.AddRange(0, uint64(lens.TotalPieces()))
	chunks := chunktracker.New(lens, have)

	e := New([20]byte{}, [20]byte{}, lens, files, pieceHashes, chunks, Options{Logger: log.Default})
	defer e.Close()

	require.True(t, e.IsFinished(), "a torrent with every piece already verified must be finished at construction")
}
