package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{}
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0xCD}, 20))

	buf := bytes.NewBuffer(h.Marshal())
	assert.Equal(t, HandshakeLen, buf.Len())

	got, err := ReadHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, got.InfoHash)
	assert.Equal(t, h.PeerID, got.PeerID)
}

func TestMessageRoundTripRequest(t *testing.T) {
	m := Message{ID: Request, Index: 3, Begin: 16384, Length: 16384}
	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, Request, got.ID)
	assert.EqualValues(t, 3, got.Index)
	assert.EqualValues(t, 16384, got.Begin)
	assert.EqualValues(t, 16384, got.Length)
}

func TestMessageRoundTripPiece(t *testing.T) {
	payload := []byte("hello chunk data")
	m := Message{ID: Piece, Index: 1, Begin: 0, Piece: payload}
	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, Piece, got.ID)
	assert.Equal(t, payload, got.Piece)
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Message{Keepalive: true}.WriteTo(&buf))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, got.Keepalive)
}

func TestMessageTooLongRejected(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // huge length prefix
	buf.Write(lenBuf[:])
	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestBadHandshakePstr(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(19)
	buf.WriteString("Not a BT protocol!!")
	buf.Write(make([]byte, 48))
	_, err := ReadHandshake(buf)
	assert.Error(t, err)
}
