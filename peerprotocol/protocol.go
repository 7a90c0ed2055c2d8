// Package peerprotocol implements the BitTorrent peer wire protocol v1
// framing: the fixed handshake and the length-prefixed message stream
// that follows it. It is a pure codec with no network or engine state.
package peerprotocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolString is the fixed pstr field of every handshake.
const ProtocolString = "BitTorrent protocol"

// HandshakeLen is the total byte length of a handshake message.
const HandshakeLen = 1 + len(ProtocolString) + 8 + 20 + 20

// Handshake is the fixed 68-byte peer handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal encodes the handshake to its wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolString)))
	buf = append(buf, ProtocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ReadHandshake reads and validates a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return h, err
	}
	if lenByte[0] != byte(len(ProtocolString)) {
		return h, fmt.Errorf("unexpected pstrlen %d", lenByte[0])
	}
	pstr := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, err
	}
	if string(pstr) != ProtocolString {
		return h, fmt.Errorf("unexpected pstr %q", pstr)
	}
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, err
	}
	return h, nil
}

// MessageID identifies the type of a post-handshake message.
type MessageID int8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Extended      MessageID = 20

	// KeepAlive is not a real on-wire id; it is signalled by Message.Keepalive.
	KeepAlive MessageID = -1
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Extended:
		return "Extended"
	case KeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("MessageID(%d)", int8(id))
	}
}

// Message is the union of everything that can appear after the
// handshake. Only the fields relevant to ID are meaningful.
type Message struct {
	Keepalive        bool
	ID               MessageID
	Index, Begin, Length uint32
	Bitfield         []byte
	Piece            []byte
	ExtendedID       byte
	ExtendedPayload  []byte
}

var ErrMessageTooLong = errors.New("message length prefix exceeds maximum")

// MaxMessageLength bounds how large a single message's declared length
// may be, guarding against a malicious or broken peer claiming an
// enormous payload and exhausting memory.
const MaxMessageLength = 1 << 20 // 1 MiB, well above a 16KiB chunk plus header

// WriteTo encodes m and writes it to w, matching the teacher's
// MustMarshalBinary/WriteTo idiom for the message writer's buffering
// loop.
func (m Message) WriteTo(w io.Writer) error {
	if m.Keepalive {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	var body bytes.Buffer
	body.WriteByte(byte(m.ID))
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		binary.Write(&body, binary.BigEndian, m.Index)
	case Bitfield:
		body.Write(m.Bitfield)
	case Request, Cancel:
		binary.Write(&body, binary.BigEndian, m.Index)
		binary.Write(&body, binary.BigEndian, m.Begin)
		binary.Write(&body, binary.BigEndian, m.Length)
	case Piece:
		binary.Write(&body, binary.BigEndian, m.Index)
		binary.Write(&body, binary.BigEndian, m.Begin)
		body.Write(m.Piece)
	case Extended:
		body.WriteByte(m.ExtendedID)
		body.Write(m.ExtendedPayload)
	default:
		return fmt.Errorf("unsupported message id %v for marshal", m.ID)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// MustMarshalBinary encodes m, panicking on error (errors here indicate
// a programming mistake, not an I/O failure, since we're writing to a
// bytes.Buffer).
func (m Message) MustMarshalBinary() []byte {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ReadMessage reads and decodes the next message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{Keepalive: true}, nil
	}
	if length > MaxMessageLength {
		return Message{}, ErrMessageTooLong
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (Message, error) {
	id := MessageID(int8(body[0]))
	rest := body[1:]
	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(rest) != 0 {
			return m, fmt.Errorf("%v: unexpected payload length %d", id, len(rest))
		}
	case Have:
		if len(rest) != 4 {
			return m, fmt.Errorf("have: bad length %d", len(rest))
		}
		m.Index = binary.BigEndian.Uint32(rest)
	case Bitfield:
		m.Bitfield = append([]byte(nil), rest...)
	case Request, Cancel:
		if len(rest) != 12 {
			return m, fmt.Errorf("%v: bad length %d", id, len(rest))
		}
		m.Index = binary.BigEndian.Uint32(rest[0:4])
		m.Begin = binary.BigEndian.Uint32(rest[4:8])
		m.Length = binary.BigEndian.Uint32(rest[8:12])
	case Piece:
		if len(rest) < 8 {
			return m, fmt.Errorf("piece: bad length %d", len(rest))
		}
		m.Index = binary.BigEndian.Uint32(rest[0:4])
		m.Begin = binary.BigEndian.Uint32(rest[4:8])
		m.Piece = rest[8:]
	case Extended:
		if len(rest) < 1 {
			return m, fmt.Errorf("extended: missing extended id")
		}
		m.ExtendedID = rest[0]
		m.ExtendedPayload = rest[1:]
	default:
		// Unknown message id: pass through the raw payload so callers can
		// log-and-ignore per spec, without the codec needing to know about
		// every extension.
		m.Piece = rest
	}
	return m, nil
}
