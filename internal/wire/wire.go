// Package wire encodes and decodes the BitTorrent peer handshake and the
// length-prefixed peer messages exchanged after it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lvbealr/gorent/internal/xerrors"
)

// Protocol is the fixed protocol name sent in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeLen is the fixed wire size of a handshake message:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// MaxFrameLen guards against a peer sending an absurdly large length
// prefix. The transport layer rejects oversized frames before wire sees
// them, but the codec asserts the invariant again for callers that read
// frames directly.
const MaxFrameLen = 65535

// Handshake is the 68-byte message that opens every peer connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes a Handshake to its fixed 68-byte wire form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:20], Protocol)
	// bytes 20:28 are the 8 reserved zero bytes, left as the zero value.
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake parses a 68-byte handshake reply. It does not itself
// compare the info-hash against the expected value; callers (the session
// state machine) do that and return ErrHandshakeMismatch.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, fmt.Errorf("%w: handshake is %d bytes, want %d",
			xerrors.ErrHandshakeMismatch, len(buf), HandshakeLen)
	}
	if buf[0] != 19 || string(buf[1:20]) != Protocol {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol string", xerrors.ErrHandshakeMismatch)
	}
	var hs Handshake
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])
	return hs, nil
}

// MessageID identifies the kind of a peer message.
type MessageID uint8

// Message ids understood by this client. Ids above MaxMessageID are
// rejected as WireError; Cancel and Port are accepted on the wire but their
// payloads are not consumed for download purposes.
const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

// MaxMessageID is the highest message id this client will accept without
// treating it as a protocol violation.
const MaxMessageID = 10

// Message is a single length-prefixed peer message. A Message with ID == 0
// and Payload == nil returned from ReadMessage's ok=false case represents a
// zero-length keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Encode serializes m to its length-prefixed wire form.
func (m Message) Encode() []byte {
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// EncodeKeepAlive returns the 4-byte zero-length keep-alive frame.
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// ReadMessage reads one length-prefixed message from r. ok is false (with a
// nil error) for a keep-alive frame. A length prefix over MaxFrameLen is
// rejected as ErrWireError, the same limit transport.ReceiveData enforces.
func ReadMessage(r io.Reader) (msg Message, ok bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, false, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, false, nil
	}
	if length > MaxFrameLen {
		return Message{}, false, fmt.Errorf("%w: frame length %d exceeds %d", xerrors.ErrWireError, length, MaxFrameLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, false, err
	}
	id := MessageID(body[0])
	if id > MaxMessageID {
		return Message{}, false, fmt.Errorf("%w: message id %d exceeds maximum %d", xerrors.ErrWireError, id, MaxMessageID)
	}
	return Message{ID: id, Payload: body[1:]}, true, nil
}

// DecodeMessageBody interprets body as a message frame's contents (the bytes
// following the 4-byte length prefix, as returned by transport.ReceiveData).
// Callers that already stripped the length prefix and deadline-bounded the
// read (transport.ReceiveData) use this instead of ReadMessage, which reads
// its own length prefix directly off an io.Reader.
func DecodeMessageBody(body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, fmt.Errorf("%w: empty message body", xerrors.ErrWireError)
	}
	id := MessageID(body[0])
	if id > MaxMessageID {
		return Message{}, fmt.Errorf("%w: message id %d exceeds maximum %d", xerrors.ErrWireError, id, MaxMessageID)
	}
	return Message{ID: id, Payload: body[1:]}, nil
}

// EncodeHave builds a `have` message payload for piece index.
func EncodeHave(index uint32) Message {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return Message{ID: MsgHave, Payload: buf}
}

// DecodeHave parses a `have` message payload.
func DecodeHave(m Message) (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload is %d bytes, want 4", xerrors.ErrWireError, len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// EncodeRequest builds a `request` message for (index, begin, length).
func EncodeRequest(index, begin, length uint32) Message {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return Message{ID: MsgRequest, Payload: buf}
}

// DecodeRequest parses a `request` message payload.
func DecodeRequest(m Message) (index, begin, length uint32, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload is %d bytes, want 12", xerrors.ErrWireError, len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// EncodePiece builds a `piece` message carrying block for (index, begin).
func EncodePiece(index, begin uint32, block []byte) Message {
	buf := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	copy(buf[8:], block)
	return Message{ID: MsgPiece, Payload: buf}
}

// DecodePiece parses a `piece` message payload into (index, begin, data).
func DecodePiece(m Message) (index, begin uint32, data []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload is %d bytes, want at least 8", xerrors.ErrWireError, len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	return index, begin, m.Payload[8:], nil
}
