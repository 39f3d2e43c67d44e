// Package message implements the BitTorrent peer wire message set (BEP-3):
// length-prefixed framing and encode/decode for the nine implemented
// message kinds. Extension (id 20) is reserved and always decodes as
// ErrInvalidMessage.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Extension     ID = 20
)

func (id ID) String() string {
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
	case Extension:
		return "Extension"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(id))
	}
}

// Message is a single non-KeepAlive peer message. KeepAlive is represented
// out-of-band by a nil *Message; see DecodePayload.
type Message struct {
	ID      ID
	Payload []byte
}

var (
	// ErrInvalidMessage covers unknown ids, the reserved Extension id,
	// and malformed payloads for a known id.
	ErrInvalidMessage = errors.New("message: invalid message")
	// ErrShort means fewer bytes were supplied than the declared length
	// promised; the caller should wait for more bytes, not treat this as
	// a peer fault.
	ErrShort = errors.New("message: short buffer")
	// ErrLengthTooLarge means the declared length exceeds the decoder's
	// configured ceiling.
	ErrLengthTooLarge = errors.New("message: declared length too large")
)

// HeaderLen is the non-block header length of a Piece message: 1-byte id +
// index(4) + begin(4).
const HeaderLen = 1 + 4 + 4

// MinCeiling is the smallest ceiling DecodeLength will accept regardless of
// piece length; it covers the largest fixed-size message body (Request or
// Cancel: 1-byte id + 12 bytes).
const MinCeiling = 13

// Ceiling returns the maximum allowed declared length for a connection whose
// torrent has the given piece length, per the "at minimum piece_length + 13"
// rule.
func Ceiling(pieceLength int64) int64 {
	c := pieceLength + MinCeiling
	if c < MinCeiling {
		return MinCeiling
	}
	return c
}

// New constructs message builders mirroring the wire vocabulary.
func New(id ID, payload []byte) *Message { return &Message{ID: id, Payload: payload} }

func NewChoke() *Message         { return &Message{ID: Choke} }
func NewUnchoke() *Message       { return &Message{ID: Unchoke} }
func NewInterested() *Message    { return &Message{ID: Interested} }
func NewNotInterested() *Message { return &Message{ID: NotInterested} }

func NewHave(index uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return &Message{ID: Have, Payload: p}
}

func NewBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Message{ID: Bitfield, Payload: cp}
}

func NewRequest(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Request, Payload: p}
}

func NewCancel(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Cancel, Payload: p}
}

func NewPiece(index, begin uint32, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return &Message{ID: Piece, Payload: p}
}

// ParseHave returns the piece index carried by a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request or Cancel payload.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into its index, begin offset, and block.
// The returned block aliases m.Payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		true
}

// Validate checks that m's payload length matches what its id requires.
func (m *Message) Validate() error {
	if m == nil {
		return nil
	}
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrInvalidMessage
		}
	case Have:
		if len(m.Payload) != 4 {
			return ErrInvalidMessage
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrInvalidMessage
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrInvalidMessage
		}
	case Bitfield:
		// opaque bitmap, any length including zero is valid
	case Extension:
		return ErrInvalidMessage
	default:
		return ErrInvalidMessage
	}
	return nil
}

// Encode serializes m (or a KeepAlive when m is nil) as a length-prefixed
// frame: <length:4><id:1><payload>.
func Encode(m *Message) []byte {
	if m == nil {
		return []byte{0, 0, 0, 0}
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// DecodeLength reads a 4-byte big-endian length prefix from the head of buf.
// It returns ErrShort if buf is shorter than 4 bytes, and ErrLengthTooLarge
// if the declared length exceeds ceiling.
func DecodeLength(buf []byte, ceiling int64) (int64, error) {
	if len(buf) < 4 {
		return 0, ErrShort
	}
	length := int64(binary.BigEndian.Uint32(buf[0:4]))
	if length > ceiling {
		return 0, ErrLengthTooLarge
	}
	return length, nil
}

// DecodePayload parses a message body (the bytes following the length
// prefix) of exactly length bytes. length == 0 denotes KeepAlive and
// DecodePayload returns (nil, nil).
//
// The returned Message's Payload aliases body; callers that retain it past
// the lifetime of the input buffer must copy.
func DecodePayload(body []byte, length int64) (*Message, error) {
	if length == 0 {
		return nil, nil
	}
	if int64(len(body)) != length {
		return nil, ErrShort
	}

	id := ID(body[0])
	m := &Message{ID: id, Payload: body[1:]}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
