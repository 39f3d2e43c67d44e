package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncode_KeepAlive(t *testing.T) {
	b := Encode(nil)
	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("Encode(nil) = %v, want %v", b, want)
	}
}

func TestConstructorsAndParsers(t *testing.T) {
	m := NewHave(42)
	if idx, ok := m.ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate(Have) err: %v", err)
	}

	m = NewRequest(7, 16, 16384)
	i, b, l, ok := m.ParseRequest()
	if !ok || i != 7 || b != 16 || l != 16384 {
		t.Fatalf("ParseRequest got (%d,%d,%d,%v)", i, b, l, ok)
	}

	block := []byte("data block")
	m = NewPiece(3, 32, block)
	pi, pb, blk, ok := m.ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatalf("ParsePiece mismatch")
	}

	bits := []byte{0xAA, 0x55}
	m = NewBitfield(bits)
	bits[0] ^= 0xFF
	if len(m.Payload) != 2 || m.Payload[0] != 0xAA || m.Payload[1] != 0x55 {
		t.Fatalf("NewBitfield did not copy input: %v", m.Payload)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []Message{
		{ID: Have, Payload: []byte{}},
		{ID: Request, Payload: []byte("too short")},
		{ID: Cancel, Payload: []byte{1, 2, 3}},
		{ID: Piece, Payload: []byte{0, 1, 2, 3, 4, 5, 6}},
		{ID: Extension, Payload: nil},
		{ID: 19, Payload: nil},
	}
	for _, m := range tests {
		if err := (&m).Validate(); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("want ErrInvalidMessage for %+v, got %v", m, err)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	src := NewPiece(9, 1024, []byte("hello"))
	buf := Encode(src)

	length, err := DecodeLength(buf, Ceiling(1<<20))
	if err != nil {
		t.Fatalf("DecodeLength error: %v", err)
	}
	if got, want := length, int64(1+len(src.Payload)); got != want {
		t.Fatalf("length = %d, want %d", got, want)
	}

	dec, err := DecodePayload(buf[4:], length)
	if err != nil {
		t.Fatalf("DecodePayload error: %v", err)
	}
	if dec.ID != src.ID || !bytes.Equal(dec.Payload, src.Payload) {
		t.Fatalf("round-trip mismatch: %+v vs %+v", dec, src)
	}
}

func TestDecodePayload_KeepAlive(t *testing.T) {
	m, err := DecodePayload(nil, 0)
	if err != nil {
		t.Fatalf("DecodePayload(keep-alive) error: %v", err)
	}
	if m != nil {
		t.Fatalf("want nil for keep-alive, got %+v", m)
	}
}

func TestDecodeLength_Ceiling(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1<<20)

	if _, err := DecodeLength(hdr[:], Ceiling(100)); !errors.Is(err, ErrLengthTooLarge) {
		t.Fatalf("want ErrLengthTooLarge, got %v", err)
	}
}

func TestDecodeLength_Short(t *testing.T) {
	if _, err := DecodeLength([]byte{0, 0}, Ceiling(100)); !errors.Is(err, ErrShort) {
		t.Fatalf("want ErrShort, got %v", err)
	}
}

func TestDecodePayload_ExtensionAlwaysInvalid(t *testing.T) {
	buf := []byte{byte(Extension), 1, 2, 3}
	if _, err := DecodePayload(buf, int64(len(buf))); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage for Extension, got %v", err)
	}
}
