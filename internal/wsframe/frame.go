// Package wsframe encodes and decodes the subset of WebSocket data frames the
// gateway speaks: unfragmented text and binary frames whose payload fits in a
// 16-bit length. Inbound (client to server) frames must be masked; outbound
// frames never are.
package wsframe

import (
	"encoding/binary"
	"errors"
)

// Kind is the frame opcode of a data message.
type Kind byte

const (
	Text   Kind = 0x1
	Binary Kind = 0x2
)

const (
	opClose = 0x8

	finBit  = 0x80
	maskBit = 0x80

	len16Marker = 126
	len64Marker = 127

	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 0xFFFF
)

var (
	ErrFragmentationUnsupported = errors.New("wsframe: fragmented frames are not supported")
	ErrUnsupportedOpcode        = errors.New("wsframe: unsupported opcode")
	ErrUnmaskedFrame            = errors.New("wsframe: client frame is not masked")
	ErrPayloadTooLarge          = errors.New("wsframe: payload exceeds 65535 bytes")
	ErrShortFrame               = errors.New("wsframe: frame truncated")
)

// closeFrame is an empty, unmasked close frame.
var closeFrame = []byte{finBit | opClose, 0}

// Message is one logical WebSocket data message.
type Message struct {
	Kind    Kind
	Payload []byte
}

func (k Kind) valid() bool { return k == Text || k == Binary }

// checkHead validates the two fixed header bytes of an inbound frame and
// returns its kind and the 7-bit length field.
func checkHead(b0, b1 byte) (Kind, byte, error) {
	if b0&finBit == 0 {
		return 0, 0, ErrFragmentationUnsupported
	}
	k := Kind(b0 & 0x0F)
	if !k.valid() {
		return k, 0, ErrUnsupportedOpcode
	}
	if b1&maskBit == 0 {
		return k, 0, ErrUnmaskedFrame
	}
	n := b1 &^ maskBit
	if n == len64Marker {
		return k, 0, ErrPayloadTooLarge
	}
	return k, n, nil
}

func unmask(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i%4]
	}
}

// Decode parses one masked client frame from the start of buf. It returns the
// unmasked message and the number of bytes consumed. The returned payload does
// not alias buf.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 2 {
		return Message{}, 0, ErrShortFrame
	}
	kind, n7, err := checkHead(buf[0], buf[1])
	if err != nil {
		return Message{}, 0, err
	}
	off := 2
	size := int(n7)
	if n7 == len16Marker {
		if len(buf) < off+2 {
			return Message{}, 0, ErrShortFrame
		}
		size = int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	}
	if len(buf) < off+4 {
		return Message{}, 0, ErrShortFrame
	}
	var key [4]byte
	copy(key[:], buf[off:off+4])
	off += 4
	if len(buf) < off+size {
		return Message{}, 0, ErrShortFrame
	}
	payload := make([]byte, size)
	copy(payload, buf[off:off+size])
	unmask(payload, key)
	return Message{Kind: kind, Payload: payload}, off + size, nil
}

// Encode builds an unmasked server frame carrying m.
func Encode(m Message) ([]byte, error) {
	return encode(m, nil)
}

// EncodeMasked builds a client frame masked with key.
func EncodeMasked(m Message, key [4]byte) ([]byte, error) {
	return encode(m, &key)
}

func encode(m Message, key *[4]byte) ([]byte, error) {
	if !m.Kind.valid() {
		return nil, ErrUnsupportedOpcode
	}
	size := len(m.Payload)
	if size > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	hdr := 2
	if size > 125 {
		hdr += 2
	}
	if key != nil {
		hdr += 4
	}
	out := make([]byte, hdr+size)
	out[0] = finBit | byte(m.Kind)
	var mb byte
	if key != nil {
		mb = maskBit
	}
	off := 2
	if size <= 125 {
		out[1] = mb | byte(size)
	} else {
		out[1] = mb | len16Marker
		binary.BigEndian.PutUint16(out[2:], uint16(size))
		off += 2
	}
	if key != nil {
		copy(out[off:], key[:])
		off += 4
	}
	copy(out[off:], m.Payload)
	if key != nil {
		unmask(out[off:], *key)
	}
	return out, nil
}
