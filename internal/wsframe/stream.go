package wsframe

import (
	"encoding/binary"
	"io"
	"sync"
)

// Reader reads masked client frames from an underlying stream. It also
// implements io.Reader over the concatenated payloads; a close frame from the
// peer ends the stream with io.EOF.
type Reader struct {
	r    io.Reader
	hdr  [8]byte
	rest []byte
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadMessage reads exactly one frame. Partial frames are never buffered
// across calls: a short read is an error, not a wait for more data.
func (fr *Reader) ReadMessage() (Message, error) {
	h := fr.hdr[:2]
	if _, err := io.ReadFull(fr.r, h); err != nil {
		return Message{}, err
	}
	if h[0]&0x0F == opClose && h[0]&finBit != 0 {
		return Message{}, io.EOF
	}
	kind, n7, err := checkHead(h[0], h[1])
	if err != nil {
		return Message{}, err
	}
	size := int(n7)
	if n7 == len16Marker {
		ext := fr.hdr[2:4]
		if _, err := io.ReadFull(fr.r, ext); err != nil {
			return Message{}, short(err)
		}
		size = int(binary.BigEndian.Uint16(ext))
	}
	var key [4]byte
	if _, err := io.ReadFull(fr.r, key[:]); err != nil {
		return Message{}, short(err)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Message{}, short(err)
	}
	unmask(payload, key)
	return Message{Kind: kind, Payload: payload}, nil
}

func short(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrShortFrame
	}
	return err
}

func (fr *Reader) Read(p []byte) (int, error) {
	for len(fr.rest) == 0 {
		m, err := fr.ReadMessage()
		if err != nil {
			return 0, err
		}
		fr.rest = m.Payload
	}
	n := copy(p, fr.rest)
	fr.rest = fr.rest[n:]
	return n, nil
}

// Writer frames every Write as one or more unmasked frames of Kind.
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	kind Kind
}

func NewWriter(w io.Writer, kind Kind) *Writer { return &Writer{w: w, kind: kind} }

func (fw *Writer) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxPayload {
			chunk = chunk[:MaxPayload]
		}
		b, err := Encode(Message{Kind: fw.kind, Payload: chunk})
		if err != nil {
			return written, err
		}
		if _, err := fw.w.Write(b); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// WriteClose sends an empty close frame. Errors are the caller's to ignore.
func (fw *Writer) WriteClose() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(closeFrame)
	return err
}
