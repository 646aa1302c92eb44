package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	version byte = 1

	// FlagZstd marks a zstd-compressed payload.
	FlagZstd byte = 1 << 0

	headerLen = 4 + 1 + 1 + 1 + 4
)

var (
	ErrCorrupt  = errors.New("blobcache: corrupt frame")
	ErrTooLarge = errors.New("blobcache: frame too large")
	magic4      = [...]byte{'B', 'L', 'B', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame is one message on a stream transport. Kind is the protocol type
// code; Payload is the codec-encoded message, possibly compressed.
type Frame struct {
	Kind    byte
	Flags   byte
	Payload []byte
}

// Compressed reports whether the payload is zstd-compressed.
func (f Frame) Compressed() bool { return f.Flags&FlagZstd != 0 }

// Layout: magic(4) | ver(1) | kind(1) | flags(1) | plen(u32 be) | payload(plen)
func Encode(f Frame) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(f.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(f.Kind)
	buf.WriteByte(f.Flags)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])

	buf.Write(f.Payload)
	return buf.Bytes()
}

// Decode parses exactly one frame; trailing bytes are rejected.
func Decode(b []byte) (Frame, error) {
	f, plen, err := parseHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if plen != len(b)-headerLen {
		return Frame{}, ErrCorrupt
	}
	f.Payload = b[headerLen:]
	return f, nil
}

func parseHeader(b []byte) (Frame, int, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] == 0 {
		return Frame{}, 0, ErrCorrupt
	}
	if b[6]&^FlagZstd != 0 {
		return Frame{}, 0, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(b[7:headerLen]))
	if plen < 0 {
		return Frame{}, 0, ErrCorrupt
	}
	return Frame{Kind: b[5], Flags: b[6]}, plen, nil
}

// Write encodes f onto w in a single Write call.
func Write(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// Read reads one frame from r. max bounds the payload size; max <= 0
// disables the bound. io.EOF is returned untouched when r ends cleanly
// between frames.
func Read(r io.Reader, max int) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrCorrupt
		}
		return Frame{}, err
	}
	f, plen, err := parseHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}
	if max > 0 && plen > max {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, plen, max)
	}
	f.Payload = make([]byte, plen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, ErrCorrupt
	}
	return f, nil
}
