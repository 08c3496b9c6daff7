package rs485

import (
	"errors"
	"fmt"
)

// Frame delimiter and escape bytes. Any occurrence of one of the three
// reserved values inside a logical packet is replaced on the wire by
// EscapeByte followed by the value XORed with EscapeMask, so StartByte and
// EndByte remain unique stream delimiters.
//
// The three reserved values are pairwise distinct and remain distinct after
// XOR with the mask; frame_test.go pins this down.
const (
	// StartByte marks the beginning of a frame.
	StartByte byte = 0xAA

	// EndByte marks the end of a frame.
	EndByte byte = 0x55

	// EscapeByte introduces a two-byte escape sequence for reserved values.
	EscapeByte byte = 0xBB

	// EscapeMask is XORed onto an escaped byte to take it out of the
	// reserved set.
	EscapeMask byte = 0x20
)

var (
	// ErrFrameDelimiter indicates a buffer that does not start with StartByte
	// and end with EndByte.
	ErrFrameDelimiter = errors.New("rs485: missing frame delimiter")

	// ErrDanglingEscape indicates a frame that ends in the middle of an
	// escape sequence.
	ErrDanglingEscape = errors.New("rs485: dangling escape at end of frame")
)

// isReserved reports whether b must be escaped inside a frame body.
func isReserved(b byte) bool {
	return b == StartByte || b == EndByte || b == EscapeByte
}

// WorstCaseFrameSize returns the maximum wire size of a frame carrying an
// n-byte logical packet: every byte escaped, plus the two delimiters.
func WorstCaseFrameSize(n int) int {
	return 2*n + 2
}

// EncodeFrame byte-stuffs a logical packet and wraps it in frame delimiters.
//
// The returned slice is freshly allocated and sized for the worst case
// (2·len(logical) + 2) up front, so encoding never reallocates.
func EncodeFrame(logical []byte) []byte {
	out := make([]byte, 0, WorstCaseFrameSize(len(logical)))
	out = append(out, StartByte)

	for _, b := range logical {
		if isReserved(b) {
			out = append(out, EscapeByte, b^EscapeMask)
		} else {
			out = append(out, b)
		}
	}

	return append(out, EndByte)
}

// DecodeFrame is the whole-buffer inverse of EncodeFrame, used by tests and
// offline tooling. The byte-at-a-time decoding path used on a live bus is
// the receive state machine in receiver.go.
//
// frame must be exactly one well-formed frame: StartByte, stuffed body,
// EndByte. Reserved bytes inside the body (a resynchronization artifact on a
// live bus) are rejected here.
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0] != StartByte || frame[len(frame)-1] != EndByte {
		return nil, ErrFrameDelimiter
	}

	body := frame[1 : len(frame)-1]
	logical := make([]byte, 0, len(body))

	for i := 0; i < len(body); i++ {
		b := body[i]

		if b == EscapeByte {
			i++
			if i == len(body) {
				return nil, ErrDanglingEscape
			}

			logical = append(logical, body[i]^EscapeMask)

			continue
		}

		if isReserved(b) {
			return nil, fmt.Errorf("rs485: unescaped reserved byte 0x%02X at offset %d", b, i)
		}

		logical = append(logical, b)
	}

	return logical, nil
}
