package rs485

import (
	"github.com/edgelink/securebus/logger"
)

// rxState is the state of the frame receive machine.
type rxState uint8

const (
	// rxIdle discards bytes while hunting for a StartByte.
	rxIdle rxState = iota

	// rxInFrame accumulates unstuffed bytes of the current frame.
	rxInFrame

	// rxEscaped has consumed an EscapeByte and unescapes the next byte.
	rxEscaped
)

func (s rxState) String() string {
	switch s {
	case rxIdle:
		return "idle"
	case rxInFrame:
		return "in-frame"
	case rxEscaped:
		return "escaped"
	default:
		return "unknown"
	}
}

// frameReceiver turns a raw byte stream into logical packets.
//
// It is a three-state machine (idle, in-frame, escaped) whose only state
// variables are the buffer index and the escape flag, per the frame layer
// design. Every framing fault is non-fatal: the machine drops the partial
// frame and resynchronizes on the next StartByte.
//
// The buffer handed to onFrame is reused for the next frame; the consumer
// must not retain it past the callback.
type frameReceiver struct {
	buf     []byte
	idx     int
	state   rxState
	onFrame func([]byte)

	// onOverflow is invoked when a frame exceeds the buffer; used for
	// metrics collection. May be nil.
	onOverflow func()

	logger logger.Logger
}

// newFrameReceiver creates a receiver whose buffer holds maxLogicalSize
// unstuffed bytes, the worst-case logical packet the packet codec accepts.
func newFrameReceiver(maxLogicalSize int, onFrame func([]byte), l logger.Logger) *frameReceiver {
	return &frameReceiver{
		buf:     make([]byte, maxLogicalSize),
		onFrame: onFrame,
		logger:  l,
	}
}

// feedAll runs every byte of p through the state machine.
func (r *frameReceiver) feedAll(p []byte) {
	for _, b := range p {
		r.feed(b)
	}
}

// feed advances the state machine by one input byte.
func (r *frameReceiver) feed(b byte) {
	switch r.state {
	case rxIdle:
		if b == StartByte {
			r.state = rxInFrame
			r.idx = 0
		}
		// Anything else is inter-frame noise; discard.

	case rxInFrame:
		switch b {
		case StartByte:
			// Resynchronize: the previous frame never completed.
			if r.idx > 0 {
				r.logger.Debug("rs485: resynchronized on start byte, dropping partial frame",
					"discarded", r.idx)
			}
			r.idx = 0

		case EndByte:
			r.state = rxIdle
			if r.idx > 0 {
				r.onFrame(r.buf[:r.idx])
			}

		case EscapeByte:
			r.state = rxEscaped

		default:
			r.append(b)
		}

	case rxEscaped:
		r.state = rxInFrame
		r.append(b ^ EscapeMask)
	}
}

// append stores one unstuffed byte, discarding the frame on overflow.
func (r *frameReceiver) append(b byte) {
	if r.idx >= len(r.buf) {
		r.logger.Debug("rs485: receive buffer overflow, discarding frame",
			"capacity", len(r.buf))

		if r.onOverflow != nil {
			r.onOverflow()
		}

		r.state = rxIdle
		r.idx = 0

		return
	}

	r.buf[r.idx] = b
	r.idx++
}
