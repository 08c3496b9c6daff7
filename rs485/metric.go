package rs485

import (
	"sync/atomic"
)

// StackMetrics contains atomic counters for a bus stack.
// Metrics can be used as the value of a prometheus CounterFunc.
type StackMetrics struct {
	// FrameSendCount indicates the number of frames written to the bus.
	FrameSendCount atomic.Uint64
	// FrameRecvCount indicates the number of complete frames received.
	FrameRecvCount atomic.Uint64
	// FramingFaultCount indicates receive-buffer overflows and other
	// framing faults recovered by resynchronization.
	FramingFaultCount atomic.Uint64

	// IntegrityFaultCount indicates MAC mismatches, CRC rejects and bad
	// padding on received packets.
	IntegrityFaultCount atomic.Uint64
	// KeyMismatchCount indicates packets received under an unknown or
	// retired key id.
	KeyMismatchCount atomic.Uint64

	// MsgSendCount indicates the number of application messages sent.
	MsgSendCount atomic.Uint64
	// MsgRecvCount indicates the number of application messages delivered
	// to the receive callback.
	MsgRecvCount atomic.Uint64

	// AckSendCount indicates the number of ACKs emitted.
	AckSendCount atomic.Uint64
	// NackSendCount indicates the number of NACKs emitted.
	NackSendCount atomic.Uint64
	// AckTimeoutCount indicates sends that expired waiting for an ACK.
	AckTimeoutCount atomic.Uint64
}

func (m *StackMetrics) incFrameSendCount()      { m.FrameSendCount.Add(1) }
func (m *StackMetrics) incFrameRecvCount()      { m.FrameRecvCount.Add(1) }
func (m *StackMetrics) incFramingFaultCount()   { m.FramingFaultCount.Add(1) }
func (m *StackMetrics) incIntegrityFaultCount() { m.IntegrityFaultCount.Add(1) }
func (m *StackMetrics) incKeyMismatchCount()    { m.KeyMismatchCount.Add(1) }
func (m *StackMetrics) incMsgSendCount()        { m.MsgSendCount.Add(1) }
func (m *StackMetrics) incMsgRecvCount()        { m.MsgRecvCount.Add(1) }
func (m *StackMetrics) incAckSendCount()        { m.AckSendCount.Add(1) }
func (m *StackMetrics) incNackSendCount()       { m.NackSendCount.Add(1) }
func (m *StackMetrics) incAckTimeoutCount()     { m.AckTimeoutCount.Add(1) }
