package rs485

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/edgelink/securebus/crypt"
	"github.com/edgelink/securebus/internal/timerpool"
	"github.com/edgelink/securebus/logger"
)

// ackPollInterval is how often the ACK wait loop drains the port while
// blocked. It trades off between CPU usage and acknowledgement latency.
const ackPollInterval = time.Millisecond

// Sentinel errors for the secure bus protocol.
var (
	// Packet codec errors.
	ErrPacketTooShort   = errors.New("rs485: packet too short")
	ErrCiphertextLength = errors.New("rs485: ciphertext length not a multiple of the cipher block")
	ErrChecksumMismatch = errors.New("rs485: CRC checksum mismatch")
	ErrMacMismatch      = errors.New("rs485: MAC mismatch")
	ErrBadPadding       = errors.New("rs485: bad payload padding")
	ErrMalformedControl = errors.New("rs485: malformed control payload")
	ErrPayloadTooLarge  = errors.New("rs485: payload exceeds maximum size")

	// Key pool errors.
	ErrKeyIDOutOfRange      = errors.New("rs485: key id out of range")
	ErrKeySlotUninitialized = errors.New("rs485: key slot uninitialized")
	ErrKeySlotActive        = errors.New("rs485: key slot is active")
	ErrKeyMismatch          = errors.New("rs485: session key mismatch")

	// Send errors.
	ErrSerialWriteFailed = errors.New("rs485: serial write failed")
	ErrAckTimeout        = errors.New("rs485: acknowledgement timeout")
	ErrNackReceived      = errors.New("rs485: NACK received")
	ErrAckBroadcast      = errors.New("rs485: broadcast messages cannot request acknowledgement")
)

// Delivery is what the receive callback gets for each accepted packet.
//
// When KeyMismatch is set the packet MAC-verified but was encrypted under a
// key id this node does not hold; Payload is empty and only the header
// fields are meaningful.
type Delivery struct {
	Source      byte
	Target      byte
	MsgType     byte
	Payload     []byte
	KeyMismatch bool
}

// Broadcast reports whether the packet was addressed to the whole bus.
func (d Delivery) Broadcast() bool {
	return d.Target == BroadcastAddress
}

// ReceiveCallback is invoked for every MAC-verified packet addressed to this
// node (or broadcast). Payloads are byte strings; any text interpretation is
// the host's choice.
type ReceiveCallback func(d Delivery)

// ackOutcome is the resolution of an acknowledgement wait.
type ackOutcome struct {
	ok     bool
	reason string
}

// Stack is a secure framed link-layer endpoint on a half-duplex multi-drop
// serial bus.
//
// The stack is single-threaded cooperative: one logical task owns it and
// calls ProcessIncoming, SendMessage and the key operations sequentially
// from its loop. Hosts with more than one thread must wrap the stack in a
// single owning actor rather than share it.
type Stack struct {
	cfg    *StackConfig
	logger logger.Logger

	port Port
	dir  DirectionControl

	pool     *keyPool
	receiver *frameReceiver
	callback ReceiveCallback

	ackEnabled bool

	// ackWaiters maps a peer address to the channel its in-flight
	// acknowledgement wait resolves on. Only one wait per peer can be
	// outstanding; with a single owning task there is at most one overall.
	ackWaiters *xsync.MapOf[byte, chan ackOutcome]

	// pendingBaud defers a master-commanded baud change until the
	// acknowledgement has gone out at the old rate.
	pendingBaud int

	metrics StackMetrics

	readBuf [64]byte
}

// NewStack creates a stack bound to the given serial port.
//
// The session key pool is seeded with the KDF-derived key in slot 0, so the
// stack can exchange traffic immediately after Begin without any key
// distribution. Direction control defaults to AutoDirection; override it
// with SetDirectionControl before Begin for manual DE/RE transceivers.
func NewStack(port Port, cfg *StackConfig) (*Stack, error) {
	if port == nil {
		return nil, errors.New("rs485: port is nil")
	}
	if cfg == nil {
		return nil, errors.New("rs485: stack config is nil")
	}

	s := &Stack{
		cfg:        cfg,
		logger:     cfg.logger,
		port:       port,
		dir:        AutoDirection{},
		ackEnabled: cfg.ackEnabled,
		ackWaiters: xsync.NewMapOf[byte, chan ackOutcome](),
	}

	keys, err := newKeyPool(cfg.keyPoolSize, cfg.masterKey[:])
	if err != nil {
		return nil, err
	}
	s.pool = keys

	s.receiver = newFrameReceiver(maxPacketSize, s.handleLogicalPacket, cfg.logger)
	s.receiver.onOverflow = s.metrics.incFramingFaultCount

	return s, nil
}

// Begin configures the line speed, initializes direction control and puts
// the transceiver into receive mode.
func (s *Stack) Begin(baud int) error {
	if err := s.port.SetBaudRate(baud); err != nil {
		return fmt.Errorf("rs485: set baud rate: %w", err)
	}

	if err := s.dir.Begin(); err != nil {
		return fmt.Errorf("rs485: direction control begin: %w", err)
	}
	s.dir.SetReceive()

	s.logger.Info("rs485: stack started",
		"address", s.cfg.localAddress,
		"baud", baud,
		"keyPoolSize", s.pool.size())

	return nil
}

// SetDirectionControl replaces the direction-control actuator. Call before
// Begin.
func (s *Stack) SetDirectionControl(dc DirectionControl) {
	if dc == nil {
		dc = AutoDirection{}
	}
	s.dir = dc
}

// RegisterReceiveCallback registers the function invoked for each delivered
// packet.
func (s *Stack) RegisterReceiveCallback(cb ReceiveCallback) {
	s.callback = cb
}

// SetAckEnabled enables or disables answering unicast traffic with ACK/NACK.
func (s *Stack) SetAckEnabled(enabled bool) {
	s.ackEnabled = enabled
}

// SetBaudRate reconfigures the line speed.
func (s *Stack) SetBaudRate(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("rs485: invalid baud rate %d", baud)
	}

	if err := s.port.SetBaudRate(baud); err != nil {
		return fmt.Errorf("rs485: set baud rate: %w", err)
	}

	s.logger.Info("rs485: baud rate updated", "baud", baud)

	return nil
}

// GetMetrics returns the metrics associated with the stack.
func (s *Stack) GetMetrics() *StackMetrics {
	return &s.metrics
}

// --- Key pool operations ---

// InstallKey copies a 16-byte session key into the given pool slot.
func (s *Stack) InstallKey(id uint16, key []byte) error {
	if err := s.pool.install(id, key); err != nil {
		return err
	}

	s.logger.Info("rs485: session key installed", "keyID", id)

	return nil
}

// ActivateKey switches the active session key. The slot must have been
// installed (slot 0 is installed at boot).
func (s *Stack) ActivateKey(id uint16) error {
	if err := s.pool.activate(id); err != nil {
		return err
	}

	s.logger.Info("rs485: session key activated", "keyID", id)

	return nil
}

// RetireKey clears a non-active pool slot so packets under its key id are
// rejected.
func (s *Stack) RetireKey(id uint16) error {
	return s.pool.retire(id)
}

// CurrentKeyID returns the active session key id.
func (s *Stack) CurrentKeyID() uint16 {
	return s.pool.currentID()
}

// PoolSize returns the session key pool capacity.
func (s *Stack) PoolSize() int {
	return s.pool.size()
}

// --- Receive path ---

// ProcessIncoming drains the port's receive buffer through the frame state
// machine. It never blocks: when the port reports no pending bytes it
// returns immediately. Complete packets are delivered to the receive
// callback from inside this call, in the order their END bytes arrived.
func (s *Stack) ProcessIncoming() error {
	for {
		pending := s.port.Buffered()
		if pending == 0 {
			return nil
		}
		if pending > len(s.readBuf) {
			pending = len(s.readBuf)
		}

		n, err := s.port.Read(s.readBuf[:pending])
		s.receiver.feedAll(s.readBuf[:n])

		if err != nil {
			return fmt.Errorf("rs485: port read: %w", err)
		}
	}
}

// handleLogicalPacket receives each unstuffed frame from the state machine.
func (s *Stack) handleLogicalPacket(pkt []byte) {
	s.metrics.incFrameRecvCount()

	if err := s.processPacket(pkt); err != nil {
		s.logger.Debug("rs485: packet rejected", "error", err)
	}
}

// processPacket runs the receive contract over one logical packet:
// length check, CRC gate, MAC verify, address filter, key lookup, decrypt,
// unpad, deliver, acknowledge.
func (s *Stack) processPacket(pkt []byte) error {
	parts, err := s.verifyPacket(pkt)
	if err != nil {
		return err
	}
	h := parts.header

	// Address filter runs after MAC verification so a tampered target
	// cannot exploit the cheap drop path.
	if h.Target != s.cfg.localAddress && h.Target != BroadcastAddress {
		return nil
	}

	key, isActive, ok := s.pool.lookup(h.KeyID)
	if !ok {
		s.metrics.incKeyMismatchCount()
		s.logger.Warn("rs485: packet under unknown session key",
			"source", h.Source,
			"keyID", h.KeyID,
			"activeKeyID", s.pool.currentID())

		s.deliver(Delivery{Source: h.Source, Target: h.Target, MsgType: h.MsgType, KeyMismatch: true})
		s.sendNack(h, "KEY_MISMATCH")

		return fmt.Errorf("%w: key id %d", ErrKeyMismatch, h.KeyID)
	}

	if !isActive {
		// Tolerate the mid-rotation race: the slot is still installed, so
		// decryption is safe, but the peer has not caught up yet.
		s.logger.Warn("rs485: decrypting with inactive session key",
			"source", h.Source,
			"keyID", h.KeyID,
			"activeKeyID", s.pool.currentID())
	}

	plaintext, err := crypt.Decrypt(key, parts.iv, parts.ciphertext)
	if err != nil {
		s.metrics.incIntegrityFaultCount()
		s.sendNack(h, "BAD_PADDING")

		return fmt.Errorf("%w: %w", ErrBadPadding, err)
	}

	return s.dispatch(h, plaintext)
}

// verifyPacket wraps verifyAndSplit with fault accounting.
func (s *Stack) verifyPacket(pkt []byte) (packetParts, error) {
	parts, err := verifyAndSplit(s.cfg.masterKey[:], pkt)
	if err == nil {
		return parts, nil
	}

	switch {
	case errors.Is(err, ErrMacMismatch), errors.Is(err, ErrChecksumMismatch):
		// The source field is unauthenticated here; no NACK is ever sent.
		s.metrics.incIntegrityFaultCount()
		s.logger.Warn("rs485: packet failed integrity check", "error", err)
	default:
		s.metrics.incFramingFaultCount()
	}

	return packetParts{}, err
}

// dispatch routes a decrypted packet: acknowledgement matching, auto-handled
// control traffic, callback delivery and the ACK answer.
func (s *Stack) dispatch(h Header, plaintext []byte) error {
	// A/N packets addressed to us resolve an outstanding acknowledgement
	// wait; they are link-layer traffic and are only surfaced to the
	// callback when nobody is waiting.
	if h.MsgType == MsgTypeAck || h.MsgType == MsgTypeNack {
		if h.Target == s.cfg.localAddress && s.resolveAckWait(h, plaintext) {
			return nil
		}

		s.deliver(Delivery{Source: h.Source, Target: h.Target, MsgType: h.MsgType, Payload: plaintext})

		return nil
	}

	if err := s.handleControl(h, plaintext); err != nil {
		return err
	}

	s.deliver(Delivery{Source: h.Source, Target: h.Target, MsgType: h.MsgType, Payload: plaintext})
	s.sendAck(h)

	// A commanded baud change applies only after the acknowledgement has
	// gone out at the old rate.
	if s.pendingBaud != 0 {
		baud := s.pendingBaud
		s.pendingBaud = 0

		if err := s.SetBaudRate(baud); err != nil {
			return err
		}
	}

	return nil
}

// handleControl auto-applies B and K messages from the designated master.
// Without WithMasterAddress all control traffic is delivery-only.
func (s *Stack) handleControl(h Header, plaintext []byte) error {
	master, ok := s.cfg.MasterAddress()
	if !ok || h.Source != master {
		return nil
	}

	switch h.MsgType {
	case MsgTypeKeyUpdate:
		// Unicast only: a broadcast K would race every node's ACK.
		if h.Target != s.cfg.localAddress {
			return nil
		}

		id, key, err := ParseKeyUpdatePayload(plaintext)
		if err != nil {
			s.sendNack(h, "KEY_INSTALL")

			return err
		}

		if err := s.InstallKey(id, key); err != nil {
			s.sendNack(h, "KEY_INSTALL")

			return err
		}

		return s.ActivateKey(id)

	case MsgTypeBaudRate:
		baud, err := strconv.Atoi(string(plaintext))
		if err != nil || baud <= 0 {
			s.sendNack(h, "BAD_BAUD")

			return fmt.Errorf("%w: baud rate %q", ErrMalformedControl, plaintext)
		}

		s.pendingBaud = baud
	}

	return nil
}

// deliver hands a packet to the registered receive callback.
func (s *Stack) deliver(d Delivery) {
	if s.callback == nil {
		s.logger.Debug("rs485: no receive callback registered, dropping delivery",
			"source", d.Source,
			"msgType", string(d.MsgType))

		return
	}

	if !d.KeyMismatch {
		s.metrics.incMsgRecvCount()
	}

	s.callback(d)
}

// --- Acknowledgement sublayer ---

// resolveAckWait completes the acknowledgement wait for the sending peer,
// if one is outstanding.
func (s *Stack) resolveAckWait(h Header, payload []byte) bool {
	ch, ok := s.ackWaiters.LoadAndDelete(h.Source)
	if !ok {
		return false
	}

	out := ackOutcome{ok: h.MsgType == MsgTypeAck}
	if !out.ok {
		out.reason = parseNackReason(payload)
	}

	ch <- out

	return true
}

// sendAck answers a delivered unicast packet with an ACK. Broadcasts and
// A/N packets are never acknowledged.
func (s *Stack) sendAck(h Header) {
	if !s.ackEnabled || h.Target != s.cfg.localAddress {
		return
	}
	if h.MsgType == MsgTypeAck || h.MsgType == MsgTypeNack {
		return
	}

	if err := s.sendPacket(Header{
		Source:  s.cfg.localAddress,
		Target:  h.Source,
		MsgType: MsgTypeAck,
		KeyID:   s.pool.currentID(),
	}, ackPayload); err != nil {
		s.logger.Error("rs485: failed to send ACK", "target", h.Source, "error", err)

		return
	}

	s.metrics.incAckSendCount()
}

// sendNack answers a faulted unicast packet with a NACK carrying the reason.
// It is only used after MAC verification, when the source field can be
// trusted.
func (s *Stack) sendNack(h Header, reason string) {
	if !s.ackEnabled || h.Target != s.cfg.localAddress {
		return
	}
	if h.MsgType == MsgTypeAck || h.MsgType == MsgTypeNack {
		return
	}

	if err := s.sendPacket(Header{
		Source:  s.cfg.localAddress,
		Target:  h.Source,
		MsgType: MsgTypeNack,
		KeyID:   s.pool.currentID(),
	}, buildNackPayload(reason)); err != nil {
		s.logger.Error("rs485: failed to send NACK", "target", h.Source, "error", err)

		return
	}

	s.metrics.incNackSendCount()
}

// waitForAck blocks up to T_ack for an A or N packet from peer, draining the
// port while it waits so unrelated traffic is still delivered.
func (s *Stack) waitForAck(peer byte) error {
	ch := make(chan ackOutcome, 1)
	s.ackWaiters.Store(peer, ch)
	defer s.ackWaiters.Delete(peer)

	timer := timerpool.Acquire(s.cfg.ackTimeout)
	defer timerpool.Release(timer)

	for {
		if err := s.ProcessIncoming(); err != nil {
			return err
		}

		select {
		case out := <-ch:
			if out.ok {
				return nil
			}

			return fmt.Errorf("%w: %s", ErrNackReceived, out.reason)

		case <-timer.C:
			s.metrics.incAckTimeoutCount()

			return fmt.Errorf("%w: peer 0x%02X", ErrAckTimeout, peer)

		default:
		}

		time.Sleep(ackPollInterval)
	}
}

// --- Transmit path ---

// SendMessage encrypts, authenticates, frames and transmits an application
// payload to target.
//
// With requireAck set, the call additionally blocks up to the configured
// T_ack for the peer's acknowledgement: an ACK yields nil, a NACK yields
// ErrNackReceived carrying the peer's reason, and expiry yields
// ErrAckTimeout. Requesting an acknowledgement for a broadcast is a
// programmer error.
func (s *Stack) SendMessage(target, msgType byte, payload []byte, requireAck bool) error {
	if requireAck && target == BroadcastAddress {
		return ErrAckBroadcast
	}

	if err := s.sendPacket(Header{
		Source:  s.cfg.localAddress,
		Target:  target,
		MsgType: msgType,
		KeyID:   s.pool.currentID(),
	}, payload); err != nil {
		return err
	}

	s.metrics.incMsgSendCount()

	if !requireAck {
		return nil
	}

	return s.waitForAck(target)
}

// sendPacket builds a logical packet under the active session key and runs
// the half-duplex transmit sequence.
func (s *Stack) sendPacket(h Header, payload []byte) error {
	key, _, ok := s.pool.lookup(s.pool.currentID())
	if !ok {
		// The active slot is initialized by construction.
		return fmt.Errorf("%w: active key id %d", ErrKeySlotUninitialized, s.pool.currentID())
	}

	pkt, err := buildPacket(s.cfg.masterKey[:], h, key, payload, s.cfg.sendCRC)
	if err != nil {
		return err
	}

	return s.transmit(EncodeFrame(pkt))
}

// transmit owns the bus for the duration of one frame: assert transmit,
// wait T_enable, write and flush, wait T_disable to cover the last stop
// bit, release.
func (s *Stack) transmit(frame []byte) error {
	s.dir.SetTransmit()
	time.Sleep(s.cfg.enableDelay)

	err := s.writeAll(frame)
	if err == nil {
		err = s.port.Flush()
	}

	time.Sleep(s.cfg.disableDelay)
	s.dir.SetReceive()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialWriteFailed, err)
	}

	s.metrics.incFrameSendCount()

	return nil
}

// writeAll writes all bytes in data to the port.
func (s *Stack) writeAll(data []byte) error {
	for written := 0; written < len(data); {
		n, err := s.port.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}
