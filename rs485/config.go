package rs485

import (
	"errors"
	"fmt"
	"time"

	"github.com/edgelink/securebus/crypt"
	"github.com/edgelink/securebus/logger"
)

// Default timing parameters. The turnaround delays match the reference
// transceiver; T_ack matches the reference acknowledgement budget.
const (
	DefaultEnableDelay  = 150 * time.Microsecond // T_enable: SetTransmit → first byte
	DefaultDisableDelay = 150 * time.Microsecond // T_disable: last stop bit → SetReceive
	DefaultAckTimeout   = 500 * time.Millisecond // T_ack
)

// Parameter range limits.
const (
	MaxTurnaroundDelay = 100 * time.Millisecond

	MinAckTimeout = 10 * time.Millisecond
	MaxAckTimeout = 30 * time.Second
)

// StackConfig holds all configuration for a secure bus stack.
type StackConfig struct {
	// localAddress is this node's bus address. 0xFF is reserved for
	// broadcast.
	localAddress byte

	// masterKey is the 32-byte pre-shared master authentication key. It
	// keys the packet HMAC and derives the boot-time session key; it never
	// encrypts payloads.
	masterKey [crypt.MasterKeySize]byte

	// masterAddress designates the bus master for auto-handled control
	// traffic (B and K messages). Disabled unless set via WithMasterAddress.
	masterAddress    byte
	hasMasterAddress bool

	keyPoolSize int

	ackEnabled bool
	ackTimeout time.Duration

	enableDelay  time.Duration
	disableDelay time.Duration

	// sendCRC appends the optional CRC-16 early-reject gate to outgoing
	// packets. Receivers detect its presence from the packet length, so
	// the setting is send-side only.
	sendCRC bool

	logger logger.Logger
}

// NewStackConfig creates a stack configuration for a node with the given bus
// address and 32-byte master key.
//
// opts are functional options applied in order; see the With* functions.
func NewStackConfig(localAddress byte, masterKey []byte, opts ...StackOption) (*StackConfig, error) {
	if localAddress == BroadcastAddress {
		return nil, fmt.Errorf("rs485: local address 0x%02X is reserved for broadcast", BroadcastAddress)
	}
	if len(masterKey) != crypt.MasterKeySize {
		return nil, fmt.Errorf("rs485: master key must be %d bytes, got %d", crypt.MasterKeySize, len(masterKey))
	}

	cfg := &StackConfig{
		localAddress: localAddress,
		keyPoolSize:  DefaultKeyPoolSize,
		ackEnabled:   true,
		ackTimeout:   DefaultAckTimeout,
		enableDelay:  DefaultEnableDelay,
		disableDelay: DefaultDisableDelay,
		logger:       logger.Default(),
	}
	copy(cfg.masterKey[:], masterKey)

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// LocalAddress returns this node's bus address.
func (cfg *StackConfig) LocalAddress() byte { return cfg.localAddress }

// KeyPoolSize returns the session key pool capacity.
func (cfg *StackConfig) KeyPoolSize() int { return cfg.keyPoolSize }

// AckEnabled returns whether this node answers unicast traffic with ACK/NACK.
func (cfg *StackConfig) AckEnabled() bool { return cfg.ackEnabled }

// AckTimeout returns T_ack, the acknowledgement wait budget.
func (cfg *StackConfig) AckTimeout() time.Duration { return cfg.ackTimeout }

// EnableDelay returns T_enable, the delay between asserting transmit and
// driving the line.
func (cfg *StackConfig) EnableDelay() time.Duration { return cfg.enableDelay }

// DisableDelay returns T_disable, the delay between the last transmitted bit
// and releasing the line.
func (cfg *StackConfig) DisableDelay() time.Duration { return cfg.disableDelay }

// SendCRC returns whether outgoing packets carry the optional CRC-16.
func (cfg *StackConfig) SendCRC() bool { return cfg.sendCRC }

// MasterAddress returns the designated bus master address and whether one
// was configured.
func (cfg *StackConfig) MasterAddress() (byte, bool) {
	return cfg.masterAddress, cfg.hasMasterAddress
}

// GetLogger returns the configured logger.
func (cfg *StackConfig) GetLogger() logger.Logger { return cfg.logger }

// --- StackOption ---

// StackOption is a functional option for configuring a StackConfig.
type StackOption interface {
	apply(*StackConfig) error
}

type stackOptFunc func(*StackConfig) error

func (f stackOptFunc) apply(cfg *StackConfig) error { return f(cfg) }

// WithKeyPoolSize sets the session key pool capacity. Must be in
// [MinKeyPoolSize, MaxKeyPoolSize].
func WithKeyPoolSize(n int) StackOption {
	return stackOptFunc(func(cfg *StackConfig) error {
		if n < MinKeyPoolSize || n > MaxKeyPoolSize {
			return fmt.Errorf("rs485: key pool size %d out of range [%d, %d]", n, MinKeyPoolSize, MaxKeyPoolSize)
		}
		cfg.keyPoolSize = n

		return nil
	})
}

// WithAckEnabled enables or disables answering unicast traffic with
// ACK/NACK. Enabled by default.
func WithAckEnabled(enabled bool) StackOption {
	return stackOptFunc(func(cfg *StackConfig) error {
		cfg.ackEnabled = enabled

		return nil
	})
}

// WithAckTimeout sets T_ack, the acknowledgement wait budget.
func WithAckTimeout(d time.Duration) StackOption {
	return stackOptFunc(func(cfg *StackConfig) error {
		if d < MinAckTimeout || d > MaxAckTimeout {
			return fmt.Errorf("rs485: ack timeout %v out of range [%v, %v]", d, MinAckTimeout, MaxAckTimeout)
		}
		cfg.ackTimeout = d

		return nil
	})
}

// WithTurnaroundDelays sets T_enable and T_disable, the half-duplex
// turnaround delays around each transmission.
func WithTurnaroundDelays(enable, disable time.Duration) StackOption {
	return stackOptFunc(func(cfg *StackConfig) error {
		if enable < 0 || enable > MaxTurnaroundDelay {
			return fmt.Errorf("rs485: enable delay %v out of range [0, %v]", enable, MaxTurnaroundDelay)
		}
		if disable < 0 || disable > MaxTurnaroundDelay {
			return fmt.Errorf("rs485: disable delay %v out of range [0, %v]", disable, MaxTurnaroundDelay)
		}
		cfg.enableDelay = enable
		cfg.disableDelay = disable

		return nil
	})
}

// WithCRC enables the optional CRC-16 early-reject gate on outgoing
// packets. Disabled by default.
func WithCRC(enabled bool) StackOption {
	return stackOptFunc(func(cfg *StackConfig) error {
		cfg.sendCRC = enabled

		return nil
	})
}

// WithMasterAddress designates the bus master. When set, the stack
// auto-applies control traffic from that address: B messages reconfigure the
// baud rate and unicast K messages install and activate the carried session
// key before delivery.
func WithMasterAddress(addr byte) StackOption {
	return stackOptFunc(func(cfg *StackConfig) error {
		if addr == BroadcastAddress {
			return fmt.Errorf("rs485: master address 0x%02X is reserved for broadcast", BroadcastAddress)
		}
		cfg.masterAddress = addr
		cfg.hasMasterAddress = true

		return nil
	})
}

// WithLogger sets the logger for the stack.
func WithLogger(l logger.Logger) StackOption {
	return stackOptFunc(func(cfg *StackConfig) error {
		if l == nil {
			return errors.New("rs485: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
