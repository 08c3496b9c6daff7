// Package rotation implements the session-key rotation policy for a secure
// bus stack.
//
// A Manager watches two counters since the last rotation — wall-clock
// elapsed time and messages sent — and, when either crosses its threshold,
// draws a fresh session key and hands it to a caller-supplied distributor.
// The manager performs no I/O itself: the distributor owns on-wire key
// distribution (typically a K message to every node, then InstallKey and
// ActivateKey locally), so the manager and the stack stay connected only by
// an interface and a callback, never by mutual ownership.
package rotation

import (
	"errors"
	"fmt"
	"time"

	"github.com/edgelink/securebus/crypt"
	"github.com/edgelink/securebus/logger"
)

// Default rotation policy.
const (
	DefaultInterval       = time.Hour
	DefaultCountThreshold = 1000
)

var (
	// ErrRotationFailed indicates the distributor rejected the new key; the
	// current key stays active and the counters keep running.
	ErrRotationFailed = errors.New("rotation: key distribution failed")

	// ErrRotationInProgress indicates a Poll while a rotation is already
	// running; re-entry is forbidden.
	ErrRotationInProgress = errors.New("rotation: rotation already in progress")
)

// Distributor delivers a freshly drawn session key to every node and
// installs it locally. A non-nil error aborts the rotation.
type Distributor func(newID uint16, newKey []byte) error

// KeyDirectory is the manager's read-only view of the stack's key pool.
// *rs485.Stack satisfies it.
type KeyDirectory interface {
	// CurrentKeyID returns the active session key id.
	CurrentKeyID() uint16

	// PoolSize returns the key pool capacity; rotation walks key ids
	// modulo this.
	PoolSize() int
}

// Manager tracks the rotation policy state. It is owned by the same single
// task as the stack; Poll, NotifyMessageSent and the setters must not be
// called concurrently.
type Manager struct {
	dir        KeyDirectory
	distribute Distributor

	interval       time.Duration
	countThreshold uint64

	lastRotation time.Time
	sent         uint64
	rotating     bool
	rotations    uint64

	logger logger.Logger

	// now is the clock; tests override it.
	now func() time.Time
}

// Option is a functional option for configuring a Manager.
type Option interface {
	apply(*Manager) error
}

type optFunc func(*Manager) error

func (f optFunc) apply(m *Manager) error { return f(m) }

// WithInterval sets the wall-clock rotation threshold. Zero disables the
// time axis.
func WithInterval(d time.Duration) Option {
	return optFunc(func(m *Manager) error {
		if d < 0 {
			return fmt.Errorf("rotation: interval %v must not be negative", d)
		}
		m.interval = d

		return nil
	})
}

// WithCountThreshold sets the messages-sent rotation threshold. Zero
// disables the count axis.
func WithCountThreshold(n uint64) Option {
	return optFunc(func(m *Manager) error {
		m.countThreshold = n

		return nil
	})
}

// WithLogger sets the logger for the manager.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(m *Manager) error {
		if l == nil {
			return errors.New("rotation: logger must not be nil")
		}
		m.logger = l

		return nil
	})
}

// NewManager creates a rotation manager over the given key directory and
// distributor. The epoch starts at construction time.
func NewManager(dir KeyDirectory, distribute Distributor, opts ...Option) (*Manager, error) {
	if dir == nil {
		return nil, errors.New("rotation: key directory is nil")
	}
	if distribute == nil {
		return nil, errors.New("rotation: distributor is nil")
	}

	m := &Manager{
		dir:            dir,
		distribute:     distribute,
		interval:       DefaultInterval,
		countThreshold: DefaultCountThreshold,
		logger:         logger.Default(),
		now:            time.Now,
	}

	for _, opt := range opts {
		if err := opt.apply(m); err != nil {
			return nil, err
		}
	}

	m.lastRotation = m.now()

	return m, nil
}

// NotifyMessageSent advances the messages-sent counter. Call it after every
// successful SendMessage.
func (m *Manager) NotifyMessageSent() {
	m.sent++
}

// SetInterval updates the wall-clock threshold. Zero disables the time axis.
func (m *Manager) SetInterval(d time.Duration) {
	m.interval = d
}

// SetCountThreshold updates the messages-sent threshold. Zero disables the
// count axis.
func (m *Manager) SetCountThreshold(n uint64) {
	m.countThreshold = n
}

// TimeSinceRotation returns the wall-clock time elapsed since the current
// epoch began.
func (m *Manager) TimeSinceRotation() time.Duration {
	return m.now().Sub(m.lastRotation)
}

// MessagesSinceRotation returns the messages sent in the current epoch.
func (m *Manager) MessagesSinceRotation() uint64 {
	return m.sent
}

// CurrentKeyID returns the active session key id from the directory.
func (m *Manager) CurrentKeyID() uint16 {
	return m.dir.CurrentKeyID()
}

// Rotations returns how many rotations have completed.
func (m *Manager) Rotations() uint64 {
	return m.rotations
}

// Due reports whether either rotation axis has crossed its threshold.
func (m *Manager) Due() bool {
	if m.interval > 0 && m.TimeSinceRotation() >= m.interval {
		return true
	}

	return m.countThreshold > 0 && m.sent >= m.countThreshold
}

// Poll checks the rotation policy and, when due, performs one rotation:
// next_id = (current + 1) mod pool size, a fresh random key, and the
// distributor callback. On success the counters reset and a new epoch
// begins; on failure the current key stays active and ErrRotationFailed is
// returned.
//
// rotated is true only when a rotation completed.
func (m *Manager) Poll() (rotated bool, err error) {
	if m.rotating {
		return false, ErrRotationInProgress
	}

	if !m.Due() {
		return false, nil
	}

	m.rotating = true
	defer func() { m.rotating = false }()

	nextID := uint16((int(m.dir.CurrentKeyID()) + 1) % m.dir.PoolSize())

	newKey, err := crypt.RandomKey()
	if err != nil {
		m.logger.Error("rotation: failed to draw new session key", "error", err)

		return false, fmt.Errorf("%w: %w", ErrRotationFailed, err)
	}

	m.logger.Info("rotation: rotating session key",
		"currentKeyID", m.dir.CurrentKeyID(),
		"nextKeyID", nextID,
		"elapsed", m.TimeSinceRotation(),
		"messages", m.sent)

	if err := m.distribute(nextID, newKey); err != nil {
		m.logger.Error("rotation: key distribution failed, keeping current key",
			"nextKeyID", nextID,
			"error", err)

		return false, fmt.Errorf("%w: %w", ErrRotationFailed, err)
	}

	m.lastRotation = m.now()
	m.sent = 0
	m.rotations++

	return true, nil
}
