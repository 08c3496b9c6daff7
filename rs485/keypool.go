package rs485

import (
	"fmt"

	"github.com/edgelink/securebus/crypt"
)

// Key pool capacity limits. Key ids are 16-bit on the wire, which bounds
// the pool; the default matches the reference deployment.
const (
	DefaultKeyPoolSize = 5
	MinKeyPoolSize     = 2
	MaxKeyPoolSize     = 65536
)

// keySlot is one entry of the session key pool. A slot participates in
// decryption only after it has been installed at least once.
type keySlot struct {
	key         [crypt.SessionKeySize]byte
	initialized bool
}

// keyPool is the fixed-capacity table of session keys with an active-key
// selector.
//
// Slot 0 is derived from the master key at construction
// (SHA-256(master)[:16]) and activated, so every node on the bus shares an
// initial session key without any on-wire exchange. All other slots start
// uninitialized.
//
// The pool is mutated only by Install, Activate and Retire, all called from
// the single task that owns the stack; it needs no locking.
type keyPool struct {
	slots  []keySlot
	active uint16
}

// newKeyPool creates a pool of the given capacity and seeds slot 0 from the
// master key.
func newKeyPool(capacity int, masterKey []byte) (*keyPool, error) {
	if capacity < MinKeyPoolSize || capacity > MaxKeyPoolSize {
		return nil, fmt.Errorf("rs485: key pool size %d out of range [%d, %d]",
			capacity, MinKeyPoolSize, MaxKeyPoolSize)
	}

	p := &keyPool{slots: make([]keySlot, capacity)}

	copy(p.slots[0].key[:], crypt.DeriveInitialKey(masterKey))
	p.slots[0].initialized = true
	p.active = 0

	return p, nil
}

// install copies a 16-byte session key into the given slot and marks it
// initialized.
func (p *keyPool) install(id uint16, key []byte) error {
	if int(id) >= len(p.slots) {
		return fmt.Errorf("%w: id %d, pool size %d", ErrKeyIDOutOfRange, id, len(p.slots))
	}
	if len(key) != crypt.SessionKeySize {
		return fmt.Errorf("%w: got %d, want %d", crypt.ErrBadKeySize, len(key), crypt.SessionKeySize)
	}

	copy(p.slots[id].key[:], key)
	p.slots[id].initialized = true

	return nil
}

// activate switches the active-key selector to the given slot. The slot
// must have been installed.
func (p *keyPool) activate(id uint16) error {
	if int(id) >= len(p.slots) {
		return fmt.Errorf("%w: id %d, pool size %d", ErrKeyIDOutOfRange, id, len(p.slots))
	}
	if !p.slots[id].initialized {
		return fmt.Errorf("%w: id %d", ErrKeySlotUninitialized, id)
	}

	p.active = id

	return nil
}

// retire clears a slot's initialized bit so packets under its key id are
// rejected. The active slot cannot be retired.
func (p *keyPool) retire(id uint16) error {
	if int(id) >= len(p.slots) {
		return fmt.Errorf("%w: id %d, pool size %d", ErrKeyIDOutOfRange, id, len(p.slots))
	}
	if id == p.active {
		return fmt.Errorf("%w: id %d", ErrKeySlotActive, id)
	}

	p.slots[id] = keySlot{}

	return nil
}

// currentID returns the active key id. The active slot is always
// initialized.
func (p *keyPool) currentID() uint16 {
	return p.active
}

// size returns the pool capacity.
func (p *keyPool) size() int {
	return len(p.slots)
}

// lookup resolves a received key id for decryption.
//
// ok is false when the id is out of range or the slot is not installed
// (never installed, or retired). isActive distinguishes the mid-rotation case: an installed but
// inactive slot may still decrypt, but the caller must log it.
func (p *keyPool) lookup(id uint16) (key []byte, isActive, ok bool) {
	if int(id) >= len(p.slots) || !p.slots[id].initialized {
		return nil, false, false
	}

	return p.slots[id].key[:], id == p.active, true
}
