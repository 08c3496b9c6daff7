package rs485

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memBus is an in-memory multi-drop bus for tests. Every write on one port
// is mirrored into the receive buffer of every other port, like a shared
// RS-485 pair. A tap hook can observe or rewrite the bytes in flight.
type memBus struct {
	mu    sync.Mutex
	ports []*memPort

	// tap, when set, receives a copy of each written chunk and returns the
	// bytes actually delivered to the other ports.
	tap func([]byte) []byte
}

func newMemBus() *memBus {
	return &memBus{}
}

// newPort attaches a new node to the bus.
func (b *memBus) newPort() *memPort {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &memPort{bus: b}
	b.ports = append(b.ports, p)

	return p
}

// setTap installs the in-flight rewrite hook.
func (b *memBus) setTap(tap func([]byte) []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tap = tap
}

// memPort implements Port over the shared bus.
type memPort struct {
	bus *memBus

	rx    []byte
	bauds []int
}

var _ Port = (*memPort)(nil)

func (p *memPort) Buffered() int {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	return len(p.rx)
}

func (p *memPort) Read(buf []byte) (int, error) {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	n := copy(buf, p.rx)
	p.rx = p.rx[n:]

	return n, nil
}

func (p *memPort) Write(data []byte) (int, error) {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	out := data
	if p.bus.tap != nil {
		out = p.bus.tap(append([]byte(nil), data...))
	}

	for _, q := range p.bus.ports {
		if q != p {
			q.rx = append(q.rx, out...)
		}
	}

	return len(data), nil
}

func (p *memPort) Flush() error { return nil }

func (p *memPort) SetBaudRate(baud int) error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	p.bauds = append(p.bauds, baud)

	return nil
}

// inject places raw bytes directly into this port's receive buffer,
// bypassing the bus (e.g. for replaying a recorded frame).
func (p *memPort) inject(data []byte) {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	p.rx = append(p.rx, data...)
}

// lastBaud returns the most recent SetBaudRate value, or 0.
func (p *memPort) lastBaud() int {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()

	if len(p.bauds) == 0 {
		return 0
	}

	return p.bauds[len(p.bauds)-1]
}

// --- Stack test scaffolding ---

// newTestStack builds a stack on the bus with fast test timings.
func newTestStack(t *testing.T, bus *memBus, addr byte, masterKey []byte, opts ...StackOption) (*Stack, *memPort) {
	t.Helper()

	base := []StackOption{
		WithTurnaroundDelays(0, 0),
		WithAckTimeout(100 * time.Millisecond),
	}

	cfg, err := NewStackConfig(addr, masterKey, append(base, opts...)...)
	require.NoError(t, err)

	port := bus.newPort()
	s, err := NewStack(port, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Begin(115200))

	return s, port
}

// collectDeliveries registers a callback that forwards deliveries to the
// returned channel.
func collectDeliveries(s *Stack) chan Delivery {
	ch := make(chan Delivery, 32)
	s.RegisterReceiveCallback(func(d Delivery) {
		ch <- d
	})

	return ch
}

// pumpStack drains the stack's port from its own goroutine, standing in for
// the node's host loop. The returned stop function blocks until the pump
// has exited; call it before touching the stack from the test goroutine
// again.
func pumpStack(t *testing.T, s *Stack) (stop func()) {
	t.Helper()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
			}

			_ = s.ProcessIncoming()
			time.Sleep(200 * time.Microsecond)
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// expectDelivery waits for one delivery or fails the test.
func expectDelivery(t *testing.T, ch chan Delivery, timeout time.Duration) Delivery {
	t.Helper()

	select {
	case d := <-ch:
		return d
	case <-time.After(timeout):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

// expectNoDelivery asserts that nothing arrives within the window.
func expectNoDelivery(t *testing.T, ch chan Delivery, window time.Duration) {
	t.Helper()

	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery: source=%d type=%c payload=%q", d.Source, d.MsgType, d.Payload)
	case <-time.After(window):
	}
}
