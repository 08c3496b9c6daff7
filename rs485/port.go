package rs485

// Port is the serial port collaborator owned by the stack. The physical
// driver (UART, USB adapter, an in-memory bus in tests) lives outside this
// package; the stack only relies on the contract below.
//
// The stack is single-threaded: all Port calls are made from the one task
// that owns the stack.
type Port interface {
	// Buffered returns the number of received bytes waiting to be read.
	// ProcessIncoming drains until it reports zero, so Buffered must never
	// block.
	Buffered() int

	// Read fills p with buffered receive bytes and returns how many were
	// copied. It is only called when Buffered reported pending data.
	Read(p []byte) (int, error)

	// Write queues p for transmission.
	Write(p []byte) (int, error)

	// Flush blocks until every queued byte has been clocked out of the
	// UART, including the final stop bit as far as the driver can tell.
	// The transmit path relies on this before releasing the bus.
	Flush() error

	// SetBaudRate reconfigures the line speed.
	SetBaudRate(baud int) error
}
