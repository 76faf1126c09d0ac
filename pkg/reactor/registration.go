package reactor

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
)

// OpKind tags an operation as a read probe or a write.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
)

// String returns the kind name.
func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Operation is one reusable I/O request. It is owned by the connection that
// created it and may be in flight at most once at a time.
type Operation struct {
	Kind OpKind

	// Buf is the data to write for OpWrite. Unused for OpRead.
	Buf []byte

	// Transferred is the number of bytes written by the last OpWrite.
	Transferred int

	reg     *Registration
	pending atomic.Bool
	err     error
}

// Registration returns the registration the operation belongs to.
func (op *Operation) Registration() *Registration { return op.reg }

// Pending reports whether the operation is posted and not yet completed.
func (op *Operation) Pending() bool { return op.pending.Load() }

// Registration ties one socket to its Handler.
type Registration struct {
	r    *Reactor
	conn Conn
	raw  syscall.RawConn
	fd   int
	h    Handler

	mu     sync.Mutex
	closed bool
	recv   atomic.Pointer[Operation]

	// pending counts posted operations plus one reference held until Close.
	pending   atomic.Int64
	drained   chan struct{}
	drainOnce sync.Once
}

// NewOperation creates an operation bound to this registration.
func (reg *Registration) NewOperation(kind OpKind) *Operation {
	return &Operation{Kind: kind, reg: reg}
}

// Conn returns the registered socket.
func (reg *Registration) Conn() Conn { return reg.conn }

// Read performs one non-blocking read. It returns ErrWouldBlock when the
// socket is drained and io.EOF when the peer closed the stream.
func (reg *Registration) Read(p []byte) (int, error) {
	return rawRead(reg.raw, p)
}

// ReadFrom performs one non-blocking datagram read.
func (reg *Registration) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	return rawReadFrom(reg.raw, p)
}

// Close removes the socket from the poller, aborts an armed read and closes
// the socket. It does not wait for callbacks; use Drained or Wait.
func (reg *Registration) Close() error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil
	}
	reg.closed = true
	reg.mu.Unlock()

	reg.r.unregister(reg)

	if op := reg.recv.Swap(nil); op != nil {
		op.err = ErrAborted
		reg.r.queue <- op
	}

	err := reg.conn.Close()
	reg.release()
	return err
}

// Closed reports whether Close has been called.
func (reg *Registration) Closed() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.closed
}

// Drained returns a channel closed once the registration is closed and no
// operation is in flight.
func (reg *Registration) Drained() <-chan struct{} {
	return reg.drained
}

// Wait blocks until Drained or ctx is done.
func (reg *Registration) Wait(ctx context.Context) error {
	select {
	case <-reg.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of posted operations not yet completed.
func (reg *Registration) InFlight() int {
	n := reg.pending.Load()
	if !reg.Closed() {
		n--
	}
	return int(n)
}

func (reg *Registration) acquire() {
	reg.pending.Add(1)
}

func (reg *Registration) release() {
	if reg.pending.Add(-1) == 0 {
		reg.drainOnce.Do(func() { close(reg.drained) })
	}
}
