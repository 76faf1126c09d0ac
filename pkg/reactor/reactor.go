package reactor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
)

// Reactor errors.
var (
	// ErrOperationPending is returned when an operation is posted while a
	// previous post of the same operation has not completed.
	ErrOperationPending = errors.New("reactor: operation already pending")

	// ErrWouldBlock is returned by Registration reads when the socket has no
	// more data.
	ErrWouldBlock = errors.New("reactor: would block")

	// ErrAborted is delivered to OnIoError for an armed read whose
	// registration was closed.
	ErrAborted = errors.New("reactor: operation aborted")

	// ErrClosed is returned when posting to a closed registration or
	// associating with a reactor that is shutting down.
	ErrClosed = errors.New("reactor: closed")

	// ErrTooManyRegistrations is returned when the completion queue could not
	// hold every operation of one more registration.
	ErrTooManyRegistrations = errors.New("reactor: too many registrations")

	// ErrUnsupported is returned on platforms without a readiness poller.
	ErrUnsupported = errors.New("reactor: unsupported platform")
)

// Defaults.
const (
	DefaultQueueSize = 4096
)

// Handler receives completions for one registration. Callbacks run on
// reactor workers and may run concurrently with the owner's other goroutines,
// but at most one read and one write callback are active per registration.
type Handler interface {
	OnRecvCompleted(op *Operation)
	OnSendCompleted(op *Operation)
	OnIoError(op *Operation, err error)
}

// Conn is a socket the reactor can manage. *net.TCPConn and *net.UDPConn
// satisfy it.
type Conn interface {
	syscall.Conn
	io.Writer
	io.Closer
}

// Config configures a Reactor.
type Config struct {
	// Workers is the number of worker goroutines (default: GOMAXPROCS).
	Workers int

	// QueueSize is the completion queue capacity (default: 4096). Each
	// registration may have two operations in flight, so at most
	// QueueSize/2 registrations are accepted.
	QueueSize int

	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger
}

// Stats is a snapshot of reactor counters.
type Stats struct {
	Workers       int
	Registrations int
	Dispatched    uint64
	Errors        uint64
}

// Reactor owns the completion queue, the worker pool and the poller.
type Reactor struct {
	cfg    Config
	log    *slog.Logger
	poller poller
	queue  chan *Operation

	mu      sync.RWMutex
	regs    map[int]*Registration
	closing atomic.Bool

	workers  sync.WaitGroup
	pollDone chan struct{}
	stopOnce sync.Once

	dispatched atomic.Uint64
	errs       atomic.Uint64
}

// shutdownOp is the sentinel a worker exits on.
var shutdownOp = &Operation{}

// New creates a reactor and starts its workers and poller.
func New(cfg Config) (*Reactor, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "reactor"),
		poller:   p,
		queue:    make(chan *Operation, cfg.QueueSize+cfg.Workers),
		regs:     make(map[int]*Registration),
		pollDone: make(chan struct{}),
	}

	r.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}
	go r.pollLoop()

	r.log.Debug("reactor started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return r, nil
}

// Associate registers conn with the reactor. Completions for operations
// created from the returned registration are delivered to h.
func (r *Reactor) Associate(conn Conn, h Handler) (*Registration, error) {
	if r.closing.Load() {
		return nil, ErrClosed
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("reactor: syscall conn: %w", err)
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return nil, fmt.Errorf("reactor: fd: %w", err)
	}

	reg := &Registration{
		r:       r,
		conn:    conn,
		raw:     raw,
		fd:      fd,
		h:       h,
		drained: make(chan struct{}),
	}
	reg.pending.Store(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing.Load() {
		return nil, ErrClosed
	}
	if len(r.regs) >= r.cfg.QueueSize/2 {
		return nil, ErrTooManyRegistrations
	}
	if err := r.poller.add(fd); err != nil {
		return nil, fmt.Errorf("reactor: poller add: %w", err)
	}
	r.regs[fd] = reg
	return reg, nil
}

// PostRecv arms a zero-length receive probe. op must be an OpRead operation
// from the same registration.
func (r *Reactor) PostRecv(op *Operation) error {
	reg := op.reg

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return ErrClosed
	}
	if !op.pending.CompareAndSwap(false, true) {
		return ErrOperationPending
	}
	reg.acquire()
	reg.recv.Store(op)

	if err := r.poller.arm(reg.fd); err != nil {
		if reg.recv.CompareAndSwap(op, nil) {
			op.pending.Store(false)
			reg.release()
		}
		return fmt.Errorf("reactor: arm: %w", err)
	}
	return nil
}

// PostSend queues a write of op.Buf.
func (r *Reactor) PostSend(op *Operation) error {
	reg := op.reg

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return ErrClosed
	}
	if !op.pending.CompareAndSwap(false, true) {
		reg.mu.Unlock()
		return ErrOperationPending
	}
	reg.acquire()
	reg.mu.Unlock()

	r.queue <- op
	return nil
}

// Shutdown closes every remaining registration, stops the poller and waits
// for all workers to exit. It is safe to call more than once.
func (r *Reactor) Shutdown() {
	r.stopOnce.Do(func() {
		r.closing.Store(true)
		if err := r.poller.wake(); err != nil {
			r.log.Warn("poller wake failed", "error", err)
		}
		<-r.pollDone

		r.mu.RLock()
		regs := make([]*Registration, 0, len(r.regs))
		for _, reg := range r.regs {
			regs = append(regs, reg)
		}
		r.mu.RUnlock()
		for _, reg := range regs {
			_ = reg.Close()
		}

		for i := 0; i < r.cfg.Workers; i++ {
			r.queue <- shutdownOp
		}
		r.workers.Wait()

		if err := r.poller.close(); err != nil {
			r.log.Warn("poller close failed", "error", err)
		}
		r.log.Debug("reactor stopped", "dispatched", r.dispatched.Load())
	})
}

// Stats returns a snapshot of the reactor counters.
func (r *Reactor) Stats() Stats {
	r.mu.RLock()
	n := len(r.regs)
	r.mu.RUnlock()
	return Stats{
		Workers:       r.cfg.Workers,
		Registrations: n,
		Dispatched:    r.dispatched.Load(),
		Errors:        r.errs.Load(),
	}
}

func (r *Reactor) unregister(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.regs[reg.fd] == reg {
		delete(r.regs, reg.fd)
	}
	if err := r.poller.remove(reg.fd); err != nil {
		r.log.Debug("poller remove failed", "fd", reg.fd, "error", err)
	}
}

func (r *Reactor) pollLoop() {
	defer close(r.pollDone)

	for !r.closing.Load() {
		if err := r.poller.wait(r.ready); err != nil {
			r.log.Error("poller wait failed", "error", err)
			return
		}
	}
}

// ready queues the armed read of the registration owning fd. A readiness
// event for an fd that was re-used after close may reach a new registration;
// handlers drain until ErrWouldBlock, so a spurious wake-up is harmless.
func (r *Reactor) ready(fd int) {
	r.mu.RLock()
	reg := r.regs[fd]
	r.mu.RUnlock()
	if reg == nil {
		return
	}
	if op := reg.recv.Swap(nil); op != nil {
		r.queue <- op
	}
}

func (r *Reactor) worker() {
	defer r.workers.Done()

	for op := range r.queue {
		if op == shutdownOp {
			return
		}
		r.dispatch(op)
	}
}

func (r *Reactor) dispatch(op *Operation) {
	reg := op.reg
	defer reg.release()

	r.dispatched.Add(1)

	err := op.err
	op.err = nil

	if err == nil && op.Kind == OpWrite {
		op.Transferred, err = reg.conn.Write(op.Buf)
	}

	op.pending.Store(false)

	if err != nil {
		r.errs.Add(1)
		reg.h.OnIoError(op, err)
		return
	}
	if op.Kind == OpRead {
		reg.h.OnRecvCompleted(op)
		return
	}
	reg.h.OnSendCompleted(op)
}
