// Package message defines the application message contract consumed by the
// transports and the typed registry that turns wire type codes into values.
//
// Every payload on a stream channel, and every reliable datagram body sent
// through the helpers in this package, starts with a 16-bit type code
// followed by the message's own bit-packed body:
//
//	┌──────────┬──────────────────────────┐
//	│ type u16 │ body (Message.Pack)      │
//	└──────────┴──────────────────────────┘
package message

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gamenet-io/gamenet-go/pkg/bitbuf"
)

// Message errors.
var (
	ErrUnregistered = errors.New("message: unregistered type")
	ErrDuplicate    = errors.New("message: type already registered")
	ErrUnpack       = errors.New("message: unpack failed")
	ErrPack         = errors.New("message: pack failed")
)

// Message is an application message.
type Message interface {
	Type() uint16
	Pack(b *bitbuf.Buffer) error
	Unpack(b *bitbuf.Buffer) error
}

// Factory creates an empty message for a type code.
type Factory interface {
	Create(t uint16) (Message, error)
}

// Registry is a Factory backed by registered constructors. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	ctors map[uint16]func() Message
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[uint16]func() Message)}
}

// Register adds a constructor for t.
func (r *Registry) Register(t uint16, ctor func() Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ctors[t]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicate, t)
	}
	r.ctors[t] = ctor
	return nil
}

// MustRegister is like Register but panics on a duplicate.
func (r *Registry) MustRegister(t uint16, ctor func() Message) {
	if err := r.Register(t, ctor); err != nil {
		panic(err)
	}
}

// Create returns a new message of type t.
func (r *Registry) Create(t uint16) (Message, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[t]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnregistered, t)
	}
	return ctor(), nil
}

// Types returns the number of registered types.
func (r *Registry) Types() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ctors)
}

// Encode serialises msg with its type prefix.
func Encode(msg Message) ([]byte, error) {
	b := bitbuf.New(64)
	b.WriteUint16(msg.Type())
	if err := msg.Pack(b); err != nil {
		return nil, fmt.Errorf("%w: type %d: %w", ErrPack, msg.Type(), err)
	}
	if !b.IsValid() {
		return nil, fmt.Errorf("%w: type %d: %w", ErrPack, msg.Type(), b.Err())
	}
	return b.Bytes(), nil
}

// Decode reads the type prefix, creates the message through f and unpacks it.
func Decode(payload []byte, f Factory) (Message, error) {
	b := bitbuf.FromBytes(payload)
	t := b.ReadUint16()
	if !b.IsValid() {
		return nil, fmt.Errorf("%w: missing type", ErrUnpack)
	}

	msg, err := f.Create(t)
	if err != nil {
		return nil, err
	}
	if err := msg.Unpack(b); err != nil {
		return nil, fmt.Errorf("%w: type %d: %w", ErrUnpack, t, err)
	}
	if !b.IsValid() {
		return nil, fmt.Errorf("%w: type %d: %w", ErrUnpack, t, b.Err())
	}
	return msg, nil
}
