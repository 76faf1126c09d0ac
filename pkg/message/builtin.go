package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gamenet-io/gamenet-go/pkg/bitbuf"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor decoder mode: %v", err))
	}
}

// Raw is an opaque message: its body is the remaining payload bytes.
type Raw struct {
	Kind uint16
	Data []byte
}

// Type returns the type code.
func (m *Raw) Type() uint16 { return m.Kind }

// Pack writes Data.
func (m *Raw) Pack(b *bitbuf.Buffer) error {
	b.WriteBytes(m.Data)
	return nil
}

// Unpack reads every remaining whole byte.
func (m *Raw) Unpack(b *bitbuf.Buffer) error {
	m.Data = b.ReadBytes(b.RemainingBits() / 8)
	return nil
}

// RegisterRaw registers t as a Raw message.
func RegisterRaw(r *Registry, t uint16) error {
	return r.Register(t, func() Message { return &Raw{Kind: t} })
}

// CBOR is a message whose body is the CBOR encoding of Value. It suits
// control-plane messages where schema flexibility matters more than size.
type CBOR[T any] struct {
	Kind  uint16
	Value T
}

// Type returns the type code.
func (m *CBOR[T]) Type() uint16 { return m.Kind }

// Pack writes the CBOR document.
func (m *CBOR[T]) Pack(b *bitbuf.Buffer) error {
	data, err := encMode.Marshal(m.Value)
	if err != nil {
		return err
	}
	b.WriteBytes(data)
	return nil
}

// Unpack decodes the remaining bytes as a CBOR document.
func (m *CBOR[T]) Unpack(b *bitbuf.Buffer) error {
	data := b.ReadBytes(b.RemainingBits() / 8)
	if !b.IsValid() {
		return b.Err()
	}
	return decMode.Unmarshal(data, &m.Value)
}

// RegisterCBOR registers t as a CBOR message carrying T.
func RegisterCBOR[T any](r *Registry, t uint16) error {
	return r.Register(t, func() Message { return &CBOR[T]{Kind: t} })
}
