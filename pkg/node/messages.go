package node

import (
	"github.com/gamenet-io/gamenet-go/pkg/message"
)

// Message type codes understood by a node.
const (
	TypeText   uint16 = 1
	TypeStatus uint16 = 2
)

// Status is the body of a TypeStatus message. A request carries the zero
// value; the node answers with its own.
type Status struct {
	Tag      uint32 `cbor:"1,keyasint,omitempty"`
	Channels int    `cbor:"2,keyasint,omitempty"`
	Peers    int    `cbor:"3,keyasint,omitempty"`
	Uptime   uint64 `cbor:"4,keyasint,omitempty"`
	External string `cbor:"5,keyasint,omitempty"`
}

// StatusMessage is the message carrying a Status.
type StatusMessage = message.CBOR[Status]

// Messages returns a registry holding every node message type.
func Messages() *message.Registry {
	reg := message.NewRegistry()
	reg.MustRegister(TypeText, func() message.Message { return &message.Raw{Kind: TypeText} })
	reg.MustRegister(TypeStatus, func() message.Message { return &StatusMessage{Kind: TypeStatus} })
	return reg
}

// Text returns a TypeText message.
func Text(s string) *message.Raw {
	return &message.Raw{Kind: TypeText, Data: []byte(s)}
}

// StatusRequest returns an empty TypeStatus message.
func StatusRequest() *StatusMessage {
	return &StatusMessage{Kind: TypeStatus}
}
