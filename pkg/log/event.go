package log

import "time"

// MaxDataSize bounds the payload bytes copied into Frame events.
const MaxDataSize = 256

// Event is one captured protocol event. CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies a TCP channel (UUID). Empty for datagram events.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`
	LocalRole Role      `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// LocalTag and PeerTag are the caller-assigned datagram peer tags.
	LocalTag uint32 `cbor:"8,keyasint,omitempty"`
	PeerTag  uint32 `cbor:"9,keyasint,omitempty"`

	// Exactly one payload is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Datagram    *DatagramEvent    `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction of travel relative to the local endpoint.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer identifies the transport that produced the event.
type Layer uint8

const (
	// LayerStream is the framed TCP channel.
	LayerStream Layer = 0
	// LayerDatagram is the reliable UDP transport.
	LayerDatagram Layer = 1
	// LayerApplication is above the transports (message decoding).
	LayerApplication Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerStream:
		return "STREAM"
	case LayerDatagram:
		return "DATAGRAM"
	case LayerApplication:
		return "APPLICATION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role is the side of the connection the local endpoint took.
type Role uint8

const (
	RoleAcceptor  Role = 0
	RoleConnector Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleAcceptor:
		return "ACCEPTOR"
	case RoleConnector:
		return "CONNECTOR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures one stream frame.
type FrameEvent struct {
	// Control is the frame control byte.
	Control uint8 `cbor:"1,keyasint"`

	// Size is the full frame size including the 3-byte header.
	Size int `cbor:"2,keyasint"`

	// Data holds the leading payload bytes, as sent on the wire.
	Data []byte `cbor:"3,keyasint,omitempty"`

	Truncated bool `cbor:"4,keyasint,omitempty"`
}

// DatagramEvent captures one reliable-UDP header.
type DatagramEvent struct {
	// Flags is the control bitset rendered as names, e.g. "ACK|RLE|ORD".
	Flags   string   `cbor:"1,keyasint"`
	Seq     uint32   `cbor:"2,keyasint,omitempty"`
	Ack     uint32   `cbor:"3,keyasint,omitempty"`
	BodyLen uint16   `cbor:"4,keyasint,omitempty"`
	EAK     []uint32 `cbor:"5,keyasint,omitempty"`

	// Retransmit marks a resend of an outstanding segment.
	Retransmit bool `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures a lifecycle transition.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity identifies what changed state.
type StateEntity uint8

const (
	StateEntityChannel StateEntity = 0
	StateEntityPeer    StateEntity = 1
	StateEntityServer  StateEntity = 2
)

// String returns the entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntityPeer:
		return "PEER"
	case StateEntityServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures stream keep-alive and close frames.
type ControlMsgEvent struct {
	Type     ControlMsgType `cbor:"1,keyasint"`
	Sequence uint32         `cbor:"2,keyasint,omitempty"`
}

// ControlMsgType is the kind of control frame.
type ControlMsgType uint8

const (
	ControlMsgPing  ControlMsgType = 0
	ControlMsgPong  ControlMsgType = 1
	ControlMsgClose ControlMsgType = 2
)

// String returns the control message name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures a fatal error.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context names the operation in progress, e.g. "decrypt" or "handshake".
	Context string `cbor:"3,keyasint,omitempty"`
}

// TruncateData returns at most MaxDataSize leading bytes of p as a copy.
func TruncateData(p []byte) ([]byte, bool) {
	if len(p) > MaxDataSize {
		return append([]byte(nil), p[:MaxDataSize]...), true
	}
	return append([]byte(nil), p...), false
}
