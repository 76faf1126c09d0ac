package rudp

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    Header
		body []byte
	}{
		{"syn", Header{Flags: FlagSYN, SrcID: 1, DstID: 2}, nil},
		{"data", Header{Flags: FlagACK | FlagRLE | FlagORD, SrcID: 7, DstID: 9, Seq: 42, Ack: 41}, []byte("payload")},
		{"eak", Header{Flags: FlagACK, SrcID: 3, DstID: 4, Ack: 10, EAK: []uint32{12, 15, 0xFFFFFFFF}}, nil},
		{"max tags", Header{Flags: FlagNUL | FlagACK, SrcID: 0xFFFFFFFF, DstID: 0x80000000}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.h
			p, err := h.Marshal(tt.body)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if len(p) != h.Size()+len(tt.body) {
				t.Errorf("len = %d, want %d", len(p), h.Size()+len(tt.body))
			}

			got, body, err := Unmarshal(p)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got.Flags != h.Flags || got.SrcID != h.SrcID || got.DstID != h.DstID ||
				got.Seq != h.Seq || got.Ack != h.Ack {
				t.Errorf("header = %+v, want %+v", got, h)
			}
			if int(got.HeaderLen) != h.Size() || int(got.BodyLen) != len(tt.body) {
				t.Errorf("lengths = %d/%d", got.HeaderLen, got.BodyLen)
			}
			if len(got.EAK) != len(h.EAK) {
				t.Fatalf("EAK = %v, want %v", got.EAK, h.EAK)
			}
			for i := range h.EAK {
				if got.EAK[i] != h.EAK[i] {
					t.Errorf("EAK[%d] = %d, want %d", i, got.EAK[i], h.EAK[i])
				}
			}
			if !bytes.Equal(body, tt.body) {
				t.Errorf("body = %q, want %q", body, tt.body)
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	h := Header{Flags: FlagSYN | FlagACK, SrcID: 0x04030201, Seq: 0x11}
	p, err := h.Marshal([]byte{0xAA})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x03,
		0x01, 0x02, 0x03, 0x04,
		0, 0, 0, 0,
		0x11, 0, 0, 0,
		0, 0, 0, 0,
		21, 0,
		1, 0,
		0xAA,
	}
	if !bytes.Equal(p, want) {
		t.Errorf("Marshal() = % x, want % x", p, want)
	}
}

func TestUnmarshalRejects(t *testing.T) {
	good := Header{Flags: FlagRLE, Seq: 1}
	p, err := good.Marshal([]byte("abc"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		p    []byte
		want error
	}{
		{"empty", nil, ErrShortHeader},
		{"short", p[:BaseHeaderSize-1], ErrShortHeader},
		{"truncated body", p[:len(p)-1], ErrBadLength},
		{"trailing bytes", append(append([]byte(nil), p...), 0), ErrBadLength},
		{"eak count past end", func() []byte {
			q := append([]byte(nil), p[:BaseHeaderSize]...)
			q[0] |= byte(FlagEAK)
			return append(q, 9)
		}(), ErrShortHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Unmarshal(tt.p); !errors.Is(err, tt.want) {
				t.Errorf("Unmarshal() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMarshalLimits(t *testing.T) {
	h := Header{EAK: make([]uint32, MaxEAK+1)}
	if _, err := h.Marshal(nil); !errors.Is(err, ErrTooManyEAK) {
		t.Errorf("Marshal() error = %v, want ErrTooManyEAK", err)
	}

	h = Header{Flags: FlagRLE}
	if _, err := h.Marshal(make([]byte, MaxBodySize+1)); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("Marshal() error = %v, want ErrBodyTooLarge", err)
	}
	if _, err := h.Marshal(make([]byte, MaxBodySize)); err != nil {
		t.Errorf("Marshal(MaxBodySize) error = %v", err)
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		f    Flags
		want string
	}{
		{0, "NONE"},
		{FlagSYN, "SYN"},
		{FlagSYN | FlagACK, "SYN|ACK"},
		{FlagACK | FlagRLE | FlagORD, "ACK|RLE|ORD"},
		{FlagEAK | FlagHPN | FlagNUL | FlagRST, "RST|NUL|HPN|EAK"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("Flags(%d).String() = %q, want %q", tt.f, got, tt.want)
		}
	}
}
