package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLogger) Log(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DirectionIn", DirectionIn.String(), "IN"},
		{"DirectionOut", DirectionOut.String(), "OUT"},
		{"DirectionUnknown", Direction(9).String(), "UNKNOWN"},
		{"LayerStream", LayerStream.String(), "STREAM"},
		{"LayerDatagram", LayerDatagram.String(), "DATAGRAM"},
		{"LayerApplication", LayerApplication.String(), "APPLICATION"},
		{"CategoryState", CategoryState.String(), "STATE"},
		{"CategoryError", CategoryError.String(), "ERROR"},
		{"RoleAcceptor", RoleAcceptor.String(), "ACCEPTOR"},
		{"RoleConnector", RoleConnector.String(), "CONNECTOR"},
		{"EntityPeer", StateEntityPeer.String(), "PEER"},
		{"ControlPong", ControlMsgPong.String(), "PONG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeDatagramEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	in := Event{
		Timestamp: ts,
		Direction: DirectionOut,
		Layer:     LayerDatagram,
		Category:  CategoryMessage,
		LocalTag:  1,
		PeerTag:   2,
		Datagram: &DatagramEvent{
			Flags:   "ACK|EAK",
			Seq:     0,
			Ack:     41,
			BodyLen: 0,
			EAK:     []uint32{43, 45},
		},
	}

	data, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if !out.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, ts)
	}
	if out.Datagram == nil || out.Datagram.Flags != "ACK|EAK" || out.Datagram.Ack != 41 {
		t.Fatalf("Datagram = %+v", out.Datagram)
	}
	if len(out.Datagram.EAK) != 2 || out.Datagram.EAK[1] != 45 {
		t.Errorf("EAK = %v", out.Datagram.EAK)
	}
	if out.Frame != nil || out.StateChange != nil {
		t.Error("unexpected payloads set")
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	e := Event{
		Timestamp:    time.Unix(100, 0).UTC(),
		ConnectionID: "c",
		StateChange:  &StateChangeEvent{Entity: StateEntityChannel, NewState: "ESTABLISHED"},
	}
	a, _ := EncodeEvent(e)
	b, _ := EncodeEvent(e)
	if !bytes.Equal(a, b) {
		t.Error("encoding differs between calls")
	}
}

func TestTruncateData(t *testing.T) {
	short, truncated := TruncateData([]byte{1, 2, 3})
	if truncated || len(short) != 3 {
		t.Errorf("short payload: len=%d truncated=%v", len(short), truncated)
	}

	long, truncated := TruncateData(make([]byte, MaxDataSize+10))
	if !truncated || len(long) != MaxDataSize {
		t.Errorf("long payload: len=%d truncated=%v", len(long), truncated)
	}
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	r1, r2 := &recordingLogger{}, &recordingLogger{}
	m := NewMultiLogger(r1, nil, r2)

	m.Log(Event{ConnectionID: "x"})

	if len(r1.events) != 1 || len(r2.events) != 1 {
		t.Fatalf("got %d/%d events, want 1/1", len(r1.events), len(r2.events))
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) is not a NoopLogger")
	}
	r := &recordingLogger{}
	if OrNoop(r) != Logger(r) {
		t.Error("OrNoop changed a non-nil logger")
	}
}

func writeCapture(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.glog")

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range events {
		fl.Log(e)
	}
	if fl.Written() != len(events) {
		t.Errorf("Written() = %d, want %d", fl.Written(), len(events))
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestFileLoggerAndReader(t *testing.T) {
	now := time.Now()
	path := writeCapture(t, []Event{
		{Timestamp: now, ConnectionID: "a", Layer: LayerStream, Category: CategoryMessage},
		{Timestamp: now, PeerTag: 7, Layer: LayerDatagram, Category: CategoryMessage},
		{Timestamp: now, ConnectionID: "a", Layer: LayerStream, Category: CategoryError,
			Error: &ErrorEventData{Layer: LayerStream, Message: "boom"}},
	})

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	var n int
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		n++
	}
	if n != 3 {
		t.Errorf("read %d events, want 3", n)
	}
}

func TestFilteredReader(t *testing.T) {
	now := time.Now()
	path := writeCapture(t, []Event{
		{Timestamp: now, ConnectionID: "a", Layer: LayerStream},
		{Timestamp: now, PeerTag: 7, Layer: LayerDatagram},
		{Timestamp: now, PeerTag: 8, Layer: LayerDatagram},
	})

	layer := LayerDatagram
	r, err := NewFilteredReader(path, Filter{Layer: &layer, PeerTag: 8})
	if err != nil {
		t.Fatalf("NewFilteredReader: %v", err)
	}
	defer r.Close()

	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.PeerTag != 8 {
		t.Errorf("PeerTag = %d, want 8", e.PeerTag)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestFileLoggerIgnoresLogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.glog")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	fl.Close()
	fl.Log(Event{})
	if fl.Written() != 0 {
		t.Errorf("Written() = %d after close", fl.Written())
	}
	if err := fl.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSlogAdapterDatagram(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	adapter.Log(Event{
		Direction: DirectionIn,
		Layer:     LayerDatagram,
		PeerTag:   3,
		Datagram:  &DatagramEvent{Flags: "SYN", Seq: 1},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if entry["flags"] != "SYN" {
		t.Errorf("flags = %v", entry["flags"])
	}
	if entry["peer"] != float64(3) {
		t.Errorf("peer = %v", entry["peer"])
	}
}

func TestSlogAdapterSkipsWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	adapter.Log(Event{Frame: &FrameEvent{Size: 3}})
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
