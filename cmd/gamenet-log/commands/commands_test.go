package commands

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gamenet-io/gamenet-go/pkg/log"
)

var baseTime = time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.glog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("failed to close logger: %v", err)
	}
	return path
}

func sampleEvents() []log.Event {
	return []log.Event{
		{
			Timestamp:    baseTime,
			ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
			Direction:    log.DirectionOut,
			Layer:        log.LayerStream,
			Category:     log.CategoryMessage,
			RemoteAddr:   "10.0.0.2:7700",
			Frame:        &log.FrameEvent{Control: 0x01, Size: 7, Data: []byte{0xa1, 0x01, 0x02, 0x03}},
		},
		{
			Timestamp: baseTime.Add(time.Second),
			Direction: log.DirectionIn,
			Layer:     log.LayerDatagram,
			Category:  log.CategoryMessage,
			LocalTag:  1,
			PeerTag:   2,
			Datagram:  &log.DatagramEvent{Flags: "ACK|RLE|ORD", Seq: 5, Ack: 3, BodyLen: 12, EAK: []uint32{7, 9}},
		},
		{
			Timestamp: baseTime.Add(2 * time.Second),
			Direction: log.DirectionOut,
			Layer:     log.LayerDatagram,
			Category:  log.CategoryMessage,
			LocalTag:  1,
			PeerTag:   2,
			Datagram:  &log.DatagramEvent{Flags: "RLE|ORD", Seq: 6, BodyLen: 4, Retransmit: true},
		},
		{
			Timestamp: baseTime.Add(3 * time.Second),
			Layer:     log.LayerDatagram,
			Category:  log.CategoryState,
			LocalTag:  1,
			PeerTag:   2,
			StateChange: &log.StateChangeEvent{
				Entity: log.StateEntityPeer, OldState: "OPEN", NewState: "CLOSE_WAIT", Reason: "inactivity",
			},
		},
		{
			Timestamp:    baseTime.Add(4 * time.Second),
			ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
			Direction:    log.DirectionIn,
			Layer:        log.LayerStream,
			Category:     log.CategoryControl,
			ControlMsg:   &log.ControlMsgEvent{Type: log.ControlMsgPong, Sequence: 3},
		},
		{
			Timestamp:    baseTime.Add(5 * time.Second),
			ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
			Layer:        log.LayerStream,
			Category:     log.CategoryError,
			Error:        &log.ErrorEventData{Layer: log.LayerStream, Message: "bad frame", Context: "decrypt"},
		},
	}
}

func TestFormatFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[0])
	output := buf.String()

	for _, want := range []string{
		"2026-01-28T10:15:32.123456Z",
		"[conn:abc12345]",
		"OUT",
		"STREAM Frame",
		"Size: 7 bytes",
		"Data: a1010203",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatDatagramEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[1])
	output := buf.String()

	for _, want := range []string{"[peer:2]", "DATAGRAM Datagram", "Flags: ACK|RLE|ORD", "Seq: 5  Ack: 3", "EAK: 7,9"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}

	buf.Reset()
	formatEvent(&buf, sampleEvents()[2])
	if !strings.Contains(buf.String(), "(retransmit)") {
		t.Errorf("expected retransmit marker, got: %s", buf.String())
	}
}

func TestFormatStateAndControlEvents(t *testing.T) {
	events := sampleEvents()

	var buf bytes.Buffer
	formatEvent(&buf, events[3])
	if out := buf.String(); !strings.Contains(out, "OPEN -> CLOSE_WAIT") || !strings.Contains(out, "Reason: inactivity") {
		t.Errorf("unexpected state output: %s", out)
	}

	buf.Reset()
	formatEvent(&buf, events[4])
	if out := buf.String(); !strings.Contains(out, "CTRL PONG") || !strings.Contains(out, "Sequence: 3") {
		t.Errorf("unexpected control output: %s", out)
	}

	buf.Reset()
	formatEvent(&buf, events[5])
	if out := buf.String(); !strings.Contains(out, "Message: bad frame") || !strings.Contains(out, "Context: decrypt") {
		t.Errorf("unexpected error output: %s", out)
	}
}

func TestRunViewFilters(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	layer := log.LayerDatagram
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Layer: &layer}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	if strings.Contains(buf.String(), "STREAM") {
		t.Errorf("stream events not filtered: %s", buf.String())
	}
	if got := strings.Count(buf.String(), "[peer:2]"); got != 3 {
		t.Errorf("datagram events = %d, want 3", got)
	}

	buf.Reset()
	dir := log.DirectionIn
	if err := RunView(path, ViewFilter{Direction: &dir, PeerTag: 2}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	if got := strings.Count(buf.String(), "[peer:2]"); got != 2 {
		t.Errorf("inbound peer events = %d, want 2", got)
	}
}

func TestRunViewMissingFile(t *testing.T) {
	var buf bytes.Buffer
	if err := RunView(filepath.Join(t.TempDir(), "missing.glog"), ViewFilter{}, &buf); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("UDP"); err != nil || l != log.LayerDatagram {
		t.Errorf("ParseLayerFlag(UDP) = %v, %v", l, err)
	}
	if l, err := ParseLayerFlag("stream"); err != nil || l != log.LayerStream {
		t.Errorf("ParseLayerFlag(stream) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("wire"); err == nil {
		t.Error("ParseLayerFlag(wire) accepted")
	}
	if d, err := ParseDirectionFlag("OUT"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(OUT) = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("both"); err == nil {
		t.Error("ParseDirectionFlag(both) accepted")
	}
	if c, err := ParseCategoryFlag("Control"); err != nil || c != log.CategoryControl {
		t.Errorf("ParseCategoryFlag(Control) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("snapshot"); err == nil {
		t.Error("ParseCategoryFlag(snapshot) accepted")
	}
}

func TestRunStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"Total Events: 6",
		"STREAM:",
		"DATAGRAM:",
		"CONTROL:",
		"Endpoints: 2",
		"[conn:abc12345] 3 events",
		"[peer:2] 3 events",
		"Remote: 10.0.0.2:7700",
		"State: CLOSE_WAIT",
		"Retransmits: 1",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got:\n%s", want, output)
		}
	}
}

func TestRunStatsEmpty(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("unexpected output: %s", buf.String())
	}
	if strings.Contains(buf.String(), "Time Range") {
		t.Error("time range printed for empty capture")
	}
}

func TestRunFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.glog")

	n, err := RunFilter(path, FilterOptions{Output: out, PeerTag: "2", Category: "message"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 2 {
		t.Errorf("filtered %d events, want 2", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()
	for i := 0; i < 2; i++ {
		e, err := reader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if e.PeerTag != 2 || e.Datagram == nil {
			t.Errorf("unexpected event %+v", e)
		}
	}
}

func TestRunFilterTimeRange(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.glog")

	n, err := RunFilter(path, FilterOptions{
		Output:    out,
		TimeStart: baseTime.Add(time.Second).Format(time.RFC3339),
		TimeEnd:   baseTime.Add(4 * time.Second).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	// RFC3339 drops the sub-second part, so the window is [10:15:33, 10:15:36).
	if n != 3 {
		t.Errorf("filtered %d events, want 3", n)
	}
}

func TestRunFilterBadOptions(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.glog")

	for _, opts := range []FilterOptions{
		{Output: out, PeerTag: "x"},
		{Output: out, TimeStart: "yesterday"},
		{Output: out, Layer: "wire"},
		{Output: out, Direction: "sideways"},
		{Output: out, Category: "snapshot"},
	} {
		if _, err := RunFilter(path, opts); err == nil {
			t.Errorf("RunFilter(%+v) accepted", opts)
		}
	}
}

func TestExportJSONL(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "out.jsonl")

	if err := RunExport(path, "jsonl", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e log.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 6 {
		t.Errorf("exported %d lines, want 6", lines)
	}
}

func TestExportCSV(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 7 {
		t.Fatalf("records = %d, want 7", len(records))
	}
	row := records[2]
	if row[3] != "DATAGRAM" || row[7] != "2" || row[8] != "Datagram" || row[9] != "5" || row[10] != "ACK|RLE|ORD" {
		t.Errorf("unexpected datagram row: %v", row)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	if err := RunExport(path, "xml", filepath.Join(t.TempDir(), "out")); err == nil {
		t.Error("expected error for unknown format")
	}
}
