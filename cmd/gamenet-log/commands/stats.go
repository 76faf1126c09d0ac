package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gamenet-io/gamenet-go/pkg/log"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Endpoints         map[string]*EndpointStats
	Retransmits       int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// EndpointStats holds statistics for one stream channel or datagram peer.
type EndpointStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	RemoteAddr string
	LastState  string
}

// collectStats reads every event of the capture file.
func collectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Endpoints:         make(map[string]*EndpointStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByLayer[event.Layer]++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		key := endpointLabel(event)
		ep, ok := stats.Endpoints[key]
		if !ok {
			ep = &EndpointStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
			stats.Endpoints[key] = ep
		}
		ep.Events++
		if event.Timestamp.After(ep.LastSeen) {
			ep.LastSeen = event.Timestamp
		}
		if event.RemoteAddr != "" {
			ep.RemoteAddr = event.RemoteAddr
		}
		if event.StateChange != nil {
			ep.LastState = event.StateChange.NewState
		}

		if event.Datagram != nil && event.Datagram.Retransmit {
			stats.Retransmits++
		}
		if event.Error != nil {
			stats.Errors++
		}
	}
}

// RunStats analyzes the capture file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := collectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== gamenet Capture Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerStream, log.LayerDatagram, log.LayerApplication} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Endpoints: %d\n", len(stats.Endpoints))
	if len(stats.Endpoints) > 0 {
		type endpointInfo struct {
			id    string
			stats *EndpointStats
		}
		eps := make([]endpointInfo, 0, len(stats.Endpoints))
		for id, es := range stats.Endpoints {
			eps = append(eps, endpointInfo{id, es})
		}
		sort.Slice(eps, func(i, j int) bool {
			if eps[i].stats.FirstSeen.Equal(eps[j].stats.FirstSeen) {
				return eps[i].id < eps[j].id
			}
			return eps[i].stats.FirstSeen.Before(eps[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, e := range eps {
			duration := e.stats.LastSeen.Sub(e.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", e.id, e.stats.Events, duration)
			if e.stats.RemoteAddr != "" {
				fmt.Fprintf(w, "           Remote: %s\n", e.stats.RemoteAddr)
			}
			if e.stats.LastState != "" {
				fmt.Fprintf(w, "           State: %s\n", e.stats.LastState)
			}
		}
	}

	if stats.Retransmits > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Retransmits: %d\n", stats.Retransmits)
	}
	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
