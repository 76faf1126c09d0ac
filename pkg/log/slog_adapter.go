package log

import (
	"context"
	"log/slog"
)

// SlogAdapter prints capture events through an slog.Logger at debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	if !a.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", event.ConnectionID))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if event.PeerTag != 0 {
		attrs = append(attrs, slog.Uint64("peer", uint64(event.PeerTag)))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("control", int(event.Frame.Control)),
			slog.Int("frame_size", event.Frame.Size),
		)
	case event.Datagram != nil:
		d := event.Datagram
		attrs = append(attrs,
			slog.String("flags", d.Flags),
			slog.Uint64("seq", uint64(d.Seq)),
			slog.Uint64("ack", uint64(d.Ack)),
			slog.Int("body_len", int(d.BodyLen)),
		)
		if len(d.EAK) > 0 {
			attrs = append(attrs, slog.Any("eak", d.EAK))
		}
		if d.Retransmit {
			attrs = append(attrs, slog.Bool("retransmit", true))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.ControlMsg != nil:
		attrs = append(attrs,
			slog.String("ctrl_type", event.ControlMsg.Type.String()),
			slog.Uint64("ctrl_seq", uint64(event.ControlMsg.Sequence)),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "capture", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
