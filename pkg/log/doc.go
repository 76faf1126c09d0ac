// Package log provides protocol capture for gamenet transports.
//
// Protocol capture is separate from operational logging (slog). Where slog
// answers "what is the process doing", a capture answers "what crossed the
// wire": every stream frame, every datagram header, every connection state
// transition and every fatal protocol error, in a machine-readable trace.
//
// # Basic Usage
//
// Transports accept a Logger in their config:
//
//	// Development: print events through slog at debug level
//	cfg.Capture = log.NewSlogAdapter(slog.Default())
//
//	// Production: append to a capture file
//	fl, _ := log.NewFileLogger("/var/log/gamenet/node.glog")
//	cfg.Capture = fl
//
//	// Both
//	cfg.Capture = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Event Types
//
//   - Frame: a TCP frame (control byte, size, leading payload bytes)
//   - Datagram: a reliable-UDP header (flags, seq, ack, EAK list)
//   - StateChange: channel or peer state transition
//   - ControlMsg: ping/pong/close on a stream
//   - Error: fatal transport or protocol error
//
// # File Format
//
// Capture files are a sequence of CBOR-encoded events (.glog). The
// gamenet-log tool views, filters and summarises them.
package log
