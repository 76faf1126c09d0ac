// Package reactor dispatches socket readiness and write completions to a
// fixed pool of worker goroutines through one shared completion queue.
//
// # Model
//
//	            ┌──────────┐  readable   ┌──────────────────┐
//	sockets ───▶│  poller  │────────────▶│                  │──▶ worker 1
//	(epoll/     │ (1 gor.) │             │ completion queue │──▶ worker 2
//	 kqueue)    └──────────┘  PostSend   │   chan *Op       │──▶ …
//	                        ────────────▶│                  │──▶ worker N
//	                                     └──────────────────┘
//
// Reads use a zero-length probe: PostRecv arms one-shot readability and the
// reactor carries no destination buffer. When the socket becomes readable the
// operation is queued and the Handler's OnRecvCompleted performs the reads
// itself with Registration.Read or Registration.ReadFrom, looping until
// ErrWouldBlock, then re-arms with PostRecv.
//
// Writes carry the caller's buffer. A worker writes the whole buffer and then
// calls OnSendCompleted.
//
// # Teardown
//
// Registration.Close aborts an armed read (delivered as OnIoError with
// ErrAborted) and closes the socket, which fails an in-flight write. Every
// posted operation holds a reference on its registration; Drained is closed
// once the registration is closed and the last callback has returned. Owners
// release per-connection state only after Drained.
//
// Shutdown posts one sentinel per worker and waits for all of them to exit.
package reactor
