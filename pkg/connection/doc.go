// Package connection provides backoff timing and redial management.
//
// This package handles:
//   - Exponential backoff, with or without jitter
//   - Connection state tracking
//   - Automatic redial of stream channels after a transport error
//
// # Redial Strategy
//
// When a stream channel closes, the Redialer waits and dials again:
//
//  1. Initial delay: 500 milliseconds
//  2. Exponential increase: 1s, 2s, 4s, 8s, 16s
//  3. Maximum delay: 30 seconds
//  4. Continue at 30s until successful
//  5. Reset to 500ms once a channel is established
//
// # Jitter
//
// To prevent thundering herd when many clients redial a restarted server:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// The reliable datagram transport reuses Backoff without jitter to space
// out ack-only datagrams.
package connection
