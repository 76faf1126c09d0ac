// Package transport provides the framed TCP channel.
//
// The transport layer handles:
//   - Length-prefixed framing over a reactor-managed socket
//   - A one-frame handshake that fixes the security level and the challenge
//   - Optional payload encryption through a cipher.Cipher
//   - Keep-alive ping/pong and graceful close
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Messages (u16 type + body)   │
//	├────────────────────────────────┤
//	│  Cipher (security level > 0)   │
//	├────────────────────────────────┤
//	│ Framing (u16 len, u8 control)  │
//	├────────────────────────────────┤
//	│              TCP               │
//	└────────────────────────────────┘
//
// # Handshake
//
// The accepting side sends one cleartext FrameHandshake carrying its
// security level and a 256-byte random challenge, and is established at
// once. The connecting side stays in StateHandshaking until that frame
// arrives; any other frame first is fatal. A level above zero derives the
// session keys from the challenge, after which every payload (messages,
// pings, pongs and close) is encrypted.
//
// # Keep-Alive
//
// Connection liveness is monitored using ping/pong frames:
//   - Ping interval: 5 seconds
//   - Pong timeout: 2 seconds
//   - Max missed pongs: 3
//   - Maximum detection delay: 17 seconds
package transport
