// Package cipher provides the payload encryption used by stream channels once
// the handshake has exchanged a challenge.
//
// The handshake shape is challenge → derived session key → established. The
// session keys are derived with HKDF-SHA256 from a pre-shared secret, salted
// with the 256-byte challenge the acceptor sends in its handshake frame. Each
// direction gets its own ChaCha20-Poly1305 key and a 64-bit counter nonce, so
// payloads must be decrypted in the order they were encrypted. Stream
// transports guarantee that order.
package cipher

import (
	crypto "crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher errors.
var (
	ErrNotInitialized = errors.New("cipher: not initialized")
	ErrAuthFailed     = errors.New("cipher: authentication failed")
	ErrNonceExhausted = errors.New("cipher: nonce space exhausted")
	ErrShortSecret    = errors.New("cipher: secret too short")
	ErrEmptyChallenge = errors.New("cipher: empty challenge")
)

// MinSecretSize is the minimum pre-shared secret length.
const MinSecretSize = 16

// Overhead is the number of bytes Encrypt adds to a payload.
const Overhead = chacha20poly1305.Overhead

// Cipher encrypts and decrypts channel payloads.
type Cipher interface {
	// Init derives session keys from the handshake challenge.
	Init(challenge []byte) error
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// Role selects the key direction.
type Role uint8

const (
	RoleAcceptor Role = iota
	RoleConnector
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

// Factory creates a Cipher for one channel.
type Factory func(role Role) (Cipher, error)

// HKDF info labels, one per direction.
var (
	infoAcceptorToConnector = []byte("gamenet stream v1 acceptor->connector")
	infoConnectorToAcceptor = []byte("gamenet stream v1 connector->acceptor")
)

// NewAEADFactory returns a Factory producing AEAD ciphers keyed from secret.
func NewAEADFactory(secret []byte) (Factory, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortSecret, len(secret), MinSecretSize)
	}
	key := append([]byte(nil), secret...)
	return func(role Role) (Cipher, error) {
		return NewAEAD(key, role), nil
	}, nil
}

// AEAD is a ChaCha20-Poly1305 Cipher with HKDF-derived per-direction keys.
//
// Encrypt and Decrypt touch disjoint state and may be called concurrently
// with each other, but each must be serialised with itself.
type AEAD struct {
	secret []byte
	role   Role

	send, recv           crypto.AEAD
	sendNonce, recvNonce uint64
}

// NewAEAD creates an uninitialised AEAD cipher.
func NewAEAD(secret []byte, role Role) *AEAD {
	return &AEAD{secret: secret, role: role}
}

// Init derives the session keys. It may be called once per channel.
func (a *AEAD) Init(challenge []byte) error {
	if len(challenge) == 0 {
		return ErrEmptyChallenge
	}

	a2c, err := deriveKey(a.secret, challenge, infoAcceptorToConnector)
	if err != nil {
		return err
	}
	c2a, err := deriveKey(a.secret, challenge, infoConnectorToAcceptor)
	if err != nil {
		return err
	}

	if a.role == RoleAcceptor {
		a.send, a.recv = a2c, c2a
	} else {
		a.send, a.recv = c2a, a2c
	}
	a.sendNonce, a.recvNonce = 0, 0
	return nil
}

func deriveKey(secret, salt, info []byte) (crypto.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}
	return chacha20poly1305.New(key)
}

func nonce(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(n[chacha20poly1305.NonceSize-8:], counter)
	return n
}

// Encrypt seals plain. The result is Overhead bytes longer.
func (a *AEAD) Encrypt(plain []byte) ([]byte, error) {
	if a.send == nil {
		return nil, ErrNotInitialized
	}
	if a.sendNonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out := a.send.Seal(nil, nonce(a.sendNonce), plain, nil)
	a.sendNonce++
	return out, nil
}

// Decrypt opens sealed. Payloads must arrive in encryption order.
func (a *AEAD) Decrypt(sealed []byte) ([]byte, error) {
	if a.recv == nil {
		return nil, ErrNotInitialized
	}
	if a.recvNonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	plain, err := a.recv.Open(nil, nonce(a.recvNonce), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	a.recvNonce++
	return plain, nil
}

var _ Cipher = (*AEAD)(nil)
