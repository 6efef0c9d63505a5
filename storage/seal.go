package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/rpcwire/crypto"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// SealVersion is the current sealed record format version
	SealVersion = 1
	// KDFSaltSize is the size of the salt for PBKDF2
	KDFSaltSize = 32
)

// ErrSealed reports a sealed record that failed to open: wrong passphrase,
// wrong endpoint or tampering.
var ErrSealed = errors.New("storage: sealed record does not open")

// Sealer encrypts records at rest with AES-256-GCM under a passphrase
// derived key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from passphrase and salt with PBKDF2.
func NewSealer(passphrase, salt []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	key := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	defer crypto.SecureWipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 2, 2+len(nonce)+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint16(out, SealVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < 2+ns+s.aead.Overhead() {
		return nil, fmt.Errorf("record of %d bytes: %w", len(sealed), ErrSealed)
	}
	if v := binary.BigEndian.Uint16(sealed); v != SealVersion {
		return nil, fmt.Errorf("unsupported seal version %d: %w", v, ErrSealed)
	}
	pt, err := s.aead.Open(nil, sealed[2:2+ns], sealed[2+ns:], aad)
	if err != nil {
		return nil, ErrSealed
	}
	return pt, nil
}
