package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"defidash/go-backend/internal/platform/faults"
)

const (
	NonceSize = 12
	TagSize   = 16

	segmentSeparator = ":"
)

// ErrDecrypt is returned for every envelope failure: bad shape, bad hex,
// wrong field sizes, wrong key or tampered data. Callers cannot tell them
// apart.
var ErrDecrypt = fmt.Errorf("%w: envelope rejected", faults.ErrDecryption)

// Envelope is an AES-256-GCM encrypted secret. It is serialized as
// hex(nonce):hex(tag):hex(ciphertext).
type Envelope struct {
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

func (e Envelope) String() string {
	return hex.EncodeToString(e.Nonce) + segmentSeparator +
		hex.EncodeToString(e.Tag) + segmentSeparator +
		hex.EncodeToString(e.Ciphertext)
}

// ParseEnvelope decodes the textual form produced by Envelope.String.
func ParseEnvelope(s string) (Envelope, error) {
	parts := strings.Split(strings.TrimSpace(s), segmentSeparator)
	if len(parts) != 3 {
		return Envelope{}, ErrDecrypt
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != NonceSize {
		return Envelope{}, ErrDecrypt
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return Envelope{}, ErrDecrypt
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return Envelope{}, ErrDecrypt
	}
	return Envelope{Nonce: nonce, Tag: tag, Ciphertext: ciphertext}, nil
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(key MasterKey, plaintext []byte) (Envelope, error) {
	if key.IsZero() {
		return Envelope{}, ErrMasterKeyMissing
	}
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("read nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	return Envelope{
		Nonce:      nonce,
		Tag:        append([]byte(nil), sealed[split:]...),
		Ciphertext: append([]byte(nil), sealed[:split]...),
	}, nil
}

// Open authenticates and decrypts env. No plaintext is returned unless the
// tag verifies.
func Open(key MasterKey, env Envelope) ([]byte, error) {
	if key.IsZero() {
		return nil, ErrMasterKeyMissing
	}
	if len(env.Nonce) != NonceSize || len(env.Tag) != TagSize {
		return nil, ErrDecrypt
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	plaintext, err := gcm.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealString seals plaintext and returns the serialized envelope.
func SealString(key MasterKey, plaintext []byte) (string, error) {
	env, err := Seal(key, plaintext)
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

// OpenString parses and opens a serialized envelope.
func OpenString(key MasterKey, s string) ([]byte, error) {
	env, err := ParseEnvelope(s)
	if err != nil {
		return nil, err
	}
	return Open(key, env)
}

func newGCM(key MasterKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.bytes())
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
