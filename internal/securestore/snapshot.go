package securestore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	snapshotVersion = 1
	snapshotKDF     = "hkdf-sha256"
	snapshotInfo    = "defidash/securestore/snapshot/v1"
	saltSize        = 16
	filePrefix      = "DDENC1\n"
)

var (
	ErrSnapshotAuthFailed = errors.New("securestore snapshot authentication failed")
	ErrSnapshotInvalid    = errors.New("securestore snapshot is invalid")
	ErrSnapshotPlaintext  = errors.New("securestore snapshot is not encrypted")
)

// Snapshot is the on-disk form of an encrypted store file. It is keyed by a
// subkey derived from the master key, never by the master key itself, so
// snapshot ciphertexts and secret envelopes live in separate key domains.
type Snapshot struct {
	Version    uint32 `json:"version"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealSnapshot encrypts payload into the prefixed JSON file format.
func SealSnapshot(key MasterKey, payload []byte) ([]byte, error) {
	snap, err := sealSnapshot(key, payload)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// OpenSnapshot reverses SealSnapshot.
func OpenSnapshot(key MasterKey, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrSnapshotPlaintext
	}
	var snap Snapshot
	if err := json.Unmarshal(data[len(filePrefix):], &snap); err != nil {
		return nil, ErrSnapshotInvalid
	}
	return openSnapshot(key, &snap)
}

func sealSnapshot(key MasterKey, payload []byte) (*Snapshot, error) {
	if key.IsZero() {
		return nil, ErrMasterKeyMissing
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	sub, err := deriveSnapshotKey(key, salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(sub)

	aead, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:    snapshotVersion,
		KDF:        snapshotKDF,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, payload, nil),
	}, nil
}

func openSnapshot(key MasterKey, snap *Snapshot) ([]byte, error) {
	if snap == nil || snap.Version != snapshotVersion || snap.KDF != snapshotKDF {
		return nil, ErrSnapshotInvalid
	}
	if len(snap.Salt) != saltSize || len(snap.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrSnapshotInvalid
	}
	sub, err := deriveSnapshotKey(key, snap.Salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(sub)

	aead, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, snap.Nonce, snap.Ciphertext, nil)
	if err != nil {
		return nil, ErrSnapshotAuthFailed
	}
	return plaintext, nil
}

func deriveSnapshotKey(key MasterKey, salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, key.bytes(), salt, []byte(snapshotInfo))
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive snapshot key: %w", err)
	}
	return out, nil
}
