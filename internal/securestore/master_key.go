package securestore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"defidash/go-backend/internal/platform/faults"
)

const (
	MasterKeySize = 32

	// DefaultMasterKeyEnv is the environment variable read by EnvKeySource
	// when no name is configured.
	DefaultMasterKeyEnv = "DEFI_MASTER_KEY"
)

var (
	ErrMasterKeyMissing = fmt.Errorf("%w: master key is not set", faults.ErrConfiguration)
	ErrMasterKeyInvalid = fmt.Errorf("%w: master key must be 32 bytes as 64 hex chars or base64", faults.ErrConfiguration)
)

// MasterKey is the process-wide symmetric key that protects envelopes.
// Its String and LogValue never render key material.
type MasterKey struct {
	b [MasterKeySize]byte
}

// LoadMasterKey parses a 32-byte key given as 64 hex characters (either
// case) or as standard/unpadded base64.
func LoadMasterKey(raw string) (MasterKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return MasterKey{}, ErrMasterKeyMissing
	}
	var decoded []byte
	if len(raw) == 2*MasterKeySize {
		if b, err := hex.DecodeString(raw); err == nil {
			decoded = b
		}
	}
	if decoded == nil {
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
			if b, err := enc.DecodeString(raw); err == nil {
				decoded = b
				break
			}
		}
	}
	if len(decoded) != MasterKeySize {
		zeroBytes(decoded)
		return MasterKey{}, ErrMasterKeyInvalid
	}
	var k MasterKey
	copy(k.b[:], decoded)
	zeroBytes(decoded)
	return k, nil
}

// MasterKeyFromBytes copies b into a MasterKey.
func MasterKeyFromBytes(b []byte) (MasterKey, error) {
	if len(b) != MasterKeySize {
		return MasterKey{}, ErrMasterKeyInvalid
	}
	var k MasterKey
	copy(k.b[:], b)
	return k, nil
}

func (k MasterKey) IsZero() bool {
	return k.b == [MasterKeySize]byte{}
}

func (k MasterKey) String() string { return "[REDACTED]" }

func (k MasterKey) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

func (k MasterKey) bytes() []byte { return k.b[:] }

// KeySource yields the raw textual master key. Implementations may block.
type KeySource interface {
	MasterKey(ctx context.Context) (string, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context) (string, error)

func (f KeySourceFunc) MasterKey(ctx context.Context) (string, error) { return f(ctx) }

// EnvKeySource reads the master key from an environment variable.
type EnvKeySource struct {
	Name string
}

func (s EnvKeySource) MasterKey(context.Context) (string, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = DefaultMasterKeyEnv
	}
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w (%s)", ErrMasterKeyMissing, name)
	}
	return v, nil
}

// KeyProvider hands out the cached master key.
type KeyProvider interface {
	Key(ctx context.Context) (MasterKey, error)
}

// KeyHolder loads the master key from its source at most once per process
// lifetime. Success and configuration failures are both cached; other source
// errors (cancellation, transport) are returned without caching so a later
// call can retry. Reset drops the cached state and exists for tests.
type KeyHolder struct {
	src KeySource

	mu     sync.Mutex
	loaded bool
	key    MasterKey
	err    error
}

func NewKeyHolder(src KeySource) *KeyHolder {
	return &KeyHolder{src: src}
}

// StaticKey returns a KeyHolder that is already loaded with k.
func StaticKey(k MasterKey) *KeyHolder {
	return &KeyHolder{loaded: true, key: k}
}

func (h *KeyHolder) Key(ctx context.Context) (MasterKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return h.key, h.err
	}
	if h.src == nil {
		h.loaded, h.err = true, ErrMasterKeyMissing
		return MasterKey{}, h.err
	}
	raw, err := h.src.MasterKey(ctx)
	if err == nil {
		h.key, err = LoadMasterKey(raw)
	}
	if err != nil && !errors.Is(err, faults.ErrConfiguration) {
		return MasterKey{}, err
	}
	h.loaded, h.err = true, err
	return h.key, h.err
}

func (h *KeyHolder) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = false
	h.key = MasterKey{}
	h.err = nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
