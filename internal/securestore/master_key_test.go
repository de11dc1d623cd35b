package securestore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"defidash/go-backend/internal/platform/faults"
)

func TestLoadMasterKeyAcceptedEncodings(t *testing.T) {
	raw := make([]byte, MasterKeySize)
	for i := range raw {
		raw[i] = byte(i)
	}
	inputs := map[string]string{
		"hex lower":   hex.EncodeToString(raw),
		"hex upper":   strings.ToUpper(hex.EncodeToString(raw)),
		"base64":      base64.StdEncoding.EncodeToString(raw),
		"base64 raw":  base64.RawStdEncoding.EncodeToString(raw),
		"padded line": "  " + hex.EncodeToString(raw) + "\n",
	}
	want, _ := MasterKeyFromBytes(raw)
	for name, in := range inputs {
		k, err := LoadMasterKey(in)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if k != want {
			t.Fatalf("%s: decoded key mismatch", name)
		}
	}
}

func TestLoadMasterKeyRejectsBadInput(t *testing.T) {
	inputs := map[string]string{
		"empty":         "",
		"short hex":     hex.EncodeToString(make([]byte, 31)),
		"long hex":      hex.EncodeToString(make([]byte, 33)),
		"short base64":  base64.StdEncoding.EncodeToString(make([]byte, 16)),
		"garbage":       "not a key at all!",
		"64 non-hex ch": strings.Repeat("g", 64),
	}
	for name, in := range inputs {
		if _, err := LoadMasterKey(in); !errors.Is(err, faults.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestMasterKeyNeverFormatsMaterial(t *testing.T) {
	k, err := LoadMasterKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, s := range []string{k.String(), fmt.Sprint(k), fmt.Sprintf("%v", k), k.LogValue().String()} {
		if strings.Contains(s, "ab") {
			t.Fatalf("key material leaked: %q", s)
		}
	}
}

func TestKeyHolderLoadsOnce(t *testing.T) {
	calls := 0
	src := KeySourceFunc(func(context.Context) (string, error) {
		calls++
		return strings.Repeat("01", 32), nil
	})
	h := NewKeyHolder(src)
	for i := 0; i < 5; i++ {
		if _, err := h.Key(context.Background()); err != nil {
			t.Fatalf("key: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one source read, got %d", calls)
	}
	h.Reset()
	if _, err := h.Key(context.Background()); err != nil {
		t.Fatalf("key after reset: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected reload after reset, got %d reads", calls)
	}
}

func TestKeyHolderCachesConfigurationErrorOnly(t *testing.T) {
	calls := 0
	bad := NewKeyHolder(KeySourceFunc(func(context.Context) (string, error) {
		calls++
		return "short", nil
	}))
	for i := 0; i < 3; i++ {
		if _, err := bad.Key(context.Background()); !errors.Is(err, faults.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("configuration failure must be cached, got %d reads", calls)
	}

	transient := errors.New("vault timeout")
	calls = 0
	flaky := NewKeyHolder(KeySourceFunc(func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", transient
		}
		return strings.Repeat("02", 32), nil
	}))
	if _, err := flaky.Key(context.Background()); !errors.Is(err, transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, err := flaky.Key(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestEnvKeySource(t *testing.T) {
	t.Setenv("DEFI_TEST_MASTER_KEY", strings.Repeat("cd", 32))
	h := NewKeyHolder(EnvKeySource{Name: "DEFI_TEST_MASTER_KEY"})
	if _, err := h.Key(context.Background()); err != nil {
		t.Fatalf("env key: %v", err)
	}
	missing := NewKeyHolder(EnvKeySource{Name: "DEFI_TEST_MASTER_KEY_UNSET"})
	if _, err := missing.Key(context.Background()); !errors.Is(err, ErrMasterKeyMissing) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
