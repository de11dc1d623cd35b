package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPublicHidesInternalDetail(t *testing.T) {
	err := fmt.Errorf("%w: segment 2 is not hex", ErrDecryption)
	if got := Public(err); got != "internal error" {
		t.Fatalf("unexpected public message: %q", got)
	}
	cfg := fmt.Errorf("%w: DEFI_MASTER_KEY has 31 bytes", ErrConfiguration)
	if strings.Contains(Public(cfg), "31") {
		t.Fatalf("public message leaks detail: %q", Public(cfg))
	}
}

func TestPublicDoesNotDistinguishKeyStates(t *testing.T) {
	states := []error{ErrMalformedCredential, ErrUnauthenticated, ErrRevoked, ErrExpired}
	want := Public(states[0])
	for _, err := range states[1:] {
		if got := Public(fmt.Errorf("wrap: %w", err)); got != want {
			t.Fatalf("state %v leaks through public message %q", err, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrRateLimited, true},
		{fmt.Errorf("%w: timeout", ErrStoreUnavailable), true},
		{ErrQuotaExceeded, false},
		{ErrConfiguration, false},
		{errors.New("other"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v)=%v, want %v", tc.err, got, tc.want)
		}
	}
}
