// Package faults holds the error taxonomy shared by the credential packages.
//
// Packages wrap these sentinels with fmt.Errorf("%w: ...") and callers match
// them with errors.Is. Internal detail stays in the wrapped message; external
// callers only ever see Public(err).
package faults

import "errors"

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrRevoked             = errors.New("credential revoked")
	ErrExpired             = errors.New("credential expired")
	ErrRateLimited         = errors.New("rate limited")
	ErrQuotaExceeded       = errors.New("monthly quota exceeded")
	ErrDecryption          = errors.New("decryption failed")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Public returns the message that may be shown to an untrusted caller.
func Public(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedCredential), errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrRevoked), errors.Is(err, ErrExpired):
		// Key state is not disclosed beyond "not authorized".
		return "invalid or inactive api key"
	case errors.Is(err, ErrRateLimited):
		return "rate limit exceeded"
	case errors.Is(err, ErrQuotaExceeded):
		return "monthly quota exceeded"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid request"
	case errors.Is(err, ErrStoreUnavailable):
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrStoreUnavailable)
}
