// Package apitoken defines the bearer API key format: generation, digesting,
// structural validation and Authorization header extraction.
package apitoken

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Prefix starts every raw token. Matching is case-sensitive.
	Prefix = "dd_live_"

	randomBytes   = 32
	randomHexLen  = 2 * randomBytes
	displayHexLen = 8
	ellipsis      = "..."

	bearerScheme = "Bearer "
)

// Token is a freshly generated key. Raw is shown to the owner once and never
// stored; Digest is what gets persisted and compared.
type Token struct {
	Raw           string
	Digest        string
	DisplayPrefix string
}

// Generate returns a new token with 256 bits of entropy.
func Generate() (Token, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("read token entropy: %w", err)
	}
	body := hex.EncodeToString(buf)
	raw := Prefix + body
	return Token{
		Raw:           raw,
		Digest:        Digest(raw),
		DisplayPrefix: Prefix + body[:displayHexLen] + ellipsis,
	}, nil
}

// Digest is the lowercase hex SHA-256 of the full raw token.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsValidFormat is a structural check only. A true result says nothing about
// whether the token was ever issued.
func IsValidFormat(candidate string) bool {
	if !strings.HasPrefix(candidate, Prefix) {
		return false
	}
	body := candidate[len(Prefix):]
	if len(body) != randomHexLen {
		return false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// FromAuthorizationHeader extracts the token from a header of the exact shape
// "Bearer <token>". Any other shape is reported as no credential.
func FromAuthorizationHeader(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerScheme) {
		return "", false
	}
	token := header[len(bearerScheme):]
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}
