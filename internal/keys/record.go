package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/pkg/models"
)

type State string

const (
	StateIssued  State = "issued"
	StateActive  State = "active"
	StateRevoked State = "revoked"
	StateExpired State = "expired"
)

var (
	ErrNotFound        = errors.New("api key not found")
	ErrDuplicateDigest = errors.New("api key digest already exists")
	ErrDuplicateID     = errors.New("api key id already exists")
	// ErrInactive is returned by Store.RecordUsage when the key was revoked
	// or expired between lookup and the usage write.
	ErrInactive = errors.New("api key is not active")
)

// Record is the stored form of an API key. KeyDigest never leaves the
// credential core; use View for anything crossing a trust boundary.
type Record struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	KeyDigest  string     `json:"key_digest"`
	MaskedKey  string     `json:"masked_key"`
	Name       string     `json:"name"`
	Tier       string     `json:"tier"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	TotalCalls int64      `json:"total_calls"`
	IsActive   bool       `json:"is_active"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	// UsagePeriod and PeriodCalls are the durable copy of the monthly
	// counter, used to reseed in-process counters after a restart.
	UsagePeriod string `json:"usage_period,omitempty"`
	PeriodCalls int64  `json:"period_calls,omitempty"`
}

// Expired reports whether the key has an expiry at or before now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Live reports whether the key may authenticate at now.
func (r Record) Live(now time.Time) bool {
	return r.IsActive && !r.Expired(now)
}

// State maps the record onto the lifecycle: issued -> active -> revoked, or
// active -> expired. Revocation wins over expiry.
func (r Record) State(now time.Time) State {
	switch {
	case !r.IsActive:
		return StateRevoked
	case r.Expired(now):
		return StateExpired
	case r.LastUsedAt == nil:
		return StateIssued
	default:
		return StateActive
	}
}

// View returns the redacted form of the record.
func (r Record) View(now time.Time) models.APIKey {
	return models.APIKey{
		ID:         r.ID,
		Owner:      r.Owner,
		Name:       r.Name,
		MaskedKey:  r.MaskedKey,
		Tier:       r.Tier,
		Status:     string(r.State(now)),
		IsActive:   r.Live(now),
		TotalCalls: r.TotalCalls,
		CreatedAt:  r.CreatedAt,
		LastUsedAt: cloneTime(r.LastUsedAt),
		RevokedAt:  cloneTime(r.RevokedAt),
		ExpiresAt:  cloneTime(r.ExpiresAt),
	}
}

// CallsIn returns the calls recorded in period.
func (r Record) CallsIn(period string) int64 {
	if r.UsagePeriod != period {
		return 0
	}
	return r.PeriodCalls
}

// WithUsage returns a copy with one more call recorded at at.
func (r Record) WithUsage(at time.Time) Record {
	out := r.Clone()
	at = at.UTC()
	period := Period(at)
	out.PeriodCalls = r.CallsIn(period) + 1
	out.UsagePeriod = period
	out.TotalCalls++
	out.LastUsedAt = &at
	return out
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.LastUsedAt = cloneTime(r.LastUsedAt)
	out.RevokedAt = cloneTime(r.RevokedAt)
	out.ExpiresAt = cloneTime(r.ExpiresAt)
	return out
}

// Store persists API key records. Every method must honor ctx.
type Store interface {
	CreateKey(ctx context.Context, rec Record) error
	KeyByID(ctx context.Context, id string) (Record, error)
	KeyByDigest(ctx context.Context, digest string) (Record, error)
	KeysByOwner(ctx context.Context, owner string) ([]Record, error)
	// RevokeKey atomically moves a live key owned by owner to revoked.
	// It reports false for unknown, foreign, revoked or expired keys;
	// expiry is terminal.
	RevokeKey(ctx context.Context, id, owner string, at time.Time) (bool, error)
	// RecordUsage atomically re-checks liveness and applies
	// Record.WithUsage. It fails with ErrInactive for revoked or expired
	// keys.
	RecordUsage(ctx context.Context, id string, at time.Time) (Record, error)
}

// UsageSource reports the persisted per-key call counts for a period.
type UsageSource interface {
	PeriodUsage(ctx context.Context, period string) (map[string]int64, error)
}

// UsageCounter tracks calls per key per billing period. Counts may be
// approximate under concurrency.
type UsageCounter interface {
	Count(ctx context.Context, keyID, period string) (int64, error)
	Increment(ctx context.Context, keyID, period string) (int64, error)
}

// Period returns the UTC billing month for t, e.g. "2026-10".
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// StoreError classifies a store failure. Domain sentinels pass through;
// everything else, including timeouts, becomes faults.ErrStoreUnavailable.
func StoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateDigest), errors.Is(err, ErrDuplicateID),
		errors.Is(err, ErrInactive), errors.Is(err, faults.ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", faults.ErrStoreUnavailable, err)
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
