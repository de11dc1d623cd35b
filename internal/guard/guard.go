// Package guard admits or rejects each authenticated API call. Checks run
// cheapest first: token shape, digest lookup, per-minute rate, monthly quota.
// Counters only move once every check has passed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"defidash/go-backend/internal/apitoken"
	"defidash/go-backend/internal/keys"
	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/internal/tier"
	"defidash/go-backend/pkg/models"
)

type Reason string

const (
	ReasonAllowed             Reason = "allowed"
	ReasonMalformedCredential Reason = "malformed_credential"
	ReasonUnauthenticated     Reason = "unauthenticated"
	ReasonRevoked             Reason = "revoked"
	ReasonExpired             Reason = "expired"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonQuotaExceeded       Reason = "quota_exceeded"
	ReasonUnavailable         Reason = "unavailable"
)

// Err maps a rejection onto the shared taxonomy. Allowed maps to nil.
func (r Reason) Err() error {
	switch r {
	case ReasonAllowed:
		return nil
	case ReasonMalformedCredential:
		return faults.ErrMalformedCredential
	case ReasonUnauthenticated:
		return faults.ErrUnauthenticated
	case ReasonRevoked:
		return faults.ErrRevoked
	case ReasonExpired:
		return faults.ErrExpired
	case ReasonRateLimited:
		return faults.ErrRateLimited
	case ReasonQuotaExceeded:
		return faults.ErrQuotaExceeded
	default:
		return faults.ErrStoreUnavailable
	}
}

func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonAllowed:
		return http.StatusOK
	case ReasonMalformedCredential, ReasonUnauthenticated, ReasonRevoked, ReasonExpired:
		return http.StatusUnauthorized
	case ReasonRateLimited, ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

type Decision struct {
	Allow  bool
	Reason Reason
	// Key and Tier are set once the token resolved to a record.
	Key        models.APIKey
	Tier       tier.Definition
	RetryAfter time.Duration
}

// RateScope picks the identity the per-minute bucket is keyed on.
type RateScope string

const (
	ScopeKey RateScope = "key"
	ScopeIP  RateScope = "ip"
)

// Limiter is satisfied by ratelimiter.MapLimiter.
type Limiter interface {
	Allow(key string, perMinute int, now time.Time) (bool, time.Duration)
}

type Metrics interface {
	Admission(reason string)
}

type noopMetrics struct{}

func (noopMetrics) Admission(string) {}

type Options struct {
	Store        keys.Store
	Usage        keys.UsageCounter
	Tiers        *tier.Table
	Limiter      Limiter
	Scope        RateScope
	StoreTimeout time.Duration
	Metrics      Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

type Guard struct {
	store   keys.Store
	usage   keys.UsageCounter
	tiers   *tier.Table
	limiter Limiter
	scope   RateScope
	timeout time.Duration
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(opts Options) (*Guard, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: guard requires a key store", faults.ErrConfiguration)
	}
	if opts.Usage == nil {
		return nil, fmt.Errorf("%w: guard requires a usage counter", faults.ErrConfiguration)
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("%w: guard requires a rate limiter", faults.ErrConfiguration)
	}
	switch opts.Scope {
	case "":
		opts.Scope = ScopeKey
	case ScopeKey, ScopeIP:
	default:
		return nil, fmt.Errorf("%w: unknown rate limit scope %q", faults.ErrConfiguration, opts.Scope)
	}
	if opts.Tiers == nil {
		opts.Tiers = tier.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = keys.DefaultStoreTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{
		store:   opts.Store,
		usage:   opts.Usage,
		tiers:   opts.Tiers,
		limiter: opts.Limiter,
		scope:   opts.Scope,
		timeout: opts.StoreTimeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}, nil
}

// Admit decides whether rawToken may make one call. It never returns an
// error; every failure, including store timeouts, is a rejecting Decision.
func (g *Guard) Admit(ctx context.Context, rawToken, callerIP string) Decision {
	d := g.admit(ctx, rawToken, callerIP)
	g.metrics.Admission(string(d.Reason))
	return d
}

// AdmitRequest reads the bearer token and caller address from r.
func (g *Guard) AdmitRequest(r *http.Request) Decision {
	raw, ok := apitoken.FromAuthorizationHeader(r.Header.Get("Authorization"))
	if !ok {
		g.metrics.Admission(string(ReasonMalformedCredential))
		return Decision{Reason: ReasonMalformedCredential}
	}
	return g.Admit(r.Context(), raw, ClientIP(r))
}

func (g *Guard) admit(ctx context.Context, rawToken, callerIP string) Decision {
	if !apitoken.IsValidFormat(rawToken) {
		return Decision{Reason: ReasonMalformedCredential}
	}
	digest := apitoken.Digest(rawToken)

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	rec, err := g.store.KeyByDigest(sctx, digest)
	cancel()
	switch {
	case errors.Is(err, keys.ErrNotFound):
		return Decision{Reason: ReasonUnauthenticated}
	case err != nil:
		g.logger.Warn("key lookup failed", "error", err)
		return Decision{Reason: ReasonUnavailable}
	case !apitoken.DigestEqual(rec.KeyDigest, digest):
		// Backends may match loosely, e.g. a case-insensitive collation.
		return Decision{Reason: ReasonUnauthenticated}
	}

	now := g.now()
	if !rec.IsActive {
		return Decision{Reason: ReasonRevoked}
	}
	if rec.Expired(now) {
		return Decision{Reason: ReasonExpired}
	}

	def, err := g.tiers.Resolve(rec.Tier)
	if err != nil {
		g.logger.Error("key references unknown tier", "key_id", rec.ID, "tier", rec.Tier)
		return Decision{Reason: ReasonUnavailable}
	}
	base := Decision{Key: rec.View(now), Tier: def}

	if ok, retry := g.limiter.Allow(g.rateKey(rec.ID, callerIP), def.RequestsPerMinute, now); !ok {
		base.Reason = ReasonRateLimited
		base.RetryAfter = retry
		return base
	}

	period := keys.Period(now)
	if !def.Unlimited() {
		sctx, cancel := context.WithTimeout(ctx, g.timeout)
		used, err := g.usage.Count(sctx, rec.ID, period)
		cancel()
		if err != nil {
			g.logger.Warn("usage read failed", "key_id", rec.ID, "error", err)
			base.Reason = ReasonUnavailable
			return base
		}
		if def.QuotaExceeded(used) {
			base.Reason = ReasonQuotaExceeded
			base.RetryAfter = untilNextPeriod(now)
			return base
		}
	}

	sctx, cancel = context.WithTimeout(ctx, g.timeout)
	defer cancel()
	updated, err := g.store.RecordUsage(sctx, rec.ID, now)
	switch {
	case errors.Is(err, keys.ErrInactive), errors.Is(err, keys.ErrNotFound):
		// Revoked or expired after the lookup above.
		if rec.Expired(now) {
			base.Reason = ReasonExpired
		} else {
			base.Reason = ReasonRevoked
		}
		return base
	case err != nil:
		g.logger.Warn("usage write failed", "key_id", rec.ID, "error", err)
		base.Reason = ReasonUnavailable
		return base
	}
	// The record already counts this call; a failed increment rejects it
	// anyway so the quota never runs ahead of the counter.
	if _, err := g.usage.Increment(sctx, rec.ID, period); err != nil {
		g.logger.Warn("usage counter increment failed", "key_id", rec.ID, "error", err)
		base.Reason = ReasonUnavailable
		return base
	}

	return Decision{Allow: true, Reason: ReasonAllowed, Key: updated.View(now), Tier: def}
}

func (g *Guard) rateKey(keyID, callerIP string) string {
	if g.scope == ScopeIP {
		if ip := strings.TrimSpace(callerIP); ip != "" {
			return "ip:" + ip
		}
	}
	return "key:" + keyID
}

// ClientIP returns the host part of r.RemoteAddr. Forwarding headers are
// ignored; a trusted proxy should rewrite RemoteAddr instead.
func ClientIP(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func untilNextPeriod(now time.Time) time.Duration {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return next.Sub(u)
}
