// Package keys issues, lists and revokes bearer API keys. Only the token
// digest is stored; the raw token is handed back once from Create.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"defidash/go-backend/internal/apitoken"
	"defidash/go-backend/internal/audit"
	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/internal/tier"
	"defidash/go-backend/internal/wallet"
	"defidash/go-backend/pkg/models"
)

const (
	MaxNameLength       = 64
	DefaultStoreTimeout = 2 * time.Second

	keyIDPrefix   = "key"
	keyIDEntropy  = 12
	keyIDAttempts = 3
)

var (
	ErrNameRequired = fmt.Errorf("%w: key name is required", faults.ErrInvalidArgument)
	ErrNameTooLong  = fmt.Errorf("%w: key name is longer than %d characters", faults.ErrInvalidArgument, MaxNameLength)
	ErrInvalidTTL   = fmt.Errorf("%w: key ttl must not be negative", faults.ErrInvalidArgument)
	ErrInvalidOwner = fmt.Errorf("%w: owner must be a wallet address", faults.ErrInvalidArgument)
)

// IssueMetrics receives lifecycle counters. Nil-safe via noopMetrics.
type IssueMetrics interface {
	KeyIssued(tierID string)
	KeyRevoked()
}

type noopMetrics struct{}

func (noopMetrics) KeyIssued(string) {}
func (noopMetrics) KeyRevoked()      {}

type Options struct {
	Store        Store
	Tiers        *tier.Table
	Usage        UsageCounter
	Audit        audit.Emitter
	Metrics      IssueMetrics
	Logger       *slog.Logger
	StoreTimeout time.Duration
	Now          func() time.Time
}

type Manager struct {
	store   Store
	tiers   *tier.Table
	usage   UsageCounter
	audit   audit.Emitter
	metrics IssueMetrics
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: key store is required", faults.ErrConfiguration)
	}
	if opts.Tiers == nil {
		opts.Tiers = tier.Default()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   opts.Store,
		tiers:   opts.Tiers,
		usage:   opts.Usage,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		timeout: opts.StoreTimeout,
		now:     opts.Now,
	}, nil
}

type CreateRequest struct {
	Owner string
	Name  string
	Tier  string
	// TTL of zero means the key never expires.
	TTL      time.Duration
	SourceIP string
}

// Create issues a new key. The returned Key field is the only time the raw
// token is ever available.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (models.KeyCreated, error) {
	owner, err := normalizeOwner(req.Owner)
	if err != nil {
		return models.KeyCreated{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return models.KeyCreated{}, ErrNameRequired
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return models.KeyCreated{}, ErrNameTooLong
	}
	if req.TTL < 0 {
		return models.KeyCreated{}, ErrInvalidTTL
	}
	def, err := m.tiers.Resolve(strings.TrimSpace(req.Tier))
	if err != nil {
		return models.KeyCreated{}, err
	}

	tok, err := apitoken.Generate()
	if err != nil {
		return models.KeyCreated{}, err
	}
	id, err := newKeyID()
	if err != nil {
		return models.KeyCreated{}, err
	}
	now := m.now().UTC()
	rec := Record{
		ID:        id,
		Owner:     owner,
		KeyDigest: tok.Digest,
		MaskedKey: tok.DisplayPrefix,
		Name:      name,
		Tier:      def.ID,
		CreatedAt: now,
		IsActive:  true,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		rec.ExpiresAt = &exp
	}

	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.createWithFreshID(sctx, &rec)
	cancel()
	if err != nil {
		return models.KeyCreated{}, err
	}

	m.metrics.KeyIssued(def.ID)
	m.logger.Info("api key created", "key_id", rec.ID, "owner", owner, "tier", def.ID, "masked_key", rec.MaskedKey)
	m.audit.Emit(audit.Event{
		Actor:       owner,
		Action:      audit.ActionKeyCreated,
		Severity:    audit.SeverityInfo,
		Description: fmt.Sprintf("API key %q created", name),
		Metadata: map[string]any{
			"key_id":     rec.ID,
			"tier":       def.ID,
			"masked_key": rec.MaskedKey,
		},
		SourceIP: req.SourceIP,
		At:       now,
	})

	return models.KeyCreated{
		Key:             tok.Raw,
		ID:              rec.ID,
		MaskedKey:       rec.MaskedKey,
		Name:            rec.Name,
		Tier:            def.ID,
		RateLimitPerMin: def.RequestsPerMinute,
		MonthlyQuota:    def.MonthlyQuota,
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       cloneTime(rec.ExpiresAt),
	}, nil
}

// List returns the owner's keys, newest first, redacted.
func (m *Manager) List(ctx context.Context, owner string) ([]models.APIKey, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	recs, err := m.store.KeysByOwner(sctx, owner)
	cancel()
	if err != nil {
		return nil, StoreError(err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	now := m.now()
	out := make([]models.APIKey, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.View(now))
	}
	return out, nil
}

// Revoke deactivates keyID if owner owns it and it is still live. Unknown,
// foreign, revoked and expired keys all report false with no error.
func (m *Manager) Revoke(ctx context.Context, keyID, owner, sourceIP string) (bool, error) {
	keyID = strings.TrimSpace(keyID)
	owner, err := normalizeOwner(owner)
	if err != nil || keyID == "" {
		return false, nil
	}
	now := m.now().UTC()
	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	ok, err := m.store.RevokeKey(sctx, keyID, owner, now)
	cancel()
	if err != nil {
		return false, StoreError(err)
	}
	if !ok {
		m.audit.Emit(audit.Event{
			Actor:       owner,
			Action:      audit.ActionKeyRevokeDenied,
			Severity:    audit.SeverityWarning,
			Description: "API key revocation refused",
			Metadata:    map[string]any{"key_id": keyID},
			SourceIP:    sourceIP,
			At:          now,
		})
		return false, nil
	}

	m.metrics.KeyRevoked()
	m.logger.Info("api key revoked", "key_id", keyID, "owner", owner)
	m.audit.Emit(audit.Event{
		Actor:       owner,
		Action:      audit.ActionKeyRevoked,
		Severity:    audit.SeverityWarning,
		Description: "API key revoked",
		Metadata:    map[string]any{"key_id": keyID},
		SourceIP:    sourceIP,
		At:          now,
	})
	return true, nil
}

// Usage reports the current month's usage for one of owner's keys.
func (m *Manager) Usage(ctx context.Context, keyID, owner string) (models.KeyUsage, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return models.KeyUsage{}, ErrNotFound
	}
	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	rec, err := m.store.KeyByID(sctx, strings.TrimSpace(keyID))
	if err != nil {
		return models.KeyUsage{}, StoreError(err)
	}
	if rec.Owner != owner {
		return models.KeyUsage{}, ErrNotFound
	}
	def, err := m.tiers.Resolve(rec.Tier)
	if err != nil {
		return models.KeyUsage{}, err
	}
	period := Period(m.now())
	var used int64
	if m.usage != nil {
		used, err = m.usage.Count(sctx, rec.ID, period)
		if err != nil {
			return models.KeyUsage{}, StoreError(err)
		}
	}
	return models.KeyUsage{
		KeyID:        rec.ID,
		Period:       period,
		Used:         used,
		MonthlyQuota: def.MonthlyQuota,
		Remaining:    def.Remaining(used),
		TotalCalls:   rec.TotalCalls,
	}, nil
}

// createWithFreshID stores rec, drawing a new id when the store reports an
// id collision.
func (m *Manager) createWithFreshID(ctx context.Context, rec *Record) error {
	for attempt := 1; ; attempt++ {
		err := StoreError(m.store.CreateKey(ctx, *rec))
		if !errors.Is(err, ErrDuplicateID) || attempt == keyIDAttempts {
			return err
		}
		id, err := newKeyID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
}

func normalizeOwner(owner string) (string, error) {
	addr, err := wallet.NormalizeAddress(owner)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidAddress) {
			return "", ErrInvalidOwner
		}
		return "", err
	}
	return addr, nil
}

func newKeyID() (string, error) {
	buf := make([]byte, keyIDEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return keyIDPrefix + "_" + hex.EncodeToString(buf), nil
}
