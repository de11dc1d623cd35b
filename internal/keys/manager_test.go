package keys_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"defidash/go-backend/internal/apitoken"
	"defidash/go-backend/internal/audit"
	"defidash/go-backend/internal/keys"
	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/internal/storage"
	"defidash/go-backend/internal/tier"
)

const (
	owner      = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	otherOwner = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type tickingClock struct{ now time.Time }

func (c *tickingClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

type issueCounter struct{ issued, revoked int }

func (m *issueCounter) KeyIssued(string) { m.issued++ }
func (m *issueCounter) KeyRevoked()      { m.revoked++ }

func newManager(t *testing.T) (*keys.Manager, *storage.CredentialStore, *audit.Recorder, *issueCounter) {
	t.Helper()
	store := storage.NewCredentialStore()
	rec := &audit.Recorder{}
	metrics := &issueCounter{}
	clock := &tickingClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	m, err := keys.NewManager(keys.Options{
		Store:   store,
		Usage:   storage.NewUsageCounter(),
		Audit:   rec,
		Metrics: metrics,
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, store, rec, metrics
}

func TestCreateReturnsRawTokenOnceAndStoresDigest(t *testing.T) {
	m, store, rec, metrics := newManager(t)
	ctx := context.Background()
	created, err := m.Create(ctx, keys.CreateRequest{Owner: strings.ToLower(owner), Name: " trading bot ", Tier: tier.Starter, SourceIP: "203.0.113.9"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !apitoken.IsValidFormat(created.Key) {
		t.Fatalf("raw key has bad format: %q", created.Key)
	}
	if created.Name != "trading bot" || created.Tier != tier.Starter || created.RateLimitPerMin != 30 {
		t.Fatalf("unexpected response %+v", created)
	}
	if created.MonthlyQuota == nil || *created.MonthlyQuota != 10_000 {
		t.Fatalf("unexpected quota %v", created.MonthlyQuota)
	}
	if !strings.HasPrefix(created.MaskedKey, apitoken.Prefix) || !strings.HasSuffix(created.MaskedKey, "...") {
		t.Fatalf("unexpected masked key %q", created.MaskedKey)
	}

	stored, err := store.KeyByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if stored.KeyDigest != apitoken.Digest(created.Key) {
		t.Fatal("stored digest does not match raw token")
	}
	if stored.Owner != owner {
		t.Fatalf("owner not normalized: %s", stored.Owner)
	}
	if metrics.issued != 1 {
		t.Fatalf("expected issued metric, got %d", metrics.issued)
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Action != audit.ActionKeyCreated || events[0].SourceIP != "203.0.113.9" {
		t.Fatalf("unexpected audit events %+v", events)
	}
	if strings.Contains(events[0].Description, created.Key) {
		t.Fatal("audit event leaked the raw key")
	}
}

func TestCreateValidation(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	cases := []struct {
		name string
		req  keys.CreateRequest
		want error
	}{
		{"empty name", keys.CreateRequest{Owner: owner, Name: "  ", Tier: tier.Free}, keys.ErrNameRequired},
		{"long name", keys.CreateRequest{Owner: owner, Name: strings.Repeat("x", keys.MaxNameLength+1), Tier: tier.Free}, keys.ErrNameTooLong},
		{"bad owner", keys.CreateRequest{Owner: "alice", Name: "a", Tier: tier.Free}, keys.ErrInvalidOwner},
		{"negative ttl", keys.CreateRequest{Owner: owner, Name: "a", Tier: tier.Free, TTL: -time.Second}, keys.ErrInvalidTTL},
		{"unknown tier", keys.CreateRequest{Owner: owner, Name: "a", Tier: "platinum"}, faults.ErrConfiguration},
	}
	for _, tc := range cases {
		if _, err := m.Create(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestListIsRedactedNewestFirstAndOwnerScoped(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		c, err := m.Create(ctx, keys.CreateRequest{Owner: owner, Name: name, Tier: tier.Free})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		ids = append(ids, c.ID)
	}
	if _, err := m.Create(ctx, keys.CreateRequest{Owner: otherOwner, Name: "foreign", Tier: tier.Free}); err != nil {
		t.Fatalf("create foreign: %v", err)
	}

	list, err := m.List(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(list))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if list[i].ID != want {
			t.Fatalf("position %d: got %s want %s", i, list[i].ID, want)
		}
		if list[i].Status != string(keys.StateIssued) {
			t.Fatalf("fresh key should be issued, got %s", list[i].Status)
		}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(strings.ToLower(string(raw)), "digest") {
		t.Fatalf("list output exposes digest: %s", raw)
	}
}

func TestRevokeOutcomesAreIndistinguishable(t *testing.T) {
	m, _, rec, metrics := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, keys.CreateRequest{Owner: owner, Name: "bot", Tier: tier.Free})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := m.Revoke(ctx, c.ID, otherOwner, ""); ok || err != nil {
		t.Fatalf("foreign revoke: %v %v", ok, err)
	}
	if ok, err := m.Revoke(ctx, "key_missing", owner, ""); ok || err != nil {
		t.Fatalf("unknown revoke: %v %v", ok, err)
	}
	if ok, err := m.Revoke(ctx, c.ID, owner, ""); !ok || err != nil {
		t.Fatalf("owner revoke: %v %v", ok, err)
	}
	if ok, err := m.Revoke(ctx, c.ID, owner, ""); ok || err != nil {
		t.Fatalf("repeat revoke: %v %v", ok, err)
	}
	if metrics.revoked != 1 {
		t.Fatalf("expected one revoke metric, got %d", metrics.revoked)
	}

	list, _ := m.List(ctx, owner)
	if len(list) != 1 || list[0].Status != string(keys.StateRevoked) || list[0].IsActive || list[0].RevokedAt == nil {
		t.Fatalf("unexpected state after revoke %+v", list)
	}

	var denied, revoked int
	for _, ev := range rec.Events() {
		switch ev.Action {
		case audit.ActionKeyRevokeDenied:
			denied++
		case audit.ActionKeyRevoked:
			revoked++
		}
	}
	if denied != 3 || revoked != 1 {
		t.Fatalf("unexpected audit trail: denied=%d revoked=%d", denied, revoked)
	}
}

func TestRevokeLeavesExpiredKeyExpired(t *testing.T) {
	store := storage.NewCredentialStore()
	rec := &audit.Recorder{}
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	m, err := keys.NewManager(keys.Options{Store: store, Audit: rec, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	c, err := m.Create(ctx, keys.CreateRequest{Owner: owner, Name: "bot", Tier: tier.Free, TTL: time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(2 * time.Minute)

	if ok, err := m.Revoke(ctx, c.ID, owner, ""); ok || err != nil {
		t.Fatalf("revoke of expired key: %v %v", ok, err)
	}
	list, err := m.List(ctx, owner)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if list[0].Status != string(keys.StateExpired) || list[0].RevokedAt != nil {
		t.Fatalf("expired key changed state: %+v", list[0])
	}
	events := rec.Events()
	if last := events[len(events)-1]; last.Action != audit.ActionKeyRevokeDenied {
		t.Fatalf("expected revoke_denied audit, got %s", last.Action)
	}
}

// collidingStore reports an id collision for the first n creates.
type collidingStore struct {
	*storage.CredentialStore
	collisions int
	seenIDs    []string
}

func (s *collidingStore) CreateKey(ctx context.Context, rec keys.Record) error {
	s.seenIDs = append(s.seenIDs, rec.ID)
	if s.collisions > 0 {
		s.collisions--
		return keys.ErrDuplicateID
	}
	return s.CredentialStore.CreateKey(ctx, rec)
}

func TestCreateDrawsNewIDOnCollision(t *testing.T) {
	store := &collidingStore{CredentialStore: storage.NewCredentialStore(), collisions: 1}
	m, err := keys.NewManager(keys.Options{Store: store})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	c, err := m.Create(ctx, keys.CreateRequest{Owner: owner, Name: "bot", Tier: tier.Free})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(store.seenIDs) != 2 || store.seenIDs[0] == store.seenIDs[1] || c.ID != store.seenIDs[1] {
		t.Fatalf("expected a retry with a fresh id, saw %v (returned %s)", store.seenIDs, c.ID)
	}

	store.collisions = 10
	if _, err := m.Create(ctx, keys.CreateRequest{Owner: owner, Name: "bot2", Tier: tier.Free}); !errors.Is(err, keys.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID after retries, got %v", err)
	}
}

func TestUsageReportsRemainingQuota(t *testing.T) {
	store := storage.NewCredentialStore()
	usage := storage.NewUsageCounter()
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	m, err := keys.NewManager(keys.Options{Store: store, Usage: usage, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	c, err := m.Create(ctx, keys.CreateRequest{Owner: owner, Name: "bot", Tier: tier.Free})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	usage.Seed(c.ID, keys.Period(now), 400)

	u, err := m.Usage(ctx, c.ID, owner)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Period != "2026-10" || u.Used != 400 || u.Remaining != 600 {
		t.Fatalf("unexpected usage %+v", u)
	}
	if _, err := m.Usage(ctx, c.ID, otherOwner); !errors.Is(err, keys.ErrNotFound) {
		t.Fatalf("foreign usage: expected ErrNotFound, got %v", err)
	}
}

func TestRecordStateTransitions(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	r := keys.Record{ID: "key_1", IsActive: true, CreatedAt: now, ExpiresAt: &exp}
	if r.State(now) != keys.StateIssued {
		t.Fatalf("expected issued, got %s", r.State(now))
	}
	used := now.Add(time.Minute)
	r.LastUsedAt = &used
	if r.State(now) != keys.StateActive || !r.Live(now) {
		t.Fatalf("expected active, got %s", r.State(now))
	}
	if r.State(exp) != keys.StateExpired || r.Live(exp) {
		t.Fatalf("expected expired at deadline, got %s", r.State(exp))
	}
	r.IsActive = false
	if r.State(exp) != keys.StateRevoked {
		t.Fatalf("revocation should win over expiry, got %s", r.State(exp))
	}
}

func TestStoreErrorClassification(t *testing.T) {
	if err := keys.StoreError(context.DeadlineExceeded); !errors.Is(err, faults.ErrStoreUnavailable) {
		t.Fatalf("timeout should be store unavailable, got %v", err)
	}
	if err := keys.StoreError(keys.ErrNotFound); !errors.Is(err, keys.ErrNotFound) || errors.Is(err, faults.ErrStoreUnavailable) {
		t.Fatalf("not found should pass through, got %v", err)
	}
	if keys.StoreError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if keys.Period(time.Date(2026, 12, 31, 23, 30, 0, 0, time.FixedZone("x", -3600))) != "2027-01" {
		t.Fatal("period must be computed in UTC")
	}
}
