package tier

import (
	"errors"
	"testing"

	"defidash/go-backend/internal/platform/faults"
)

func TestQuotaBoundary(t *testing.T) {
	d := Definition{ID: "x", RequestsPerMinute: 1, MonthlyQuota: Quota(1000)}
	if !d.QuotaExceeded(1000) {
		t.Fatal("usage equal to quota must be exceeded")
	}
	if d.QuotaExceeded(999) {
		t.Fatal("usage below quota must not be exceeded")
	}
	if d.Remaining(999) != 1 || d.Remaining(5000) != 0 {
		t.Fatalf("unexpected remaining: %d %d", d.Remaining(999), d.Remaining(5000))
	}
}

func TestUnlimitedNeverExceeded(t *testing.T) {
	d := Definition{ID: "x", RequestsPerMinute: 1}
	for _, usage := range []int64{0, 1000, 1 << 62} {
		if d.QuotaExceeded(usage) {
			t.Fatalf("unlimited tier exceeded at %d", usage)
		}
	}
	if d.Remaining(10) != -1 {
		t.Fatal("unlimited remaining must be -1")
	}
}

func TestDefaultTable(t *testing.T) {
	table := Default()
	pro, err := table.Resolve(Professional)
	if err != nil {
		t.Fatalf("resolve professional: %v", err)
	}
	if pro.RequestsPerMinute != 60 {
		t.Fatalf("professional rpm = %d", pro.RequestsPerMinute)
	}
	ent, err := table.Resolve(Enterprise)
	if err != nil {
		t.Fatalf("resolve enterprise: %v", err)
	}
	if !ent.Unlimited() || !ent.HasFeature(FeatureAgents) {
		t.Fatal("enterprise must be unlimited with agent wallets")
	}
	exceeded, err := table.IsQuotaExceeded(Enterprise, 1<<40)
	if err != nil || exceeded {
		t.Fatalf("enterprise quota: %v %v", exceeded, err)
	}
	if got := table.IDs(); len(got) != 4 || got[0] != Enterprise {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestResolveUnknownIsConfigurationError(t *testing.T) {
	_, err := Default().Resolve("platinum")
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := Default().IsQuotaExceeded("platinum", 1); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTableIsImmutable(t *testing.T) {
	q := Quota(5)
	features := []string{"a"}
	table, err := NewTable(Definition{ID: "t", RequestsPerMinute: 1, MonthlyQuota: q, Features: features})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	*q = 100
	features[0] = "b"
	d, _ := table.Resolve("t")
	if *d.MonthlyQuota != 5 || d.Features[0] != "a" {
		t.Fatal("table must not alias caller inputs")
	}
	*d.MonthlyQuota = 7
	again, _ := table.Resolve("t")
	if *again.MonthlyQuota != 5 {
		t.Fatal("resolved definitions must not alias the table")
	}
}

func TestNewTableValidation(t *testing.T) {
	cases := map[string][]Definition{
		"empty":        nil,
		"blank id":     {{ID: " ", RequestsPerMinute: 1}},
		"duplicate":    {{ID: "a", RequestsPerMinute: 1}, {ID: "a", RequestsPerMinute: 2}},
		"zero rpm":     {{ID: "a"}},
		"negative cap": {{ID: "a", RequestsPerMinute: 1, MonthlyQuota: Quota(-1)}},
	}
	for name, defs := range cases {
		if _, err := NewTable(defs...); !errors.Is(err, faults.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}
