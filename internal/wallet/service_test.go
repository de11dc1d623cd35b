package wallet_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"defidash/go-backend/internal/audit"
	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/internal/securestore"
	"defidash/go-backend/internal/storage"
	"defidash/go-backend/internal/wallet"
	"defidash/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/crypto"
)

type walletCounter struct{ n int }

func (c *walletCounter) WalletIssued() { c.n++ }

type brokenStore struct{}

func (brokenStore) PutWallet(context.Context, models.AgentWallet) error {
	return errors.New("disk full")
}

func (brokenStore) WalletByAgent(context.Context, string) (models.AgentWallet, error) {
	return models.AgentWallet{}, errors.New("disk full")
}

func newService(t *testing.T, store wallet.Store) (*wallet.Service, *audit.Recorder, *walletCounter) {
	t.Helper()
	mk, err := securestore.LoadMasterKey(strings.Repeat("7c", 32))
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	rec := &audit.Recorder{}
	counter := &walletCounter{}
	return &wallet.Service{
		Issuer:  wallet.NewIssuer(securestore.StaticKey(mk)),
		Store:   store,
		Audit:   rec,
		Metrics: counter,
	}, rec, counter
}

func TestProvisionPersistsAndAuditsOnce(t *testing.T) {
	store := storage.NewCredentialStore()
	svc, rec, counter := newService(t, store)
	ctx := context.Background()

	pub, err := svc.Provision(ctx, "agent-7", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "203.0.113.2")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !wallet.IsChecksumAddress(pub.Address) || pub.AgentID != "agent-7" {
		t.Fatalf("unexpected public wallet %+v", pub)
	}
	if _, err := svc.Provision(ctx, "agent-7", "", ""); !errors.Is(err, wallet.ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists, got %v", err)
	}
	again, err := svc.Lookup(ctx, "agent-7")
	if err != nil || again.Address != pub.Address {
		t.Fatalf("lookup after duplicate: %+v %v", again, err)
	}
	if counter.n != 1 {
		t.Fatalf("expected one issued metric, got %d", counter.n)
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Action != audit.ActionWalletIssued {
		t.Fatalf("unexpected audit events %+v", events)
	}
	stored, _ := store.WalletByAgent(ctx, "agent-7")
	if strings.Contains(events[0].Description, stored.EncryptedPrivateKey) {
		t.Fatal("audit event carries the envelope")
	}
}

func TestSignUsesStoredWallet(t *testing.T) {
	svc, _, _ := newService(t, storage.NewCredentialStore())
	ctx := context.Background()
	pub, err := svc.Provision(ctx, "agent-8", "", "")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	hash := crypto.Keccak256([]byte("rebalance"))
	sig, err := svc.Sign(ctx, "agent-8", hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	addr, err := wallet.RecoverAddress(hash, sig)
	if err != nil || addr != pub.Address {
		t.Fatalf("recovered %s %v, want %s", addr, err, pub.Address)
	}
	if _, err := svc.Sign(ctx, "agent-unknown", hash); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	svc, rec, _ := newService(t, brokenStore{})
	ctx := context.Background()
	if _, err := svc.Provision(ctx, "agent-9", "", ""); !errors.Is(err, faults.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if _, err := svc.Lookup(ctx, "agent-9"); !errors.Is(err, faults.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Fatal("failed provision must not be audited")
	}
}
