package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"defidash/go-backend/internal/audit"
	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/pkg/models"
)

var (
	ErrWalletExists   = errors.New("agent already has a wallet")
	ErrWalletNotFound = errors.New("agent wallet not found")
)

// Store persists agent wallets, one per agent id.
type Store interface {
	// PutWallet fails with ErrWalletExists if the agent already has one.
	PutWallet(ctx context.Context, w models.AgentWallet) error
	WalletByAgent(ctx context.Context, agentID string) (models.AgentWallet, error)
}

type ServiceMetrics interface {
	WalletIssued()
}

// Service issues a wallet, persists it and records the audit event.
type Service struct {
	Issuer  *Issuer
	Store   Store
	Audit   audit.Emitter
	Metrics ServiceMetrics
	Logger  *slog.Logger
	Timeout time.Duration
}

// Provision creates the wallet for agentID. A second call for the same agent
// fails with ErrWalletExists and leaves the first wallet untouched.
func (s *Service) Provision(ctx context.Context, agentID, actor, sourceIP string) (models.PublicWallet, error) {
	agentID = strings.TrimSpace(agentID)
	w, err := s.Issuer.Issue(ctx, agentID)
	if err != nil {
		return models.PublicWallet{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout())
	err = s.Store.PutWallet(sctx, w)
	cancel()
	if err != nil {
		if errors.Is(err, ErrWalletExists) {
			return models.PublicWallet{}, err
		}
		return models.PublicWallet{}, storeUnavailable(err)
	}
	if s.Metrics != nil {
		s.Metrics.WalletIssued()
	}
	s.logger().Info("agent wallet issued", "agent_id", agentID, "wallet_address", w.Address)
	if s.Audit != nil {
		s.Audit.Emit(audit.Event{
			Actor:       actor,
			Action:      audit.ActionWalletIssued,
			Severity:    audit.SeverityInfo,
			Description: "agent wallet issued",
			Metadata:    map[string]any{"agent_id": agentID, "address": w.Address},
			SourceIP:    sourceIP,
			At:          w.CreatedAt,
		})
	}
	return w.Public(), nil
}

// Lookup returns the public half of the agent's wallet.
func (s *Service) Lookup(ctx context.Context, agentID string) (models.PublicWallet, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	w, err := s.Store.WalletByAgent(sctx, strings.TrimSpace(agentID))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return models.PublicWallet{}, err
		}
		return models.PublicWallet{}, storeUnavailable(err)
	}
	return w.Public(), nil
}

// Sign loads the agent wallet and signs a 32-byte hash with it.
func (s *Service) Sign(ctx context.Context, agentID string, hash []byte) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout())
	w, err := s.Store.WalletByAgent(sctx, strings.TrimSpace(agentID))
	cancel()
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return nil, err
		}
		return nil, storeUnavailable(err)
	}
	return s.Issuer.SignHash(ctx, w, hash)
}

func (s *Service) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 2 * time.Second
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func storeUnavailable(err error) error {
	if errors.Is(err, faults.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", faults.ErrStoreUnavailable, err)
}
