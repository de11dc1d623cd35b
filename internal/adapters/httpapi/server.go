// Package httpapi is the HTTP surface of the credential core. Owner identity
// arrives in X-Wallet-Address, already authenticated by the dashboard
// gateway; API calls authenticate with the bearer keys issued here.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"defidash/go-backend/internal/guard"
	"defidash/go-backend/internal/keys"
	"defidash/go-backend/internal/tier"
	"defidash/go-backend/pkg/models"
)

const (
	DefaultAddr = "127.0.0.1:8787"

	OwnerHeader  = "X-Wallet-Address"
	maxBodyBytes = 4 << 10
)

type KeyService interface {
	Create(ctx context.Context, req keys.CreateRequest) (models.KeyCreated, error)
	List(ctx context.Context, owner string) ([]models.APIKey, error)
	Revoke(ctx context.Context, keyID, owner, sourceIP string) (bool, error)
	Usage(ctx context.Context, keyID, owner string) (models.KeyUsage, error)
}

type WalletService interface {
	Provision(ctx context.Context, agentID, actor, sourceIP string) (models.PublicWallet, error)
	Lookup(ctx context.Context, agentID string) (models.PublicWallet, error)
}

type Admitter interface {
	AdmitRequest(r *http.Request) guard.Decision
}

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Keys    KeyService
	Wallets WalletService
	Guard   Admitter
	Tiers   *tier.Table
	Metrics http.Handler
	Health  []Pinger
	Logger  *slog.Logger
}

type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if deps.Tiers == nil {
		deps.Tiers = tier.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/keys", s.handleCreateKey)
	mux.HandleFunc("GET /v1/keys", s.handleListKeys)
	mux.HandleFunc("DELETE /v1/keys/{id}", s.handleRevokeKey)
	mux.HandleFunc("GET /v1/keys/{id}/usage", s.handleKeyUsage)
	mux.HandleFunc("POST /v1/agents/{id}/wallet", s.handleProvisionWallet)
	mux.HandleFunc("GET /v1/agents/{id}/wallet", s.handleLookupWallet)
	mux.HandleFunc("GET /v1/session", s.handleSession)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
