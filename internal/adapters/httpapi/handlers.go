package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"defidash/go-backend/internal/guard"
	"defidash/go-backend/internal/keys"
	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/internal/wallet"
	"defidash/go-backend/pkg/models"
)

type createKeyRequest struct {
	Name       string `json:"name"`
	Tier       string `json:"tier"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

type sessionResponse struct {
	Key             models.APIKey `json:"key"`
	Tier            string        `json:"tier"`
	RateLimitPerMin int           `json:"rateLimitPerMin"`
	MonthlyQuota    *int64        `json:"monthlyQuota"`
	Features        []string      `json:"features"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	var req createKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tierID := strings.TrimSpace(req.Tier)
	if !s.deps.Tiers.Known(tierID) {
		s.writeError(w, fmt.Errorf("%w: unknown tier", faults.ErrInvalidArgument))
		return
	}
	if req.TTLSeconds < 0 || req.TTLSeconds > math.MaxInt64/int64(time.Second) {
		s.writeError(w, keys.ErrInvalidTTL)
		return
	}
	created, err := s.deps.Keys.Create(r.Context(), keys.CreateRequest{
		Owner:    owner,
		Name:     req.Name,
		Tier:     tierID,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
		SourceIP: guard.ClientIP(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Keys.List(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": list})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	revoked, err := s.deps.Keys.Revoke(r.Context(), r.PathValue("id"), owner, guard.ClientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !revoked {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "api key not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleKeyUsage(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	usage, err := s.deps.Keys.Usage(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleProvisionWallet(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	pub, err := s.deps.Wallets.Provision(r.Context(), r.PathValue("id"), owner, guard.ClientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pub)
}

func (s *Server) handleLookupWallet(w http.ResponseWriter, r *http.Request) {
	pub, err := s.deps.Wallets.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Guard.AdmitRequest(r)
	if !d.Allow {
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		if d.Reason == guard.ReasonUnavailable {
			s.logger.Warn("admission failed closed")
		}
		writeJSON(w, d.Reason.HTTPStatus(), errorResponse{Error: faults.Public(d.Reason.Err())})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Key:             d.Key,
		Tier:            d.Tier.ID,
		RateLimitPerMin: d.Tier.RequestsPerMinute,
		MonthlyQuota:    d.Tier.MonthlyQuota,
		Features:        d.Tier.Features,
	})
}

func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, err := wallet.NormalizeAddress(r.Header.Get(OwnerHeader))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "wallet address required"})
		return "", false
	}
	return owner, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := faults.Public(err)
	switch {
	case errors.Is(err, keys.ErrNotFound):
		status, msg = http.StatusNotFound, "api key not found"
	case errors.Is(err, wallet.ErrWalletNotFound):
		status, msg = http.StatusNotFound, "wallet not found"
	case errors.Is(err, wallet.ErrWalletExists):
		status, msg = http.StatusConflict, "agent already has a wallet"
	case errors.Is(err, faults.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, faults.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: request body: %v", faults.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
