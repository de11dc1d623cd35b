package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"defidash/go-backend/internal/keys"
	"defidash/go-backend/internal/securestore"
	"defidash/go-backend/internal/wallet"
	"defidash/go-backend/pkg/models"
)

// CredentialStore keeps API key records and agent wallets in memory and,
// when a path is set, mirrors every committed change to an encrypted
// snapshot file. Writes build the next state, persist it, and only then
// swap it in, so a failed write leaves memory untouched. Usage updates are
// the exception: they stay in memory until FlushUsage, Close or the next
// key or wallet write.
type CredentialStore struct {
	mu         sync.RWMutex
	keys       map[string]keys.Record
	byDigest   map[string]string
	wallets    map[string]models.AgentWallet
	path       string
	key        securestore.MasterKey
	usageDirty bool
}

type credentialSnapshot struct {
	Keys    map[string]keys.Record        `json:"keys"`
	Wallets map[string]models.AgentWallet `json:"wallets"`
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		keys:     make(map[string]keys.Record),
		byDigest: make(map[string]string),
		wallets:  make(map[string]models.AgentWallet),
	}
}

// NewEncryptedCredentialStore loads path (if it exists) with key and keeps
// it up to date.
func NewEncryptedCredentialStore(path string, key securestore.MasterKey) (*CredentialStore, error) {
	if key.IsZero() {
		return nil, securestore.ErrMasterKeyMissing
	}
	s := NewCredentialStore()
	s.path = strings.TrimSpace(path)
	s.key = key
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CredentialStore) CreateKey(ctx context.Context, rec keys.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byDigest[rec.KeyDigest]; exists {
		return keys.ErrDuplicateDigest
	}
	if _, exists := s.keys[rec.ID]; exists {
		return keys.ErrDuplicateID
	}
	next := cloneKeys(s.keys)
	next[rec.ID] = rec.Clone()
	if err := s.persistLocked(next, s.wallets); err != nil {
		return err
	}
	s.keys = next
	s.usageDirty = false
	s.byDigest[rec.KeyDigest] = rec.ID
	return nil
}

func (s *CredentialStore) KeyByID(ctx context.Context, id string) (keys.Record, error) {
	if err := ctx.Err(); err != nil {
		return keys.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[id]
	if !ok {
		return keys.Record{}, keys.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *CredentialStore) KeyByDigest(ctx context.Context, digest string) (keys.Record, error) {
	if err := ctx.Err(); err != nil {
		return keys.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDigest[digest]
	if !ok {
		return keys.Record{}, keys.ErrNotFound
	}
	return s.keys[id].Clone(), nil
}

func (s *CredentialStore) KeysByOwner(ctx context.Context, owner string) ([]keys.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]keys.Record, 0)
	for _, rec := range s.keys {
		if rec.Owner == owner {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *CredentialStore) RevokeKey(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[id]
	if !ok || rec.Owner != owner || !rec.Live(at) {
		return false, nil
	}
	rec = rec.Clone()
	rec.IsActive = false
	revokedAt := at.UTC()
	rec.RevokedAt = &revokedAt
	next := cloneKeys(s.keys)
	next[id] = rec
	if err := s.persistLocked(next, s.wallets); err != nil {
		return false, err
	}
	s.keys = next
	s.usageDirty = false
	return true, nil
}

func (s *CredentialStore) RecordUsage(ctx context.Context, id string, at time.Time) (keys.Record, error) {
	if err := ctx.Err(); err != nil {
		return keys.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[id]
	if !ok {
		return keys.Record{}, keys.ErrNotFound
	}
	if !rec.Live(at) {
		return keys.Record{}, keys.ErrInactive
	}
	rec = rec.WithUsage(at)
	s.keys[id] = rec
	s.usageDirty = s.path != ""
	return rec.Clone(), nil
}

// PeriodUsage returns the recorded call count of every key used in period.
func (s *CredentialStore) PeriodUsage(ctx context.Context, period string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	for id, rec := range s.keys {
		if n := rec.CallsIn(period); n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

// FlushUsage writes pending usage updates to the snapshot file.
func (s *CredentialStore) FlushUsage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.usageDirty {
		return nil
	}
	if err := s.persistLocked(s.keys, s.wallets); err != nil {
		return err
	}
	s.usageDirty = false
	return nil
}

// Close flushes pending usage updates.
func (s *CredentialStore) Close() error {
	return s.FlushUsage(context.Background())
}

func (s *CredentialStore) PutWallet(ctx context.Context, w models.AgentWallet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[w.AgentID]; exists {
		return wallet.ErrWalletExists
	}
	next := cloneWallets(s.wallets)
	next[w.AgentID] = w
	if err := s.persistLocked(s.keys, next); err != nil {
		return err
	}
	s.wallets = next
	s.usageDirty = false
	return nil
}

func (s *CredentialStore) WalletByAgent(ctx context.Context, agentID string) (models.AgentWallet, error) {
	if err := ctx.Err(); err != nil {
		return models.AgentWallet{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[agentID]
	if !ok {
		return models.AgentWallet{}, wallet.ErrWalletNotFound
	}
	return w, nil
}

func (s *CredentialStore) load() error {
	if s.path == "" {
		return nil
	}
	data, err := securestore.ReadDecryptedFile(s.path, s.key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap credentialSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Keys != nil {
		s.keys = snap.Keys
	}
	if snap.Wallets != nil {
		s.wallets = snap.Wallets
	}
	s.byDigest = make(map[string]string, len(s.keys))
	for id, rec := range s.keys {
		s.byDigest[rec.KeyDigest] = id
	}
	return nil
}

func (s *CredentialStore) persistLocked(k map[string]keys.Record, w map[string]models.AgentWallet) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteEncryptedJSON(s.path, s.key, credentialSnapshot{Keys: k, Wallets: w})
}

func cloneKeys(in map[string]keys.Record) map[string]keys.Record {
	out := make(map[string]keys.Record, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneWallets(in map[string]models.AgentWallet) map[string]models.AgentWallet {
	out := make(map[string]models.AgentWallet, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
