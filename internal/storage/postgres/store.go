// Package postgres stores API key records and agent wallets in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"defidash/go-backend/internal/keys"
	"defidash/go-backend/internal/wallet"
	"defidash/go-backend/pkg/models"

	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"
	keyIDConstraint = "api_keys_pkey"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id           TEXT PRIMARY KEY,
		owner        TEXT NOT NULL,
		key_digest   TEXT NOT NULL UNIQUE,
		masked_key   TEXT NOT NULL,
		name         TEXT NOT NULL,
		tier         TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ,
		total_calls  BIGINT NOT NULL DEFAULT 0,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		revoked_at   TIMESTAMPTZ,
		expires_at   TIMESTAMPTZ,
		usage_period TEXT NOT NULL DEFAULT '',
		period_calls BIGINT NOT NULL DEFAULT 0
	)`,
	`ALTER TABLE api_keys ADD COLUMN IF NOT EXISTS usage_period TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE api_keys ADD COLUMN IF NOT EXISTS period_calls BIGINT NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS api_keys_owner_idx ON api_keys (owner)`,
	`CREATE TABLE IF NOT EXISTS agent_wallets (
		agent_id              TEXT PRIMARY KEY,
		address               TEXT NOT NULL,
		encrypted_private_key TEXT NOT NULL,
		created_at            TIMESTAMPTZ NOT NULL
	)`,
}

const keyColumns = `id, owner, key_digest, masked_key, name, tier, created_at, last_used_at, total_calls, is_active, revoked_at, expires_at, usage_period, period_calls`

type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements keys.Store and wallet.Store on database/sql with the
// lib/pq driver.
type Store struct {
	db *sql.DB
}

// Open connects, pings and ensures the schema exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The schema is not touched.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback()
	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateKey(ctx context.Context, rec keys.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.Owner, rec.KeyDigest, rec.MaskedKey, rec.Name, rec.Tier, rec.CreatedAt,
		nullTime(rec.LastUsedAt), rec.TotalCalls, rec.IsActive, nullTime(rec.RevokedAt), nullTime(rec.ExpiresAt),
		rec.UsagePeriod, rec.PeriodCalls,
	)
	if constraint, ok := uniqueViolationOn(err); ok {
		if constraint == keyIDConstraint {
			return keys.ErrDuplicateID
		}
		return keys.ErrDuplicateDigest
	}
	return err
}

func (s *Store) KeyByID(ctx context.Context, id string) (keys.Record, error) {
	return scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
}

func (s *Store) KeyByDigest(ctx context.Context, digest string) (keys.Record, error) {
	return scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_digest = $1`, digest))
}

func (s *Store) KeysByOwner(ctx context.Context, owner string) ([]keys.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE owner = $1 ORDER BY created_at DESC, id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]keys.Record, 0)
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RevokeKey(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = FALSE, revoked_at = $3
		 WHERE id = $1 AND owner = $2 AND is_active AND (expires_at IS NULL OR expires_at > $3)`,
		id, owner, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordUsage bumps the counters only while the key is live, so a revoke
// committed first always wins.
func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) (keys.Record, error) {
	at = at.UTC()
	rec, err := scanKey(s.db.QueryRowContext(ctx,
		`UPDATE api_keys SET total_calls = total_calls + 1, last_used_at = $2,
		     period_calls = CASE WHEN usage_period = $3 THEN period_calls + 1 ELSE 1 END,
		     usage_period = $3
		 WHERE id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		 RETURNING `+keyColumns, id, at, keys.Period(at)))
	if errors.Is(err, keys.ErrNotFound) {
		if _, lookupErr := s.KeyByID(ctx, id); lookupErr == nil {
			return keys.Record{}, keys.ErrInactive
		}
	}
	return rec, err
}

func (s *Store) PeriodUsage(ctx context.Context, period string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, period_calls FROM api_keys WHERE usage_period = $1 AND period_calls > 0`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *Store) PutWallet(ctx context.Context, w models.AgentWallet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_wallets (agent_id, address, encrypted_private_key, created_at) VALUES ($1, $2, $3, $4)`,
		w.AgentID, w.Address, w.EncryptedPrivateKey, w.CreatedAt.UTC())
	if _, ok := uniqueViolationOn(err); ok {
		return wallet.ErrWalletExists
	}
	return err
}

func (s *Store) WalletByAgent(ctx context.Context, agentID string) (models.AgentWallet, error) {
	var w models.AgentWallet
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, address, encrypted_private_key, created_at FROM agent_wallets WHERE agent_id = $1`, agentID,
	).Scan(&w.AgentID, &w.Address, &w.EncryptedPrivateKey, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentWallet{}, wallet.ErrWalletNotFound
	}
	if err != nil {
		return models.AgentWallet{}, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (keys.Record, error) {
	var (
		rec                          keys.Record
		lastUsed, revoked, expiresAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Owner, &rec.KeyDigest, &rec.MaskedKey, &rec.Name, &rec.Tier,
		&rec.CreatedAt, &lastUsed, &rec.TotalCalls, &rec.IsActive, &revoked, &expiresAt,
		&rec.UsagePeriod, &rec.PeriodCalls)
	if errors.Is(err, sql.ErrNoRows) {
		return keys.Record{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.Record{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastUsedAt = timePtr(lastUsed)
	rec.RevokedAt = timePtr(revoked)
	rec.ExpiresAt = timePtr(expiresAt)
	return rec, nil
}

// uniqueViolationOn reports whether err is a unique violation and on which
// constraint.
func uniqueViolationOn(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
