package models

import "time"

// APIKey is the redacted view of an API key record. It is the only shape a
// key ever takes outside the credential core and deliberately has no digest
// field.
type APIKey struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	Name       string     `json:"name"`
	MaskedKey  string     `json:"maskedKey"`
	Tier       string     `json:"tier"`
	Status     string     `json:"status"`
	IsActive   bool       `json:"isActive"`
	TotalCalls int64      `json:"totalCalls"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// KeyCreated is returned exactly once, when a key is issued. Key holds the
// raw bearer token.
type KeyCreated struct {
	Key             string     `json:"key"`
	ID              string     `json:"id"`
	MaskedKey       string     `json:"maskedKey"`
	Name            string     `json:"name"`
	Tier            string     `json:"tier"`
	RateLimitPerMin int        `json:"rateLimitPerMin"`
	MonthlyQuota    *int64     `json:"monthlyQuota"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// KeyUsage reports the current billing period for one key. Remaining is -1
// for unlimited tiers.
type KeyUsage struct {
	KeyID        string `json:"keyId"`
	Period       string `json:"period"`
	Used         int64  `json:"used"`
	MonthlyQuota *int64 `json:"monthlyQuota"`
	Remaining    int64  `json:"remaining"`
	TotalCalls   int64  `json:"totalCalls"`
}

// AgentWallet is the persisted signing identity of one agent.
// EncryptedPrivateKey is a serialized secret envelope.
type AgentWallet struct {
	AgentID             string    `json:"agentId"`
	Address             string    `json:"address"`
	EncryptedPrivateKey string    `json:"encryptedPrivateKey"`
	CreatedAt           time.Time `json:"createdAt"`
}

// PublicWallet is AgentWallet without the envelope.
type PublicWallet struct {
	AgentID   string    `json:"agentId"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

func (w AgentWallet) Public() PublicWallet {
	return PublicWallet{AgentID: w.AgentID, Address: w.Address, CreatedAt: w.CreatedAt}
}
