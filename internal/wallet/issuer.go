// Package wallet issues per-agent Ethereum signing keys. The private half is
// sealed into a secret envelope before Issue returns and is only reopened
// transiently for signing.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"defidash/go-backend/internal/platform/faults"
	"defidash/go-backend/internal/securestore"
	"defidash/go-backend/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrAgentIDRequired = fmt.Errorf("%w: agent id is required", faults.ErrInvalidArgument)
	ErrInvalidAddress  = fmt.Errorf("%w: address is not checksummed", faults.ErrInvalidArgument)
	ErrInvalidHash     = fmt.Errorf("%w: signing hash must be 32 bytes", faults.ErrInvalidArgument)
	// ErrAddressMismatch means the envelope opened but holds a key for a
	// different address. Treated as an integrity failure.
	ErrAddressMismatch = fmt.Errorf("%w: wallet key does not match address", faults.ErrDecryption)
)

type Issuer struct {
	keys securestore.KeyProvider
	now  func() time.Time
}

func NewIssuer(keys securestore.KeyProvider) *Issuer {
	return &Issuer{keys: keys, now: time.Now}
}

// Issue generates a secp256k1 keypair for agentID. The returned wallet holds
// the EIP-55 address and the sealed private key; persisting it is up to the
// caller.
func (i *Issuer) Issue(ctx context.Context, agentID string) (models.AgentWallet, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return models.AgentWallet{}, ErrAgentIDRequired
	}
	mk, err := i.keys.Key(ctx)
	if err != nil {
		return models.AgentWallet{}, err
	}

	priv, err := crypto.GenerateKey()
	if err != nil {
		return models.AgentWallet{}, fmt.Errorf("generate wallet key: %w", err)
	}
	defer zeroKey(priv)

	address := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	secret := crypto.FromECDSA(priv)
	envelope, err := securestore.SealString(mk, secret)
	zeroBytes(secret)
	if err != nil {
		return models.AgentWallet{}, fmt.Errorf("seal wallet key: %w", err)
	}

	return models.AgentWallet{
		AgentID:             agentID,
		Address:             address,
		EncryptedPrivateKey: envelope,
		CreatedAt:           i.now().UTC(),
	}, nil
}

// Unseal reopens the wallet's private key for a signer. The caller owns the
// key and must drop it as soon as signing is done.
func (i *Issuer) Unseal(ctx context.Context, w models.AgentWallet) (*ecdsa.PrivateKey, error) {
	mk, err := i.keys.Key(ctx)
	if err != nil {
		return nil, err
	}
	secret, err := securestore.OpenString(mk, w.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(secret)
	zeroBytes(secret)
	if err != nil {
		return nil, securestore.ErrDecrypt
	}
	if crypto.PubkeyToAddress(priv.PublicKey).Hex() != w.Address {
		zeroKey(priv)
		return nil, ErrAddressMismatch
	}
	return priv, nil
}

// SignHash signs a 32-byte digest with the wallet key and returns the
// 65-byte [R || S || V] signature. The key is discarded before returning.
func (i *Issuer) SignHash(ctx context.Context, w models.AgentWallet, hash []byte) ([]byte, error) {
	if len(hash) != common.HashLength {
		return nil, ErrInvalidHash
	}
	priv, err := i.Unseal(ctx, w)
	if err != nil {
		return nil, err
	}
	defer zeroKey(priv)
	return crypto.Sign(hash, priv)
}

// RecoverAddress returns the EIP-55 address that produced sig over hash.
func RecoverAddress(hash, sig []byte) (string, error) {
	if len(hash) != common.HashLength {
		return "", ErrInvalidHash
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", faults.ErrInvalidArgument, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// IsChecksumAddress reports whether s is a 0x-prefixed address whose letter
// casing matches its EIP-55 checksum.
func IsChecksumAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}
	return common.HexToAddress(s).Hex() == s
}

// NormalizeAddress accepts an all-lowercase, all-uppercase or correctly
// checksummed address and returns its checksummed form. Mixed case with a
// bad checksum is rejected.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return "", ErrInvalidAddress
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return common.HexToAddress(s).Hex(), nil
	}
	if !IsChecksumAddress(s) {
		return "", ErrInvalidAddress
	}
	return s, nil
}

func zeroKey(k *ecdsa.PrivateKey) {
	if k != nil && k.D != nil {
		k.D.SetUint64(0)
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
