// Package auth identifies the caller of the escrow API.
//
// Two credentials are accepted on the Authorization header:
//   - JWT bearer tokens minted by the marketplace identity service; the
//     subject claim is the party id
//   - API keys (sk_...) for operator tooling, hashed at rest and bound to a
//     party id
//
// Operator status never comes from the credential itself. It is looked up
// in the configured operator list.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoCredentials      = errors.New("credentials required")
	ErrInvalidCredentials = errors.New("invalid or expired credentials")
	ErrKeyNotFound        = errors.New("API key not found")
)

// KeyPrefix marks API keys so they can be told apart from JWTs.
const KeyPrefix = "sk_"

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 of the raw key
	PartyID   string     `json:"partyId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByParty(ctx context.Context, partyID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Identity is an authenticated caller.
type Identity struct {
	PartyID  string `json:"partyId"`
	Operator bool   `json:"operator"`
	Method   string `json:"method"` // "jwt" or "api_key"
	KeyID    string `json:"keyId,omitempty"`
}

// Manager authenticates credentials and manages API keys.
type Manager struct {
	store     Store
	tokens    *TokenVerifier
	operators OperatorSet
	now       func() time.Time
}

// NewManager creates a manager. tokens may be nil, in which case only API
// keys are accepted.
func NewManager(store Store, tokens *TokenVerifier, operators OperatorSet) *Manager {
	return &Manager{store: store, tokens: tokens, operators: operators, now: time.Now}
}

// Authenticate resolves a raw Authorization value to an Identity.
func (m *Manager) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if credential == "" {
		return nil, ErrNoCredentials
	}

	if strings.HasPrefix(credential, KeyPrefix) {
		key, err := m.ValidateKey(ctx, credential)
		if err != nil {
			return nil, err
		}
		return &Identity{
			PartyID:  key.PartyID,
			Operator: m.operators.Contains(key.PartyID),
			Method:   "api_key",
			KeyID:    key.ID,
		}, nil
	}

	if m.tokens == nil {
		return nil, ErrInvalidCredentials
	}
	partyID, err := m.tokens.Verify(credential)
	if err != nil {
		return nil, err
	}
	return &Identity{
		PartyID:  partyID,
		Operator: m.operators.Contains(partyID),
		Method:   "jwt",
	}, nil
}

// GenerateKey creates a new API key for a party.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, partyID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = KeyPrefix + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		PartyID:   partyID,
		Name:      name,
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidCredentials
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if key.Revoked {
		return nil, ErrInvalidCredentials
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidCredentials
	}

	touched := *key
	touched.LastUsed = m.now()
	go func() { _ = m.store.Update(context.Background(), &touched) }()

	return key, nil
}

// ListKeys returns all keys for a party
func (m *Manager) ListKeys(ctx context.Context, partyID string) ([]*APIKey, error) {
	return m.store.GetByParty(ctx, partyID)
}

// RevokeKey revokes one of the party's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, partyID string) error {
	keys, err := m.store.GetByParty(ctx, partyID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByParty(_ context.Context, partyID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.PartyID == partyID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update writes last-used and revocation state. A revoked key stays revoked
// even if a stale copy is written back.
func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	cur.LastUsed = key.LastUsed
	cur.Revoked = cur.Revoked || key.Revoked
	return nil
}
