// Package auth provides API key authentication for Akatua.
//
// Authentication model:
// - Webhooks: no API key; the processor authenticates by HMAC signature
// - Everything else: API key bound to a user and role
// - Sellers additionally carry the store they act for
// - Keys are issued by an admin and managed self-service afterwards
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// Role is what a key's holder may do.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Valid reports whether the role is one we issue keys for.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller || r == RoleAdmin
}

// APIKey represents an API key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	UserID    string     `json:"userId"`
	Role      Role       `json:"role"`
	StoreID   string     `json:"storeId,omitempty"` // sellers only
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication.
type Manager struct {
	store      Store
	bootSecret string
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// SetBootstrapSecret installs a static admin credential. Presenting it
// as the API key authenticates as an admin without a stored key, so an
// operator can issue real keys on a fresh deployment. Empty disables it.
func (m *Manager) SetBootstrapSecret(secret string) {
	m.bootSecret = secret
}

// GenerateKey creates a new API key for a user.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, userID string, role Role, storeID, name string) (rawKey string, key *APIKey, err error) {
	if !role.Valid() {
		return "", nil, errors.New("unknown role " + string(role))
	}
	if role == RoleSeller && storeID == "" {
		return "", nil, errors.New("seller keys require a store")
	}
	if role != RoleSeller {
		storeID = ""
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		Role:      role,
		StoreID:   storeID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if m.bootSecret != "" && subtle.ConstantTimeCompare([]byte(rawKey), []byte(m.bootSecret)) == 1 {
		return &APIKey{ID: "ak_bootstrap", UserID: "usr_bootstrap", Role: RoleAdmin, Name: "bootstrap"}, nil
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for a user.
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes one of the user's own API keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
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

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
