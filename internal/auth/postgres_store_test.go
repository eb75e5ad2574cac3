//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/adomako/akatua/internal/testutil"
)

func TestPostgresKeyLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	m := NewManager(store)
	ctx := context.Background()

	raw, key, err := m.GenerateKey(ctx, "usr_pgtest01", RoleSeller, "str_pgtest01", "pg test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	validated, err := m.ValidateKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if validated.ID != key.ID {
		t.Errorf("Expected key %s, got %s", key.ID, validated.ID)
	}
	if validated.StoreID != "str_pgtest01" {
		t.Errorf("Expected store ID to survive the round trip, got %q", validated.StoreID)
	}
	if validated.Role != RoleSeller {
		t.Errorf("Expected seller role, got %s", validated.Role)
	}

	keys, err := m.ListKeys(ctx, "usr_pgtest01")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(keys))
	}

	if err := m.RevokeKey(ctx, key.ID, "usr_pgtest01"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := m.ValidateKey(ctx, raw); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revocation, got %v", err)
	}
}

func TestPostgresExpiredKeyFiltered(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	key := &APIKey{
		ID:        "ak_expired01",
		Hash:      "deadbeef",
		UserID:    "usr_pgtest02",
		Role:      RoleBuyer,
		Name:      "expired",
		CreatedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt: &past,
	}
	if err := store.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The lookup itself filters expired keys server-side.
	if _, err := store.GetByHash(ctx, "deadbeef"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for expired key, got %v", err)
	}

	// But the owner can still list it.
	keys, err := store.GetByUser(ctx, "usr_pgtest02")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected expired key in owner listing, got %d keys", len(keys))
	}
}
