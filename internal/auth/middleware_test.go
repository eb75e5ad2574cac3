package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(role Role, storeID string) (*Manager, string, *APIKey) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "usr_buyer001", role, storeID, "test-key")
	return mgr, rawKey, key
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(RoleBuyer, "")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", rawKey)

	handler := Middleware(mgr)
	handler(c)

	if got := c.GetString(ContextKeyUserID); got != "usr_buyer001" {
		t.Errorf("Expected usr_buyer001, got %s", got)
	}
	if got := c.GetString(ContextKeyRole); got != "buyer" {
		t.Errorf("Expected role buyer, got %s", got)
	}

	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		t.Fatal("Expected API key to be set in context")
	}
	if key.(*APIKey).Name != "test-key" {
		t.Errorf("Expected key name 'test-key', got %s", key.(*APIKey).Name)
	}
}

func TestMiddleware_SellerKey_SetsStore(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(RoleSeller, "str_11223344")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if got := c.GetString(ContextKeyStoreID); got != "str_11223344" {
		t.Errorf("Expected str_11223344, got %s", got)
	}
}

func TestMiddleware_InvalidKey_NoContext(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(RoleBuyer, "")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_bogus")

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected request with invalid key to stay unauthenticated")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_RejectsAnonymous(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(RoleBuyer, "")

	router := gin.New()
	router.Use(Middleware(mgr))
	router.GET("/protected", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/protected", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_PassesAuthenticated(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(RoleBuyer, "")

	router := gin.New()
	router.Use(Middleware(mgr))
	router.GET("/protected", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// --- RequireRole() ---

func newRoleRouter(mgr *Manager) *gin.Engine {
	router := gin.New()
	router.Use(Middleware(mgr))
	router.POST("/seller-only", RequireRole(RoleSeller), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestRequireRole_RejectsWrongRole(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(RoleBuyer, "")
	router := newRoleRouter(mgr)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/seller-only", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireRole_PassesMatchingRole(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(RoleSeller, "str_11223344")
	router := newRoleRouter(mgr)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/seller-only", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestRequireRole_AdminPassesEveryGate(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(RoleAdmin, "")
	router := newRoleRouter(mgr)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/seller-only", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for admin, got %d", w.Code)
	}
}

func TestRequireRole_RejectsAnonymous(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(RoleBuyer, "")
	router := newRoleRouter(mgr)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/seller-only", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
