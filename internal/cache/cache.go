// Package cache holds read-side caches for order and store views, and
// the invalidation rules that keep them honest. Invalidation is best
// effort and runs after the owning transaction commits; a stale entry
// expires on TTL regardless.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is the minimal contract the invalidator needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
}

type item struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]item
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]item)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(it.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return it.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = item{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.items, key)
	}
	c.mu.Unlock()
}

var _ Cache = (*MemoryCache)(nil)

// Key builders. Every cached view of an entity derives its key here so
// the invalidation rules and the readers cannot drift apart.

func OrderKey(orderID string) string { return "order:" + orderID }

func OrderHistoryKey(orderID string) string { return "order:" + orderID + ":history" }

func BuyerOrdersKey(buyerID string) string { return "buyer:" + buyerID + ":orders" }

func StoreOrdersKey(storeID string) string { return "store:" + storeID + ":orders" }

func EscrowKey(orderID string) string { return "escrow:" + orderID }

func DisputeKey(orderID string) string { return "dispute:" + orderID }

func ProductKey(productID string) string { return "product:" + productID }

func StoreProductsKey(storeID string) string { return "store:" + storeID + ":products" }

// Invalidator drops every view a mutation could have gone stale.
type Invalidator struct {
	cache Cache
}

func NewInvalidator(cache Cache) *Invalidator {
	return &Invalidator{cache: cache}
}

// OrderChanged clears the order's own views plus both parties' lists.
func (i *Invalidator) OrderChanged(ctx context.Context, orderID, buyerID, storeID string) {
	i.cache.Del(ctx,
		OrderKey(orderID),
		OrderHistoryKey(orderID),
		BuyerOrdersKey(buyerID),
		StoreOrdersKey(storeID),
	)
}

// PaymentSettled additionally clears the escrow view created by
// settlement.
func (i *Invalidator) PaymentSettled(ctx context.Context, orderID, buyerID, storeID string) {
	i.OrderChanged(ctx, orderID, buyerID, storeID)
	i.cache.Del(ctx, EscrowKey(orderID))
}

// EscrowChanged clears the escrow and order views.
func (i *Invalidator) EscrowChanged(ctx context.Context, orderID, buyerID, storeID string) {
	i.OrderChanged(ctx, orderID, buyerID, storeID)
	i.cache.Del(ctx, EscrowKey(orderID))
}

// DisputeChanged clears the dispute view alongside the order.
func (i *Invalidator) DisputeChanged(ctx context.Context, orderID, buyerID, storeID string) {
	i.OrderChanged(ctx, orderID, buyerID, storeID)
	i.cache.Del(ctx, DisputeKey(orderID))
}

// StockChanged clears product views after a reservation or restore.
func (i *Invalidator) StockChanged(ctx context.Context, storeID string, productIDs ...string) {
	keys := make([]string, 0, len(productIDs)+1)
	for _, id := range productIDs {
		keys = append(keys, ProductKey(id))
	}
	keys = append(keys, StoreProductsKey(storeID))
	i.cache.Del(ctx, keys...)
}
