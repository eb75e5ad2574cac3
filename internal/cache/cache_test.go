package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	c.Set(ctx, OrderKey("ord_00000001"), []byte(`{"id":"ord_00000001"}`), 50*time.Millisecond)

	got, ok := c.Get(ctx, OrderKey("ord_00000001"))
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"ord_00000001"}`, string(got))

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(ctx, OrderKey("ord_00000001"))
	assert.False(t, ok)
}

func TestInvalidatorPaymentSettled(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	inv := NewInvalidator(c)

	keys := []string{
		OrderKey("ord_00000001"),
		OrderHistoryKey("ord_00000001"),
		BuyerOrdersKey("usr_buyer001"),
		StoreOrdersKey("str_11223344"),
		EscrowKey("ord_00000001"),
	}
	for _, k := range keys {
		c.Set(ctx, k, []byte("x"), time.Minute)
	}
	// Unrelated entry must survive.
	c.Set(ctx, OrderKey("ord_00000002"), []byte("y"), time.Minute)

	inv.PaymentSettled(ctx, "ord_00000001", "usr_buyer001", "str_11223344")

	for _, k := range keys {
		_, ok := c.Get(ctx, k)
		assert.False(t, ok, "key %s should be invalidated", k)
	}
	_, ok := c.Get(ctx, OrderKey("ord_00000002"))
	assert.True(t, ok)
}

func TestInvalidatorStockChanged(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	inv := NewInvalidator(c)

	c.Set(ctx, ProductKey("prd_aabbccdd"), []byte("x"), time.Minute)
	c.Set(ctx, StoreProductsKey("str_11223344"), []byte("x"), time.Minute)

	inv.StockChanged(ctx, "str_11223344", "prd_aabbccdd")

	_, ok := c.Get(ctx, ProductKey("prd_aabbccdd"))
	assert.False(t, ok)
	_, ok = c.Get(ctx, StoreProductsKey("str_11223344"))
	assert.False(t, ok)
}
