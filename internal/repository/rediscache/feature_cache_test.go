package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/infra"
	"go.uber.org/zap"
)

func newCache(t *testing.T) (*FeatureCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFeatureCache(rdb), mr
}

func TestFeatureCache_SetGetDelete(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	key := feature.Key{Feature: "stock_level", EntityType: "product", EntityID: "sku-1"}
	val := domain.FeatureValue{FeatureName: "stock_level", EntityID: "sku-1", EntityType: "product", Value: 42, Version: 3,
		ComputedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, val, time.Minute))
	assert.True(t, mr.Exists(infra.FeatureKey("stock_level", "product", "sku-1")))
	assert.Equal(t, time.Minute, mr.TTL(infra.FeatureKey("stock_level", "product", "sku-1")))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "expired")

	require.NoError(t, c.Set(ctx, key, val, 0))
	require.NoError(t, c.Delete(ctx, key))
	_, ok, _ = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestFeatureCache_CorruptValueIsMiss(t *testing.T) {
	c, mr := newCache(t)
	key := feature.Key{Feature: "stock_level", EntityType: "product", EntityID: "sku-1"}
	require.NoError(t, mr.Set(infra.FeatureKey("stock_level", "product", "sku-1"), "{not json"))

	_, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeatureCache_SharedBetweenStores(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	a := feature.NewStore(feature.NewDefaultCatalog(), c, zap.NewNop())
	b := feature.NewStore(feature.NewDefaultCatalog(), c, zap.NewNop())

	v, err := a.ComputeFeature(ctx, "stock_level", "sku-1", "product", domain.Attributes{domain.AttrCurrentStock: 17.0})
	require.NoError(t, err)

	// без атрибутов stock_level не вычислить, значит b читает общий кэш
	got, err := b.ComputeFeature(ctx, "stock_level", "sku-1", "product", nil)
	require.NoError(t, err)
	assert.Equal(t, v.Value, got.Value)
	assert.Equal(t, int64(0), b.Stats().Computes)
}
