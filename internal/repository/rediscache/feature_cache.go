package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/infra"
)

// FeatureCache общий для всех инстансов L2 кэш значений фич.
// TTL выставляется по частоте обновления фичи, просроченный ключ Redis удаляет сам.
type FeatureCache struct {
	rdb *redis.Client
}

func NewFeatureCache(rdb *redis.Client) *FeatureCache {
	return &FeatureCache{rdb: rdb}
}

var _ feature.ValueCache = (*FeatureCache)(nil)

func (c *FeatureCache) Get(ctx context.Context, key feature.Key) (domain.FeatureValue, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.FeatureValue{}, false, nil
	}
	if err != nil {
		return domain.FeatureValue{}, false, fmt.Errorf("rediscache: failed to get %s: %w", key, err)
	}
	var v domain.FeatureValue
	if err := json.Unmarshal(raw, &v); err != nil {
		// битое значение считаем промахом, Store пересчитает и перезапишет
		return domain.FeatureValue{}, false, nil
	}
	return v, true, nil
}

// Set перезаписывает значение. ttl <= 0: без срока жизни.
func (c *FeatureCache) Set(ctx context.Context, key feature.Key, value domain.FeatureValue, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("rediscache: failed to encode %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, redisKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: failed to set %s: %w", key, err)
	}
	return nil
}

func (c *FeatureCache) Delete(ctx context.Context, key feature.Key) error {
	if err := c.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("rediscache: failed to delete %s: %w", key, err)
	}
	return nil
}

func redisKey(k feature.Key) string {
	return infra.FeatureKey(k.Feature, k.EntityType, k.EntityID)
}
