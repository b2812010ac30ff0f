package feature

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// Key ключ значения фичи: одна "текущая" запись на ключ.
type Key struct {
	Feature    string
	EntityType string
	EntityID   string
}

func (k Key) String() string {
	return k.Feature + ":" + k.EntityType + ":" + k.EntityID
}

// ValueCache хранилище текущих значений. По умолчанию RAM (MemoryCache),
// для нескольких инстансов: Redis (rediscache.FeatureCache).
type ValueCache interface {
	Get(ctx context.Context, key Key) (domain.FeatureValue, bool, error)
	// Set перезаписывает значение; ttl это подсказка для внешних хранилищ.
	Set(ctx context.Context, key Key, value domain.FeatureValue, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
}

// MemoryCache потокобезопасная мапа, most-recent write wins.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[Key]domain.FeatureValue
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[Key]domain.FeatureValue)}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (domain.FeatureValue, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok, nil
}

// Set сохраняет значение. Устаревание проверяет Store по ComputedAt, поэтому ttl тут не нужен.
func (c *MemoryCache) Set(_ context.Context, key Key, value domain.FeatureValue, _ time.Duration) error {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key Key) error {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
	return nil
}

// Len количество записей.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
