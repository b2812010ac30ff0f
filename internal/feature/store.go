package feature

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Store вычисляет и кэширует значения фич по политике свежести каталога.
// Одновременно для одного ключа выполняется не больше одного вычисления.
type Store struct {
	catalog *Catalog
	cache   ValueCache
	flight  singleflight.Group
	logger  *zap.Logger
	now     func() time.Time

	// Stats
	hits     int64
	misses   int64
	computes int64
}

func NewStore(catalog *Catalog, cache ValueCache, logger *zap.Logger) *Store {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Store{
		catalog: catalog,
		cache:   cache,
		logger:  logger.Named("feature-store"),
		now:     time.Now,
	}
}

// Catalog каталог, по которому работает Store.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

// Definitions определения фич каталога, отсортированные по имени.
func (s *Store) Definitions() []domain.FeatureDefinition {
	return s.catalog.List()
}

// ComputeFeature возвращает значение из кэша, если оно еще свежее,
// иначе пересчитывает по правилу фичи и заменяет запись в кэше.
func (s *Store) ComputeFeature(ctx context.Context, name, entityID, entityType string, attrs domain.Attributes) (domain.FeatureValue, error) {
	entry, ok := s.catalog.lookup(name)
	if !ok {
		return domain.FeatureValue{}, &domain.UnknownFeatureError{Name: name}
	}
	key := Key{Feature: name, EntityType: entityType, EntityID: entityID}
	window := entry.def.RefreshFrequency.Window()

	// Быстрый путь: свежее значение в кэше
	if v, fresh := s.cached(ctx, key, window); fresh {
		atomic.AddInt64(&s.hits, 1)
		return v, nil
	}
	atomic.AddInt64(&s.misses, 1)

	// Singleflight: конкурентные запросы одного ключа ждут одно вычисление
	res, err, _ := s.flight.Do(key.String(), func() (interface{}, error) {
		// Пока ждали блокировку, значение мог положить другой запрос
		prev, fresh := s.cached(ctx, key, window)
		if fresh {
			return prev, nil
		}

		value, err := entry.compute(attrs)
		if err != nil {
			return nil, err
		}
		atomic.AddInt64(&s.computes, 1)

		fv := domain.FeatureValue{
			FeatureName: name,
			EntityID:    entityID,
			EntityType:  entityType,
			Value:       value,
			ComputedAt:  s.now(),
			Version:     prev.Version + 1,
		}
		if err := s.cache.Set(ctx, key, fv, window); err != nil {
			// Значение посчитано корректно, потеря кэша дает только лишний пересчет
			s.logger.Warn("feature cache write failed", zap.String("key", key.String()), zap.Error(err))
		}
		return fv, nil
	})
	if err != nil {
		return domain.FeatureValue{}, err
	}
	return res.(domain.FeatureValue), nil
}

// cached возвращает последнее значение (даже устаревшее, ради версии) и флаг свежести.
func (s *Store) cached(ctx context.Context, key Key, window time.Duration) (domain.FeatureValue, bool) {
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("feature cache read failed", zap.String("key", key.String()), zap.Error(err))
		return domain.FeatureValue{}, false
	}
	if !ok {
		return domain.FeatureValue{}, false
	}
	return v, v.Age(s.now()) <= window
}

// GetFeatureVector вычисляет набор фич параллельно. Ошибка любой фичи
// возвращается с ее именем (domain.FeatureError), частичный результат не отдается.
func (s *Store) GetFeatureVector(ctx context.Context, names []string, entityID, entityType string, attrs domain.Attributes) (map[string]float64, error) {
	out := make(map[string]float64, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &domain.FeatureError{Name: name, Err: err}
			}
			v, err := s.ComputeFeature(gctx, name, entityID, entityType, attrs)
			if err != nil {
				return &domain.FeatureError{Name: name, Err: err}
			}
			mu.Lock()
			out[name] = v.Value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate удаляет значение, следующий запрос его пересчитает.
func (s *Store) Invalidate(ctx context.Context, name, entityID, entityType string) error {
	return s.cache.Delete(ctx, Key{Feature: name, EntityType: entityType, EntityID: entityID})
}

// StoreStats счетчики для метрик и тестов.
type StoreStats struct {
	Hits     int64
	Misses   int64
	Computes int64
}

func (s *Store) Stats() StoreStats {
	return StoreStats{
		Hits:     atomic.LoadInt64(&s.hits),
		Misses:   atomic.LoadInt64(&s.misses),
		Computes: atomic.LoadInt64(&s.computes),
	}
}
