package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WarmupStep загрузка одного компонента control plane из хранилища.
type WarmupStep struct {
	Name string
	Load func(ctx context.Context) error
}

// Warmup параллельно поднимает состояние реестра, политик, заявок и
// эталонов до приема трафика. Первая ошибка отменяет остальные шаги.
func Warmup(ctx context.Context, logger *zap.Logger, steps ...WarmupStep) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, step := range steps {
		step := step
		g.Go(func() error {
			t := time.Now()
			if err := step.Load(gctx); err != nil {
				return fmt.Errorf("warmup %s: %w", step.Name, err)
			}
			logger.Debug("warmup step done", zap.String("step", step.Name), zap.Duration("took", time.Since(t)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("control plane warmed up", zap.Int("steps", len(steps)), zap.Duration("took", time.Since(start)))
	return nil
}

// seedSetOnce заполняет пустой Redis set значениями из конфигурации.
// SetNX lock: сидирует один инстанс, остальные читают его результат.
func seedSetOnce(ctx context.Context, rdb *redis.Client, logger *zap.Logger, key, lockKey string, members []string) error {
	if rdb == nil || len(members) == 0 {
		return nil
	}
	ok, err := rdb.SetNX(ctx, lockKey, "seeding", 30*time.Second).Result()
	if err != nil {
		return fmt.Errorf("seed lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil
	}

	count, err := rdb.SCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("seed size %s: %w", key, err)
	}
	if count > 0 {
		// Состояние в Redis новее конфигурации
		return nil
	}
	logger.Info("seeding shared set from config", zap.String("key", key), zap.Strings("members", members))
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return rdb.SAdd(ctx, key, args...).Err()
}
