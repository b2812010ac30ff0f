package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra"
	"go.uber.org/zap"
)

// RevocationManager мгновенный отзыв use case у всех инстансов (kill switch).
// Отозванный use case обслуживается только fallback-решениями с причиной
// approval_revoked. Состояние: L1 мапа в памяти, L2 Redis set, сигналы через Pub/Sub.
type RevocationManager struct {
	mu      sync.RWMutex
	revoked map[domain.UseCase]struct{}
	rdb     *redis.Client // nil: только память
	logger  *zap.Logger
}

func NewRevocationManager(rdb *redis.Client, logger *zap.Logger) *RevocationManager {
	return &RevocationManager{
		revoked: make(map[domain.UseCase]struct{}),
		rdb:     rdb,
		logger:  logger.Named("revocation"),
	}
}

// Init загружает текущее состояние отзывов из Redis (при старте и переподключении).
func (m *RevocationManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	ids, err := m.rdb.SMembers(ctx, infra.RedisKeyRevokedUseCases).Result()
	if err != nil {
		return fmt.Errorf("revocation: failed to load revoked set: %w", err)
	}
	next := make(map[domain.UseCase]struct{}, len(ids))
	for _, id := range ids {
		next[domain.UseCase(id)] = struct{}{}
	}
	m.mu.Lock()
	m.revoked = next
	m.mu.Unlock()
	return nil
}

// IsRevoked горячий путь, только память.
func (m *RevocationManager) IsRevoked(uc domain.UseCase) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[uc]
	return ok
}

// Revoke отзывает use case: L1, L2 и сигнал остальным инстансам.
func (m *RevocationManager) Revoke(ctx context.Context, uc domain.UseCase) error {
	return m.set(ctx, uc, true)
}

// Restore возвращает use case в обслуживание.
func (m *RevocationManager) Restore(ctx context.Context, uc domain.UseCase) error {
	return m.set(ctx, uc, false)
}

func (m *RevocationManager) set(ctx context.Context, uc domain.UseCase, revoked bool) error {
	if !uc.Valid() {
		return &domain.ValidationError{Field: "useCase", Reason: fmt.Sprintf("unknown use case %q", uc)}
	}
	if m.rdb != nil {
		pipe := m.rdb.TxPipeline()
		if revoked {
			pipe.SAdd(ctx, infra.RedisKeyRevokedUseCases, string(uc))
		} else {
			pipe.SRem(ctx, infra.RedisKeyRevokedUseCases, string(uc))
		}
		pipe.Publish(ctx, infra.RedisChanRevocation, infra.FormatSignal(string(uc), revoked))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("revocation: failed to publish %s: %w", uc, err)
		}
	}
	m.apply(string(uc), revoked)
	m.logger.Warn("use case revocation changed", zap.String("use_case", string(uc)), zap.Bool("revoked", revoked))
	return nil
}

// apply внутренний метод для обновления мапы (обработчик сигнала).
func (m *RevocationManager) apply(id string, revoked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if revoked {
		m.revoked[domain.UseCase(id)] = struct{}{}
	} else {
		delete(m.revoked, domain.UseCase(id))
	}
}

// Revoked список отозванных use case.
func (m *RevocationManager) Revoked() []domain.UseCase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.UseCase, 0, len(m.revoked))
	for uc := range m.revoked {
		out = append(out, uc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StartListener подписывается на Redis и обновляет состояние.
func (m *RevocationManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	infra.ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanRevocation,
		func() error { return m.Init(ctx) },
		m.apply,
	)
}

// Warmup стартовый список отзывов из конфигурации. Без Redis он и есть
// состояние. С Redis список сидирует пустой set, а итог читается из
// Redis: отзывы, сделанные через API, важнее конфигурации.
func (m *RevocationManager) Warmup(ctx context.Context, useCases []string) error {
	for _, id := range useCases {
		if !domain.UseCase(id).Valid() {
			return &domain.ValidationError{Field: "revokedUseCases", Reason: fmt.Sprintf("unknown use case %q", id)}
		}
	}
	if m.rdb == nil {
		for _, id := range useCases {
			m.apply(id, true)
		}
		return nil
	}
	if err := seedSetOnce(ctx, m.rdb, m.logger, infra.RedisKeyRevokedUseCases, infra.RedisKeyLockWarmup, useCases); err != nil {
		return fmt.Errorf("revocation: %w", err)
	}
	return m.Init(ctx)
}
