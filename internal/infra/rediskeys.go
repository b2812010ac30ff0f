package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных сервиса в Redis
	RedisNamespace = "decisiongate"
)

// Ключи для Sets и значений (состояние)
const (
	RedisKeyRevokedUseCases = RedisNamespace + ":usecases:revoked_set"
	RedisKeyFeaturePrefix   = RedisNamespace + ":features:"
	RedisKeyLockWarmup      = RedisNamespace + ":lock:warmup:revoked"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRevocation сигнал отзыва/возврата use case, формат "use_case:true|false".
	RedisChanRevocation = RedisNamespace + ":usecases:revoke-signal"
	// RedisChanPolicyUpdate изменение активности политики, формат "policy_id:true|false".
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update"
)

// FeatureKey ключ значения фичи в L2 кэше.
func FeatureKey(name, entityType, entityID string) string {
	return fmt.Sprintf("%s%s:%s:%s", RedisKeyFeaturePrefix, name, entityType, entityID)
}
