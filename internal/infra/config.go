package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config корневая структура конфигурации сервиса.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP и gRPC серверов.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	MetricsPort     int           `mapstructure:"metrics_port"` // 0: /metrics на основном порту
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL: все
// состояние только в памяти процесса.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и кэш фич).
// Пустой Addr: один инстанс без общего состояния.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig публичный RSA ключ и издатель JWT. Без ключа аутентификация выключена.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	PublicKey     []byte
}

// EngineConfig настройки оркестратора решений и аудита.
type EngineConfig struct {
	DecisionTimeout       time.Duration     `mapstructure:"decision_timeout"`
	DriftFallbackSeverity string            `mapstructure:"drift_fallback_severity"` // low, medium, high
	ModelNames            map[string]string `mapstructure:"model_names"`             // use case -> имя модели в реестре
	RevokedUseCases       []string          `mapstructure:"revoked_use_cases"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Окна в памяти; старшие записи читаются из Postgres
	AuditRetention       int `mapstructure:"audit_retention"`
	DecisionLogRetention int `mapstructure:"decision_log_retention"`
}

// BackendConfig выбор бэкенда предсказаний и его надежность.
type BackendConfig struct {
	Kind string `mapstructure:"kind"` // statistical, grpc, subprocess

	GRPCAddr    string        `mapstructure:"grpc_addr"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	Interpreter string            `mapstructure:"interpreter"`
	ScriptDir   string            `mapstructure:"script_dir"`
	Scripts     map[string]string `mapstructure:"scripts"`

	// Rate limit и ретраи
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	Attempts      uint    `mapstructure:"attempts"`

	// Настройки Circuit Breaker для внешних бэкендов
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`

	// Отказ внешнего бэкенда переводит вызов на встроенную статистику
	FailoverToStatistical bool `mapstructure:"failover_to_statistical"`
}

// PrimaryBudget срок внешнего бэкенда со всеми попытками.
func (b BackendConfig) PrimaryBudget() time.Duration {
	return time.Duration(b.Attempts) * b.CallTimeout
}

// FeaturesConfig кэш значений фич.
type FeaturesConfig struct {
	Cache string `mapstructure:"cache"` // memory, redis
}

// MonitoringConfig периодическая проверка здоровья.
type MonitoringConfig struct {
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// GovernanceConfig файл политик (YAML). Пусто: встроенный набор.
type GovernanceConfig struct {
	PoliciesPath string `mapstructure:"policies_path"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Сначала PEM прямо в ENV (Docker/K8s), иначе файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит ошибки конфигурации до старта сервисов.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "statistical":
	case "grpc":
		if c.Backend.GRPCAddr == "" {
			return errors.New("config: backend.grpc_addr is required for grpc backend")
		}
	case "subprocess":
		if c.Backend.ScriptDir == "" {
			return errors.New("config: backend.script_dir is required for subprocess backend")
		}
	default:
		return fmt.Errorf("config: unknown backend.kind %q", c.Backend.Kind)
	}
	if c.Backend.Kind != "statistical" {
		// Ретраи внешнего бэкенда должны оставить время на fallback
		if c.Backend.Attempts == 0 || c.Backend.CallTimeout <= 0 {
			return errors.New("config: backend.attempts and backend.call_timeout must be positive")
		}
		if budget := c.Backend.PrimaryBudget(); budget >= c.Engine.DecisionTimeout {
			return fmt.Errorf("config: backend.attempts*backend.call_timeout (%s) must be less than engine.decision_timeout (%s)",
				budget, c.Engine.DecisionTimeout)
		}
	}
	switch c.Features.Cache {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("config: redis.addr is required for redis feature cache")
		}
	default:
		return fmt.Errorf("config: unknown features.cache %q", c.Features.Cache)
	}
	switch c.Engine.DriftFallbackSeverity {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("config: engine.drift_fallback_severity must be low, medium or high, got %q", c.Engine.DriftFallbackSeverity)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 40*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.migrate", true)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("engine.decision_timeout", 35*time.Second)
	v.SetDefault("engine.drift_fallback_severity", "high")
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
	v.SetDefault("engine.audit_retention", 100000)
	v.SetDefault("engine.decision_log_retention", 100000)
	v.SetDefault("backend.kind", "statistical")
	v.SetDefault("backend.call_timeout", 10*time.Second)
	v.SetDefault("backend.interpreter", "python3")
	v.SetDefault("backend.rate_per_second", 50)
	v.SetDefault("backend.burst", 10)
	v.SetDefault("backend.attempts", 3)
	v.SetDefault("backend.cb_max_requests", 1)
	v.SetDefault("backend.cb_timeout", 30*time.Second)
	v.SetDefault("backend.cb_failures", 5)
	v.SetDefault("backend.failover_to_statistical", true)
	v.SetDefault("features.cache", "memory")
	v.SetDefault("monitoring.health_interval", time.Minute)
}

// loadKeyResource ключ из ENV или из файла по пути.
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (Base64 или PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
