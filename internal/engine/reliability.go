package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/decision-gate/internal/connectors"
	"github.com/xela07ax/decision-gate/internal/predict"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityConfig настройки защиты внешнего бэкенда.
type ReliabilityConfig struct {
	Name          string
	RatePerSecond float64
	Burst         int
	Attempts      uint
	CallTimeout   time.Duration // на одну попытку
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration // время, через которое CB попробует "закрыться"
	CBFailures    uint32        // подряд ошибок до размыкания
}

func (c *ReliabilityConfig) withDefaults() {
	if c.Name == "" {
		c.Name = "prediction-backend"
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 100
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CBMaxRequests == 0 {
		c.CBMaxRequests = 3
	}
	if c.CBInterval <= 0 {
		c.CBInterval = 5 * time.Second
	}
	if c.CBTimeout <= 0 {
		c.CBTimeout = 30 * time.Second
	}
	if c.CBFailures == 0 {
		c.CBFailures = 5
	}
}

// ReliabilityWrapper rate limit + circuit breaker + retry вокруг транспорта
// внешнего бэкенда. Сам реализует predict.Transport.
type ReliabilityWrapper struct {
	next    predict.Transport
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

func NewReliabilityWrapper(next predict.Transport, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	cfg.withDefaults()
	log := logger.Named("reliability").With(zap.String("backend", cfg.Name))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CBFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, useCase string, payload []byte) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		var data []byte
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Исполнитель сам сказал, когда повторить
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			data, callErr = w.next.Call(tCtx, useCase, payload)
			if errors.Is(callErr, connectors.ErrUnknownUseCase) {
				// Конфигурационная ошибка, повтор не поможет
				return retry.Unrecoverable(callErr)
			}
			return callErr
		})
		return data, retryErr
	})
	if err != nil {
		return nil, err
	}
	return cbResult.([]byte), nil
}

// State текущее состояние предохранителя.
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
