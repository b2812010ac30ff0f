package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// MockPredictionService отвечает заготовками в формате внешних скриптов.
// Используется как backend.kind=mock на стенде без Python и в тестах обертки.
type MockPredictionService struct {
	// MaxLatency верхняя граница имитируемой задержки; 0 отключает задержку.
	MaxLatency time.Duration
}

func (c *MockPredictionService) Call(ctx context.Context, useCase string, _ []byte) ([]byte, error) {
	if c.MaxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(c.MaxLatency)))
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch useCase {
	case "demand_forecast":
		return []byte(`{"forecast": [10, 11, 12], "prediction_interval": {"lower": [8, 8, 9], "upper": [12, 14, 15], "confidence": 0.95},
			"total_forecast": 33, "trend": "increasing",
			"feature_importance": {"recent_sales": 0.4, "trend": 0.3, "seasonality": 0.2, "day_of_week": 0.1}}`), nil
	case "stockout_risk":
		return []byte(`{"risk_7_days": {"probability": 0.2, "level": "low"}, "risk_14_days": {"probability": 0.35, "level": "medium"},
			"risk_30_days": {"probability": 0.6, "level": "high"}, "overall_risk": "medium", "recommended_action": "plan_reorder",
			"reorder_quantity": 40, "days_until_stockout": 12.5, "safety_stock_level": 6}`), nil
	case "anomaly_detection":
		return []byte(`{"is_anomaly": false, "anomaly_score": 0, "severity": "none", "anomalies": []}`), nil
	case "unstable":
		return nil, fmt.Errorf("service internal error")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownUseCase, useCase)
	}
}
