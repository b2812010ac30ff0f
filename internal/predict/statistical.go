package predict

import (
	"context"
	"fmt"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// StatisticalBackend исполняет стратегии в процессе. Не ходит в сеть и
// служит последним рубежом для FailoverBackend.
type StatisticalBackend struct {
	Demand   DemandForecast
	Stockout StockoutRisk
	Anomaly  AnomalyDetection
	// AnomalyLowThreshold порог |z| для детектора, 0 означает 2.
	AnomalyLowThreshold float64
}

func NewStatisticalBackend() *StatisticalBackend {
	return &StatisticalBackend{}
}

func (b *StatisticalBackend) Name() string { return "statistical" }

func (b *StatisticalBackend) Predict(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{UseCase: req.UseCase}
	switch req.UseCase {
	case domain.UseCaseDemandForecast:
		in, err := DemandInputFrom(req)
		if err != nil {
			return nil, err
		}
		if res.Demand, err = b.Demand.Predict(in); err != nil {
			return nil, err
		}
	case domain.UseCaseStockoutRisk:
		in, err := StockoutInputFrom(req)
		if err != nil {
			return nil, err
		}
		if res.Stockout, err = b.Stockout.Predict(in); err != nil {
			return nil, err
		}
	case domain.UseCaseAnomalyDetection:
		in, err := AnomalyInputFrom(req)
		if err != nil {
			return nil, err
		}
		in.LowThreshold = b.AnomalyLowThreshold
		if res.Anomaly, err = b.Anomaly.Predict(in); err != nil {
			return nil, err
		}
	default:
		return nil, &domain.ValidationError{Field: "useCase", Reason: fmt.Sprintf("unsupported use case %q", req.UseCase)}
	}
	return res, nil
}
