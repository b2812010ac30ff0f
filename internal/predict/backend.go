package predict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// Request вход бэкенда: сырой контекст и уже посчитанный вектор фич.
type Request struct {
	UseCase    domain.UseCase     `json:"useCase"`
	EntityID   string             `json:"entityId"`
	EntityType string             `json:"entityType"`
	Attributes domain.Attributes  `json:"context"`
	Features   map[string]float64 `json:"features"`
	// Now дата запроса, от нее считается первый день прогноза.
	Now time.Time `json:"-"`
}

// Result типизированный результат. Заполнено ровно одно поле по use case.
type Result struct {
	UseCase  domain.UseCase  `json:"useCase"`
	Demand   *DemandOutput   `json:"demand,omitempty"`
	Stockout *StockoutOutput `json:"stockout,omitempty"`
	Anomaly  *AnomalyOutput  `json:"anomaly,omitempty"`
}

// DataPoints объем данных, на котором построен результат.
func (r *Result) DataPoints() int {
	switch {
	case r.Demand != nil:
		return r.Demand.DataPoints
	case r.Stockout != nil:
		return r.Stockout.DataPoints
	case r.Anomaly != nil:
		return r.Anomaly.DataPoints
	}
	return 0
}

func (r *Result) validate() error {
	var ok bool
	switch r.UseCase {
	case domain.UseCaseDemandForecast:
		ok = r.Demand != nil
	case domain.UseCaseStockoutRisk:
		ok = r.Stockout != nil
	case domain.UseCaseAnomalyDetection:
		ok = r.Anomaly != nil
	}
	if !ok {
		return fmt.Errorf("empty %s result", r.UseCase)
	}
	return nil
}

// Backend единый интерфейс исполнения модели. Реализации взаимозаменяемы:
// in-process статистика, внешний процесс, gRPC-сервис.
type Backend interface {
	Name() string
	Predict(ctx context.Context, req Request) (*Result, error)
}

// Explain объяснение результата, одинаковое для любого бэкенда.
func Explain(req Request, res *Result) (domain.Explanation, error) {
	switch {
	case res.Demand != nil:
		in, err := DemandInputFrom(req)
		if err != nil {
			return domain.Explanation{}, err
		}
		return DemandForecast{}.GenerateExplanation(in, res.Demand), nil
	case res.Stockout != nil:
		in, err := StockoutInputFrom(req)
		if err != nil {
			return domain.Explanation{}, err
		}
		return StockoutRisk{}.GenerateExplanation(in, res.Stockout), nil
	case res.Anomaly != nil:
		in, err := AnomalyInputFrom(req)
		if err != nil {
			return domain.Explanation{}, err
		}
		return AnomalyDetection{}.GenerateExplanation(in, res.Anomaly), nil
	}
	return domain.Explanation{}, fmt.Errorf("explain: empty result for %s", req.UseCase)
}

func direction(delta float64) string {
	switch {
	case delta > 0:
		return "up"
	case delta < 0:
		return "down"
	default:
		return "neutral"
	}
}

func sortDrivers(ds []domain.Driver) {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Impact > ds[j].Impact })
}

// topDrivers не больше трех факторов.
func topDrivers(ds []domain.Driver) []domain.Driver {
	if len(ds) > 3 {
		ds = ds[:3]
	}
	return ds
}
