package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/stats"
	"go.uber.org/zap"
)

// Transport канал до внешнего исполнителя модели: JSON на входе, JSON на выходе.
// Реализации: connectors.SubprocessRunner, connectors.GRPCAdapter и
// обертка engine.ReliabilityWrapper поверх любой из них.
type Transport interface {
	Call(ctx context.Context, useCase string, payload []byte) ([]byte, error)
}

// RemoteBackend кодирует вход в формат внешних скриптов и разбирает их ответ.
type RemoteBackend struct {
	name      string
	transport Transport
	logger    *zap.Logger
}

func NewRemoteBackend(name string, transport Transport, logger *zap.Logger) *RemoteBackend {
	return &RemoteBackend{
		name:      name,
		transport: transport,
		logger:    logger.Named("remote-backend").With(zap.String("backend", name)),
	}
}

func (b *RemoteBackend) Name() string { return b.name }

func (b *RemoteBackend) Predict(ctx context.Context, req Request) (*Result, error) {
	payload, err := encodeRemote(req)
	if err != nil {
		return nil, err
	}
	raw, err := b.transport.Call(ctx, string(req.UseCase), payload)
	if err != nil {
		return nil, &domain.ModelExecutionError{Stage: b.name, Err: err}
	}
	res, err := decodeRemote(req.UseCase, raw)
	if err != nil {
		b.logger.Warn("unreadable backend response", zap.String("use_case", string(req.UseCase)), zap.Error(err))
		return nil, &domain.ModelExecutionError{Stage: b.name, Err: err}
	}
	// Скрипты не сообщают объем данных, берем его из запроса
	if h, err := req.Attributes.Floats(domain.AttrSalesHistory); err == nil {
		switch {
		case res.Demand != nil:
			res.Demand.DataPoints = len(h)
		case res.Stockout != nil:
			res.Stockout.DataPoints = len(h)
		}
	}
	return res, nil
}

type remoteEntity struct {
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
}

func encodeRemote(req Request) ([]byte, error) {
	entity := remoteEntity{EntityID: req.EntityID, EntityType: req.EntityType}
	switch req.UseCase {
	case domain.UseCaseDemandForecast:
		in, err := DemandInputFrom(req)
		if err != nil {
			return nil, err
		}
		if err := (DemandForecast{}).Validate(in); err != nil {
			return nil, err
		}
		var start string
		if !in.StartDate.IsZero() {
			start = in.StartDate.Format("2006-01-02")
		}
		return json.Marshal(struct {
			remoteEntity
			DemandInput
			StartDate string `json:"startDate,omitempty"`
		}{entity, in, start})
	case domain.UseCaseStockoutRisk:
		in, err := StockoutInputFrom(req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			remoteEntity
			StockoutInput
		}{entity, in})
	case domain.UseCaseAnomalyDetection:
		in, err := AnomalyInputFrom(req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			remoteEntity
			AnomalyInput
		}{entity, in})
	}
	return nil, &domain.ValidationError{Field: "useCase", Reason: fmt.Sprintf("unsupported use case %q", req.UseCase)}
}

// Формат ответа внешних скриптов (snake_case, вероятности 0..1).
type wireDemand struct {
	Forecast           []float64 `json:"forecast"`
	PredictionInterval struct {
		Lower      []float64 `json:"lower"`
		Upper      []float64 `json:"upper"`
		Confidence float64   `json:"confidence"`
	} `json:"prediction_interval"`
	TotalForecast     float64            `json:"total_forecast"`
	Trend             string             `json:"trend"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
}

type wireRisk struct {
	Probability float64 `json:"probability"`
	Level       string  `json:"level"`
}

type wireStockout struct {
	Risk7             wireRisk `json:"risk_7_days"`
	Risk14            wireRisk `json:"risk_14_days"`
	Risk30            wireRisk `json:"risk_30_days"`
	OverallRisk       string   `json:"overall_risk"`
	RecommendedAction string   `json:"recommended_action"`
	ReorderQuantity   float64  `json:"reorder_quantity"`
	DaysUntilStockout float64  `json:"days_until_stockout"`
	SafetyStockLevel  float64  `json:"safety_stock_level"`
}

type wireAnomaly struct {
	IsAnomaly    bool            `json:"is_anomaly"`
	AnomalyScore float64         `json:"anomaly_score"`
	Severity     domain.Severity `json:"severity"`
	Anomalies    []Anomaly       `json:"anomalies"`
}

type wireError struct {
	Error string `json:"error"`
}

var errEmptyResponse = errors.New("empty response")

func decodeRemote(uc domain.UseCase, raw []byte) (*Result, error) {
	if len(raw) == 0 {
		return nil, errEmptyResponse
	}
	var we wireError
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if we.Error != "" {
		return nil, fmt.Errorf("backend error: %s", we.Error)
	}

	res := &Result{UseCase: uc}
	switch uc {
	case domain.UseCaseDemandForecast:
		var w wireDemand
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode demand: %w", err)
		}
		if len(w.Forecast) == 0 {
			return nil, fmt.Errorf("decode demand: %w", errEmptyResponse)
		}
		res.Demand = &DemandOutput{
			Forecast: w.Forecast,
			PredictionInterval: PredictionInterval{
				Lower:      w.PredictionInterval.Lower,
				Upper:      w.PredictionInterval.Upper,
				Confidence: w.PredictionInterval.Confidence,
			},
			TotalForecast:     w.TotalForecast,
			Trend:             w.Trend,
			TrendFactor:       1,
			FeatureImportance: w.FeatureImportance,
			Mean:              stats.Mean(w.Forecast),
		}
	case domain.UseCaseStockoutRisk:
		var w wireStockout
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode stockout: %w", err)
		}
		if w.OverallRisk == "" {
			return nil, fmt.Errorf("decode stockout: %w", errEmptyResponse)
		}
		r7, r14, r30 := w.Risk7.percent(), w.Risk14.percent(), w.Risk30.percent()
		res.Stockout = &StockoutOutput{
			Risk7Days:         r7,
			Risk14Days:        r14,
			Risk30Days:        r30,
			OverallRisk:       w.OverallRisk,
			OverallScore:      math.Max(r7.Probability, math.Max(r14.Probability, r30.Probability)),
			RecommendedAction: w.RecommendedAction,
			ReorderQuantity:   w.ReorderQuantity,
			DaysUntilStockout: w.DaysUntilStockout,
			SafetyStockLevel:  w.SafetyStockLevel,
		}
	case domain.UseCaseAnomalyDetection:
		var w wireAnomaly
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode anomaly: %w", err)
		}
		if w.Severity == "" {
			w.Severity = domain.SeverityNone
		}
		if w.Anomalies == nil {
			w.Anomalies = []Anomaly{}
		}
		res.Anomaly = &AnomalyOutput{
			IsAnomaly:    w.IsAnomaly,
			AnomalyScore: w.AnomalyScore,
			Severity:     w.Severity,
			Anomalies:    w.Anomalies,
			Evaluated:    len(w.Anomalies),
		}
	default:
		return nil, fmt.Errorf("unsupported use case %q", uc)
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func (r wireRisk) percent() HorizonRisk {
	return HorizonRisk{Probability: stats.Round(r.Probability*100, 2), Level: r.Level}
}
