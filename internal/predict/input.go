package predict

import (
	"fmt"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/stats"
)

const defaultDemandHorizon = 14

// RequiredFeatures фичи, которые оркестратор считает до вызова модели.
func RequiredFeatures(uc domain.UseCase) []string {
	switch uc {
	case domain.UseCaseDemandForecast:
		return []string{feature.SalesAvg30d, feature.SalesStd30d, feature.SalesTrend, feature.SeasonalityIndex, feature.HistoryLength}
	case domain.UseCaseStockoutRisk:
		return []string{feature.StockLevel, feature.DaysOfStock, feature.LeadTimeDays, feature.SupplierReliability, feature.SalesVariability}
	default:
		return nil
	}
}

// DemandInputFrom собирает вход прогноза из контекста и фич.
func DemandInputFrom(req Request) (DemandInput, error) {
	attrs := req.Attributes
	h, err := attrs.Floats(domain.AttrSalesHistory)
	if err != nil {
		return DemandInput{}, &domain.ValidationError{Field: domain.AttrSalesHistory, Reason: err.Error()}
	}
	in := DemandInput{
		SalesHistory:     h,
		Horizon:          int(attrs.FloatOr(domain.AttrHorizon, defaultDemandHorizon)),
		SeasonalityIndex: featureOr(req.Features, feature.SeasonalityIndex, attrs.FloatOr(domain.AttrSeasonalityIndex, 1)),
		IsPromotion:      attrs.Bool(domain.AttrIsPromotion),
	}
	if raw := attrs.String(domain.AttrStartDate); raw != "" {
		start, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return DemandInput{}, &domain.ValidationError{Field: domain.AttrStartDate, Reason: "expected YYYY-MM-DD"}
		}
		in.StartDate = start
	} else if !req.Now.IsZero() {
		y, m, d := req.Now.AddDate(0, 0, 1).Date()
		in.StartDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return in, nil
}

// StockoutInputFrom берет уровни запаса и поставщика из фич, остальное из контекста.
func StockoutInputFrom(req Request) (StockoutInput, error) {
	attrs := req.Attributes
	stock, ok := req.Features[feature.StockLevel]
	if !ok {
		v, present, err := attrs.Float(domain.AttrCurrentStock)
		if err != nil || !present {
			return StockoutInput{}, &domain.ValidationError{Field: domain.AttrCurrentStock, Reason: "is required"}
		}
		stock = v
	}
	h, err := attrs.Floats(domain.AttrSalesHistory)
	if err != nil {
		return StockoutInput{}, &domain.ValidationError{Field: domain.AttrSalesHistory, Reason: err.Error()}
	}

	avg, present, err := attrs.Float(domain.AttrAvgDailySales)
	if err != nil {
		return StockoutInput{}, &domain.ValidationError{Field: domain.AttrAvgDailySales, Reason: err.Error()}
	}
	if !present {
		if len(h) == 0 {
			return StockoutInput{}, &domain.ValidationError{Field: domain.AttrAvgDailySales, Reason: "avgDailySales or salesHistory is required"}
		}
		avg = stats.Mean(stats.Tail(h, 30))
	}

	return StockoutInput{
		CurrentStock:        stock,
		AvgDailySales:       avg,
		SalesVariability:    featureOr(req.Features, feature.SalesVariability, attrs.FloatOr(domain.AttrSalesVariability, 0)),
		LeadTimeDays:        featureOr(req.Features, feature.LeadTimeDays, attrs.FloatOr(domain.AttrLeadTimeDays, defaultLeadTime)),
		PendingOrders:       attrs.FloatOr(domain.AttrPendingOrders, 0),
		ReorderPoint:        attrs.FloatOr(domain.AttrReorderPoint, 0),
		IsSeasonalPeak:      attrs.Bool(domain.AttrIsSeasonalPeak),
		SupplierReliability: featureOr(req.Features, feature.SupplierReliability, attrs.FloatOr(domain.AttrSupplierReliability, defaultReliability)),
		DataPoints:          len(h),
	}, nil
}

// AnomalyInputFrom читает массив metrics.
func AnomalyInputFrom(req Request) (AnomalyInput, error) {
	raw := req.Attributes.Objects(domain.AttrMetrics)
	in := AnomalyInput{Metrics: make([]MetricSeries, 0, len(raw))}
	for i, m := range raw {
		field := fmt.Sprintf("%s[%d]", domain.AttrMetrics, i)
		cur, ok, err := m.Float(domain.AttrCurrentValue)
		if err != nil || !ok {
			return AnomalyInput{}, &domain.ValidationError{Field: field + "." + domain.AttrCurrentValue, Reason: "numeric value is required"}
		}
		hist, err := m.Floats(domain.AttrHistoricalValues)
		if err != nil {
			return AnomalyInput{}, &domain.ValidationError{Field: field + "." + domain.AttrHistoricalValues, Reason: err.Error()}
		}
		in.Metrics = append(in.Metrics, MetricSeries{
			Name:             m.String(domain.AttrMetricName),
			CurrentValue:     cur,
			HistoricalValues: hist,
		})
	}
	return in, nil
}

func featureOr(fs map[string]float64, name string, def float64) float64 {
	if v, ok := fs[name]; ok {
		return v
	}
	return def
}
