package predict

import (
	"fmt"
	"math"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/stats"
)

// Уровни риска дефицита
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Рекомендуемые действия
const (
	ActionUrgentReorder = "urgent_reorder"
	ActionPlanReorder   = "plan_reorder"
	ActionMonitor       = "monitor"
)

const (
	serviceLevelZ      = 1.65
	peakMultiplier     = 1.3
	urgentCoverage     = 2.0
	plannedCoverage    = 1.5
	minDailyRate       = 0.1
	riskSteepness      = 3.0
	defaultMinAccBT    = 0.7
	defaultLeadTime    = 7
	defaultReliability = 1.0
)

// StockoutInput вход оценки риска дефицита.
type StockoutInput struct {
	CurrentStock        float64 `json:"currentStock"`
	AvgDailySales       float64 `json:"avgDailySales"`
	SalesVariability    float64 `json:"salesVariability"`
	LeadTimeDays        float64 `json:"leadTimeDays"`
	PendingOrders       float64 `json:"pendingOrders"`
	ReorderPoint        float64 `json:"reorderPoint"`
	IsSeasonalPeak      bool    `json:"isSeasonalPeak"`
	// SupplierReliability 0..1; 0 трактуется как "не задано" (1).
	SupplierReliability float64 `json:"supplierReliability"`
	DataPoints          int     `json:"-"`
}

// HorizonRisk вероятность дефицита (0..100) на горизонте.
type HorizonRisk struct {
	Probability float64 `json:"probability"`
	Level       string  `json:"level"`
}

// StockoutOutput результат оценки риска.
type StockoutOutput struct {
	Risk7Days         HorizonRisk `json:"risk7Days"`
	Risk14Days        HorizonRisk `json:"risk14Days"`
	Risk30Days        HorizonRisk `json:"risk30Days"`
	OverallRisk       string      `json:"overallRisk"`
	OverallScore      float64     `json:"overallScore"`
	RecommendedAction string      `json:"recommendedAction"`
	ReorderQuantity   float64     `json:"reorderQuantity"`
	DaysUntilStockout float64     `json:"daysUntilStockout"`
	SafetyStockLevel  float64     `json:"safetyStockLevel"`
	BelowReorderPoint bool        `json:"belowReorderPoint"`
	DataPoints        int         `json:"dataPoints"`
}

// StockoutRisk логистическая оценка риска по покрытию запаса в днях.
type StockoutRisk struct{}

func (StockoutRisk) Validate(in StockoutInput) error {
	if in.CurrentStock < 0 {
		return &domain.ValidationError{Field: domain.AttrCurrentStock, Reason: "must not be negative"}
	}
	if in.AvgDailySales < 0 {
		return &domain.ValidationError{Field: domain.AttrAvgDailySales, Reason: "must not be negative"}
	}
	if in.LeadTimeDays < 0 {
		return &domain.ValidationError{Field: domain.AttrLeadTimeDays, Reason: "must not be negative"}
	}
	return nil
}

func (s StockoutRisk) Predict(in StockoutInput) (*StockoutOutput, error) {
	if err := s.Validate(in); err != nil {
		return nil, err
	}
	in = in.withDefaults()

	out := &StockoutOutput{
		Risk7Days:  horizonRisk(in, 7),
		Risk14Days: horizonRisk(in, 14),
		Risk30Days: horizonRisk(in, 30),
		DataPoints: in.DataPoints,
	}
	// Дальние горизонты весят меньше: к ним успевает прийти поставка
	overall := math.Max(out.Risk7Days.Probability,
		math.Max(0.8*out.Risk14Days.Probability, 0.6*out.Risk30Days.Probability))
	out.OverallScore = stats.Round(overall, 2)
	out.OverallRisk = riskLevel(overall)

	rate := math.Max(in.AvgDailySales, minDailyRate)
	safety := serviceLevelZ * in.SalesVariability * in.AvgDailySales * math.Sqrt(in.LeadTimeDays)
	out.SafetyStockLevel = math.Floor(safety)
	out.DaysUntilStockout = stats.Round(in.CurrentStock/rate, 1)
	out.BelowReorderPoint = in.ReorderPoint > 0 && in.CurrentStock < in.ReorderPoint

	switch out.OverallRisk {
	case RiskHigh, RiskCritical:
		out.RecommendedAction = ActionUrgentReorder
		out.ReorderQuantity = reorderQuantity(in, safety, urgentCoverage)
	case RiskMedium:
		out.RecommendedAction = ActionPlanReorder
		out.ReorderQuantity = reorderQuantity(in, safety, plannedCoverage)
	default:
		out.RecommendedAction = ActionMonitor
	}
	return out, nil
}

func (in StockoutInput) withDefaults() StockoutInput {
	if in.LeadTimeDays == 0 {
		in.LeadTimeDays = defaultLeadTime
	}
	if in.SupplierReliability <= 0 {
		in.SupplierReliability = defaultReliability
	}
	in.SupplierReliability = stats.Clamp(in.SupplierReliability, 0, 1)
	if in.SalesVariability < 0 {
		in.SalesVariability = 0
	}
	return in
}

// horizonRisk p = 100/(1+e^{k(ratio-1)}), ratio = дни запаса / горизонт,
// затем поправки на вариативность, сезонный пик и надежность поставщика.
func horizonRisk(in StockoutInput, horizon float64) HorizonRisk {
	days := (in.CurrentStock + in.PendingOrders) / math.Max(in.AvgDailySales, minDailyRate)
	ratio := days / horizon
	p := 100 / (1 + math.Exp(riskSteepness*(ratio-1)))
	p *= 1 + in.SalesVariability
	if in.IsSeasonalPeak {
		p *= peakMultiplier
	}
	p *= 2 - in.SupplierReliability
	p = stats.Clamp(p, 0, 100)
	return HorizonRisk{Probability: stats.Round(p, 2), Level: riskLevel(p)}
}

func riskLevel(p float64) string {
	switch {
	case p >= 90:
		return RiskCritical
	case p >= 75:
		return RiskHigh
	case p >= 50:
		return RiskMedium
	default:
		return RiskLow
	}
}

func reorderQuantity(in StockoutInput, safety, coverage float64) float64 {
	q := in.AvgDailySales*in.LeadTimeDays*coverage + safety - in.CurrentStock
	return math.Max(0, math.Floor(q))
}

// GenerateExplanation объяснение уровня риска и действия.
func (StockoutRisk) GenerateExplanation(in StockoutInput, out *StockoutOutput) domain.Explanation {
	summary := fmt.Sprintf("Stockout risk is %s (%.0f/100): current stock covers about %.1f days of sales.",
		out.OverallRisk, out.OverallScore, out.DaysUntilStockout)

	in = in.withDefaults()
	coverage := out.DaysUntilStockout / math.Max(in.LeadTimeDays, 1)
	drivers := []domain.Driver{
		{Feature: "days_of_stock", Impact: stats.Round(stats.Clamp(1-coverage/4, 0, 1), 3), Direction: direction(1 - coverage)},
		{Feature: "lead_time_days", Impact: stats.Round(stats.Clamp(in.LeadTimeDays/30, 0, 1), 3), Direction: "up"},
		{Feature: "sales_variability", Impact: stats.Round(stats.Clamp(in.SalesVariability, 0, 1), 3), Direction: direction(in.SalesVariability)},
		{Feature: "supplier_reliability", Impact: stats.Round(1-in.SupplierReliability, 3), Direction: direction(1 - in.SupplierReliability)},
	}
	if in.IsSeasonalPeak {
		drivers = append(drivers, domain.Driver{Feature: "seasonal_peak", Impact: peakMultiplier - 1, Direction: "up"})
	}
	sortDrivers(drivers)

	var scenario string
	switch out.RecommendedAction {
	case ActionUrgentReorder:
		scenario = fmt.Sprintf("Without a reorder of about %.0f units, stock is likely to run out before the next delivery in %.0f days.",
			out.ReorderQuantity, in.LeadTimeDays)
	case ActionPlanReorder:
		scenario = fmt.Sprintf("Planning a reorder of about %.0f units keeps stock above the safety level of %.0f units.",
			out.ReorderQuantity, out.SafetyStockLevel)
	default:
		scenario = "Stock is sufficient for the supplier lead time; keep monitoring."
	}
	if out.BelowReorderPoint {
		scenario += " Stock is already below the reorder point."
	}
	return domain.Explanation{Summary: summary, TopDrivers: topDrivers(drivers), Scenario: scenario}
}

// StockoutObservation размеченное наблюдение: был ли дефицит в течение 7 дней.
type StockoutObservation struct {
	Input      StockoutInput `json:"input"`
	StockedOut bool          `json:"stockedOut"`
}

// Backtest точность классификации high/critical против базовой линии
// "дефицита не будет".
func (s StockoutRisk) Backtest(history []StockoutObservation, minAccuracy float64) (domain.BacktestResult, error) {
	if len(history) == 0 {
		return domain.BacktestResult{}, fmt.Errorf("stockout backtest: empty history: %w", domain.ErrInsufficientData)
	}
	if minAccuracy <= 0 {
		minAccuracy = defaultMinAccBT
	}

	var tp, fp, tn, fn float64
	for _, obs := range history {
		out, err := s.Predict(obs.Input)
		if err != nil {
			return domain.BacktestResult{}, err
		}
		flagged := out.OverallRisk == RiskHigh || out.OverallRisk == RiskCritical
		switch {
		case flagged && obs.StockedOut:
			tp++
		case flagged && !obs.StockedOut:
			fp++
		case !flagged && obs.StockedOut:
			fn++
		default:
			tn++
		}
	}
	n := float64(len(history))
	accuracy := (tp + tn) / n
	baseline := (tn + fp) / n

	return domain.BacktestResult{
		Passed: accuracy >= minAccuracy && accuracy >= baseline,
		Metrics: map[string]float64{
			"accuracy":          stats.Round(accuracy, 4),
			"precision":         stats.Round(ratio(tp, tp+fp), 4),
			"recall":            stats.Round(ratio(tp, tp+fn), 4),
			"baseline_accuracy": stats.Round(baseline, 4),
			"samples":           n,
		},
		BaselineComparison: stats.Round(accuracy-baseline, 4),
		StabilityScore:     stats.Round(accuracy, 4),
	}, nil
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
