package predict

import (
	"fmt"
	"math"
	"sort"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/stats"
)

const (
	madScale          = 0.6745
	meanADScale       = 1.2533
	defaultLowZ       = 2.0
	maxZ              = 5.0
	saturatedZ        = 10.0
	minMetricHistory  = 10
	iqrFence          = 1.5
	defaultMinF1BT    = 0.6
	baselineSigmaRule = 3.0
)

// MetricSeries текущее значение метрики и ее история.
type MetricSeries struct {
	Name             string    `json:"name"`
	CurrentValue     float64   `json:"currentValue"`
	HistoricalValues []float64 `json:"historicalValues"`
}

// AnomalyInput набор метрик одной сущности.
type AnomalyInput struct {
	Metrics []MetricSeries `json:"metrics"`
	// LowThreshold минимальный |z| для флага; 0 означает 2.
	LowThreshold float64 `json:"-"`
}

// ExpectedRange IQR-заборы по истории метрики.
type ExpectedRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Anomaly отклонившаяся метрика.
type Anomaly struct {
	MetricName    string          `json:"metricName"`
	CurrentValue  float64         `json:"currentValue"`
	ExpectedRange ExpectedRange   `json:"expectedRange"`
	Deviation     float64         `json:"deviation"`
	Severity      domain.Severity `json:"severity"`
}

// AnomalyOutput результат детектора.
type AnomalyOutput struct {
	IsAnomaly    bool            `json:"isAnomaly"`
	AnomalyScore float64         `json:"anomalyScore"`
	Severity     domain.Severity `json:"severity"`
	Anomalies    []Anomaly       `json:"anomalies"`
	Skipped      []string        `json:"skipped,omitempty"`
	Evaluated    int             `json:"evaluated"`
	DataPoints   int             `json:"dataPoints"`
}

// AnomalyDetection робастный детектор на модифицированном z-score (медиана/MAD).
type AnomalyDetection struct{}

func (AnomalyDetection) Validate(in AnomalyInput) error {
	if len(in.Metrics) == 0 {
		return &domain.ValidationError{Field: domain.AttrMetrics, Reason: "at least one metric is required"}
	}
	for i, m := range in.Metrics {
		if m.Name == "" {
			return &domain.ValidationError{Field: fmt.Sprintf("%s[%d].%s", domain.AttrMetrics, i, domain.AttrMetricName), Reason: "is required"}
		}
	}
	return nil
}

func (a AnomalyDetection) Predict(in AnomalyInput) (*AnomalyOutput, error) {
	if err := a.Validate(in); err != nil {
		return nil, err
	}
	low := in.LowThreshold
	if low <= 0 {
		low = defaultLowZ
	}

	out := &AnomalyOutput{Severity: domain.SeverityNone, Anomalies: []Anomaly{}}
	var maxScore float64
	for _, m := range in.Metrics {
		if len(m.HistoricalValues) < minMetricHistory {
			out.Skipped = append(out.Skipped, m.Name)
			continue
		}
		out.Evaluated++
		out.DataPoints += len(m.HistoricalValues)

		z := modifiedZ(m.HistoricalValues, m.CurrentValue)
		if math.Abs(z) < low {
			continue
		}
		sev := zSeverity(math.Abs(z))
		out.Anomalies = append(out.Anomalies, Anomaly{
			MetricName:    m.Name,
			CurrentValue:  m.CurrentValue,
			ExpectedRange: expectedRange(m.HistoricalValues),
			Deviation:     stats.Round(z, 3),
			Severity:      sev,
		})
		maxScore = math.Max(maxScore, math.Min(math.Abs(z)/maxZ, 1))
		if sev.Rank() > out.Severity.Rank() {
			out.Severity = sev
		}
	}
	out.IsAnomaly = len(out.Anomalies) > 0
	out.AnomalyScore = stats.Round(maxScore, 3)
	return out, nil
}

// modifiedZ 0.6745*(x-median)/MAD. При MAD=0 используется среднее абсолютное
// отклонение, а если нулевое и оно, любое отличие от медианы максимально.
func modifiedZ(history []float64, x float64) float64 {
	med := stats.Median(history)
	diff := x - med
	if mad := stats.MAD(history); mad > 0 {
		return madScale * diff / mad
	}
	if meanAD := stats.MeanAbsDeviation(history); meanAD > 0 {
		return diff / (meanADScale * meanAD)
	}
	switch {
	case diff > 0:
		return saturatedZ
	case diff < 0:
		return -saturatedZ
	default:
		return 0
	}
}

func zSeverity(absZ float64) domain.Severity {
	switch {
	case absZ >= 4:
		return domain.SeverityCritical
	case absZ >= 3:
		return domain.SeverityHigh
	case absZ >= 2.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func expectedRange(history []float64) ExpectedRange {
	q1 := stats.Quantile(history, 0.25)
	q3 := stats.Quantile(history, 0.75)
	iqr := q3 - q1
	return ExpectedRange{Min: stats.Round(q1-iqrFence*iqr, 3), Max: stats.Round(q3+iqrFence*iqr, 3)}
}

// GenerateExplanation называет самые сильные отклонения.
func (AnomalyDetection) GenerateExplanation(in AnomalyInput, out *AnomalyOutput) domain.Explanation {
	if !out.IsAnomaly {
		summary := fmt.Sprintf("No anomalies detected across %d evaluated metrics.", out.Evaluated)
		if len(out.Skipped) > 0 {
			summary += fmt.Sprintf(" %d metrics had too little history to evaluate.", len(out.Skipped))
		}
		return domain.Explanation{
			Summary:    summary,
			TopDrivers: []domain.Driver{},
			Scenario:   "All evaluated metrics are within their expected ranges.",
		}
	}

	ranked := append([]Anomaly(nil), out.Anomalies...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return math.Abs(ranked[i].Deviation) > math.Abs(ranked[j].Deviation)
	})
	drivers := make([]domain.Driver, 0, len(ranked))
	for _, an := range ranked {
		drivers = append(drivers, domain.Driver{
			Feature:   an.MetricName,
			Impact:    stats.Round(math.Min(math.Abs(an.Deviation)/maxZ, 1), 3),
			Direction: direction(an.Deviation),
		})
	}

	top := ranked[0]
	summary := fmt.Sprintf("%d of %d metrics deviate from their history; the strongest is %s at %.2f (expected %.2f..%.2f).",
		len(out.Anomalies), out.Evaluated, top.MetricName, top.CurrentValue, top.ExpectedRange.Min, top.ExpectedRange.Max)
	scenario := fmt.Sprintf("Severity is %s; investigate %s before acting on dependent decisions.", out.Severity, top.MetricName)
	return domain.Explanation{Summary: summary, TopDrivers: topDrivers(drivers), Scenario: scenario}
}

// AnomalySample размеченный пример для бэктеста.
type AnomalySample struct {
	Metric    MetricSeries `json:"metric"`
	IsAnomaly bool         `json:"isAnomaly"`
}

// Backtest F1 детектора против правила трех сигм.
func (a AnomalyDetection) Backtest(samples []AnomalySample, minF1 float64) (domain.BacktestResult, error) {
	if len(samples) == 0 {
		return domain.BacktestResult{}, fmt.Errorf("anomaly backtest: no samples: %w", domain.ErrInsufficientData)
	}
	if minF1 <= 0 {
		minF1 = defaultMinF1BT
	}

	var model, base confusion
	for _, s := range samples {
		out, err := a.Predict(AnomalyInput{Metrics: []MetricSeries{s.Metric}})
		if err != nil {
			return domain.BacktestResult{}, err
		}
		model.add(out.IsAnomaly, s.IsAnomaly)
		base.add(sigmaRule(s.Metric), s.IsAnomaly)
	}
	f1, baseF1 := model.f1(), base.f1()
	return domain.BacktestResult{
		Passed: f1 >= minF1 && f1 >= baseF1,
		Metrics: map[string]float64{
			"f1":          stats.Round(f1, 4),
			"precision":   stats.Round(ratio(model.tp, model.tp+model.fp), 4),
			"recall":      stats.Round(ratio(model.tp, model.tp+model.fn), 4),
			"baseline_f1": stats.Round(baseF1, 4),
			"samples":     float64(len(samples)),
		},
		BaselineComparison: stats.Round(f1-baseF1, 4),
		StabilityScore:     stats.Round(f1, 4),
	}, nil
}

func sigmaRule(m MetricSeries) bool {
	if len(m.HistoricalValues) < minMetricHistory {
		return false
	}
	std := stats.StdDev(m.HistoricalValues)
	if std == 0 {
		return m.CurrentValue != stats.Mean(m.HistoricalValues)
	}
	return math.Abs(m.CurrentValue-stats.Mean(m.HistoricalValues))/std >= baselineSigmaRule
}

type confusion struct{ tp, fp, fn, tn float64 }

func (c *confusion) add(predicted, actual bool) {
	switch {
	case predicted && actual:
		c.tp++
	case predicted && !actual:
		c.fp++
	case !predicted && actual:
		c.fn++
	default:
		c.tn++
	}
}

func (c confusion) f1() float64 {
	p := ratio(c.tp, c.tp+c.fp)
	r := ratio(c.tp, c.tp+c.fn)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}
