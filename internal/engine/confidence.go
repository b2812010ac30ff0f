package engine

import (
	"math"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/predict"
	"github.com/xela07ax/decision-gate/internal/stats"
)

// Слагаемые оценки уверенности
const (
	confidencePrior      = 20.0
	maxVolumeBonus       = 40.0
	fullVolumePoints     = 60.0
	stabilityBonus       = 20.0
	maxIntervalTerm      = 20.0
	stableVariability    = 0.3
	fallbackConfidence   = 50.0
	minForecastMagnitude = 1e-6
)

// ScoreConfidence уверенность в результате: объем данных, стабильность
// ряда и ширина интервала относительно величины прогноза.
func ScoreConfidence(res *predict.Result, features map[string]float64) domain.Confidence {
	volume := maxVolumeBonus * math.Min(1, float64(res.DataPoints())/fullVolumePoints)

	var stable bool
	var relWidth float64
	var interval *domain.Interval

	switch {
	case res.Demand != nil:
		d := res.Demand
		stable = d.Trend == "stable"
		relWidth = demandRelativeWidth(d)
		lower, upper := stats.Sum(d.PredictionInterval.Lower), stats.Sum(d.PredictionInterval.Upper)
		interval = &domain.Interval{Lower: stats.Round(lower, 2), Upper: stats.Round(upper, 2)}
	case res.Stockout != nil:
		s := res.Stockout
		stable = features[feature.SalesVariability] < stableVariability
		probs := []float64{s.Risk7Days.Probability, s.Risk14Days.Probability, s.Risk30Days.Probability}
		sorted := stats.Sorted(probs)
		lo, hi := sorted[0], sorted[len(sorted)-1]
		// разброс горизонтов как неопределенность
		relWidth = (hi - lo) / 200
		interval = &domain.Interval{Lower: stats.Round(lo, 2), Upper: stats.Round(hi, 2)}
	case res.Anomaly != nil:
		a := res.Anomaly
		total := a.Evaluated + len(a.Skipped)
		stable = len(a.Skipped) == 0
		if total > 0 {
			relWidth = float64(len(a.Skipped)) / float64(2*total)
		} else {
			relWidth = 0.5
		}
	}

	score := confidencePrior + volume + stats.Clamp(maxIntervalTerm*(1-2*relWidth), -maxIntervalTerm, maxIntervalTerm)
	if stable {
		score += stabilityBonus
	}
	score = stats.Round(stats.Clamp(score, 0, 100), 1)
	return domain.Confidence{Score: score, Level: domain.LevelForScore(score), Interval: interval}
}

// demandRelativeWidth средняя полуширина интервала к прогнозу.
func demandRelativeWidth(d *predict.DemandOutput) float64 {
	n := len(d.Forecast)
	if n == 0 || len(d.PredictionInterval.Lower) < n || len(d.PredictionInterval.Upper) < n {
		return 0.5
	}
	var sum float64
	for i, f := range d.Forecast {
		half := (d.PredictionInterval.Upper[i] - d.PredictionInterval.Lower[i]) / 2
		sum += half / math.Max(math.Abs(f), minForecastMagnitude)
	}
	return sum / float64(n)
}
