package monitoring

import (
	"math"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/stats"
)

// Веса и пороги комбинированного балла дрейфа
const (
	meanWeight = 0.6
	stdWeight  = 0.4

	lowDrift    = 0.1
	mediumDrift = 0.2
	highDrift   = 0.3
)

// Summarize сводная статистика ряда.
func Summarize(values []float64) domain.SummaryStats {
	if len(values) == 0 {
		return domain.SummaryStats{}
	}
	s := stats.Sorted(values)
	return domain.SummaryStats{
		Count:  len(s),
		Mean:   stats.Mean(s),
		Std:    stats.StdDev(s),
		Min:    s[0],
		Max:    s[len(s)-1],
		Q1:     stats.Quantile(s, 0.25),
		Median: stats.Quantile(s, 0.5),
		Q3:     stats.Quantile(s, 0.75),
	}
}

// DriftScore 0.6·|Δmean|/baselineStd + 0.4·|1 − currentStd/baselineStd|.
// Нулевой разброс бейзлайна: любое отличие считается полным (слагаемое 1).
func DriftScore(baseline, current domain.SummaryStats) float64 {
	var meanTerm, stdTerm float64
	if baseline.Std > 0 {
		meanTerm = math.Abs(current.Mean-baseline.Mean) / baseline.Std
		stdTerm = math.Abs(1 - current.Std/baseline.Std)
	} else {
		if current.Mean != baseline.Mean {
			meanTerm = 1
		}
		if current.Std > 0 {
			stdTerm = 1
		}
	}
	return meanWeight*meanTerm + stdWeight*stdTerm
}

// DriftSeverity none < 0.1 <= low < 0.2 <= medium < 0.3 <= high.
func DriftSeverity(score float64) domain.Severity {
	switch {
	case score >= highDrift:
		return domain.SeverityHigh
	case score >= mediumDrift:
		return domain.SeverityMedium
	case score >= lowDrift:
		return domain.SeverityLow
	default:
		return domain.SeverityNone
	}
}

// Пороги стабильности
const (
	minStabilityPoints = 4
	volatileCV         = 0.5
	trendChange        = 0.1
)

// Stability CV-балл и ярлык тренда по сравнению половин ряда.
func Stability(name string, values []float64) (domain.StabilityResult, error) {
	if len(values) < minStabilityPoints {
		return domain.StabilityResult{}, domain.ErrInsufficientData
	}
	mean := stats.Mean(values)
	cv := 0.0
	if mean != 0 {
		cv = stats.StdDev(values) / math.Abs(mean)
	} else if stats.StdDev(values) > 0 {
		cv = 1
	}

	half := len(values) / 2
	first := stats.Mean(values[:half])
	second := stats.Mean(values[len(values)-half:])
	change := 0.0
	if first != 0 {
		change = (second - first) / math.Abs(first)
	}

	trend := domain.TrendStable
	switch {
	case cv > volatileCV:
		trend = domain.TrendVolatile
	case change > trendChange:
		trend = domain.TrendIncreasing
	case change < -trendChange:
		trend = domain.TrendDecreasing
	}
	return domain.StabilityResult{
		FeatureName:            name,
		StabilityScore:         stats.Round(stats.Clamp(1-cv, 0, 1), 4),
		CoefficientOfVariation: stats.Round(cv, 4),
		Trend:                  trend,
	}, nil
}
