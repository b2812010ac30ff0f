// Package stats небольшой набор описательной статистики, общий для
// FeatureStore, стратегий прогнозирования и мониторинга дрейфа.
package stats

import (
	"math"
	"sort"
)

// Sum сумма ряда.
func Sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

// Mean среднее; для пустого ряда 0.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return Sum(xs) / float64(len(xs))
}

// StdDev популяционное стандартное отклонение (как numpy.std).
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// Sorted копия ряда по возрастанию.
func Sorted(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	sort.Float64s(out)
	return out
}

// Quantile квантиль с линейной интерполяцией между порядковыми статистиками.
func Quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := Sorted(xs)
	if q <= 0 {
		return s[0]
	}
	if q >= 1 {
		return s[len(s)-1]
	}
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

// Median медиана.
func Median(xs []float64) float64 {
	return Quantile(xs, 0.5)
}

// MAD медианное абсолютное отклонение.
func MAD(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	med := Median(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - med)
	}
	return Median(dev)
}

// MeanAbsDeviation среднее абсолютное отклонение от медианы.
func MeanAbsDeviation(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	med := Median(xs)
	var s float64
	for _, x := range xs {
		s += math.Abs(x - med)
	}
	return s / float64(len(xs))
}

// Tail последние n элементов (или весь ряд, если он короче).
func Tail(xs []float64, n int) []float64 {
	if n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}

// Window срез [len-end, len-start), "окно" отсчитанное от конца ряда.
// Window(xs, 7, 14): значения предыдущей недели.
func Window(xs []float64, start, end int) []float64 {
	hi := len(xs) - start
	lo := len(xs) - end
	if hi <= 0 {
		return nil
	}
	if lo < 0 {
		lo = 0
	}
	return xs[lo:hi]
}

// Clamp ограничивает значение отрезком.
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Round округление до n знаков.
func Round(v float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(v*p) / p
}
