package feature

import (
	"errors"
	"fmt"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/stats"
)

// Имена встроенных фич
const (
	SalesLast7d         = "sales_last_7d"
	SalesLast30d        = "sales_last_30d"
	SalesAvg7d          = "sales_avg_7d"
	SalesAvg30d         = "sales_avg_30d"
	SalesStd30d         = "sales_std_30d"
	SalesTrend          = "sales_trend"
	SalesVariability    = "sales_variability"
	DaysOfStock         = "days_of_stock"
	StockLevel          = "stock_level"
	LeadTimeDays        = "lead_time_days"
	SupplierReliability = "supplier_reliability"
	SeasonalityIndex    = "seasonality_index"
	HistoryLength       = "history_length"
)

var errNoSalesHistory = errors.New("salesHistory is required")

type builtin struct {
	def     domain.FeatureDefinition
	compute ComputeFunc
}

func def(name, source string, freq domain.RefreshFrequency, desc string) domain.FeatureDefinition {
	return domain.FeatureDefinition{
		Name:             name,
		Source:           source,
		DataType:         "numeric",
		RefreshFrequency: freq,
		Owner:            "decision-platform",
		Description:      desc,
	}
}

func builtins() []builtin {
	return []builtin{
		{def(SalesLast7d, "sales", domain.RefreshDaily, "sum of the last 7 daily sales"), sumOfLast(7)},
		{def(SalesLast30d, "sales", domain.RefreshDaily, "sum of the last 30 daily sales"), sumOfLast(30)},
		{def(SalesAvg7d, "sales", domain.RefreshDaily, "mean of the last 7 daily sales"), meanOfLast(7)},
		{def(SalesAvg30d, "sales", domain.RefreshDaily, "mean of the last 30 daily sales"), meanOfLast(30)},
		{def(SalesStd30d, "sales", domain.RefreshDaily, "std of the last 30 daily sales"), stdOfLast(30)},
		{def(SalesTrend, "sales", domain.RefreshDaily, "% change of the last 7-day mean vs the prior 7-day mean"), salesTrend},
		{def(SalesVariability, "sales", domain.RefreshDaily, "coefficient of variation of the last 30 days"), salesVariability},
		{def(DaysOfStock, "inventory", domain.RefreshRealtime, "days the effective stock covers at the average rate"), daysOfStock},
		{def(StockLevel, "inventory", domain.RefreshRealtime, "current stock on hand"), requiredNumber(domain.AttrCurrentStock)},
		{def(LeadTimeDays, "supplier", domain.RefreshWeekly, "supplier lead time in days"), numberOr(domain.AttrLeadTimeDays, 7)},
		{def(SupplierReliability, "supplier", domain.RefreshWeekly, "share of on-time deliveries, 0..1"), supplierReliability},
		{def(SeasonalityIndex, "calendar", domain.RefreshWeekly, "seasonal demand multiplier"), numberOr(domain.AttrSeasonalityIndex, 1)},
		{def(HistoryLength, "sales", domain.RefreshDaily, "number of daily sales observations"), historyLength},
	}
}

func salesHistory(attrs domain.Attributes) ([]float64, error) {
	h, err := attrs.Floats(domain.AttrSalesHistory)
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, errNoSalesHistory
	}
	return h, nil
}

func sumOfLast(n int) ComputeFunc {
	return func(attrs domain.Attributes) (float64, error) {
		h, err := salesHistory(attrs)
		if err != nil {
			return 0, err
		}
		return stats.Sum(stats.Tail(h, n)), nil
	}
}

func meanOfLast(n int) ComputeFunc {
	return func(attrs domain.Attributes) (float64, error) {
		h, err := salesHistory(attrs)
		if err != nil {
			return 0, err
		}
		return stats.Mean(stats.Tail(h, n)), nil
	}
}

func stdOfLast(n int) ComputeFunc {
	return func(attrs domain.Attributes) (float64, error) {
		h, err := salesHistory(attrs)
		if err != nil {
			return 0, err
		}
		return stats.StdDev(stats.Tail(h, n)), nil
	}
}

// salesTrend процент изменения среднего за последнюю неделю к предыдущей.
func salesTrend(attrs domain.Attributes) (float64, error) {
	h, err := salesHistory(attrs)
	if err != nil {
		return 0, err
	}
	if len(h) < 14 {
		return 0, fmt.Errorf("sales_trend needs 14 observations, got %d: %w", len(h), domain.ErrInsufficientData)
	}
	recent := stats.Mean(stats.Window(h, 0, 7))
	prior := stats.Mean(stats.Window(h, 7, 14))
	if prior == 0 {
		return 0, nil
	}
	return (recent - prior) / prior * 100, nil
}

// salesVariability явное значение из контекста, иначе CV за 30 дней.
func salesVariability(attrs domain.Attributes) (float64, error) {
	if v, ok, err := attrs.Float(domain.AttrSalesVariability); err != nil {
		return 0, err
	} else if ok {
		return v, nil
	}
	h, err := attrs.Floats(domain.AttrSalesHistory)
	if err != nil {
		return 0, err
	}
	// без истории считаем спрос стабильным, как и внешний бэкенд
	if len(h) == 0 {
		return 0, nil
	}
	window := stats.Tail(h, 30)
	mean := stats.Mean(window)
	if mean == 0 {
		return 0, nil
	}
	return stats.StdDev(window) / mean, nil
}

func daysOfStock(attrs domain.Attributes) (float64, error) {
	stock, ok, err := attrs.Float(domain.AttrCurrentStock)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s is required", domain.AttrCurrentStock)
	}
	pending := attrs.FloatOr(domain.AttrPendingOrders, 0)

	rate, ok, err := attrs.Float(domain.AttrAvgDailySales)
	if err != nil {
		return 0, err
	}
	if !ok {
		h, err := salesHistory(attrs)
		if err != nil {
			return 0, err
		}
		rate = stats.Mean(stats.Tail(h, 30))
	}
	if rate < 0.1 {
		rate = 0.1
	}
	return (stock + pending) / rate, nil
}

func supplierReliability(attrs domain.Attributes) (float64, error) {
	v, ok, err := attrs.Float(domain.AttrSupplierReliability)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return stats.Clamp(v, 0, 1), nil
}

func historyLength(attrs domain.Attributes) (float64, error) {
	h, err := attrs.Floats(domain.AttrSalesHistory)
	if err != nil {
		return 0, err
	}
	return float64(len(h)), nil
}

func requiredNumber(key string) ComputeFunc {
	return func(attrs domain.Attributes) (float64, error) {
		v, ok, err := attrs.Float(key)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%s is required", key)
		}
		return v, nil
	}
}

func numberOr(key string, fallback float64) ComputeFunc {
	return func(attrs domain.Attributes) (float64, error) {
		v, ok, err := attrs.Float(key)
		if err != nil {
			return 0, err
		}
		if !ok {
			return fallback, nil
		}
		return v, nil
	}
}
