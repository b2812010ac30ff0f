package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Attributes сырой контекст запроса (то, что прислал клиент в поле context).
// После json.Unmarshal числа приходят как float64, массивы как []interface{},
// поэтому все чтения идут через типизированные хелперы.
type Attributes map[string]interface{}

// Has проверяет наличие ключа.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Float читает число. Отсутствие ключа: (0, false, nil), неверный тип: ошибка.
func (a Attributes) Float(key string) (float64, bool, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	v, err := toFloat(raw)
	if err != nil {
		return 0, true, fmt.Errorf("attribute %q: %w", key, err)
	}
	return v, true, nil
}

// FloatOr число или значение по умолчанию (в т.ч. при ошибке типа).
func (a Attributes) FloatOr(key string, def float64) float64 {
	v, ok, err := a.Float(key)
	if !ok || err != nil {
		return def
	}
	return v
}

// Bool читает флаг; строки "true"/"1" тоже принимаются.
func (a Attributes) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	default:
		return false
	}
}

// String читает строку.
func (a Attributes) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Floats читает числовой ряд (например salesHistory).
func (a Attributes) Floats(key string) ([]float64, error) {
	raw, ok := a[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []float64:
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	case []interface{}:
		out := make([]float64, 0, len(v))
		for i, item := range v {
			f, err := toFloat(item)
			if err != nil {
				return nil, fmt.Errorf("attribute %q[%d]: %w", key, i, err)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("attribute %q: expected numeric array, got %T", key, raw)
	}
}

// Object читает вложенный объект.
func (a Attributes) Object(key string) Attributes {
	switch v := a[key].(type) {
	case map[string]interface{}:
		return Attributes(v)
	case Attributes:
		return v
	default:
		return nil
	}
}

// Objects читает массив объектов (например metrics для детектора аномалий).
func (a Attributes) Objects(key string) []Attributes {
	raw, ok := a[key].([]interface{})
	if !ok {
		if typed, ok := a[key].([]Attributes); ok {
			return typed
		}
		return nil
	}
	out := make([]Attributes, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, Attributes(m))
		}
	}
	return out
}

func toFloat(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

// Ключи сырого контекста, которые понимают встроенные фичи и стратегии.
const (
	AttrSalesHistory        = "salesHistory"
	AttrHorizon             = "horizon"
	AttrSeasonalityIndex    = "seasonalityIndex"
	AttrIsPromotion         = "isPromotion"
	AttrStartDate           = "startDate" // YYYY-MM-DD, от нее считаются выходные
	AttrCurrentStock        = "currentStock"
	AttrAvgDailySales       = "avgDailySales"
	AttrSalesVariability    = "salesVariability"
	AttrLeadTimeDays        = "leadTimeDays"
	AttrPendingOrders       = "pendingOrders"
	AttrReorderPoint        = "reorderPoint"
	AttrIsSeasonalPeak      = "isSeasonalPeak"
	AttrSupplierReliability = "supplierReliability"
	AttrMetrics             = "metrics"
	AttrMetricName          = "name"
	AttrCurrentValue        = "currentValue"
	AttrHistoricalValues    = "historicalValues"
)
