package domain

import "time"

// RefreshFrequency определяет окно свежести закэшированного значения фичи.
type RefreshFrequency string

const (
	RefreshRealtime RefreshFrequency = "realtime"
	RefreshHourly   RefreshFrequency = "hourly"
	RefreshDaily    RefreshFrequency = "daily"
	RefreshWeekly   RefreshFrequency = "weekly"
)

// Window возвращает максимальный возраст значения. Неизвестная частота
// трактуется как realtime, лучше пересчитать лишний раз.
func (f RefreshFrequency) Window() time.Duration {
	switch f {
	case RefreshHourly:
		return time.Hour
	case RefreshDaily:
		return 24 * time.Hour
	case RefreshWeekly:
		return 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// FeatureDefinition запись каталога. Меняется только администратором.
type FeatureDefinition struct {
	Name             string           `json:"name" yaml:"name"`
	Source           string           `json:"source" yaml:"source"` // sales, inventory, supplier, calendar
	DataType         string           `json:"dataType" yaml:"dataType"`
	RefreshFrequency RefreshFrequency `json:"refreshFrequency" yaml:"refreshFrequency"`
	Owner            string           `json:"owner" yaml:"owner"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
}

// FeatureValue значение фичи для сущности. Ключ: (FeatureName, EntityType, EntityID).
type FeatureValue struct {
	FeatureName string    `json:"featureName"`
	EntityID    string    `json:"entityId"`
	EntityType  string    `json:"entityType"`
	Value       float64   `json:"value"`
	ComputedAt  time.Time `json:"computedAt"`
	Version     int64     `json:"version"`
}

// Age возраст значения относительно now.
func (v FeatureValue) Age(now time.Time) time.Duration {
	return now.Sub(v.ComputedAt)
}
