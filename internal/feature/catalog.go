package feature

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// ComputeFunc правило вычисления фичи из сырого контекста сущности.
type ComputeFunc func(attrs domain.Attributes) (float64, error)

type catalogEntry struct {
	def     domain.FeatureDefinition
	compute ComputeFunc
}

// Catalog каталог определений фич. Пишется только администратором
// (при старте или через admin API), горячий путь только читает.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]catalogEntry)}
}

// NewDefaultCatalog каталог со встроенными фичами для трех use case'ов.
func NewDefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, b := range builtins() {
		// встроенные определения валидны по построению
		_ = c.Register(b.def, b.compute)
	}
	return c
}

// Register добавляет или заменяет определение фичи.
func (c *Catalog) Register(def domain.FeatureDefinition, fn ComputeFunc) error {
	if def.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if fn == nil {
		return &domain.ValidationError{Field: "compute", Reason: fmt.Sprintf("rule for %q is required", def.Name)}
	}
	switch def.RefreshFrequency {
	case domain.RefreshRealtime, domain.RefreshHourly, domain.RefreshDaily, domain.RefreshWeekly:
	default:
		return &domain.ValidationError{Field: "refreshFrequency", Reason: fmt.Sprintf("unsupported value %q", def.RefreshFrequency)}
	}

	c.mu.Lock()
	c.entries[def.Name] = catalogEntry{def: def, compute: fn}
	c.mu.Unlock()
	return nil
}

// Get возвращает определение фичи.
func (c *Catalog) Get(name string) (domain.FeatureDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e.def, ok
}

// List все определения, отсортированные по имени.
func (c *Catalog) List() []domain.FeatureDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.FeatureDefinition, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) lookup(name string) (catalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}
