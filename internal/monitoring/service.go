package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

const (
	// окно наблюдений прогнозов на одну модель
	predictionWindow = 1000
	minPredictions   = 10
)

// Store долговременное хранилище мониторинга (Postgres). Ошибки записи
// логируются: мониторинг не должен ронять проверку.
type Store interface {
	SaveBaseline(ctx context.Context, subject string, s domain.SummaryStats) error
	ListBaselines(ctx context.Context) (map[string]domain.SummaryStats, error)
	AppendDriftMetric(ctx context.Context, m domain.DriftMetric) error
	SaveAlert(ctx context.Context, a domain.MonitoringAlert) error
}

// Service дрейф, стабильность, алерты и сводное здоровье.
type Service struct {
	mu        sync.RWMutex
	baselines map[string]domain.SummaryStats
	current   map[string]domain.SummaryStats
	history   []domain.DriftMetric
	latest    map[string]domain.Severity
	alerts    []*domain.MonitoringAlert
	alertByID map[string]int

	predMu      sync.Mutex
	predictions map[string][]float64

	store  Store
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time

	// OnDrift вызывается после каждой проверки дрейфа (метрики).
	OnDrift func(subject string, driftType domain.DriftType, score float64)
}

func NewService(store Store, recorder audit.Recorder, logger *zap.Logger) *Service {
	return &Service{
		baselines:   make(map[string]domain.SummaryStats),
		current:     make(map[string]domain.SummaryStats),
		latest:      make(map[string]domain.Severity),
		alertByID:   make(map[string]int),
		predictions: make(map[string][]float64),
		store:       store,
		audit:       recorder,
		logger:      logger.Named("monitoring"),
		now:         time.Now,
	}
}

// LoadBaselines поднимает бейзлайны из хранилища при старте.
func (s *Service) LoadBaselines(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	loaded, err := s.store.ListBaselines(ctx)
	if err != nil {
		return fmt.Errorf("monitoring: failed to load baselines: %w", err)
	}
	s.mu.Lock()
	for k, v := range loaded {
		s.baselines[k] = v
	}
	s.mu.Unlock()
	s.logger.Info("baselines loaded", zap.Int("count", len(loaded)))
	return nil
}

// SetBaseline фиксирует эталонное распределение фичи.
func (s *Service) SetBaseline(ctx context.Context, feature string, values []float64) (domain.SummaryStats, error) {
	if err := checkSeries(feature, values); err != nil {
		return domain.SummaryStats{}, err
	}
	sum := Summarize(values)
	s.mu.Lock()
	s.baselines[feature] = sum
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.SaveBaseline(ctx, feature, sum); err != nil {
			s.logger.Error("baseline persist failed", zap.String("feature", feature), zap.Error(err))
		}
	}
	return sum, nil
}

// UpdateCurrent обновляет текущее распределение фичи.
func (s *Service) UpdateCurrent(feature string, values []float64) (domain.SummaryStats, error) {
	if err := checkSeries(feature, values); err != nil {
		return domain.SummaryStats{}, err
	}
	sum := Summarize(values)
	s.mu.Lock()
	s.current[feature] = sum
	s.mu.Unlock()
	return sum, nil
}

// CheckDataDrift сравнивает текущее распределение фичи с бейзлайном.
// Дрейф выше none добавляет DriftMetric в историю и создает алерт.
func (s *Service) CheckDataDrift(ctx context.Context, feature string) (domain.DriftCheckResult, error) {
	s.mu.RLock()
	base, okBase := s.baselines[feature]
	cur, okCur := s.current[feature]
	s.mu.RUnlock()
	if !okBase {
		return domain.DriftCheckResult{}, &domain.NotFoundError{Kind: "baseline", ID: feature}
	}
	if !okCur {
		return domain.DriftCheckResult{}, &domain.NotFoundError{Kind: "current distribution", ID: feature}
	}
	return s.evaluate(ctx, feature, domain.DriftData, base, cur), nil
}

// ObservePrediction добавляет прогноз модели в скользящее окно.
func (s *Service) ObservePrediction(model string, value float64) {
	s.predMu.Lock()
	defer s.predMu.Unlock()
	w := append(s.predictions[model], value)
	if len(w) > predictionWindow {
		w = w[len(w)-predictionWindow:]
	}
	s.predictions[model] = w
}

// CheckPredictionDrift дрейф выхода модели. Первое окно без бейзлайна
// становится бейзлайном, дрейф при этом none.
func (s *Service) CheckPredictionDrift(ctx context.Context, model string) (domain.DriftCheckResult, error) {
	s.predMu.Lock()
	window := append([]float64(nil), s.predictions[model]...)
	s.predMu.Unlock()
	if len(window) < minPredictions {
		return domain.DriftCheckResult{}, fmt.Errorf("monitoring: %d predictions for %s: %w", len(window), model, domain.ErrInsufficientData)
	}

	key := PredictionKey(model)
	cur := Summarize(window)
	s.mu.Lock()
	base, ok := s.baselines[key]
	if !ok {
		s.baselines[key] = cur
	}
	s.current[key] = cur
	s.mu.Unlock()

	if !ok {
		if s.store != nil {
			if err := s.store.SaveBaseline(ctx, key, cur); err != nil {
				s.logger.Error("baseline persist failed", zap.String("model", model), zap.Error(err))
			}
		}
		return domain.DriftCheckResult{
			FeatureName: key, Severity: domain.SeverityNone, DriftType: domain.DriftPrediction,
			Baseline: cur, Current: cur, CheckedAt: s.now().UTC(),
		}, nil
	}
	return s.evaluate(ctx, key, domain.DriftPrediction, base, cur), nil
}

// PredictionKey ключ бейзлайна выхода модели.
func PredictionKey(model string) string { return "prediction:" + model }

func (s *Service) evaluate(ctx context.Context, subject string, dt domain.DriftType, base, cur domain.SummaryStats) domain.DriftCheckResult {
	score := DriftScore(base, cur)
	sev := DriftSeverity(score)
	now := s.now().UTC()
	res := domain.DriftCheckResult{
		FeatureName: subject,
		DriftScore:  score,
		Severity:    sev,
		DriftType:   dt,
		Baseline:    base,
		Current:     cur,
		CheckedAt:   now,
	}

	s.mu.Lock()
	s.latest[subject] = sev
	s.mu.Unlock()
	if s.OnDrift != nil {
		s.OnDrift(subject, dt, score)
	}
	if sev == domain.SeverityNone {
		return res
	}

	metric := domain.DriftMetric{
		ID:         uuid.NewString(),
		DriftScore: score,
		DriftType:  dt,
		Severity:   sev,
		Baseline:   base,
		Current:    cur,
		DetectedAt: now,
	}
	alertType := domain.AlertDataDrift
	if dt == domain.DriftPrediction {
		metric.ModelName = subject
		alertType = domain.AlertPredictionDrift
	} else {
		metric.FeatureName = subject
	}
	alert := domain.MonitoringAlert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  sev,
		Subject:   subject,
		Message:   fmt.Sprintf("%s drift on %s: score %.3f", dt, subject, score),
		CreatedAt: now,
	}

	s.mu.Lock()
	s.history = append(s.history, metric)
	s.addAlert(&alert)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendDriftMetric(ctx, metric); err != nil {
			s.logger.Error("drift metric persist failed", zap.String("subject", subject), zap.Error(err))
		}
		if err := s.store.SaveAlert(ctx, alert); err != nil {
			s.logger.Error("alert persist failed", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}
	s.logger.Warn("drift detected",
		zap.String("subject", subject),
		zap.String("type", string(dt)),
		zap.Float64("score", score),
		zap.String("severity", string(sev)),
	)
	res.AlertID = alert.ID
	return res
}

// CheckFeatureStability балл стабильности и тренд. Волатильная фича
// получает алерт низкой важности.
func (s *Service) CheckFeatureStability(ctx context.Context, feature string, values []float64) (domain.StabilityResult, error) {
	res, err := Stability(feature, values)
	if err != nil {
		return res, fmt.Errorf("monitoring: stability of %s: %w", feature, err)
	}
	if res.Trend == domain.TrendVolatile {
		alert := domain.MonitoringAlert{
			ID:        uuid.NewString(),
			Type:      domain.AlertStability,
			Severity:  domain.SeverityLow,
			Subject:   feature,
			Message:   fmt.Sprintf("feature %s is volatile: cv %.3f", feature, res.CoefficientOfVariation),
			CreatedAt: s.now().UTC(),
		}
		s.mu.Lock()
		s.addAlert(&alert)
		s.mu.Unlock()
		if s.store != nil {
			if err := s.store.SaveAlert(ctx, alert); err != nil {
				s.logger.Error("alert persist failed", zap.String("alert_id", alert.ID), zap.Error(err))
			}
		}
	}
	return res, nil
}

// addAlert вызывается под s.mu.
func (s *Service) addAlert(a *domain.MonitoringAlert) {
	s.alerts = append(s.alerts, a)
	s.alertByID[a.ID] = len(s.alerts) - 1
}

// AcknowledgeAlert единственный способ изменить алерт.
func (s *Service) AcknowledgeAlert(ctx context.Context, id, by string) (domain.MonitoringAlert, error) {
	if by == "" {
		return domain.MonitoringAlert{}, &domain.ValidationError{Field: "acknowledgedBy", Reason: "is required"}
	}
	s.mu.Lock()
	i, ok := s.alertByID[id]
	if !ok {
		s.mu.Unlock()
		return domain.MonitoringAlert{}, &domain.NotFoundError{Kind: "alert", ID: id}
	}
	a := s.alerts[i]
	if a.Acknowledged {
		s.mu.Unlock()
		return domain.MonitoringAlert{}, &domain.IllegalTransitionError{From: "acknowledged", To: "acknowledged", Reason: "alert is already acknowledged"}
	}
	at := s.now().UTC()
	updated := *a
	updated.Acknowledged = true
	updated.AcknowledgedBy = &by
	updated.AcknowledgedAt = &at
	s.alerts[i] = &updated
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveAlert(ctx, updated); err != nil {
			s.logger.Error("alert persist failed", zap.String("alert_id", id), zap.Error(err))
		}
	}
	if s.audit != nil {
		if _, err := s.audit.Append(ctx, domain.AuditRecord{
			Action: domain.AuditAlertAcknowledged, Actor: by, EntityType: "monitoring_alert", EntityID: id,
			Details: map[string]interface{}{"severity": string(updated.Severity), "subject": updated.Subject},
		}); err != nil {
			s.logger.Error("audit append failed", zap.Error(err))
		}
	}
	return updated, nil
}

// Alerts копии алертов, новые первыми.
func (s *Service) Alerts(unacknowledgedOnly bool) []domain.MonitoringAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MonitoringAlert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if unacknowledgedOnly && a.Acknowledged {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// DriftHistory история дрейфа субъекта (пустой: вся).
func (s *Service) DriftHistory(subject string) []domain.DriftMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DriftMetric, 0)
	for _, m := range s.history {
		if subject == "" || m.FeatureName == subject || m.ModelName == subject {
			out = append(out, m)
		}
	}
	return out
}

// LatestSeverity результат последней проверки дрейфа субъекта.
func (s *Service) LatestSeverity(subject string) domain.Severity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sev, ok := s.latest[subject]; ok {
		return sev
	}
	return domain.SeverityNone
}

// RunHealthCheck только чтение: последние уровни дрейфа и неподтвержденные алерты.
func (s *Service) RunHealthCheck() domain.HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.HealthReport{
		Status:             domain.HealthHealthy,
		FeatureSeverities:  make(map[string]domain.Severity, len(s.latest)),
		UnacknowledgedByLv: make(map[domain.Severity]int),
		CheckedAt:          s.now().UTC(),
	}
	worst := domain.SeverityNone
	subjects := make([]string, 0, len(s.latest))
	for k := range s.latest {
		subjects = append(subjects, k)
	}
	sort.Strings(subjects)
	for _, k := range subjects {
		sev := s.latest[k]
		report.FeatureSeverities[k] = sev
		if sev.Rank() > worst.Rank() {
			worst = sev
		}
	}
	unacked := 0
	for _, a := range s.alerts {
		if a.Acknowledged {
			continue
		}
		unacked++
		report.UnacknowledgedByLv[a.Severity]++
		if a.Severity.Rank() > worst.Rank() {
			worst = a.Severity
		}
	}

	switch {
	case worst.Rank() >= domain.SeverityHigh.Rank():
		report.Status = domain.HealthCritical
	case worst.Rank() >= domain.SeverityMedium.Rank() || unacked > 0:
		report.Status = domain.HealthWarning
	}
	return report
}

func checkSeries(feature string, values []float64) error {
	if feature == "" {
		return &domain.ValidationError{Field: "featureName", Reason: "is required"}
	}
	if len(values) == 0 {
		return &domain.ValidationError{Field: "values", Reason: "must not be empty"}
	}
	return nil
}
