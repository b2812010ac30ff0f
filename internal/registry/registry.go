package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

// Store долговременное хранилище версий (Postgres). Пишется до изменения
// состояния в памяти: если запись не удалась, реестр не меняется.
type Store interface {
	SaveModels(ctx context.Context, models ...*domain.ModelVersion) error
	ListModels(ctx context.Context) ([]*domain.ModelVersion, error)
}

// RegisterRequest тело POST /models.
type RegisterRequest struct {
	ModelName         string                 `json:"modelName" validate:"required,max=128"`
	Version           string                 `json:"version" validate:"required,max=64"`
	TrainingSignature string                 `json:"trainingSignature"`
	TrainingInputs    map[string]interface{} `json:"trainingInputs"`
	Metrics           map[string]float64     `json:"metrics"`
	ArtifactPath      string                 `json:"artifactPath"`
	FeatureSet        []string               `json:"featureSet"`
	RegisteredBy      string                 `json:"registeredBy" validate:"required"`
}

// Registry версии моделей и их жизненный цикл.
// Изменения одной модели сериализуются мьютексом по имени, чтения идут под RLock.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*domain.ModelVersion
	byName map[string][]string
	active map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	store  Store
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, recorder audit.Recorder, logger *zap.Logger) *Registry {
	return &Registry{
		models: make(map[string]*domain.ModelVersion),
		byName: make(map[string][]string),
		active: make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
		store:  store,
		audit:  recorder,
		logger: logger.Named("registry"),
		now:    time.Now,
	}
}

// Load восстанавливает реестр из хранилища при старте.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("registry: failed to load models: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		r.put(m.Clone())
	}
	r.logger.Info("registry loaded", zap.Int("models", len(models)), zap.Int("deployed", len(r.active)))
	return nil
}

func (r *Registry) put(m *domain.ModelVersion) {
	if _, exists := r.models[m.ID]; !exists {
		r.byName[m.ModelName] = append(r.byName[m.ModelName], m.ID)
	}
	r.models[m.ID] = m
	if m.ApprovalStatus == domain.ModelDeployed {
		r.active[m.ModelName] = m.ID
	} else if r.active[m.ModelName] == m.ID {
		delete(r.active, m.ModelName)
	}
}

func (r *Registry) nameLock(name string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// RegisterModel создает версию в статусе draft.
func (r *Registry) RegisterModel(ctx context.Context, req RegisterRequest) (*domain.ModelVersion, error) {
	if req.ModelName == "" {
		return nil, &domain.ValidationError{Field: "modelName", Reason: "is required"}
	}
	if req.Version == "" {
		return nil, &domain.ValidationError{Field: "version", Reason: "is required"}
	}

	l := r.nameLock(req.ModelName)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	for _, id := range r.byName[req.ModelName] {
		if r.models[id].Version == req.Version {
			r.mu.RUnlock()
			return nil, &domain.ValidationError{Field: "version", Reason: fmt.Sprintf("%s %s is already registered", req.ModelName, req.Version)}
		}
	}
	r.mu.RUnlock()

	sig := req.TrainingSignature
	if sig == "" {
		var err error
		if sig, err = TrainingSignature(req.TrainingInputs); err != nil {
			return nil, &domain.ValidationError{Field: "trainingInputs", Reason: err.Error()}
		}
	}
	now := r.now().UTC()
	m := &domain.ModelVersion{
		ID:                uuid.NewString(),
		ModelName:         req.ModelName,
		Version:           req.Version,
		TrainingSignature: sig,
		Metrics:           req.Metrics,
		ApprovalStatus:    domain.ModelDraft,
		ArtifactPath:      req.ArtifactPath,
		FeatureSet:        req.FeatureSet,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if m.Metrics == nil {
		m.Metrics = map[string]float64{}
	}

	if err := r.persist(ctx, m); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.put(m)
	r.mu.Unlock()

	r.record(ctx, domain.AuditModelRegistered, req.RegisteredBy, m, map[string]interface{}{
		"modelName": m.ModelName, "version": m.Version, "trainingSignature": m.TrainingSignature,
	})
	r.logger.Info("model registered", zap.String("id", m.ID), zap.String("model", m.ModelName), zap.String("version", m.Version))
	return m.Clone(), nil
}

// UpdateStatus любой переход, кроме входа в deployed не из approved.
// Переход в deployed выполняется как DeployModel.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status domain.ModelStatus, actor string) (*domain.ModelVersion, error) {
	if !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if status == domain.ModelDeployed {
		return r.DeployModel(ctx, id, actor)
	}
	return r.transition(ctx, id, actor, func(m *domain.ModelVersion) error {
		m.ApprovalStatus = status
		return nil
	})
}

// MarkApproved переводит версию в approved с фиксацией ревьюера.
func (r *Registry) MarkApproved(ctx context.Context, id, reviewer string) (*domain.ModelVersion, error) {
	return r.transition(ctx, id, reviewer, func(m *domain.ModelVersion) error {
		if m.ApprovalStatus == domain.ModelDeployed {
			return &domain.IllegalTransitionError{From: string(m.ApprovalStatus), To: string(domain.ModelApproved), Reason: "model is already deployed"}
		}
		at := r.now().UTC()
		m.ApprovalStatus = domain.ModelApproved
		m.ApprovedBy = &reviewer
		m.ApprovedAt = &at
		return nil
	})
}

func (r *Registry) transition(ctx context.Context, id, actor string, apply func(m *domain.ModelVersion) error) (*domain.ModelVersion, error) {
	current, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	l := r.nameLock(current.ModelName)
	l.Lock()
	defer l.Unlock()

	// Перечитываем под блокировкой имени
	current, err = r.Get(id)
	if err != nil {
		return nil, err
	}
	from := current.ApprovalStatus
	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now().UTC()

	if err := r.persist(ctx, next); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.put(next)
	r.mu.Unlock()

	r.record(ctx, domain.AuditModelStatusChanged, actor, next, map[string]interface{}{
		"from": string(from), "to": string(next.ApprovalStatus),
	})
	return next.Clone(), nil
}

// DeployModel атомарно: текущая deployed версия имени -> deprecated,
// целевая -> deployed, индекс активных версий обновлен.
func (r *Registry) DeployModel(ctx context.Context, id, actor string) (*domain.ModelVersion, error) {
	target, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	l := r.nameLock(target.ModelName)
	l.Lock()
	defer l.Unlock()

	target, err = r.Get(id)
	if err != nil {
		return nil, err
	}
	if target.ApprovalStatus != domain.ModelApproved {
		return nil, &domain.IllegalTransitionError{
			From:   string(target.ApprovalStatus),
			To:     string(domain.ModelDeployed),
			Reason: "must be approved",
		}
	}

	now := r.now().UTC()
	changed := make([]*domain.ModelVersion, 0, 2)
	var previous *domain.ModelVersion
	if prev, ok := r.ActiveVersion(target.ModelName); ok && prev.ID != target.ID {
		prev.ApprovalStatus = domain.ModelDeprecated
		prev.UpdatedAt = now
		previous = prev
		changed = append(changed, prev)
	}
	target.ApprovalStatus = domain.ModelDeployed
	target.UpdatedAt = now
	changed = append(changed, target)

	if err := r.persist(ctx, changed...); err != nil {
		return nil, err
	}
	// Одна критическая секция: читатели не увидят две deployed версии
	r.mu.Lock()
	for _, m := range changed {
		r.put(m)
	}
	r.mu.Unlock()

	details := map[string]interface{}{"modelName": target.ModelName, "version": target.Version}
	if previous != nil {
		details["deprecated"] = previous.ID
	}
	r.record(ctx, domain.AuditModelDeployed, actor, target, details)
	r.logger.Info("model deployed",
		zap.String("id", target.ID),
		zap.String("model", target.ModelName),
		zap.String("version", target.Version),
	)
	return target.Clone(), nil
}

// Revoke снимает deployed версию имени с обслуживания (-> deprecated).
func (r *Registry) Revoke(ctx context.Context, modelName, actor, reason string) (*domain.ModelVersion, error) {
	l := r.nameLock(modelName)
	l.Lock()
	defer l.Unlock()

	m, ok := r.ActiveVersion(modelName)
	if !ok {
		return nil, &domain.NotFoundError{Kind: "deployed model", ID: modelName}
	}
	m.ApprovalStatus = domain.ModelDeprecated
	m.UpdatedAt = r.now().UTC()
	if err := r.persist(ctx, m); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.put(m)
	r.mu.Unlock()

	r.record(ctx, domain.AuditModelRevoked, actor, m, map[string]interface{}{"modelName": modelName, "reason": reason})
	r.logger.Warn("model revoked", zap.String("model", modelName), zap.String("id", m.ID), zap.String("reason", reason))
	return m.Clone(), nil
}

// Get копия версии.
func (r *Registry) Get(id string) (*domain.ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return nil, domain.ModelNotFound(id)
	}
	return m.Clone(), nil
}

// List версии модели по времени регистрации; пустое имя означает все модели.
func (r *Registry) List(modelName string) []*domain.ModelVersion {
	r.mu.RLock()
	out := make([]*domain.ModelVersion, 0)
	for _, m := range r.models {
		if modelName == "" || m.ModelName == modelName {
			out = append(out, m.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveVersion deployed версия модели, если она есть.
func (r *Registry) ActiveVersion(modelName string) (*domain.ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.active[modelName]
	if !ok {
		return nil, false
	}
	return r.models[id].Clone(), true
}

func (r *Registry) persist(ctx context.Context, models ...*domain.ModelVersion) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveModels(ctx, models...); err != nil {
		return fmt.Errorf("registry: failed to save models: %w", err)
	}
	return nil
}

func (r *Registry) record(ctx context.Context, action domain.AuditAction, actor string, m *domain.ModelVersion, details map[string]interface{}) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, domain.AuditRecord{
		Action:     action,
		Actor:      actor,
		EntityType: "model_version",
		EntityID:   m.ID,
		Details:    details,
	}); err != nil {
		r.logger.Error("audit append failed", zap.String("action", string(action)), zap.Error(err))
	}
}

// TrainingSignature SHA-256 канонического JSON входов обучения.
func TrainingSignature(inputs map[string]interface{}) (string, error) {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	// encoding/json сортирует ключи map, представление детерминировано
	body, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
