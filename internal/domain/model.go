package domain

import "time"

// ModelStatus статус версии модели в жизненном цикле:
// draft -> pending_approval -> approved -> deployed -> deprecated, rejected из pending_approval.
type ModelStatus string

const (
	ModelDraft           ModelStatus = "draft"
	ModelPendingApproval ModelStatus = "pending_approval"
	ModelApproved        ModelStatus = "approved"
	ModelDeployed        ModelStatus = "deployed"
	ModelDeprecated      ModelStatus = "deprecated"
	ModelRejected        ModelStatus = "rejected"
)

// Valid проверяет, что статус из известного набора.
func (s ModelStatus) Valid() bool {
	switch s {
	case ModelDraft, ModelPendingApproval, ModelApproved, ModelDeployed, ModelDeprecated, ModelRejected:
		return true
	}
	return false
}

// ModelVersion версионированный артефакт модели. Никогда не удаляется,
// история нужна аудиту.
type ModelVersion struct {
	ID                string             `json:"id"`
	ModelName         string             `json:"modelName"`
	Version           string             `json:"version"`
	TrainingSignature string             `json:"trainingSignature"`
	Metrics           map[string]float64 `json:"metrics"`
	ApprovalStatus    ModelStatus        `json:"approvalStatus"`
	ApprovedBy        *string            `json:"approvedBy,omitempty"`
	ApprovedAt        *time.Time         `json:"approvedAt,omitempty"`
	ArtifactPath      string             `json:"artifactPath"`
	FeatureSet        []string           `json:"featureSet"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone глубокая копия, наружу из реестра отдаются только копии.
func (m *ModelVersion) Clone() *ModelVersion {
	if m == nil {
		return nil
	}
	c := *m
	if m.Metrics != nil {
		c.Metrics = make(map[string]float64, len(m.Metrics))
		for k, v := range m.Metrics {
			c.Metrics[k] = v
		}
	}
	if m.FeatureSet != nil {
		c.FeatureSet = append([]string(nil), m.FeatureSet...)
	}
	if m.ApprovedBy != nil {
		v := *m.ApprovedBy
		c.ApprovedBy = &v
	}
	if m.ApprovedAt != nil {
		v := *m.ApprovedAt
		c.ApprovedAt = &v
	}
	return &c
}
