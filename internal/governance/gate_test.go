package governance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/policy"
	"github.com/xela07ax/decision-gate/internal/registry"
	"go.uber.org/zap"
)

type memApprovals struct {
	mu         sync.Mutex
	byID       map[string]*domain.ApprovalRequest
	failRes    error
	failCreate error
}

func newMemApprovals() *memApprovals {
	return &memApprovals{byID: map[string]*domain.ApprovalRequest{}}
}

func (m *memApprovals) CreateApproval(_ context.Context, req *domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	m.byID[req.ID] = cloneRequest(req)
	return nil
}

func (m *memApprovals) ResolveApproval(_ context.Context, req *domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRes != nil {
		return m.failRes
	}
	cur := m.byID[req.ID]
	if cur.Status != domain.ApprovalPending {
		return &domain.AlreadyResolvedError{ID: req.ID, Status: cur.Status}
	}
	m.byID[req.ID] = cloneRequest(req)
	return nil
}

func (m *memApprovals) FindApprovals(_ context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ApprovalRequest, 0)
	for _, r := range m.byID {
		if status == "" || r.Status == status {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

// flakyModels хранилище реестра, которое можно "уронить".
type flakyModels struct {
	mu   sync.Mutex
	fail error
}

func (s *flakyModels) SaveModels(context.Context, ...*domain.ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *flakyModels) ListModels(context.Context) ([]*domain.ModelVersion, error) { return nil, nil }

func (s *flakyModels) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

type fixture struct {
	gate  *Gate
	reg   *registry.Registry
	trail *audit.Trail
	store *memApprovals
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	trail := audit.NewTrail(nil, zap.NewNop())
	reg := registry.New(nil, trail, zap.NewNop())
	enf := policy.NewMemoEnforcer(nil, nil, zap.NewNop())
	require.NoError(t, policy.Seed(context.Background(), enf, policy.DefaultPolicies()))
	store := newMemApprovals()
	return &fixture{
		gate:  NewGate(reg, enf, store, trail, zap.NewNop()),
		reg:   reg,
		trail: trail,
		store: store,
	}
}

func (f *fixture) model(t *testing.T, version string) *domain.ModelVersion {
	t.Helper()
	m, err := f.reg.RegisterModel(context.Background(), registry.RegisterRequest{
		ModelName: "stockout_risk", Version: version, RegisteredBy: "ds",
	})
	require.NoError(t, err)
	return m
}

var goodBacktest = domain.BacktestResult{
	Passed:             true,
	Metrics:            map[string]float64{"accuracy": 0.91},
	BaselineComparison: 0.12,
	StabilityScore:     0.8,
}

func passing(modelID string) SubmitRequest {
	return SubmitRequest{ModelVersionID: modelID, RequestedBy: "ds", BacktestResults: goodBacktest}
}

func TestSubmitForApproval(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")

	req, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{
		ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, req.Status)
	assert.True(t, req.PolicyResult.Allowed)
	assert.False(t, req.PolicyResult.RequiresApproval)

	got, _ := f.reg.Get(m.ID)
	assert.Equal(t, domain.ModelPendingApproval, got.ApprovalStatus)
	assert.Len(t, f.trail.List(audit.Filter{Action: domain.AuditApprovalSubmitted}), 1)
	assert.Contains(t, f.store.byID, req.ID)

	// вторая заявка на ту же модель не создается
	_, err = f.gate.SubmitForApproval(context.Background(), SubmitRequest{
		ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest,
	})
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
}

func TestSubmitForApproval_BacktestFailed(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")

	bt := goodBacktest
	bt.Passed = false
	_, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: bt})
	var bf *domain.BacktestFailedError
	require.True(t, errors.As(err, &bf))
	assert.Equal(t, m.ID, bf.ModelVersionID)

	got, _ := f.reg.Get(m.ID)
	assert.Equal(t, domain.ModelDraft, got.ApprovalStatus)
	assert.Empty(t, f.gate.ListApprovals(""))
}

func TestSubmitForApproval_PolicyDeny(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")

	bt := goodBacktest
	bt.BaselineComparison = -0.05
	_, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: bt})
	var pv *domain.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, "Baseline must beat naive", pv.Policy)
	assert.Contains(t, pv.Condition, "baseline_comparison")

	got, _ := f.reg.Get(m.ID)
	assert.Equal(t, domain.ModelDraft, got.ApprovalStatus)
}

func TestSubmitForApproval_RequiresApprovalFlagDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")

	bt := goodBacktest
	bt.StabilityScore = 0.2
	req, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: bt})
	require.NoError(t, err)
	assert.True(t, req.PolicyResult.RequiresApproval)
	assert.Equal(t, []string{"Stability review"}, req.PolicyResult.AppliedPolicies)
}

func TestSubmitForApproval_UnknownModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: "nope", RequestedBy: "ds", BacktestResults: goodBacktest})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSubmitForApproval_RegistryFailureLeavesNoRequest(t *testing.T) {
	trail := audit.NewTrail(nil, zap.NewNop())
	models := &flakyModels{}
	reg := registry.New(models, trail, zap.NewNop())
	enf := policy.NewMemoEnforcer(nil, nil, zap.NewNop())
	require.NoError(t, policy.Seed(context.Background(), enf, policy.DefaultPolicies()))
	store := newMemApprovals()
	gate := NewGate(reg, enf, store, trail, zap.NewNop())

	m, err := reg.RegisterModel(context.Background(), registry.RegisterRequest{ModelName: "stockout_risk", Version: "1", RegisteredBy: "ds"})
	require.NoError(t, err)

	models.setFail(errors.New("db down"))
	_, err = gate.SubmitForApproval(context.Background(), passing(m.ID))
	require.Error(t, err)
	assert.Empty(t, store.byID)
	assert.Empty(t, gate.ListApprovals(""))

	// после восстановления базы модель подается повторно
	models.setFail(nil)
	req, err := gate.SubmitForApproval(context.Background(), passing(m.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, req.Status)
}

func TestSubmitForApproval_StoreFailureRevertsModelStatus(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")

	f.store.failCreate = errors.New("db down")
	_, err := f.gate.SubmitForApproval(context.Background(), passing(m.ID))
	require.Error(t, err)

	got, err := f.reg.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelDraft, got.ApprovalStatus)
	assert.Empty(t, f.gate.ListApprovals(domain.ApprovalPending))

	f.store.failCreate = nil
	_, err = f.gate.SubmitForApproval(context.Background(), passing(m.ID))
	require.NoError(t, err)
}

func TestApproveModel_ThenDeploy(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")
	req, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest})
	require.NoError(t, err)

	approved, err := f.gate.ApproveModel(context.Background(), req.ID, "lead", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, "lead", *approved.ReviewedBy)
	require.NotNil(t, approved.Comments)

	model, _ := f.reg.Get(m.ID)
	assert.Equal(t, domain.ModelApproved, model.ApprovalStatus)
	require.NotNil(t, model.ApprovedBy)
	assert.Equal(t, "lead", *model.ApprovedBy)

	_, err = f.reg.DeployModel(context.Background(), m.ID, "ops")
	require.NoError(t, err)

	// повторное решение по закрытой заявке
	_, err = f.gate.ApproveModel(context.Background(), req.ID, "lead", "")
	assert.True(t, errors.Is(err, domain.ErrAlreadyResolved))
	_, err = f.gate.RejectModel(context.Background(), req.ID, "lead", "")
	assert.True(t, errors.Is(err, domain.ErrAlreadyResolved))

	assert.Len(t, f.trail.List(audit.Filter{Action: domain.AuditApprovalApproved}), 1)
}

func TestRejectModel_AllowsResubmission(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")
	req, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest})
	require.NoError(t, err)

	rejected, err := f.gate.RejectModel(context.Background(), req.ID, "lead", "needs more data")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, rejected.Status)

	model, _ := f.reg.Get(m.ID)
	assert.Equal(t, domain.ModelRejected, model.ApprovalStatus)
	assert.Equal(t, "1", model.Version)

	_, err = f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest})
	require.NoError(t, err)
	assert.Len(t, f.gate.ListApprovals(domain.ApprovalPending), 1)
	assert.Len(t, f.gate.ListApprovals(""), 2)
}

func TestResolve_NotFoundAndReviewerRequired(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.ApproveModel(context.Background(), "missing", "lead", "")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = f.gate.ApproveModel(context.Background(), "missing", "", "")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	m := f.model(t, "1")
	req, err := f.gate.SubmitForApproval(context.Background(), passing(m.ID))
	require.NoError(t, err)
	_, err = f.gate.RejectModel(context.Background(), req.ID, "", "")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestResolve_ConcurrentApprovalsResolveOnce(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")
	req, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest})
	require.NoError(t, err)

	var ok, resolved int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.gate.ApproveModel(context.Background(), req.ID, "lead", "")
			} else {
				_, err = f.gate.RejectModel(context.Background(), req.ID, "lead", "")
			}
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, domain.ErrAlreadyResolved):
				atomic.AddInt32(&resolved, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(9), resolved)
}

func TestResolve_StoreFailureRollsBackModel(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")
	req, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest})
	require.NoError(t, err)

	f.store.failRes = errors.New("db down")
	_, err = f.gate.ApproveModel(context.Background(), req.ID, "lead", "")
	require.Error(t, err)

	got, _ := f.gate.GetApproval(req.ID)
	assert.Equal(t, domain.ApprovalPending, got.Status)
	model, _ := f.reg.Get(m.ID)
	assert.Equal(t, domain.ModelPendingApproval, model.ApprovalStatus)
}

func TestLoad_RestoresPendingIndex(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "1")
	_, err := f.gate.SubmitForApproval(context.Background(), SubmitRequest{ModelVersionID: m.ID, RequestedBy: "ds", BacktestResults: goodBacktest})
	require.NoError(t, err)

	enf := policy.NewMemoEnforcer(nil, nil, zap.NewNop())
	restarted := NewGate(f.reg, enf, f.store, nil, zap.NewNop())
	require.NoError(t, restarted.Load(context.Background()))
	assert.Len(t, restarted.ListApprovals(domain.ApprovalPending), 1)
}

func TestEvaluateDecision(t *testing.T) {
	f := newFixture(t)
	res, err := f.gate.EvaluateDecision(domain.PolicyContext{
		domain.FieldBlastRadius: 20000, domain.FieldConfidence: 90, domain.FieldRiskScore: 10,
	})
	assert.True(t, errors.Is(err, domain.ErrPolicyViolation))
	assert.False(t, res.Allowed)
}
