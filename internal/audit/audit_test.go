package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]domain.AuditRecord
}

func (m *memStorage) WriteBatch(_ context.Context, recs []domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]domain.AuditRecord(nil), recs...))
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestTrail_AppendAssignsSequenceAndChain(t *testing.T) {
	tr := NewTrail(nil, zap.NewNop())
	ctx := context.Background()

	first, err := tr.Append(ctx, domain.AuditRecord{Action: domain.AuditModelRegistered, Actor: "ds", EntityType: "model", EntityID: "m-1"})
	require.NoError(t, err)
	second, err := tr.Append(ctx, domain.AuditRecord{Action: domain.AuditModelDeployed, Actor: "ops", EntityType: "model", EntityID: "m-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.AuditID)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NoError(t, tr.Verify())

	got, err := tr.Get(second.AuditID)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = tr.Get("missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTrail_RejectsDuplicateAndEmptyAction(t *testing.T) {
	tr := NewTrail(nil, zap.NewNop())
	ctx := context.Background()

	_, err := tr.Append(ctx, domain.AuditRecord{AuditID: "a-1", Action: domain.AuditDecisionRequested})
	require.NoError(t, err)
	_, err = tr.Append(ctx, domain.AuditRecord{AuditID: "a-1", Action: domain.AuditDecisionReturned})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = tr.Append(ctx, domain.AuditRecord{})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, 1, tr.Len())
}

func TestTrail_ConcurrentAppendsKeepSequence(t *testing.T) {
	tr := NewTrail(nil, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Append(context.Background(), domain.AuditRecord{Action: domain.AuditDecisionRequested})
		}()
	}
	wg.Wait()

	recs := tr.List(Filter{})
	require.Len(t, recs, 50)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.Sequence)
	}
	assert.NoError(t, tr.Verify())
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	tr := NewTrail(nil, zap.NewNop())
	for _, a := range []domain.AuditAction{domain.AuditApprovalSubmitted, domain.AuditApprovalApproved, domain.AuditModelDeployed} {
		_, err := tr.Append(context.Background(), domain.AuditRecord{Action: a, Actor: "alice"})
		require.NoError(t, err)
	}
	recs := tr.List(Filter{})
	recs[1].Actor = "mallory"
	assert.Error(t, VerifyChain(recs))
}

func TestTrail_LoadContinuesStoredChain(t *testing.T) {
	ctx := context.Background()
	first := NewTrail(nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := first.Append(ctx, domain.AuditRecord{Action: domain.AuditDecisionRequested, Actor: "planner"})
		require.NoError(t, err)
	}
	stored := first.List(Filter{})

	restarted := NewTrail(nil, zap.NewNop())
	require.NoError(t, restarted.Load(stored))
	assert.Equal(t, int64(3), restarted.LastSequence())

	got, err := restarted.Get(stored[1].AuditID)
	require.NoError(t, err)
	assert.Equal(t, stored[1], got)

	next, err := restarted.Append(ctx, domain.AuditRecord{Action: domain.AuditDecisionReturned})
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Sequence)
	assert.Equal(t, stored[2].Hash, next.PrevHash)
	assert.NoError(t, restarted.Verify())

	// повторная загрузка поверх живой цепочки запрещена
	assert.Error(t, restarted.Load(stored))
}

func TestTrail_LoadRejectsBrokenChain(t *testing.T) {
	tr := NewTrail(nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, _ = tr.Append(context.Background(), domain.AuditRecord{Action: domain.AuditDecisionRequested})
	}
	stored := tr.List(Filter{})
	stored[1].Actor = "mallory"

	restarted := NewTrail(nil, zap.NewNop())
	assert.Error(t, restarted.Load(stored))
	assert.Zero(t, restarted.LastSequence())

	// хвост без начала журнала допустим, если он непрерывен
	assert.NoError(t, NewTrail(nil, zap.NewNop()).Load(tr.List(Filter{})[1:]))
}

func TestTrail_RetentionKeepsChainGoing(t *testing.T) {
	ctx := context.Background()
	store := &memStorage{}
	fs := NewAgentFS(store, AgentFSConfig{BatchSize: 5, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()
	tr := NewTrail(fs, zap.NewNop(), WithRetention(4))

	var firstID string
	for i := 0; i < 10; i++ {
		rec, err := tr.Append(ctx, domain.AuditRecord{Action: domain.AuditDecisionRequested})
		require.NoError(t, err)
		if i == 0 {
			firstID = rec.AuditID
		}
	}
	fs.Stop()

	assert.Equal(t, 4, tr.Len())
	assert.Equal(t, int64(10), tr.LastSequence())
	recs := tr.List(Filter{})
	assert.Equal(t, int64(7), recs[0].Sequence)
	assert.NoError(t, tr.Verify())

	_, err := tr.Get(firstID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	// вытесненные из памяти записи уже выгружены
	assert.Equal(t, 10, store.total())
}

func TestTrail_ListFilter(t *testing.T) {
	tr := NewTrail(nil, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = tr.Append(ctx, domain.AuditRecord{Action: domain.AuditDecisionRequested, EntityType: "product", EntityID: "sku-1"})
	}
	_, _ = tr.Append(ctx, domain.AuditRecord{Action: domain.AuditModelRegistered, EntityType: "model", EntityID: "m-1"})

	assert.Len(t, tr.List(Filter{EntityID: "sku-1"}), 3)
	assert.Len(t, tr.List(Filter{Action: domain.AuditModelRegistered}), 1)
	last := tr.List(Filter{Limit: 2})
	require.Len(t, last, 2)
	assert.Equal(t, int64(4), last[1].Sequence)
}

func TestAgentFS_DrainsOnStop(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, AgentFSConfig{BatchSize: 7, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()

	tr := NewTrail(fs, zap.NewNop())
	for i := 0; i < 20; i++ {
		_, err := tr.Append(context.Background(), domain.AuditRecord{Action: domain.AuditDecisionRequested})
		require.NoError(t, err)
	}
	fs.Stop()

	assert.Equal(t, 20, store.total())
	// повторная остановка безопасна, записи после остановки не экспортируются
	fs.Stop()
	fs.Log(domain.AuditRecord{AuditID: "late"})
	assert.Equal(t, 20, store.total())
}

func TestAgentFS_LogRacingStop(t *testing.T) {
	store := &memStorage{}
	fs := NewAgentFS(store, AgentFSConfig{BufferSize: 64, BatchSize: 8, FlushInterval: time.Millisecond}, zap.NewNop())
	fs.Start()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				fs.Log(domain.AuditRecord{Action: domain.AuditDecisionRequested})
			}
		}()
	}
	// Stop посреди отправок: без паники, буфер выгружен полностью
	require.NotPanics(t, fs.Stop)
	wg.Wait()

	assert.Zero(t, fs.Pending())
	assert.LessOrEqual(t, int64(store.total())+fs.Dropped(), int64(8*200))
}

func TestDecisionLogs(t *testing.T) {
	logs := NewDecisionLogs(nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, logs.Save(ctx, domain.DecisionLog{AuditID: "a-1", UseCase: domain.UseCaseStockoutRisk}))
	assert.True(t, errors.Is(logs.Save(ctx, domain.DecisionLog{AuditID: "a-1"}), domain.ErrValidation))

	got, err := logs.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, domain.UseCaseStockoutRisk, got.UseCase)

	_, err = logs.Get(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

type memDecisions struct {
	mu   sync.Mutex
	logs map[string]domain.DecisionLog
}

func (m *memDecisions) SaveDecision(_ context.Context, log domain.DecisionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[log.AuditID] = log
	return nil
}

func (m *memDecisions) GetDecision(_ context.Context, auditID string) (domain.DecisionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[auditID]
	if !ok {
		return domain.DecisionLog{}, &domain.NotFoundError{Kind: "decision", ID: auditID}
	}
	return log, nil
}

func TestDecisionLogs_RetentionFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := &memDecisions{logs: map[string]domain.DecisionLog{}}
	logs := NewDecisionLogs(store, zap.NewNop(), WithRetention(2))

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		require.NoError(t, logs.Save(ctx, domain.DecisionLog{AuditID: id, UseCase: domain.UseCaseDemandForecast}))
	}
	assert.Equal(t, 2, logs.Count())

	got, err := logs.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.AuditID)

	// после перезапуска журнал решений читается из хранилища
	restarted := NewDecisionLogs(store, zap.NewNop())
	got, err = restarted.Get(ctx, "a-3")
	require.NoError(t, err)
	assert.Equal(t, domain.UseCaseDemandForecast, got.UseCase)
}
