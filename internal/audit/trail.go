package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

// Trail журнал только на добавление. Каждая запись получает номер и хэш,
// сцепленный с предыдущей, поэтому правка задним числом видна в Verify.
// В памяти держится окно последних записей (retention), номер и хэш
// продолжают цепочку хранилища после Load.
type Trail struct {
	mu       sync.RWMutex
	records  []domain.AuditRecord
	byID     map[string]int64 // auditID -> sequence
	lastSeq  int64
	lastHash string

	retention int
	sink      Sink
	logger    *zap.Logger
	now       func() time.Time
}

// Option настройка Trail и DecisionLogs.
type Option func(*options)

type options struct {
	retention int
}

// WithRetention сколько последних записей держать в памяти, 0 без ограничения.
func WithRetention(n int) Option {
	return func(o *options) { o.retention = n }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.retention < 0 {
		o.retention = 0
	}
	return o
}

func NewTrail(sink Sink, logger *zap.Logger, opts ...Option) *Trail {
	o := applyOptions(opts)
	return &Trail{
		byID:      make(map[string]int64),
		retention: o.retention,
		sink:      sink,
		logger:    logger.Named("audit"),
		now:       time.Now,
	}
}

// Load продолжает цепочку из хранилища: records в порядке номеров, хвост
// журнала. Вызывается до первого Append, иначе номера разошлись бы с базой.
func (t *Trail) Load(records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := VerifyChain(records); err != nil {
		return fmt.Errorf("audit: stored chain is broken: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastSeq != 0 {
		return fmt.Errorf("audit: trail already has %d records, load must run first", t.lastSeq)
	}
	if t.retention > 0 && len(records) > t.retention {
		records = records[len(records)-t.retention:]
	}
	t.records = append(make([]domain.AuditRecord, 0, len(records)), records...)
	for _, r := range t.records {
		t.byID[r.AuditID] = r.Sequence
	}
	last := records[len(records)-1]
	t.lastSeq, t.lastHash = last.Sequence, last.Hash
	t.logger.Info("audit chain restored", zap.Int64("last_sequence", t.lastSeq), zap.Int("in_memory", len(t.records)))
	return nil
}

// Append добавляет запись: AuditID (если пуст), номер, время, хэш-цепочка.
// Повтор AuditID из окна в памяти отклоняется.
func (t *Trail) Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditRecord{}, err
	}
	if rec.Action == "" {
		return domain.AuditRecord{}, &domain.ValidationError{Field: "action", Reason: "is required"}
	}
	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.Details != nil {
		details := make(map[string]interface{}, len(rec.Details))
		for k, v := range rec.Details {
			details[k] = v
		}
		rec.Details = details
	}

	t.mu.Lock()
	if _, dup := t.byID[rec.AuditID]; dup {
		t.mu.Unlock()
		return domain.AuditRecord{}, &domain.ValidationError{Field: "auditId", Reason: "already recorded"}
	}
	rec.Sequence = t.lastSeq + 1
	rec.Timestamp = t.now().UTC().Truncate(time.Microsecond)
	rec.PrevHash = t.lastHash
	hash, err := recordHash(rec)
	if err != nil {
		t.mu.Unlock()
		return domain.AuditRecord{}, fmt.Errorf("audit: failed to hash record: %w", err)
	}
	rec.Hash = hash
	t.records = append(t.records, rec)
	t.byID[rec.AuditID] = rec.Sequence
	t.lastSeq, t.lastHash = rec.Sequence, hash
	t.evictLocked()
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Log(rec)
	}
	return rec, nil
}

// evictLocked сбрасывает из памяти записи старше окна retention.
func (t *Trail) evictLocked() {
	if t.retention == 0 || len(t.records) <= t.retention {
		return
	}
	drop := len(t.records) - t.retention
	for i := range t.records[:drop] {
		delete(t.byID, t.records[i].AuditID)
		t.records[i] = domain.AuditRecord{}
	}
	// старый массив освободит следующий рост слайса в append
	t.records = t.records[drop:]
}

// Get запись по AuditID из окна в памяти.
func (t *Trail) Get(auditID string) (domain.AuditRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seq, ok := t.byID[auditID]
	if !ok {
		return domain.AuditRecord{}, &domain.NotFoundError{Kind: "audit record", ID: auditID}
	}
	return t.records[seq-t.records[0].Sequence], nil
}

// List записи по фильтру в порядке номеров.
func (t *Trail) List(f Filter) []domain.AuditRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.AuditRecord, 0)
	for _, r := range t.records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len число записей в памяти.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// LastSequence номер последней записи цепочки.
func (t *Trail) LastSequence() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeq
}

// Verify проверяет непрерывность номеров и хэш-цепочку окна в памяти.
func (t *Trail) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return VerifyChain(t.records)
}

// VerifyChain проверка непрерывного участка цепочки. Участок с первой
// записи журнала обязан начинаться с пустого PrevHash, хвост опирается на
// PrevHash своей первой записи.
func VerifyChain(records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	first := records[0]
	if first.Sequence < 1 {
		return fmt.Errorf("audit: invalid first sequence %d", first.Sequence)
	}
	if first.Sequence == 1 && first.PrevHash != "" {
		return fmt.Errorf("audit: broken chain at sequence 1")
	}
	prev := first.PrevHash
	for i, r := range records {
		if want := first.Sequence + int64(i); r.Sequence != want {
			return fmt.Errorf("audit: sequence gap at %d: got %d", want, r.Sequence)
		}
		if r.PrevHash != prev {
			return fmt.Errorf("audit: broken chain at sequence %d", r.Sequence)
		}
		h, err := recordHash(r)
		if err != nil {
			return err
		}
		if h != r.Hash {
			return fmt.Errorf("audit: record %s (sequence %d) was modified", r.AuditID, r.Sequence)
		}
		prev = r.Hash
	}
	return nil
}

// recordHash sha256(prevHash || канонический JSON записи без Hash).
func recordHash(r domain.AuditRecord) (string, error) {
	r.Hash = ""
	body, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(r.PrevHash))
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil)), nil
}
