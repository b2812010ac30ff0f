package audit

/*
AgentFS асинхронно выгружает записи журнала во внешнее хранилище.

- Hot path не ждет базу: Log только кладет запись в буферизированный канал.
- Записи копятся в памяти и уходят пачкой (bulk insert) по таймеру или
  при достижении размера пачки.
- Drain pattern: Stop закрывает канал, воркер вычитывает остаток и делает
  финальный flush, поэтому при остановке сервиса записи не теряются.
- Переполнение буфера не блокирует вызывающего: запись остается в
  in-memory Trail, в лог пишется ошибка.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []domain.AuditRecord) error
}

// Sink принимает уже подписанные записи журнала.
type Sink interface {
	Log(rec domain.AuditRecord)
}

// AgentFSConfig размеры буфера и пачки.
type AgentFSConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type AgentFS struct {
	ch     chan domain.AuditRecord
	repo   StorageInterface
	cfg    AgentFSConfig
	logger *zap.Logger
	wg     sync.WaitGroup
	// closeMu: Log держит RLock на время отправки, Stop берет Lock перед
	// close(ch), поэтому отправки в закрытый канал не бывает.
	closeMu sync.RWMutex
	closed  bool
	dropped int64

	// OnFlush вызывается после каждой записи пачки (метрики)
	OnFlush func(n int, err error)
}

func NewAgentFS(repo StorageInterface, cfg AgentFSConfig, logger *zap.Logger) *AgentFS {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:     make(chan domain.AuditRecord, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop запирает вход в канал и ждет, пока воркер все допишет.
func (fs *AgentFS) Stop() {
	fs.closeMu.Lock()
	if fs.closed {
		fs.closeMu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping audit writer: closing channel and flushing buffer...")
	close(fs.ch)
	fs.closeMu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("audit writer stopped gracefully")
}

func (fs *AgentFS) Log(rec domain.AuditRecord) {
	fs.closeMu.RLock()
	defer fs.closeMu.RUnlock()
	if fs.closed {
		fs.logger.Warn("audit record not exported: writer is stopping", zap.String("audit_id", rec.AuditID))
		return
	}

	// Load shedding: при переполнении не блокируем hot path
	select {
	case fs.ch <- rec:
	default:
		atomic.AddInt64(&fs.dropped, 1)
		fs.logger.Error("audit_buffer_overflow",
			zap.String("audit_id", rec.AuditID),
			zap.Int64("sequence", rec.Sequence),
			zap.String("action", string(rec.Action)),
		)
	}
}

// Pending записей в буфере.
func (fs *AgentFS) Pending() int { return len(fs.ch) }

// Dropped записей, не попавших в буфер.
func (fs *AgentFS) Dropped() int64 { return atomic.LoadInt64(&fs.dropped) }

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]domain.AuditRecord, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		err := fs.repo.WriteBatch(context.Background(), batch)
		if err != nil {
			fs.logger.Error("audit flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		if fs.OnFlush != nil {
			fs.OnFlush(len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop: остаток уже вычитан, финальный сброс
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
