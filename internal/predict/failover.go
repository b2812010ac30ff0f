package predict

import (
	"context"
	"errors"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

// FailoverBackend вызывает primary, а при ошибке или таймауте прозрачно
// переключается на fallback (обычно StatisticalBackend). Ошибки валидации
// входа не маскируются: второй бэкенд на тех же данных упадет так же.
type FailoverBackend struct {
	primary  Backend
	fallback Backend
	logger   *zap.Logger
	// OnFailover вызывается при каждом переключении (метрики).
	OnFailover func(primary string, err error)
	// PrimaryTimeout срок primary внутри бюджета решения. Остаток бюджета
	// родительского ctx достается fallback. Ноль: без своего срока.
	PrimaryTimeout time.Duration
}

func NewFailoverBackend(primary, fallback Backend, logger *zap.Logger) *FailoverBackend {
	return &FailoverBackend{
		primary:  primary,
		fallback: fallback,
		logger:   logger.Named("failover"),
	}
}

func (b *FailoverBackend) Name() string { return b.primary.Name() }

func (b *FailoverBackend) Predict(ctx context.Context, req Request) (*Result, error) {
	pctx := ctx
	if b.PrimaryTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, b.PrimaryTimeout)
		defer cancel()
	}
	res, err := b.primary.Predict(pctx, req)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrInsufficientData) {
		return nil, err
	}
	// Бюджет решения исчерпан или клиент ушел: переключаться некуда.
	// Истекший срок primary сюда не попадает, его ctx дочерний.
	if ctx.Err() != nil {
		return nil, err
	}

	b.logger.Warn("primary backend failed, switching to fallback",
		zap.String("primary", b.primary.Name()),
		zap.String("fallback", b.fallback.Name()),
		zap.String("use_case", string(req.UseCase)),
		zap.Error(err),
	)
	if b.OnFailover != nil {
		b.OnFailover(b.primary.Name(), err)
	}
	return b.fallback.Predict(ctx, req)
}
