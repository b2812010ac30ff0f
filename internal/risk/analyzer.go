package risk

import (
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/predict"
	"github.com/xela07ax/decision-gate/internal/stats"
	"go.uber.org/zap"
)

// ReviewRiskScore выше этого балла решение логируется как рискованное.
const ReviewRiskScore = 75

// Analyzer извлекает из результата прогноза рисковые поля, против которых
// проверяются политики живого решения.
type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("analyzer")}
}

// DecisionContext собирает контекст {blast_radius, confidence, risk_score}.
// Все три поля заполняются всегда: отсутствующее поле политика трактует как deny.
func (a *Analyzer) DecisionContext(res *predict.Result, confidence float64) domain.PolicyContext {
	blast, score := a.measure(res)
	if score >= ReviewRiskScore {
		a.logger.Warn("high risk decision",
			zap.String("use_case", string(res.UseCase)),
			zap.Float64("risk_score", score),
			zap.Float64("blast_radius", blast),
		)
	}
	return domain.PolicyContext{
		domain.FieldBlastRadius: blast,
		domain.FieldConfidence:  confidence,
		domain.FieldRiskScore:   score,
	}
}

// measure blast radius в единицах товара и балл риска 0..100.
func (a *Analyzer) measure(res *predict.Result) (float64, float64) {
	switch {
	case res == nil:
		return 0, 0
	case res.Stockout != nil:
		return res.Stockout.ReorderQuantity, res.Stockout.OverallScore
	case res.Demand != nil:
		// волатильность спроса как риск
		cv := 0.0
		if res.Demand.Mean > 0 {
			cv = res.Demand.StdDev / res.Demand.Mean
		}
		return res.Demand.TotalForecast, stats.Clamp(cv*100, 0, 100)
	case res.Anomaly != nil:
		return float64(len(res.Anomaly.Anomalies)), stats.Clamp(res.Anomaly.AnomalyScore*100, 0, 100)
	}
	return 0, 0
}
