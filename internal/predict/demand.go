package predict

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/stats"
)

const (
	minDemandHistory  = 14
	promotionLift     = 1.3
	weekendLift       = 1.15
	trendThreshold    = 0.05
	maxDemandHorizon  = 90
	intervalZ         = 1.96
	defaultMaxMAPE    = 0.3
	defaultBTHorizon  = 7
	defaultBTFolds    = 3
	intervalConfLevel = 0.95
)

// DemandInput вход прогноза спроса.
type DemandInput struct {
	SalesHistory     []float64 `json:"salesHistory"`
	Horizon          int       `json:"horizon"`
	SeasonalityIndex float64   `json:"seasonalityIndex"`
	IsPromotion      bool      `json:"isPromotion"`
	// StartDate первый день прогноза; нулевое значение отключает поправку на выходные.
	StartDate time.Time `json:"-"`
}

// PredictionInterval интервал по дням прогноза.
type PredictionInterval struct {
	Lower      []float64 `json:"lower"`
	Upper      []float64 `json:"upper"`
	Confidence float64   `json:"confidence"`
}

// DemandOutput результат прогноза спроса.
type DemandOutput struct {
	Forecast           []float64          `json:"forecast"`
	PredictionInterval PredictionInterval `json:"predictionInterval"`
	TotalForecast      float64            `json:"totalForecast"`
	Trend              string             `json:"trend"`
	TrendFactor        float64            `json:"trendFactor"`
	Mean               float64            `json:"mean"`
	StdDev             float64            `json:"stdDev"`
	FeatureImportance  map[string]float64 `json:"featureImportance"`
	DataPoints         int                `json:"dataPoints"`
}

// DemandForecast статистический прогноз: среднее за 30 дней, недельный тренд,
// сезонность, промо и выходные.
type DemandForecast struct{}

func (DemandForecast) Validate(in DemandInput) error {
	if len(in.SalesHistory) < minDemandHistory {
		return fmt.Errorf("demand forecast needs %d observations, got %d: %w",
			minDemandHistory, len(in.SalesHistory), domain.ErrInsufficientData)
	}
	if in.Horizon < 1 || in.Horizon > maxDemandHorizon {
		return &domain.ValidationError{Field: domain.AttrHorizon, Reason: fmt.Sprintf("must be within 1..%d", maxDemandHorizon)}
	}
	return nil
}

func (d DemandForecast) Predict(in DemandInput) (*DemandOutput, error) {
	if err := d.Validate(in); err != nil {
		return nil, err
	}
	season := in.SeasonalityIndex
	if season <= 0 {
		season = 1
	}

	window := stats.Tail(in.SalesHistory, 30)
	mean := stats.Mean(window)
	std := stats.StdDev(window)
	tf := trendFactor(in.SalesHistory)

	out := &DemandOutput{
		Forecast: make([]float64, in.Horizon),
		PredictionInterval: PredictionInterval{
			Lower:      make([]float64, in.Horizon),
			Upper:      make([]float64, in.Horizon),
			Confidence: intervalConfLevel,
		},
		Trend:       trendLabel(tf),
		TrendFactor: stats.Round(tf, 4),
		Mean:        stats.Round(mean, 4),
		StdDev:      stats.Round(std, 4),
		DataPoints:  len(in.SalesHistory),
	}

	for i := 0; i < in.Horizon; i++ {
		day := float64(i + 1)
		// Тренд затухает: половина недельного роста на каждую неделю вперед
		growth := stats.Clamp(math.Pow(tf, 0.5*day/7), 0.5, 2)
		v := mean * growth * season
		if in.IsPromotion {
			v *= promotionLift
		}
		if !in.StartDate.IsZero() && isWeekend(in.StartDate.AddDate(0, 0, i)) {
			v *= weekendLift
		}
		v = math.Max(0, v)
		half := intervalZ * std * math.Sqrt(day/7)

		out.Forecast[i] = stats.Round(v, 2)
		out.PredictionInterval.Lower[i] = stats.Round(math.Max(0, v-half), 2)
		out.PredictionInterval.Upper[i] = stats.Round(v+half, 2)
		out.TotalForecast += out.Forecast[i]
	}
	out.TotalForecast = stats.Round(out.TotalForecast, 2)
	out.FeatureImportance = demandImportance(tf, season, in.IsPromotion, !in.StartDate.IsZero())
	return out, nil
}

// trendFactor отношение среднего последней недели к предыдущей.
func trendFactor(h []float64) float64 {
	if len(h) < 14 {
		return 1
	}
	recent := stats.Mean(stats.Window(h, 0, 7))
	prior := stats.Mean(stats.Window(h, 7, 14))
	if prior == 0 {
		return 1
	}
	return recent / prior
}

func trendLabel(tf float64) string {
	switch {
	case tf > 1+trendThreshold:
		return "increasing"
	case tf < 1-trendThreshold:
		return "decreasing"
	default:
		return "stable"
	}
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// demandImportance относительный вклад факторов, сумма равна 1.
func demandImportance(tf, season float64, promo, calendar bool) map[string]float64 {
	raw := map[string]float64{
		"recent_sales": 1,
		"trend":        math.Abs(tf-1) * 5,
		"seasonality":  math.Abs(season-1) * 5,
	}
	if promo {
		raw["promotion"] = promotionLift - 1
	}
	if calendar {
		raw["day_of_week"] = weekendLift - 1
	}
	var total float64
	for _, v := range raw {
		total += v
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		out[k] = stats.Round(v/total, 3)
	}
	return out
}

// GenerateExplanation сводка, три главных фактора и сценарий.
func (DemandForecast) GenerateExplanation(in DemandInput, out *DemandOutput) domain.Explanation {
	pct := (out.TrendFactor - 1) * 100
	summary := fmt.Sprintf("Expected demand of %.0f units over the next %d days; sales trend is %s (%+.1f%% week over week).",
		out.TotalForecast, len(out.Forecast), out.Trend, pct)

	drivers := make([]domain.Driver, 0, len(out.FeatureImportance))
	for name, impact := range out.FeatureImportance {
		drivers = append(drivers, domain.Driver{Feature: name, Impact: impact, Direction: demandDirection(name, in, out)})
	}
	sort.Slice(drivers, func(i, j int) bool {
		if drivers[i].Impact == drivers[j].Impact {
			return drivers[i].Feature < drivers[j].Feature
		}
		return drivers[i].Impact > drivers[j].Impact
	})

	scenario := "If current conditions hold, demand stays close to the recent average."
	if last := len(out.Forecast) - 1; last >= 0 && len(out.PredictionInterval.Upper) > last && len(out.PredictionInterval.Lower) > last {
		scenario = fmt.Sprintf("If current conditions hold, daily demand on day %d is expected between %.0f and %.0f units.",
			last+1, out.PredictionInterval.Lower[last], out.PredictionInterval.Upper[last])
	}
	if in.IsPromotion {
		scenario += " Without the promotion the total would be about " +
			fmt.Sprintf("%.0f units.", out.TotalForecast/promotionLift)
	}
	return domain.Explanation{Summary: summary, TopDrivers: topDrivers(drivers), Scenario: scenario}
}

func demandDirection(name string, in DemandInput, out *DemandOutput) string {
	switch name {
	case "trend":
		return direction(out.TrendFactor - 1)
	case "seasonality":
		return direction(in.SeasonalityIndex - 1)
	case "promotion", "day_of_week":
		return "up"
	default:
		return "neutral"
	}
}

// BacktestOptions параметры бэктеста прогноза.
type BacktestOptions struct {
	Horizon int
	Folds   int
	// MaxError верхняя граница MAPE модели.
	MaxError float64
}

func (o BacktestOptions) withDefaults() BacktestOptions {
	if o.Horizon <= 0 {
		o.Horizon = defaultBTHorizon
	}
	if o.Folds <= 0 {
		o.Folds = defaultBTFolds
	}
	if o.MaxError <= 0 {
		o.MaxError = defaultMaxMAPE
	}
	return o
}

// Backtest скользящий holdout: на каждом фолде прогноз сравнивается с фактом
// и с наивным прогнозом "последнее значение".
func (d DemandForecast) Backtest(history []float64, opts BacktestOptions) (domain.BacktestResult, error) {
	opts = opts.withDefaults()

	var modelErrs, naiveErrs, maes []float64
	for fold := 0; fold < opts.Folds; fold++ {
		end := len(history) - fold*opts.Horizon
		trainEnd := end - opts.Horizon
		if trainEnd < minDemandHistory {
			break
		}
		train := history[:trainEnd]
		actual := history[trainEnd:end]

		out, err := d.Predict(DemandInput{SalesHistory: train, Horizon: opts.Horizon, SeasonalityIndex: 1})
		if err != nil {
			return domain.BacktestResult{}, err
		}
		naive := make([]float64, opts.Horizon)
		for i := range naive {
			naive[i] = train[len(train)-1]
		}
		modelErrs = append(modelErrs, mape(actual, out.Forecast))
		naiveErrs = append(naiveErrs, mape(actual, naive))
		maes = append(maes, mae(actual, out.Forecast))
	}
	if len(modelErrs) == 0 {
		return domain.BacktestResult{}, fmt.Errorf("backtest needs %d observations, got %d: %w",
			minDemandHistory+opts.Horizon, len(history), domain.ErrInsufficientData)
	}

	modelMAPE := stats.Mean(modelErrs)
	naiveMAPE := stats.Mean(naiveErrs)
	return domain.BacktestResult{
		Passed: modelMAPE <= opts.MaxError && modelMAPE <= naiveMAPE,
		Metrics: map[string]float64{
			"mape":          stats.Round(modelMAPE, 4),
			"mae":           stats.Round(stats.Mean(maes), 4),
			"baseline_mape": stats.Round(naiveMAPE, 4),
			"folds":         float64(len(modelErrs)),
		},
		BaselineComparison: stats.Round(naiveMAPE-modelMAPE, 4),
		StabilityScore:     stats.Round(foldStability(modelErrs), 4),
	}, nil
}

// mape средняя относительная ошибка; нулевые факты пропускаются.
func mape(actual, predicted []float64) float64 {
	var sum float64
	var n int
	for i := range actual {
		if actual[i] == 0 {
			continue
		}
		sum += math.Abs(actual[i]-predicted[i]) / math.Abs(actual[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func mae(actual, predicted []float64) float64 {
	var sum float64
	for i := range actual {
		sum += math.Abs(actual[i] - predicted[i])
	}
	return sum / float64(len(actual))
}

// foldStability 1 минус коэффициент вариации ошибки по фолдам.
func foldStability(errs []float64) float64 {
	m := stats.Mean(errs)
	if m == 0 {
		return 1
	}
	return stats.Clamp(1-stats.StdDev(errs)/m, 0, 1)
}
