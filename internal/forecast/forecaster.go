package forecast

import (
	"context"
	"math"
	"sort"
	"time"

	"replenishment-engine/internal/models"
	"replenishment-engine/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

// Trend classifies the least-squares slope of daily consumption
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

const (
	trendThreshold     = 0.1
	fullDataSamples    = 30.0
	maxVolatilityCost  = 0.5
	minConfidence      = 0.1
	DefaultWindowDays  = 90
	DefaultHorizonDays = 30
)

// Factor converts the trend into a multiplicative demand factor
func (t Trend) Factor() float64 {
	switch t {
	case TrendIncreasing:
		return 1.1
	case TrendDecreasing:
		return 0.9
	default:
		return 1.0
	}
}

// DefaultWeekly weights business days above weekends and averages to 1.0 over a week.
// Indexed by time.Weekday (Sunday first).
var DefaultWeekly = [7]float64{0.75, 1.1, 1.1, 1.1, 1.1, 1.1, 0.75}

// Seasonality supplies the multipliers applied to the average daily demand
type Seasonality interface {
	// Factor is the seasonal multiplier for the forecast starting at date
	Factor(productID int64, date time.Time) float64
	// Weekday is the day-of-week multiplier
	Weekday(day time.Weekday) float64
}

// WeeklySeasonality is a fixed day-of-week table with a flat seasonal factor
type WeeklySeasonality struct {
	Weekly   [7]float64
	Seasonal float64
}

// NewWeeklySeasonality returns the default table
func NewWeeklySeasonality() WeeklySeasonality {
	return WeeklySeasonality{Weekly: DefaultWeekly, Seasonal: 1.0}
}

func (s WeeklySeasonality) Factor(int64, time.Time) float64 {
	if s.Seasonal <= 0 {
		return 1.0
	}
	return s.Seasonal
}

func (s WeeklySeasonality) Weekday(day time.Weekday) float64 {
	return s.Weekly[day]
}

// Forecast is the per-run demand model for one (product, location)
type Forecast struct {
	ProductID          int64     `json:"product_id"`
	LocationID         int64     `json:"location_id"`
	AverageDailyDemand float64   `json:"average_daily_demand"`
	Trend              Trend     `json:"trend"`
	Slope              float64   `json:"slope"`
	Volatility         float64   `json:"volatility"`
	SeasonalFactor     float64   `json:"seasonal_factor"`
	Confidence         float64   `json:"confidence"`
	SampleCount        int       `json:"sample_count"`
	Partial            bool      `json:"partial"`
	InsufficientData   bool      `json:"insufficient_data"`
	PredictedSeries    []int     `json:"predicted_series"`
	AsOf               time.Time `json:"as_of"`
}

// Actionable reports whether decisions may be taken automatically from this forecast
func (f *Forecast) Actionable() bool {
	return f.Confidence > 0 && !f.InsufficientData
}

// WeeklyDemand is seven days of average demand
func (f *Forecast) WeeklyDemand() float64 {
	return f.AverageDailyDemand * 7
}

// Err returns ErrInsufficientData for zero-sample forecasts
func (f *Forecast) Err() error {
	if f.InsufficientData {
		return models.ErrInsufficientData
	}
	return nil
}

// Forecaster builds demand forecasts from consumption history
type Forecaster struct {
	seasonality Seasonality
	windowDays  int
	horizonDays int
}

// NewForecaster creates a forecaster. Non-positive window or horizon use the defaults.
func NewForecaster(seasonality Seasonality, windowDays, horizonDays int) *Forecaster {
	if seasonality == nil {
		seasonality = NewWeeklySeasonality()
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &Forecaster{
		seasonality: seasonality,
		windowDays:  windowDays,
		horizonDays: horizonDays,
	}
}

// WindowStart returns the first day of the trailing window ending at asOf
func (f *Forecaster) WindowStart(asOf time.Time) time.Time {
	return truncateDay(asOf).AddDate(0, 0, -f.windowDays)
}

// Horizon is the number of predicted days
func (f *Forecaster) Horizon() int {
	return f.horizonDays
}

// Forecast computes the demand model. Missing days are skipped, never filled with zeros.
func (f *Forecaster) Forecast(ctx context.Context, productID, locationID int64, samples []models.ConsumptionSample, asOf time.Time) *Forecast {
	_, span := util.StartSpan(ctx, "Forecaster.Forecast")
	defer span.End()

	fc := f.forecast(productID, locationID, samples, asOf)
	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.Int64("location_id", locationID),
		attribute.Int("samples", fc.SampleCount),
		attribute.Bool("insufficient_data", fc.InsufficientData))
	return fc
}

func (f *Forecaster) forecast(productID, locationID int64, samples []models.ConsumptionSample, asOf time.Time) *Forecast {
	asOf = truncateDay(asOf)
	fc := &Forecast{
		ProductID:       productID,
		LocationID:      locationID,
		Trend:           TrendStable,
		SeasonalFactor:  f.seasonality.Factor(productID, asOf),
		PredictedSeries: make([]int, f.horizonDays),
		AsOf:            asOf,
	}

	daily := f.dailyTotals(samples, asOf)
	fc.SampleCount = len(daily)
	if fc.SampleCount == 0 {
		fc.InsufficientData = true
		fc.Partial = true
		return fc
	}
	fc.Partial = fc.SampleCount < f.windowDays

	origin := daily[0].day
	xs := make([]float64, len(daily))
	ys := make([]float64, len(daily))
	for i, d := range daily {
		xs[i] = float64(daysBetween(origin, d.day))
		ys[i] = d.quantity
	}

	fc.AverageDailyDemand = mean(ys)
	if fc.AverageDailyDemand > 0 {
		fc.Volatility = math.Sqrt(variance(ys, fc.AverageDailyDemand)) / fc.AverageDailyDemand
	}

	fc.Slope = slope(xs, ys)
	switch {
	case fc.Slope > trendThreshold:
		fc.Trend = TrendIncreasing
	case fc.Slope < -trendThreshold:
		fc.Trend = TrendDecreasing
	}

	dataQuality := math.Min(1, float64(fc.SampleCount)/fullDataSamples)
	penalty := math.Min(maxVolatilityCost, fc.Volatility)
	fc.Confidence = math.Max(minConfidence, math.Min(1, dataQuality-penalty))

	base := fc.AverageDailyDemand * fc.Trend.Factor() * fc.SeasonalFactor
	for d := 1; d <= f.horizonDays; d++ {
		day := asOf.AddDate(0, 0, d)
		v := base * f.seasonality.Weekday(day.Weekday())
		fc.PredictedSeries[d-1] = int(math.Round(math.Max(0, v)))
	}

	return fc
}

type dailyTotal struct {
	day      time.Time
	quantity float64
}

// dailyTotals keeps samples inside the window, sums same-day duplicates and sorts by day
func (f *Forecaster) dailyTotals(samples []models.ConsumptionSample, asOf time.Time) []dailyTotal {
	start := asOf.AddDate(0, 0, -f.windowDays)
	byDay := make(map[time.Time]float64, len(samples))
	for _, s := range samples {
		day := truncateDay(s.Date)
		if day.Before(start) || !day.Before(asOf) {
			continue
		}
		byDay[day] += math.Max(0, s.Quantity)
	}

	out := make([]dailyTotal, 0, len(byDay))
	for day, q := range byDay {
		out = append(out, dailyTotal{day: day, quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// variance is the population variance around m
func variance(v []float64, m float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += (x - m) * (x - m)
	}
	return sum / float64(len(v))
}

// slope is the ordinary least-squares slope of y over x
func slope(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	var num, den float64
	for i := range xs {
		num += (xs[i] - mx) * (ys[i] - my)
		den += (xs[i] - mx) * (xs[i] - mx)
	}
	if den == 0 {
		return 0
	}
	return num / den
}
