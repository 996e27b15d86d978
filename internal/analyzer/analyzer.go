package analyzer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"route-deal-alerts/internal/config"
	"route-deal-alerts/internal/storage"
)

var (
	// ErrAnomalyRejected marks a price outside the sane bounds.
	ErrAnomalyRejected = errors.New("analyzer: price outside sane bounds")
	// ErrInconsistentSources marks sources that disagree beyond tolerance.
	ErrInconsistentSources = errors.New("analyzer: contributing sources disagree")
)

// RejectionError explains why a candidate never reached history.
type RejectionError struct {
	Reason   error
	RouteKey string
	Price    decimal.Decimal
	Detail   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: route %s price %s (%s)", e.Reason, e.RouteKey, e.Price.StringFixed(2), e.Detail)
}

func (e *RejectionError) Unwrap() error {
	return e.Reason
}

// Category is the dip classification of a candidate.
type Category string

const (
	CategoryUnknown   Category = "unknown"
	CategoryBottom    Category = "bottom"
	CategoryNormal    Category = "normal"
	CategoryExpensive Category = "expensive"
	CategoryRejected  Category = "rejected"
)

// Volatility is advisory metadata about recent price movement.
type Volatility string

const (
	VolatilityUnknown  Volatility = "unknown"
	VolatilityStable   Volatility = "stable"
	VolatilityModerate Volatility = "moderate"
	VolatilityVolatile Volatility = "volatile"
)

// Options carries analyzer thresholds.
type Options struct {
	MinSanePrice         decimal.Decimal
	MaxSanePrice         decimal.Decimal
	BottomMultiplier     decimal.Decimal
	MistakeFareRatio     decimal.Decimal
	MaxSourceCV          float64
	LowConfidenceCeiling float64
	VolatilityWindow     int
	StableBelow          float64
	VolatileAbove        float64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MinSanePrice:         decimal.NewFromInt(100),
		MaxSanePrice:         decimal.NewFromInt(500000),
		BottomMultiplier:     decimal.RequireFromString("1.05"),
		MistakeFareRatio:     decimal.RequireFromString("0.30"),
		MaxSourceCV:          0.20,
		LowConfidenceCeiling: 0.5,
		VolatilityWindow:     7,
		StableBelow:          0.05,
		VolatileAbove:        0.15,
	}
}

// OptionsFromConfig converts the analyzer config section.
func OptionsFromConfig(cfg config.AnalyzerConfig) Options {
	return Options{
		MinSanePrice:         decimal.NewFromFloat(cfg.MinSanePrice),
		MaxSanePrice:         decimal.NewFromFloat(cfg.MaxSanePrice),
		BottomMultiplier:     decimal.NewFromFloat(cfg.BottomMultiplier),
		MistakeFareRatio:     decimal.NewFromFloat(cfg.MistakeFareRatio),
		MaxSourceCV:          cfg.MaxSourceCV,
		LowConfidenceCeiling: cfg.LowConfidenceCeiling,
		VolatilityWindow:     cfg.VolatilityWindow,
		StableBelow:          cfg.StableBelow,
		VolatileAbove:        cfg.VolatileAbove,
	}
}

// Candidate is a normalised observation awaiting a verdict.
type Candidate struct {
	RouteKey   string
	Price      decimal.Decimal
	ObservedAt time.Time
	// Sources lists each contributing source price; empty means a single unnamed source.
	Sources []decimal.Decimal
	// Confidence is the scraper-reported confidence in [0, 1]; zero means not reported.
	Confidence float64
}

// SampleCount reports how many independent sources produced the candidate.
func (c Candidate) SampleCount() int {
	if len(c.Sources) == 0 {
		return 1
	}
	return len(c.Sources)
}

// ResolvedPrice returns Price, or the mean of Sources when Price is unset.
func (c Candidate) ResolvedPrice() decimal.Decimal {
	if !c.Price.IsZero() || len(c.Sources) == 0 {
		return c.Price
	}
	return decimal.Avg(c.Sources[0], c.Sources[1:]...)
}

// Verdict is the immutable outcome of analysing one candidate.
type Verdict struct {
	RouteKey       string
	Price          decimal.Decimal
	ObservedAt     time.Time
	Category       Category
	SavingsPct     float64
	Confidence     float64
	Volatility     Volatility
	IsMistakeFare  bool
	Min            decimal.Decimal
	Avg            decimal.Decimal
	DipThreshold   decimal.Decimal
	PercentileRank float64
	HistorySize    int
	SampleCount    int
}

// Observation converts an admitted verdict into its history record.
func (v Verdict) Observation() storage.Observation {
	return storage.Observation{
		RouteKey:    v.RouteKey,
		Price:       v.Price,
		ObservedAt:  v.ObservedAt,
		Confidence:  v.Confidence,
		SampleCount: v.SampleCount,
	}
}

// Admitted reports whether the verdict may be folded into history.
func (v Verdict) Admitted() bool {
	return v.Category != CategoryRejected
}

// Analyzer turns a route history and a candidate into a Verdict. It is safe for concurrent use.
type Analyzer struct {
	opts Options
}

// New builds an analyzer from opts.
func New(opts Options) *Analyzer {
	return &Analyzer{opts: opts}
}

// Analyze classifies cand against history, which must be ordered by observed_at.
// Rejections return a Verdict with CategoryRejected and a *RejectionError.
func (a *Analyzer) Analyze(history []storage.Observation, cand Candidate) (Verdict, error) {
	price := cand.ResolvedPrice()
	verdict := Verdict{
		RouteKey:    cand.RouteKey,
		Price:       price,
		ObservedAt:  cand.ObservedAt,
		Category:    CategoryRejected,
		Volatility:  VolatilityUnknown,
		HistorySize: len(history),
		SampleCount: cand.SampleCount(),
	}

	if price.LessThan(a.opts.MinSanePrice) || price.GreaterThan(a.opts.MaxSanePrice) {
		return verdict, &RejectionError{
			Reason:   ErrAnomalyRejected,
			RouteKey: cand.RouteKey,
			Price:    price,
			Detail:   fmt.Sprintf("bounds [%s, %s]", a.opts.MinSanePrice, a.opts.MaxSanePrice),
		}
	}

	confidence, cv, ok := a.confidence(cand.Sources, cand.Confidence)
	if !ok {
		return verdict, &RejectionError{
			Reason:   ErrInconsistentSources,
			RouteKey: cand.RouteKey,
			Price:    price,
			Detail:   fmt.Sprintf("cv %.3f above %.3f", cv, a.opts.MaxSourceCV),
		}
	}
	verdict.Confidence = confidence
	verdict.Volatility = a.volatility(history, price)

	if len(history) == 0 {
		verdict.Category = CategoryUnknown
		return verdict, nil
	}

	stats := Dip(history, a.opts.BottomMultiplier)
	verdict.Min = stats.Min
	verdict.Avg = stats.Avg
	verdict.DipThreshold = stats.Threshold
	verdict.PercentileRank = PercentileRank(history, price)

	switch {
	case price.LessThanOrEqual(stats.Threshold):
		verdict.Category = CategoryBottom
	case price.LessThanOrEqual(stats.Avg):
		verdict.Category = CategoryNormal
	default:
		verdict.Category = CategoryExpensive
	}

	if stats.Avg.IsPositive() {
		verdict.SavingsPct = stats.Avg.Sub(price).Div(stats.Avg).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	verdict.IsMistakeFare = price.LessThanOrEqual(stats.Avg.Mul(a.opts.MistakeFareRatio))

	return verdict, nil
}

// confidence scores agreement across sources. ok is false when they disagree beyond MaxSourceCV.
// A single source keeps its reported confidence, capped at LowConfidenceCeiling.
func (a *Analyzer) confidence(sources []decimal.Decimal, reported float64) (float64, float64, bool) {
	if len(sources) < 2 {
		if reported > 0 {
			return math.Min(clamp01(reported), a.opts.LowConfidenceCeiling), 0, true
		}
		return a.opts.LowConfidenceCeiling, 0, true
	}

	values := make([]float64, len(sources))
	var sum float64
	for i, src := range sources {
		values[i] = src.InexactFloat64()
		sum += values[i]
	}
	mean := sum / float64(len(values))
	if mean <= 0 {
		return 0, math.Inf(1), false
	}

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	stdev := math.Sqrt(sq / float64(len(values)-1))
	cv := stdev / mean
	if cv > a.opts.MaxSourceCV {
		return 0, cv, false
	}
	return clamp01(1 - cv), cv, true
}

func (a *Analyzer) volatility(history []storage.Observation, price decimal.Decimal) Volatility {
	k := a.opts.VolatilityWindow
	if k <= 0 || len(history)+1 < k {
		return VolatilityUnknown
	}

	window := make([]decimal.Decimal, 0, k)
	for _, obs := range history[len(history)-(k-1):] {
		window = append(window, obs.Price)
	}
	window = append(window, price)

	lo, hi := decimal.Min(window[0], window[1:]...), decimal.Max(window[0], window[1:]...)
	if !lo.IsPositive() {
		return VolatilityUnknown
	}
	spread := hi.Sub(lo).Div(lo).InexactFloat64()
	switch {
	case spread < a.opts.StableBelow:
		return VolatilityStable
	case spread <= a.opts.VolatileAbove:
		return VolatilityModerate
	default:
		return VolatilityVolatile
	}
}

// DipStats summarises a route history.
type DipStats struct {
	Min       decimal.Decimal
	Avg       decimal.Decimal
	Threshold decimal.Decimal
}

// Dip computes min, mean and the bottom threshold of a non-empty history.
func Dip(history []storage.Observation, multiplier decimal.Decimal) DipStats {
	if len(history) == 0 {
		return DipStats{}
	}
	prices := make([]decimal.Decimal, len(history))
	for i, obs := range history {
		prices[i] = obs.Price
	}
	lo := decimal.Min(prices[0], prices[1:]...)
	return DipStats{
		Min:       lo,
		Avg:       decimal.Avg(prices[0], prices[1:]...),
		Threshold: lo.Mul(multiplier),
	}
}

// PercentileRank returns the share of history priced at or below price, in percent.
func PercentileRank(history []storage.Observation, price decimal.Decimal) float64 {
	if len(history) == 0 {
		return 0
	}
	var below int
	for _, obs := range history {
		if obs.Price.LessThanOrEqual(price) {
			below++
		}
	}
	return float64(below) / float64(len(history)) * 100
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
