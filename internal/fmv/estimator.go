// Package fmv computes fair market values for bike cohorts and flags gems.
//
// All functions on Estimator are pure and safe for concurrent use.
package fmv

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrInsufficientSample is returned when a cohort is too small to estimate.
// Callers must not treat it as a zero price or skip gem detection silently.
var ErrInsufficientSample = errors.New("insufficient sample for fair market value")

type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// ConfidenceFor labels an estimate by the number of prices it was built from.
func ConfidenceFor(sampleSize int) Confidence {
	switch {
	case sampleSize >= 20:
		return ConfidenceHigh
	case sampleSize >= 10:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Comparison places a price relative to the estimate.
type Comparison string

const (
	WellBelowMarket Comparison = "well_below_market"
	BelowMarket     Comparison = "below_market"
	AtMarket        Comparison = "at_market"
	AboveMarket     Comparison = "above_market"
	WellAboveMarket Comparison = "well_above_market"
)

var (
	hundred   = decimal.NewFromInt(100)
	one       = decimal.NewFromInt(1)
	tukeyStep = decimal.NewFromFloat(1.5)
)

// Compare labels price against estimate by percentage difference.
func Compare(price, estimate decimal.Decimal) Comparison {
	if !estimate.IsPositive() {
		return AtMarket
	}
	diff := price.Sub(estimate).Div(estimate).Mul(hundred)
	switch {
	case diff.LessThanOrEqual(decimal.NewFromInt(-20)):
		return WellBelowMarket
	case diff.LessThanOrEqual(decimal.NewFromInt(-10)):
		return BelowMarket
	case diff.LessThanOrEqual(decimal.NewFromInt(10)):
		return AtMarket
	case diff.LessThanOrEqual(decimal.NewFromInt(25)):
		return AboveMarket
	default:
		return WellAboveMarket
	}
}

type Config struct {
	// MinSample is the smallest cohort that yields an estimate.
	MinSample int
	// RobustSample is the cohort size from which Tukey fences trim outliers
	// and the plain mean is used as gem reference.
	RobustSample int

	GemDiscount          float64
	YearAgnosticDiscount float64
	WindowDays           int
	MinQuality           int
}

func DefaultConfig() Config {
	return Config{
		MinSample:            2,
		RobustSample:         5,
		GemDiscount:          0.30,
		YearAgnosticDiscount: 0.35,
		WindowDays:           180,
	}
}

// Estimate is the fair market value of one cohort.
type Estimate struct {
	Brand string `json:"brand"`
	Model string `json:"model"`
	Year  *int   `json:"year"`

	// Estimate is the mean of the retained prices
	Estimate decimal.Decimal `json:"estimate"`
	Low      decimal.Decimal `json:"low"`
	High     decimal.Decimal `json:"high"`
	// Spread is (High-Low)/Estimate
	Spread decimal.Decimal `json:"spread"`

	// GemReference is the price gem thresholds are applied to. For small
	// cohorts it is the lowest leave-one-out mean, so a single high value
	// cannot make a candidate look cheap.
	GemReference decimal.Decimal `json:"gem_reference"`

	SampleSize    int        `json:"sample_size"`
	OutliersFound int        `json:"outliers_removed"`
	YearAgnostic  bool       `json:"year_agnostic"`
	Confidence    Confidence `json:"confidence"`
}

// Verdict is the outcome of checking a candidate price against an estimate.
type Verdict struct {
	Estimate   Estimate        `json:"estimate"`
	Price      decimal.Decimal `json:"price"`
	Threshold  float64         `json:"threshold"`
	Ceiling    decimal.Decimal `json:"ceiling"`
	IsGem      bool            `json:"is_gem"`
	Comparison Comparison      `json:"comparison"`
}

type Estimator struct {
	cfg Config
}

func NewEstimator(cfg Config) *Estimator {
	if cfg.MinSample < 2 {
		cfg.MinSample = 2
	}
	if cfg.RobustSample < cfg.MinSample {
		cfg.RobustSample = cfg.MinSample
	}
	return &Estimator{cfg: cfg}
}

func (e *Estimator) Config() Config {
	return e.cfg
}

// Compute estimates the fair market value of a set of prices.
//
// With exactly MinSample prices the estimate is their mean and the gem
// reference is the lowest leave-one-out mean; for two prices that is the
// lower one. Cohorts of RobustSample or more are trimmed with Tukey fences
// before averaging.
func (e *Estimator) Compute(prices []decimal.Decimal) (Estimate, error) {
	var valid []decimal.Decimal
	for _, p := range prices {
		if p.IsPositive() {
			valid = append(valid, p)
		}
	}
	if len(valid) < e.cfg.MinSample {
		return Estimate{}, ErrInsufficientSample
	}

	sorted := make([]decimal.Decimal, len(valid))
	copy(sorted, valid)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	kept := sorted
	if len(sorted) >= e.cfg.RobustSample {
		kept = trimOutliers(sorted)
	}

	n := decimal.NewFromInt(int64(len(kept)))
	sum := decimal.Sum(kept[0], kept[1:]...)
	mean := sum.Div(n)
	low, high := kept[0], kept[len(kept)-1]

	reference := mean
	if len(kept) < e.cfg.RobustSample {
		// Leaving out the highest price yields the lowest leave-one-out mean
		reference = sum.Sub(high).Div(n.Sub(one))
	}

	spread := decimal.Zero
	if mean.IsPositive() {
		spread = high.Sub(low).Div(mean).Round(4)
	}

	return Estimate{
		Estimate:      mean.Round(2),
		Low:           low,
		High:          high,
		Spread:        spread,
		GemReference:  reference.Round(2),
		SampleSize:    len(kept),
		OutliersFound: len(sorted) - len(kept),
		Confidence:    ConfidenceFor(len(kept)),
	}, nil
}

// Evaluate checks a candidate price against an estimate. Year-agnostic
// estimates use the stricter discount.
func (e *Estimator) Evaluate(est Estimate, price decimal.Decimal) Verdict {
	threshold := e.cfg.GemDiscount
	if est.YearAgnostic {
		threshold = e.cfg.YearAgnosticDiscount
	}

	ceiling := est.GemReference.Mul(one.Sub(decimal.NewFromFloat(threshold))).Round(2)
	return Verdict{
		Estimate:   est,
		Price:      price,
		Threshold:  threshold,
		Ceiling:    ceiling,
		IsGem:      price.IsPositive() && price.LessThanOrEqual(ceiling),
		Comparison: Compare(price, est.Estimate),
	}
}

// trimOutliers drops values outside [Q1-1.5*IQR, Q3+1.5*IQR]. Input must be sorted.
func trimOutliers(sorted []decimal.Decimal) []decimal.Decimal {
	q1 := quantile(sorted, decimal.NewFromFloat(0.25))
	q3 := quantile(sorted, decimal.NewFromFloat(0.75))
	iqr := q3.Sub(q1)
	lower := q1.Sub(iqr.Mul(tukeyStep))
	upper := q3.Add(iqr.Mul(tukeyStep))

	kept := make([]decimal.Decimal, 0, len(sorted))
	for _, p := range sorted {
		if p.GreaterThanOrEqual(lower) && p.LessThanOrEqual(upper) {
			kept = append(kept, p)
		}
	}
	return kept
}

// quantile uses linear interpolation between closest ranks.
func quantile(sorted []decimal.Decimal, q decimal.Decimal) decimal.Decimal {
	pos := q.Mul(decimal.NewFromInt(int64(len(sorted) - 1)))
	lo := pos.Floor()
	idx := int(lo.IntPart())
	if idx >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos.Sub(lo)
	return sorted[idx].Add(sorted[idx+1].Sub(sorted[idx]).Mul(frac))
}
