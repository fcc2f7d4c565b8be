package fmv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"velomarket/server/internal/database"
	"velomarket/server/internal/models"
)

// ErrCacheMiss is returned by a Cache when no estimate is stored under a key.
var ErrCacheMiss = errors.New("fmv cache miss")

// HistoryReader is the read side of the market history ledger.
type HistoryReader interface {
	Query(ctx context.Context, q database.CohortQuery) ([]models.Observation, error)
}

// Cache stores computed estimates for lookups that do not exclude anything.
type Cache interface {
	Get(ctx context.Context, key string) (Estimate, error)
	Set(ctx context.Context, key string, est Estimate) error
	// Invalidate drops every cached estimate of a brand and model
	Invalidate(ctx context.Context, brand, model string) error
}

// Valuator resolves the cohort for a bike and estimates its fair value.
type Valuator struct {
	estimator *Estimator
	history   HistoryReader
	cache     Cache
	logger    *logrus.Logger
}

// NewValuator creates a valuator; cache may be nil.
func NewValuator(estimator *Estimator, history HistoryReader, cache Cache, logger *logrus.Logger) *Valuator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Valuator{
		estimator: estimator,
		history:   history,
		cache:     cache,
		logger:    logger,
	}
}

// CacheKey identifies a (brand, model[, year]) cohort.
func CacheKey(brand, model string, year *int) string {
	y := "any"
	if year != nil {
		y = strconv.Itoa(*year)
	}
	return fmt.Sprintf("fmv:%s:%s:%s", strings.ToLower(brand), strings.ToLower(model), y)
}

// Lookup estimates the fair value for a bike identity. It first tries the
// year cohort and falls back to all years, marking the result year-agnostic.
func (v *Valuator) Lookup(ctx context.Context, brand, model string, year *int) (Estimate, error) {
	key := CacheKey(brand, model, year)
	if v.cache != nil {
		est, err := v.cache.Get(ctx, key)
		if err == nil {
			return est, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			v.logger.WithError(err).Warn("FMV cache read failed")
		}
	}

	est, err := v.estimate(ctx, brand, model, year, nil)
	if err != nil {
		return Estimate{}, err
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, key, est); err != nil {
			v.logger.WithError(err).Warn("FMV cache write failed")
		}
	}
	return est, nil
}

// Invalidate drops cached estimates of a cohort that gained observations.
func (v *Valuator) Invalidate(ctx context.Context, brand, model string) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.Invalidate(ctx, brand, model)
}

// Evaluate checks an observation against its cohort, excluding the
// observation itself. Unknown brand or model yields ErrInsufficientSample.
func (v *Valuator) Evaluate(ctx context.Context, obs *models.Observation) (Verdict, error) {
	if !obs.HasIdentity() {
		return Verdict{}, ErrInsufficientSample
	}
	est, err := v.estimate(ctx, *obs.Brand, *obs.Model, obs.Year, obs)
	if err != nil {
		return Verdict{}, err
	}
	return v.estimator.Evaluate(est, obs.Price), nil
}

func (v *Valuator) estimate(ctx context.Context, brand, model string, year *int, exclude *models.Observation) (Estimate, error) {
	cfg := v.estimator.Config()

	if year != nil {
		prices, err := v.cohortPrices(ctx, database.CohortQuery{Brand: brand, Model: model, Year: year, WindowDays: cfg.WindowDays}, exclude)
		if err != nil {
			return Estimate{}, err
		}
		est, err := v.estimator.Compute(prices)
		if err == nil {
			est.Brand, est.Model, est.Year = brand, model, year
			return est, nil
		}
		if !errors.Is(err, ErrInsufficientSample) {
			return Estimate{}, err
		}
		v.logger.WithFields(logrus.Fields{
			"brand":       brand,
			"model":       model,
			"year":        *year,
			"sample_size": len(prices),
		}).Debug("Year cohort too small, falling back to all years")
	}

	prices, err := v.cohortPrices(ctx, database.CohortQuery{Brand: brand, Model: model, WindowDays: cfg.WindowDays}, exclude)
	if err != nil {
		return Estimate{}, err
	}
	est, err := v.estimator.Compute(prices)
	if err != nil {
		return Estimate{}, err
	}
	est.Brand, est.Model = brand, model
	est.YearAgnostic = true
	return est, nil
}

// cohortPrices returns one price per listing: the latest observation of each
// (platform, ad id) plus every anonymous observation.
func (v *Valuator) cohortPrices(ctx context.Context, q database.CohortQuery, exclude *models.Observation) ([]decimal.Decimal, error) {
	observations, err := v.history.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load cohort: %w", err)
	}

	minQuality := v.estimator.Config().MinQuality
	latest := make(map[string]int)
	var prices []decimal.Decimal
	for _, obs := range observations {
		if exclude != nil && sameListing(&obs, exclude) {
			continue
		}
		if minQuality > 0 && obs.QualityScore != nil && *obs.QualityScore < minQuality {
			continue
		}
		platform, adID, ok := obs.SourceKey()
		if !ok {
			prices = append(prices, obs.Price)
			continue
		}
		key := string(platform) + ":" + adID
		// Observations arrive oldest first, so later snapshots replace earlier ones
		if idx, seen := latest[key]; seen {
			prices[idx] = obs.Price
			continue
		}
		latest[key] = len(prices)
		prices = append(prices, obs.Price)
	}
	return prices, nil
}

func sameListing(a, b *models.Observation) bool {
	if b.ID != 0 && a.ID == b.ID {
		return true
	}
	pa, ida, okA := a.SourceKey()
	pb, idb, okB := b.SourceKey()
	return okA && okB && pa == pb && ida == idb
}
