package fmv

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"velomarket/server/internal/database"
	"velomarket/server/internal/models"
)

type memoryCache struct {
	entries map[string]Estimate
	gets    int
}

func (c *memoryCache) Get(_ context.Context, key string) (Estimate, error) {
	c.gets++
	est, ok := c.entries[key]
	if !ok {
		return Estimate{}, ErrCacheMiss
	}
	return est, nil
}

func (c *memoryCache) Set(_ context.Context, key string, est Estimate) error {
	c.entries[key] = est
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, brand, model string) error {
	prefix := strings.TrimSuffix(CacheKey(brand, model, nil), "any")
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

type failingHistory struct{}

func (failingHistory) Query(context.Context, database.CohortQuery) ([]models.Observation, error) {
	return nil, errors.New("disk on fire")
}

func newHistory(t *testing.T) *database.HistoryStore {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewHistoryStore(db.GetDB())
}

func record(t *testing.T, store *database.HistoryStore, adID string, year int, price int64) *models.Observation {
	t.Helper()
	brand, model := "Canyon", "Torque"
	obs := &models.Observation{
		Platform:  models.PlatformKleinanzeigen,
		Brand:     &brand,
		Model:     &model,
		Year:      &year,
		Price:     decimal.NewFromInt(price),
		ScrapedAt: time.Now().UTC(),
	}
	if adID != "" {
		obs.SourceAdID = &adID
	}
	require.NoError(t, store.Record(context.Background(), obs))
	return obs
}

func newTestValuator(history HistoryReader, cache Cache) *Valuator {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewValuator(NewEstimator(DefaultConfig()), history, cache, logger)
}

func TestValuator_YearCohort(t *testing.T) {
	history := newHistory(t)
	record(t, history, "1", 2021, 2000)
	record(t, history, "2", 2021, 2200)
	record(t, history, "3", 2019, 1000)

	year := 2021
	est, err := newTestValuator(history, nil).Lookup(context.Background(), "canyon", "torque", &year)
	require.NoError(t, err)

	assert.False(t, est.YearAgnostic)
	assert.Equal(t, 2, est.SampleSize)
	assert.True(t, decimal.NewFromInt(2100).Equal(est.Estimate))
}

func TestValuator_FallsBackToAllYears(t *testing.T) {
	history := newHistory(t)
	record(t, history, "1", 2021, 2000)
	record(t, history, "2", 2019, 1600)
	record(t, history, "3", 2018, 1500)

	year := 2021
	est, err := newTestValuator(history, nil).Lookup(context.Background(), "Canyon", "Torque", &year)
	require.NoError(t, err)

	assert.True(t, est.YearAgnostic)
	assert.Equal(t, 3, est.SampleSize)
	assert.Nil(t, est.Year)
}

func TestValuator_InsufficientSample(t *testing.T) {
	history := newHistory(t)
	record(t, history, "1", 2021, 2000)

	_, err := newTestValuator(history, nil).Lookup(context.Background(), "Canyon", "Torque", nil)
	assert.ErrorIs(t, err, ErrInsufficientSample)
}

func TestValuator_LatestSnapshotPerAd(t *testing.T) {
	history := newHistory(t)
	record(t, history, "1", 2021, 3000)
	record(t, history, "1", 2021, 2000)
	record(t, history, "2", 2021, 2200)

	year := 2021
	est, err := newTestValuator(history, nil).Lookup(context.Background(), "Canyon", "Torque", &year)
	require.NoError(t, err)

	assert.Equal(t, 2, est.SampleSize)
	assert.True(t, decimal.NewFromInt(2100).Equal(est.Estimate))
}

func TestValuator_EvaluateExcludesCandidate(t *testing.T) {
	history := newHistory(t)
	for i, price := range []int64{1000, 1000, 1000, 1000, 1000} {
		record(t, history, string(rune('a'+i)), 2022, price)
	}
	candidate := record(t, history, "cheap", 2022, 600)

	verdict, err := newTestValuator(history, nil).Evaluate(context.Background(), candidate)
	require.NoError(t, err)

	assert.Equal(t, 5, verdict.Estimate.SampleSize)
	assert.True(t, decimal.NewFromInt(1000).Equal(verdict.Estimate.Estimate))
	assert.True(t, verdict.IsGem)
}

func TestValuator_EvaluateWithoutIdentity(t *testing.T) {
	_, err := newTestValuator(failingHistory{}, nil).Evaluate(context.Background(), &models.Observation{})
	assert.ErrorIs(t, err, ErrInsufficientSample)
}

func TestValuator_HistoryErrorSurfaces(t *testing.T) {
	_, err := newTestValuator(failingHistory{}, nil).Lookup(context.Background(), "Canyon", "Torque", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientSample)
}

func TestValuator_UsesCache(t *testing.T) {
	history := newHistory(t)
	record(t, history, "1", 2021, 2000)
	record(t, history, "2", 2021, 2200)

	cache := &memoryCache{entries: map[string]Estimate{}}
	v := newTestValuator(history, cache)
	year := 2021

	first, err := v.Lookup(context.Background(), "Canyon", "Torque", &year)
	require.NoError(t, err)
	require.Contains(t, cache.entries, CacheKey("Canyon", "Torque", &year))

	// A new observation is not visible until the cached entry expires
	record(t, history, "3", 2021, 5000)
	second, err := v.Lookup(context.Background(), "Canyon", "Torque", &year)
	require.NoError(t, err)
	assert.True(t, first.Estimate.Equal(second.Estimate))
	assert.Equal(t, 2, cache.gets)

	require.NoError(t, v.Invalidate(context.Background(), "canyon", "TORQUE"))
	assert.Empty(t, cache.entries)
	third, err := v.Lookup(context.Background(), "Canyon", "Torque", &year)
	require.NoError(t, err)
	assert.False(t, first.Estimate.Equal(third.Estimate))
}

func TestValuator_InvalidateWithoutCache(t *testing.T) {
	v := newTestValuator(newHistory(t), nil)
	assert.NoError(t, v.Invalidate(context.Background(), "Canyon", "Torque"))
}

func TestCacheKey(t *testing.T) {
	year := 2020
	assert.Equal(t, "fmv:santa cruz:nomad:2020", CacheKey("Santa Cruz", "Nomad", &year))
	assert.Equal(t, "fmv:yt:capra:any", CacheKey("YT", "Capra", nil))
}
