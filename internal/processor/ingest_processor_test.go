package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"velomarket/server/config"
	"velomarket/server/internal/bounty"
	"velomarket/server/internal/database"
	"velomarket/server/internal/fmv"
	"velomarket/server/internal/models"
	"velomarket/server/internal/normalizer"
	"velomarket/server/internal/queue"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyGem(ctx context.Context, listing *models.CatalogListing, verdict fmv.Verdict) error {
	args := m.Called(ctx, listing, verdict)
	return args.Error(0)
}

func (m *MockNotifier) NotifyBountyMatch(ctx context.Context, obs *models.Observation, b *models.Bounty) error {
	args := m.Called(ctx, obs, b)
	return args.Error(0)
}

type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) Invalidate(ctx context.Context, brand, model string) error {
	args := m.Called(ctx, brand, model)
	return args.Error(0)
}

type fixture struct {
	db        *database.Database
	processor *IngestProcessor
	notifier  *MockNotifier
	catalog   *database.CatalogStore
	history   *database.HistoryStore
	bounties  *database.BountyStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	history := database.NewHistoryStore(db.GetDB())
	bounties := database.NewBountyStore(db.GetDB())
	notifier := &MockNotifier{}
	brands := config.DefaultBrands

	q := queue.New[[]models.RawAd]("ingest-test", 10, logger)
	p := NewIngestProcessor(db.GetDB(), q, Dependencies{
		Normalizer: normalizer.New(brands),
		Valuator:   fmv.NewValuator(fmv.NewEstimator(fmv.DefaultConfig()), history, nil, logger),
		Bounties:   bounty.NewMatcher(bounties),
		Notifier:   notifier,
		TierFor:    func(string) int { return models.TierStandard },
	}, Options{MaxRetries: 2, RetryDelay: time.Millisecond}, logger)

	return &fixture{
		db:        db,
		processor: p,
		notifier:  notifier,
		catalog:   database.NewCatalogStore(db.GetDB()),
		history:   history,
		bounties:  bounties,
	}
}

func ad(id string, price int64) models.RawAd {
	return models.RawAd{
		Platform:   models.PlatformKleinanzeigen,
		SourceAdID: id,
		SourceURL:  "https://www.kleinanzeigen.de/s-anzeige/" + id,
		Title:      "Canyon Torque 2022 Größe M",
		Price:      decimal.NewFromInt(price),
		ScrapedAt:  time.Now().Add(-time.Hour).UTC(),
	}
}

func seedCohort(t *testing.T, f *fixture, prices ...int64) {
	t.Helper()
	brand, model, year := "Canyon", "Torque", 2022
	for i, price := range prices {
		adID := fmt.Sprintf("seed-%d", i)
		require.NoError(t, f.history.Record(context.Background(), &models.Observation{
			Platform:   models.PlatformBuycycle,
			SourceAdID: &adID,
			Brand:      &brand,
			Model:      &model,
			Year:       &year,
			Price:      decimal.NewFromInt(price),
			ScrapedAt:  time.Now().Add(-48 * time.Hour).UTC(),
		}))
	}
}

func TestProcessBatch_EmptyBatch(t *testing.T) {
	f := newFixture(t)

	result, err := f.processor.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)
}

func TestProcessBatch_InvalidatesCachedCohorts(t *testing.T) {
	f := newFixture(t)
	cache := &MockInvalidator{}
	f.processor.deps.Cache = cache
	cache.On("Invalidate", mock.Anything, "Canyon", "Torque").Return(nil).Once()

	unknown := ad("3", 500)
	unknown.Title = "Altes Fahrrad zu verschenken"

	_, err := f.processor.ProcessBatch(context.Background(), []models.RawAd{ad("1", 2500), ad("2", 2600), unknown})
	require.NoError(t, err)

	// One call per cohort, none for observations without identity
	cache.AssertExpectations(t)
	cache.AssertNumberOfCalls(t, "Invalidate", 1)
}

func TestProcessBatch_InvalidationFailureDoesNotFailBatch(t *testing.T) {
	f := newFixture(t)
	cache := &MockInvalidator{}
	f.processor.deps.Cache = cache
	cache.On("Invalidate", mock.Anything, "Canyon", "Torque").Return(assert.AnError)

	result, err := f.processor.ProcessBatch(context.Background(), []models.RawAd{ad("1", 2500)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestProcessBatch_RecordsHistoryAndCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknown := ad("3", 500)
	unknown.Title = "Altes Fahrrad zu verschenken"

	result, err := f.processor.ProcessBatch(ctx, []models.RawAd{ad("1", 2500), ad("2", 2600), unknown})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Observations)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Unresolved)
	assert.Equal(t, 2, result.InsufficientSample)

	count, err := f.history.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "every observation is recorded, resolved or not")

	listings, err := f.catalog.List(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, listings, 2)
	for _, l := range listings {
		assert.Equal(t, "Canyon", l.Brand)
		assert.Equal(t, "Torque", l.Model)
		assert.True(t, l.Active)
		assert.NotZero(t, l.ObservationID)
	}
}

func TestProcessBatch_DuplicatesInBatchKeepOneListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, high := 40, 90
	first := ad("42", 2500)
	first.QualityScore = &low
	second := ad("42", 2450)
	second.QualityScore = &high

	result, err := f.processor.ProcessBatch(ctx, []models.RawAd{first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Discarded)

	listings, err := f.catalog.List(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.True(t, decimal.NewFromInt(2450).Equal(listings[0].Price))
	require.NotNil(t, listings[0].QualityScore)
	assert.Equal(t, 90, *listings[0].QualityScore)
}

func TestProcessBatch_BetterSnapshotUpdatesExistingListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, high := 30, 80
	original := ad("7", 3000)
	original.QualityScore = &low
	_, err := f.processor.ProcessBatch(ctx, []models.RawAd{original})
	require.NoError(t, err)

	before, err := f.catalog.FindActiveBySource(ctx, models.PlatformKleinanzeigen, "7")
	require.NoError(t, err)
	checked := time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, f.catalog.MarkChecked(ctx, before.ID, checked))

	better := ad("7", 2800)
	better.QualityScore = &high
	result, err := f.processor.ProcessBatch(ctx, []models.RawAd{better})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Updated)

	after, err := f.catalog.FindActiveBySource(ctx, models.PlatformKleinanzeigen, "7")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, decimal.NewFromInt(2800).Equal(after.Price))
	require.NotNil(t, after.LastCheckedAt)
	assert.WithinDuration(t, checked, *after.LastCheckedAt, time.Second)

	worse := ad("7", 2700)
	worse.QualityScore = &low
	result, err = f.processor.ProcessBatch(ctx, []models.RawAd{worse})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created+result.Updated)
	assert.Equal(t, 1, result.Discarded)

	listings, err := f.catalog.List(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, listings, 1)
}

func TestProcessBatch_GemIsPromotedAndNotified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedCohort(t, f, 850, 900, 950, 1000, 1000, 1000, 1000, 1050, 1100, 1150)

	f.notifier.On("NotifyGem", mock.Anything, mock.MatchedBy(func(l *models.CatalogListing) bool {
		return l.Tier == models.TierPremium
	}), mock.MatchedBy(func(v fmv.Verdict) bool {
		return v.IsGem && v.Price.Equal(decimal.NewFromInt(680))
	})).Return(nil).Once()

	result, err := f.processor.ProcessBatch(ctx, []models.RawAd{ad("gem", 680), ad("fair", 990)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Gems)
	assert.Equal(t, 0, result.InsufficientSample)

	gem, err := f.catalog.FindActiveBySource(ctx, models.PlatformKleinanzeigen, "gem")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, gem.Tier)

	fair, err := f.catalog.FindActiveBySource(ctx, models.PlatformKleinanzeigen, "fair")
	require.NoError(t, err)
	assert.NotEqual(t, models.TierPremium, fair.Tier)

	f.notifier.AssertExpectations(t)
}

func TestProcessBatch_BountyMatchIsNotified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.bounties.Create(ctx, &models.Bounty{Category: "MTB", MaxPrice: decimal.NewFromInt(2000)}))

	cheap := ad("b1", 1900)
	cheap.Category = "mtb"
	pricey := ad("b2", 2100)
	pricey.Category = "mtb"

	f.notifier.On("NotifyBountyMatch", mock.Anything, mock.MatchedBy(func(o *models.Observation) bool {
		return o.SourceAdID != nil && *o.SourceAdID == "b1"
	}), mock.Anything).Return(nil).Once()

	result, err := f.processor.ProcessBatch(ctx, []models.RawAd{cheap, pricey})
	require.NoError(t, err)
	assert.Equal(t, 1, result.BountyMatches)
	f.notifier.AssertExpectations(t)
}

func TestProcessBatch_NotifierErrorsDoNotFailBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedCohort(t, f, 1000, 1000, 1000, 1000, 1000)

	f.notifier.On("NotifyGem", mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	result, err := f.processor.ProcessBatch(ctx, []models.RawAd{ad("x", 500)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Gems)
}

func TestProcessBatch_FailsAfterRetries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Close())

	_, err := f.processor.ProcessBatch(context.Background(), []models.RawAd{ad("1", 1000)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to process batch after 2 attempts")
}

func TestIngestProcessor_ConsumesQueue(t *testing.T) {
	f := newFixture(t)
	q := f.processor.queue

	f.processor.Start()
	q.Start()

	require.NoError(t, q.Push([]models.RawAd{ad("q1", 1200)}))
	// Close drains the buffer before returning
	require.NoError(t, q.Close())
	f.processor.Stop()

	_, err := f.catalog.FindActiveBySource(context.Background(), models.PlatformKleinanzeigen, "q1")
	assert.NoError(t, err)
}
