package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"velomarket/server/internal/database"
	"velomarket/server/internal/dedup"
	"velomarket/server/internal/fmv"
	"velomarket/server/internal/models"
	"velomarket/server/internal/queue"
)

// Normalizer turns raw ads into observations.
type Normalizer interface {
	Normalize(ad models.RawAd) models.Observation
}

// GemEvaluator checks an observation against its market cohort.
type GemEvaluator interface {
	Evaluate(ctx context.Context, obs *models.Observation) (fmv.Verdict, error)
}

// Invalidator drops cached fair values of a cohort.
type Invalidator interface {
	Invalidate(ctx context.Context, brand, model string) error
}

// BountyMatcher finds an open bounty for an observation.
type BountyMatcher interface {
	MatchBounty(ctx context.Context, obs *models.Observation) (*models.Bounty, bool, error)
}

// Notifier announces gems and bounty matches.
type Notifier interface {
	NotifyGem(ctx context.Context, listing *models.CatalogListing, verdict fmv.Verdict) error
	NotifyBountyMatch(ctx context.Context, obs *models.Observation, bounty *models.Bounty) error
}

// Dependencies wires the processor to the rest of the engine. Bounties and
// Notifier are optional.
type Dependencies struct {
	Normalizer Normalizer
	Valuator   GemEvaluator
	Bounties   BountyMatcher
	Notifier   Notifier
	// Cache is optional
	Cache Invalidator
	// TierFor maps a resolved brand to its starting tier
	TierFor func(brand string) int
}

type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// BatchResult counts what happened to one batch.
type BatchResult struct {
	Observations       int
	Unresolved         int
	Created            int
	Updated            int
	Discarded          int
	Gems               int
	InsufficientSample int
	BountyMatches      int
}

// accepted is a catalog listing written in this batch with the observation behind it.
type accepted struct {
	listing     models.CatalogListing
	observation *models.Observation
}

// IngestProcessor consumes raw ad batches: it records history, resolves
// duplicates into the catalog and evaluates the accepted listings.
type IngestProcessor struct {
	db      *gorm.DB
	history *database.HistoryStore
	catalog *database.CatalogStore
	deps    Dependencies
	opts    Options
	logger  *logrus.Logger
	queue   *queue.Queue[[]models.RawAd]
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

func NewIngestProcessor(db *gorm.DB, q *queue.Queue[[]models.RawAd], deps Dependencies, opts Options, logger *logrus.Logger) *IngestProcessor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if deps.TierFor == nil {
		deps.TierFor = func(string) int { return models.TierStandard }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IngestProcessor{
		db:      db,
		history: database.NewHistoryStore(db),
		catalog: database.NewCatalogStore(db),
		deps:    deps,
		opts:    opts,
		logger:  logger,
		queue:   q,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Start subscribes the processor to the ingestion queue.
func (p *IngestProcessor) Start() {
	p.queue.Subscribe(p.handle)
}

// Stop cancels in-flight evaluation work.
func (p *IngestProcessor) Stop() {
	p.cancel()
}

func (p *IngestProcessor) handle(batch []models.RawAd) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("batch_size", len(batch)).Errorf("Panic while processing batch: %v", r)
			err = fmt.Errorf("panic while processing batch: %v", r)
		}
	}()
	_, err = p.ProcessBatch(p.ctx, batch)
	return err
}

// ProcessBatch runs one batch through the pipeline. The catalog write is one
// transaction retried up to MaxRetries times; evaluation happens after commit.
func (p *IngestProcessor) ProcessBatch(ctx context.Context, batch []models.RawAd) (BatchResult, error) {
	var result BatchResult
	if len(batch) == 0 {
		return result, nil
	}

	normalized := make([]models.Observation, len(batch))
	for i, ad := range batch {
		normalized[i] = p.deps.Normalizer.Normalize(ad)
	}

	var (
		observations []*models.Observation
		written      []accepted
		err          error
	)
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Infof("Retrying batch processing, attempt %d of %d", attempt, p.opts.MaxRetries)
			time.Sleep(p.opts.RetryDelay)
		}

		// Fresh copies each attempt so a rolled back insert leaves no ids behind
		observations = make([]*models.Observation, len(normalized))
		for i := range normalized {
			obs := normalized[i]
			observations[i] = &obs
		}

		var attemptResult BatchResult
		err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			written, attemptResult, txErr = p.write(ctx, tx, observations)
			return txErr
		})
		if err == nil {
			result = attemptResult
			break
		}

		p.logger.Errorf("Batch processing failed: %v", err)
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return result, fmt.Errorf("failed to process batch after %d attempts: %w", p.opts.MaxRetries, err)
	}

	p.logger.WithFields(logrus.Fields{
		"batch_size": len(batch),
		"unresolved": result.Unresolved,
		"created":    result.Created,
		"updated":    result.Updated,
		"discarded":  result.Discarded,
	}).Info("Successfully processed batch")

	p.invalidate(ctx, observations)
	for _, a := range written {
		p.evaluate(ctx, a, &result)
	}
	for _, obs := range observations {
		p.matchBounty(ctx, obs, &result)
	}
	return result, nil
}

// invalidate drops cached estimates of every cohort the batch added to.
func (p *IngestProcessor) invalidate(ctx context.Context, observations []*models.Observation) {
	if p.deps.Cache == nil {
		return
	}
	seen := make(map[string]bool)
	for _, obs := range observations {
		if !obs.HasIdentity() {
			continue
		}
		key := strings.ToLower(*obs.Brand) + "|" + strings.ToLower(*obs.Model)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := p.deps.Cache.Invalidate(ctx, *obs.Brand, *obs.Model); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"brand": *obs.Brand,
				"model": *obs.Model,
			}).Warn("Failed to invalidate cached FMV")
		}
	}
}

func (p *IngestProcessor) write(ctx context.Context, tx *gorm.DB, observations []*models.Observation) ([]accepted, BatchResult, error) {
	result := BatchResult{Observations: len(observations)}

	if err := p.history.WithTx(tx).RecordBatch(ctx, observations); err != nil {
		return nil, result, err
	}

	now := p.now().UTC()
	var candidates []models.CatalogListing
	byObservation := make(map[uint]*models.Observation)
	for _, obs := range observations {
		if len(obs.Unresolved()) > 0 {
			result.Unresolved++
		}
		if !obs.HasIdentity() {
			continue
		}
		listing := models.ListingFromObservation(obs, p.deps.TierFor(*obs.Brand))
		listing.FuzzyKey = dedup.FuzzyKey(listing.Brand, listing.Model, listing.Price, listing.ObservedAt)
		listing.CreatedAt = now
		candidates = append(candidates, listing)
		byObservation[obs.ID] = obs
	}

	catalog := p.catalog.WithTx(tx)
	keys, groups := dedup.Group(candidates)
	var written []accepted
	for _, key := range keys {
		group := groups[key]
		existing, err := p.existingFor(ctx, catalog, &group[0])
		if err != nil {
			return nil, result, err
		}

		winner, losers, err := dedup.Resolve(append(existing, group...))
		if err != nil {
			p.logger.WithError(err).WithField("key", key).Error("Duplicate resolution failed")
			return nil, result, err
		}

		listing, updated, err := p.apply(ctx, catalog, winner, losers)
		if err != nil {
			return nil, result, err
		}
		for _, l := range losers {
			if l.ID == 0 {
				result.Discarded++
			}
		}
		if listing == nil {
			continue
		}
		if updated {
			result.Updated++
		} else {
			result.Created++
		}
		written = append(written, accepted{listing: *listing, observation: byObservation[winner.ObservationID]})
	}
	return written, result, nil
}

// existingFor loads the active catalog listings competing with a candidate.
func (p *IngestProcessor) existingFor(ctx context.Context, catalog *database.CatalogStore, candidate *models.CatalogListing) ([]models.CatalogListing, error) {
	if candidate.HasSourceKey() {
		l, err := catalog.FindActiveBySource(ctx, candidate.Platform, *candidate.SourceAdID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []models.CatalogListing{*l}, nil
	}
	return catalog.FindActiveByFuzzyKey(ctx, candidate.FuzzyKey)
}

// apply writes the outcome of one group. A new winner takes over the row of
// the best existing loser so the listing keeps its id; any other existing
// losers are removed from the catalog. It returns nil when an existing
// listing stays the winner.
func (p *IngestProcessor) apply(ctx context.Context, catalog *database.CatalogStore, winner models.CatalogListing, losers []models.CatalogListing) (*models.CatalogListing, bool, error) {
	var slot *models.CatalogListing
	for i := range losers {
		if losers[i].ID == 0 {
			continue
		}
		if slot == nil && winner.ID == 0 {
			slot = &losers[i]
			continue
		}
		if err := catalog.Delete(ctx, losers[i].ID); err != nil {
			return nil, false, err
		}
	}

	if winner.ID != 0 {
		return nil, false, nil
	}

	if slot != nil {
		winner.ID = slot.ID
		winner.CreatedAt = slot.CreatedAt
		winner.LastCheckedAt = slot.LastCheckedAt
		if slot.Tier < winner.Tier {
			winner.Tier = slot.Tier
		}
		if err := catalog.Save(ctx, &winner); err != nil {
			return nil, false, err
		}
		return &winner, true, nil
	}

	if err := catalog.Create(ctx, &winner); err != nil {
		return nil, false, err
	}
	return &winner, false, nil
}

func (p *IngestProcessor) evaluate(ctx context.Context, a accepted, result *BatchResult) {
	if a.observation == nil || p.deps.Valuator == nil {
		return
	}
	fields := logrus.Fields{
		"listing_id": a.listing.ID,
		"brand":      a.listing.Brand,
		"model":      a.listing.Model,
	}

	verdict, err := p.deps.Valuator.Evaluate(ctx, a.observation)
	if errors.Is(err, fmv.ErrInsufficientSample) {
		result.InsufficientSample++
		p.logger.WithFields(fields).Debug("Not enough market history to evaluate listing")
		return
	}
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Error("Failed to evaluate listing")
		return
	}
	if !verdict.IsGem {
		return
	}

	result.Gems++
	p.logger.WithFields(fields).WithFields(logrus.Fields{
		"price":         verdict.Price.String(),
		"estimate":      verdict.Estimate.Estimate.String(),
		"year_agnostic": verdict.Estimate.YearAgnostic,
	}).Info("Gem found")

	if a.listing.Tier != models.TierPremium {
		if err := p.catalog.UpdateTier(ctx, a.listing.ID, models.TierPremium); err != nil {
			p.logger.WithFields(fields).WithError(err).Error("Failed to promote gem to tier 1")
		} else {
			a.listing.Tier = models.TierPremium
		}
	}
	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyGem(ctx, &a.listing, verdict); err != nil {
			p.logger.WithFields(fields).WithError(err).Error("Failed to send gem notification")
		}
	}
}

func (p *IngestProcessor) matchBounty(ctx context.Context, obs *models.Observation, result *BatchResult) {
	if p.deps.Bounties == nil {
		return
	}
	bounty, ok, err := p.deps.Bounties.MatchBounty(ctx, obs)
	if err != nil {
		p.logger.WithError(err).Error("Failed to match bounties")
		return
	}
	if !ok {
		return
	}

	result.BountyMatches++
	p.logger.WithFields(logrus.Fields{
		"bounty_id": bounty.ID,
		"category":  bounty.Category,
		"price":     obs.Price.String(),
	}).Info("Observation matches an open bounty")

	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyBountyMatch(ctx, obs, bounty); err != nil {
			p.logger.WithError(err).Error("Failed to send bounty notification")
		}
	}
}
