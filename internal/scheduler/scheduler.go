package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"velomarket/server/internal/freshness"
	"velomarket/server/internal/hunting"
	"velomarket/server/internal/models"
	"velomarket/server/internal/scraping"
)

// JobType represents the kinds of work the scheduler runs
type JobType int

const (
	JobTypeVerify JobType = iota
	JobTypeRefill
)

// String returns the string representation of a JobType
func (j JobType) String() string {
	switch j {
	case JobTypeVerify:
		return "verify"
	case JobTypeRefill:
		return "refill"
	default:
		return "unknown"
	}
}

// ErrListingBusy means another worker holds the listing.
var ErrListingBusy = errors.New("listing is being verified by another worker")

// Catalog is the part of the catalog store the scheduler writes back to.
type Catalog interface {
	Get(ctx context.Context, id uint) (*models.CatalogListing, error)
	ListDue(ctx context.Context, cutoffs freshness.Cutoffs, limit int) ([]models.CatalogListing, error)
	MarkChecked(ctx context.Context, id uint, at time.Time) error
	Deactivate(ctx context.Context, id uint, reason models.DeactivationReason, at time.Time) (bool, error)
}

// RemovalHandler is told about listings that disappeared at their source.
type RemovalHandler interface {
	OnListingRemoved(ctx context.Context, listing *models.CatalogListing, cause models.Availability) (models.RefillTask, error)
}

// RefillTasks is the task log the refill job drains.
type RefillTasks interface {
	List(ctx context.Context, status models.RefillStatus, limit int) ([]models.RefillTask, error)
	UpdateStatus(ctx context.Context, id string, status models.RefillStatus) error
}

// Collector runs a restocking search for a refill task.
type Collector interface {
	RunRefill(ctx context.Context, task models.RefillTask) (scraping.RunStats, error)
}

type Config struct {
	BatchLimit   int
	CheckTimeout time.Duration
	Freshness    freshness.Policy
	Hunting      hunting.Config
}

// Outcome is the result of verifying one listing.
type Outcome string

const (
	OutcomeActive      Outcome = "active"
	OutcomeDeactivated Outcome = "deactivated"
	OutcomeUnknown     Outcome = "unknown"
	OutcomeFailed      Outcome = "failed"
	OutcomeBusy        Outcome = "busy"
)

// CycleStats summarises one re-verification cycle.
type CycleStats struct {
	Mode        hunting.Mode `json:"mode"`
	Workers     int          `json:"workers"`
	Candidates  int          `json:"candidates"`
	Due         int          `json:"due"`
	Active      int64        `json:"active"`
	Deactivated int64        `json:"deactivated"`
	Unknown     int64        `json:"unknown"`
	Failed      int64        `json:"failed"`
	Busy        int64        `json:"busy"`
}

func (s *CycleStats) record(o Outcome) {
	switch o {
	case OutcomeActive:
		atomic.AddInt64(&s.Active, 1)
	case OutcomeDeactivated:
		atomic.AddInt64(&s.Deactivated, 1)
	case OutcomeUnknown:
		atomic.AddInt64(&s.Unknown, 1)
	case OutcomeBusy:
		atomic.AddInt64(&s.Busy, 1)
	default:
		atomic.AddInt64(&s.Failed, 1)
	}
}

// Scheduler drives the re-verification loop and the refill job
type Scheduler struct {
	catalog   Catalog
	source    scraping.Source
	removals  RemovalHandler
	refills   RefillTasks
	collector Collector
	cfg       Config
	logger    *logrus.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	jobMutex  sync.Mutex // Ensures sequential cycles
	locks     sync.Map   // listing id -> *sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
}

// NewScheduler creates a new scheduler. refills and collector may be nil, in
// which case the refill job is skipped.
func NewScheduler(catalog Catalog, source scraping.Source, removals RemovalHandler, refills RefillTasks, collector Collector, cfg Config, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		catalog:   catalog,
		source:    source,
		removals:  removals,
		refills:   refills,
		collector: collector,
		cfg:       cfg,
		logger:    logger,
		stopChan:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Start begins the scheduled tasks
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.runScheduler()
}

// Stop cancels in-flight checks and waits for the loop to exit
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.cancel()
	s.wg.Wait()
}

// Plan returns the current hunting plan.
func (s *Scheduler) Plan() hunting.Plan {
	return hunting.PlanAt(s.now(), s.cfg.Hunting)
}

func (s *Scheduler) runScheduler() {
	defer s.wg.Done()

	for {
		s.runJobs()

		// The interval is re-read every cycle so a mode change takes effect
		// at the next wake-up.
		timer := time.NewTimer(s.Plan().PollInterval)
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runJobs() {
	if _, err := s.RunCycle(s.ctx); err != nil {
		s.logger.WithError(err).WithField("job_type", JobTypeVerify.String()).Error("Verification cycle failed")
	}
	if s.refills != nil && s.collector != nil {
		if _, err := s.RunRefills(s.ctx, s.Plan().Workers); err != nil {
			s.logger.WithError(err).WithField("job_type", JobTypeRefill.String()).Error("Refill job failed")
		}
	}
}

// RunCycle loads up to BatchLimit due listings and verifies them on a
// worker pool sized by the current hunting mode. Failures of single listings
// are counted, never returned.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	now := s.now()
	plan := hunting.PlanAt(now, s.cfg.Hunting)
	stats := CycleStats{Mode: plan.Mode, Workers: plan.Workers}

	listings, err := s.catalog.ListDue(ctx, s.cfg.Freshness.Cutoffs(now), s.cfg.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("failed to load due listings: %w", err)
	}
	due := s.cfg.Freshness.Select(listings, now)
	stats.Candidates, stats.Due = len(listings), len(due)

	s.logger.WithFields(logrus.Fields{
		"mode":       plan.Mode,
		"workers":    plan.Workers,
		"candidates": len(listings),
		"due":        len(due),
	}).Info("Starting verification cycle")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(plan.Workers)
	for i := range due {
		d := due[i]
		g.Go(func() error {
			outcome, _ := s.verify(gctx, &d.Listing, d.Decision.Priority)
			stats.record(outcome)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.WithFields(logrus.Fields{
		"mode":        plan.Mode,
		"active":      stats.Active,
		"deactivated": stats.Deactivated,
		"unknown":     stats.Unknown,
		"failed":      stats.Failed,
		"busy":        stats.Busy,
	}).Info("Verification cycle completed")
	return stats, nil
}

// VerifyListing checks one listing immediately, outside the cycle.
func (s *Scheduler) VerifyListing(ctx context.Context, listing *models.CatalogListing) (Outcome, error) {
	return s.verify(ctx, listing, freshness.PriorityHigh)
}

func (s *Scheduler) verify(ctx context.Context, listing *models.CatalogListing, priority freshness.Priority) (outcome Outcome, err error) {
	fields := logrus.Fields{
		"listing_id": listing.ID,
		"brand":      listing.Brand,
		"model":      listing.Model,
		"tier":       listing.Tier,
		"priority":   priority.String(),
	}

	lock := s.lockFor(listing.ID)
	if !lock.TryLock() {
		s.logger.WithFields(fields).Debug("Listing is already being verified")
		return OutcomeBusy, ErrListingBusy
	}
	// Locks of inactive listings are dropped so the map only holds live ones
	forget := false
	defer func() {
		if forget {
			s.locks.Delete(listing.ID)
		}
		lock.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(fields).Errorf("Panic while verifying listing: %v", r)
			outcome, err = OutcomeFailed, fmt.Errorf("panic while verifying listing %d: %v", listing.ID, r)
		}
	}()

	current, err := s.catalog.Get(ctx, listing.ID)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("Failed to load listing")
		return OutcomeFailed, err
	}
	if !current.Active {
		// Whoever deactivated it already requested the refill
		forget = true
		return OutcomeDeactivated, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	availability, err := s.source.CheckAvailability(checkCtx, current)
	cancel()
	if err != nil {
		// A failed check leaves last_checked_at alone
		entry := s.logger.WithFields(fields).WithError(err)
		if errors.Is(err, scraping.ErrVerificationTimeout) {
			entry.Warn("Availability check timed out")
		} else {
			entry.Error("Availability check failed")
		}
		return OutcomeFailed, err
	}

	at := s.now().UTC()
	switch availability {
	case models.AvailabilityActive:
		if err := s.catalog.MarkChecked(ctx, listing.ID, at); err != nil {
			s.logger.WithFields(fields).WithError(err).Error("Failed to record check")
			return OutcomeFailed, err
		}
		return OutcomeActive, nil

	case models.AvailabilitySold, models.AvailabilityDeleted:
		// The refill task is stored before the listing goes inactive. If either
		// write fails the listing stays active and a later check requests the
		// refill again.
		if s.removals != nil {
			if _, err := s.removals.OnListingRemoved(ctx, current, availability); err != nil {
				s.logger.WithFields(fields).WithError(err).Error("Failed to request refill, listing stays active")
				return OutcomeFailed, err
			}
		}
		reason := models.ReasonFor(availability)
		if _, err := s.catalog.Deactivate(ctx, listing.ID, reason, at); err != nil {
			s.logger.WithFields(fields).WithError(err).Error("Failed to deactivate listing")
			return OutcomeFailed, err
		}
		s.logger.WithFields(fields).WithField("reason", reason).Info("Listing deactivated")
		forget = true
		return OutcomeDeactivated, nil

	default:
		s.logger.WithFields(fields).Warn("Availability could not be determined")
		return OutcomeUnknown, nil
	}
}

func (s *Scheduler) lockFor(id uint) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// RunRefills hands pending refill tasks to the collector, at most limit per
// run. A task whose search fails goes back to pending.
func (s *Scheduler) RunRefills(ctx context.Context, limit int) (int, error) {
	tasks, err := s.refills.List(ctx, models.RefillPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending refill tasks: %w", err)
	}

	done := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		fields := logrus.Fields{
			"task_id": task.ID,
			"brand":   task.Brand,
			"model":   task.Model,
			"tier":    task.Tier,
			"reason":  task.Reason,
		}

		if err := s.refills.UpdateStatus(ctx, task.ID, models.RefillInProgress); err != nil {
			s.logger.WithFields(fields).WithError(err).Error("Failed to claim refill task")
			continue
		}

		stats, err := s.collector.RunRefill(ctx, task)
		next := models.RefillDone
		if err != nil {
			s.logger.WithFields(fields).WithError(err).Error("Refill search failed")
			next = models.RefillPending
		} else {
			s.logger.WithFields(fields).WithField("items", stats.Items).Info("Refill search completed")
			done++
		}

		// The status write must not be lost when ctx is cancelled
		statusCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.refills.UpdateStatus(statusCtx, task.ID, next); err != nil {
			s.logger.WithFields(fields).WithError(err).Error("Failed to update refill task")
		}
		cancel()
	}
	return done, nil
}
