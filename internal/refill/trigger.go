// Package refill turns listing removals into restocking tasks.
//
// Delivery is at-least-once: the same (brand, model) may be requested more
// than once and consumers must tolerate duplicates.
package refill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"velomarket/server/internal/models"
)

// TaskLog is the durable append log refill tasks are written to.
type TaskLog interface {
	Append(ctx context.Context, tasks ...*models.RefillTask) error
}

// Trigger is safe for use by many workers at once. A task is accepted only
// once it is in the log.
type Trigger struct {
	log        TaskLog
	logger     *logrus.Logger
	now        func() time.Time
	maxRetries int
	retryDelay time.Duration
}

func NewTrigger(log TaskLog, maxRetries int, retryDelay time.Duration, logger *logrus.Logger) *Trigger {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Trigger{
		log:        log,
		logger:     logger,
		now:        time.Now,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// ReasonFor derives the refill reason from the availability that removed a listing.
func ReasonFor(a models.Availability) models.RefillReason {
	if a == models.AvailabilitySold {
		return models.RefillBikeSold
	}
	return models.RefillBikeDeleted
}

// OnListingRemoved appends a refill task for the listing. An error means the
// task was not stored and the caller must not treat the removal as handled.
func (t *Trigger) OnListingRemoved(ctx context.Context, listing *models.CatalogListing, cause models.Availability) (models.RefillTask, error) {
	return t.append(ctx, models.RefillTask{
		ListingID: listing.ID,
		Brand:     listing.Brand,
		Model:     listing.Model,
		Tier:      listing.Tier,
		Reason:    ReasonFor(cause),
	})
}

// Request appends a manual refill for a brand and model.
func (t *Trigger) Request(ctx context.Context, brand, model string, tier int) (models.RefillTask, error) {
	return t.append(ctx, models.RefillTask{
		Brand:  brand,
		Model:  model,
		Tier:   tier,
		Reason: models.RefillManual,
	})
}

func (t *Trigger) append(ctx context.Context, task models.RefillTask) (models.RefillTask, error) {
	task.ID = uuid.NewString()
	task.Status = models.RefillPending
	task.CreatedAt = t.now().UTC()

	fields := logrus.Fields{
		"task_id":    task.ID,
		"listing_id": task.ListingID,
		"brand":      task.Brand,
		"model":      task.Model,
		"tier":       task.Tier,
		"reason":     task.Reason,
	}

	var err error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			t.logger.WithFields(fields).WithField("attempt", attempt).Warn("Retrying refill task write")
			select {
			case <-ctx.Done():
				return task, fmt.Errorf("failed to store refill task: %w", ctx.Err())
			case <-time.After(t.retryDelay):
			}
		}
		// Fresh copy per attempt
		attemptTask := task
		if err = t.log.Append(ctx, &attemptTask); err == nil {
			t.logger.WithFields(fields).Info("Refill task stored")
			return task, nil
		}
	}

	t.logger.WithFields(fields).WithError(err).Error("Failed to store refill task")
	return task, fmt.Errorf("failed to store refill task after %d attempts: %w", t.maxRetries+1, err)
}
