package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"velomarket/server/internal/models"
)

// CohortQuery selects the comparable history for one bike identity.
// A nil Year matches every year; WindowDays <= 0 disables the time window.
type CohortQuery struct {
	Brand      string
	Model      string
	Year       *int
	WindowDays int
}

// HistoryStore is the append-only ledger of observations.
type HistoryStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

// WithTx returns a store bound to the given transaction.
func (s *HistoryStore) WithTx(tx *gorm.DB) *HistoryStore {
	return &HistoryStore{db: tx, now: s.now}
}

// Record appends one observation. Observations that already carry an ID were
// stored before and cannot be written again.
func (s *HistoryStore) Record(ctx context.Context, obs *models.Observation) error {
	if obs.ID != 0 {
		return models.ErrObservationImmutable
	}
	obs.ScrapedAt = obs.ScrapedAt.UTC()
	if err := s.db.WithContext(ctx).Create(obs).Error; err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}
	return nil
}

// RecordBatch appends observations in one statement.
func (s *HistoryStore) RecordBatch(ctx context.Context, batch []*models.Observation) error {
	if len(batch) == 0 {
		return nil
	}
	for _, obs := range batch {
		if obs.ID != 0 {
			return models.ErrObservationImmutable
		}
		obs.ScrapedAt = obs.ScrapedAt.UTC()
	}
	if err := s.db.WithContext(ctx).CreateInBatches(batch, 100).Error; err != nil {
		return fmt.Errorf("failed to record observations: %w", err)
	}
	return nil
}

// Query returns the cohort in chronological order (scraped_at, then id).
func (s *HistoryStore) Query(ctx context.Context, q CohortQuery) ([]models.Observation, error) {
	query := s.db.WithContext(ctx).
		Model(&models.Observation{}).
		Where("LOWER(brand) = ? AND LOWER(model) = ?", strings.ToLower(q.Brand), strings.ToLower(q.Model))

	if q.Year != nil {
		query = query.Where("year = ?", *q.Year)
	}
	if q.WindowDays > 0 {
		since := s.now().UTC().AddDate(0, 0, -q.WindowDays)
		query = query.Where("scraped_at >= ?", since)
	}

	var observations []models.Observation
	if err := query.Order("scraped_at ASC").Order("id ASC").Find(&observations).Error; err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return observations, nil
}

// Get returns a single observation by id.
func (s *HistoryStore) Get(ctx context.Context, id uint) (*models.Observation, error) {
	var obs models.Observation
	if err := s.db.WithContext(ctx).First(&obs, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &obs, nil
}

// Count returns the total number of recorded observations.
func (s *HistoryStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Observation{}).Count(&n).Error
	return n, err
}
