package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"velomarket/server/internal/freshness"
	"velomarket/server/internal/models"
)

// CatalogStore persists the buyer-visible, de-duplicated listings.
type CatalogStore struct {
	db *gorm.DB
}

func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *CatalogStore) WithTx(tx *gorm.DB) *CatalogStore {
	return &CatalogStore{db: tx}
}

func (s *CatalogStore) Create(ctx context.Context, listing *models.CatalogListing) error {
	listing.ObservedAt = listing.ObservedAt.UTC()
	listing.CreatedAt = listing.CreatedAt.UTC()
	if err := s.db.WithContext(ctx).Create(listing).Error; err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

// Save writes every column of an existing listing.
func (s *CatalogStore) Save(ctx context.Context, listing *models.CatalogListing) error {
	if err := s.db.WithContext(ctx).Save(listing).Error; err != nil {
		return fmt.Errorf("failed to save listing %d: %w", listing.ID, err)
	}
	return nil
}

func (s *CatalogStore) Get(ctx context.Context, id uint) (*models.CatalogListing, error) {
	var listing models.CatalogListing
	if err := s.db.WithContext(ctx).First(&listing, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &listing, nil
}

// FindActiveBySource returns the active listing for a platform ad id.
func (s *CatalogStore) FindActiveBySource(ctx context.Context, platform models.Platform, adID string) (*models.CatalogListing, error) {
	var listing models.CatalogListing
	err := s.db.WithContext(ctx).
		Where("platform = ? AND source_ad_id = ? AND active = ?", platform, adID, true).
		First(&listing).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &listing, nil
}

// FindActiveByFuzzyKey returns active listings without an ad id sharing the key.
func (s *CatalogStore) FindActiveByFuzzyKey(ctx context.Context, key string) ([]models.CatalogListing, error) {
	var listings []models.CatalogListing
	err := s.db.WithContext(ctx).
		Where("fuzzy_key = ? AND active = ? AND (source_ad_id IS NULL OR source_ad_id = '')", key, true).
		Order("id ASC").
		Find(&listings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find listings by fuzzy key: %w", err)
	}
	return listings, nil
}

// ListDue returns up to limit active listings that ShouldCheck would select
// at c.Now, most urgent first. Filtering happens in the query so rows that are
// never due again cannot crowd out stale ones.
func (s *CatalogStore) ListDue(ctx context.Context, c freshness.Cutoffs, limit int) ([]models.CatalogListing, error) {
	query := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where(
			s.db.Where("last_checked_at IS NULL").
				Or("tier = ? AND last_checked_at < ?", models.TierPremium, c.Tier1Before).
				Or("tier = ? AND created_at < ? AND last_checked_at < ? AND last_checked_at <= ?",
					models.TierBudget, c.AgedBefore, c.Tier3Before, c.GuardUntil),
		).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "CASE WHEN tier = ? THEN 0 WHEN tier = ? AND created_at < ? THEN 2 ELSE 1 END",
			Vars:               []interface{}{models.TierPremium, models.TierBudget, c.AgedBefore},
			WithoutParentheses: true,
		}}).
		Order("last_checked_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var listings []models.CatalogListing
	if err := query.Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to list due listings: %w", err)
	}
	return listings, nil
}

// List returns listings newest first, optionally restricted to active ones.
func (s *CatalogStore) List(ctx context.Context, activeOnly bool, limit int) ([]models.CatalogListing, error) {
	query := s.db.WithContext(ctx).Order("id DESC")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var listings []models.CatalogListing
	if err := query.Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	return listings, nil
}

// MarkChecked records a conclusive availability check.
func (s *CatalogStore) MarkChecked(ctx context.Context, id uint, at time.Time) error {
	at = at.UTC()
	result := s.db.WithContext(ctx).
		Model(&models.CatalogListing{}).
		Where("id = ?", id).
		Update("last_checked_at", at)
	if result.Error != nil {
		return fmt.Errorf("failed to mark listing %d checked: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate hides an active listing. It reports false when the listing was
// already inactive, so callers fire side effects only once.
func (s *CatalogStore) Deactivate(ctx context.Context, id uint, reason models.DeactivationReason, at time.Time) (bool, error) {
	at = at.UTC()
	result := s.db.WithContext(ctx).
		Model(&models.CatalogListing{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]interface{}{
			"active":              false,
			"deactivation_reason": reason,
			"deactivated_at":      at,
			"last_checked_at":     at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to deactivate listing %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Delete removes a listing from the catalog. Its observations stay in history.
func (s *CatalogStore) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.CatalogListing{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete listing %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *CatalogStore) UpdateTier(ctx context.Context, id uint, tier int) error {
	result := s.db.WithContext(ctx).
		Model(&models.CatalogListing{}).
		Where("id = ?", id).
		Update("tier", tier)
	if result.Error != nil {
		return fmt.Errorf("failed to update tier of listing %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
