package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"velomarket/server/internal/models"
)

type BountyStore struct {
	db *gorm.DB
}

func NewBountyStore(db *gorm.DB) *BountyStore {
	return &BountyStore{db: db}
}

func (s *BountyStore) Create(ctx context.Context, bounty *models.Bounty) error {
	if err := s.db.WithContext(ctx).Create(bounty).Error; err != nil {
		return fmt.Errorf("failed to create bounty: %w", err)
	}
	return nil
}

// ListOpen returns bounties that have not been fulfilled.
func (s *BountyStore) ListOpen(ctx context.Context) ([]models.Bounty, error) {
	var bounties []models.Bounty
	err := s.db.WithContext(ctx).Where("fulfilled = ?", false).Order("id ASC").Find(&bounties).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open bounties: %w", err)
	}
	return bounties, nil
}

func (s *BountyStore) List(ctx context.Context) ([]models.Bounty, error) {
	var bounties []models.Bounty
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&bounties).Error; err != nil {
		return nil, fmt.Errorf("failed to list bounties: %w", err)
	}
	return bounties, nil
}
