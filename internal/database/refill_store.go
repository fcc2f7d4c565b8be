package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"velomarket/server/internal/models"
)

// RefillStore is the durable refill task log.
type RefillStore struct {
	db *gorm.DB
}

func NewRefillStore(db *gorm.DB) *RefillStore {
	return &RefillStore{db: db}
}

// Append stores tasks, filling in ids and the pending status where missing.
func (s *RefillStore) Append(ctx context.Context, tasks ...*models.RefillTask) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, task := range tasks {
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if task.Status == "" {
			task.Status = models.RefillPending
		}
	}
	if err := s.db.WithContext(ctx).Create(tasks).Error; err != nil {
		return fmt.Errorf("failed to append refill tasks: %w", err)
	}
	return nil
}

// List returns tasks oldest first. An empty status returns every task.
func (s *RefillStore) List(ctx context.Context, status models.RefillStatus, limit int) ([]models.RefillTask, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var tasks []models.RefillTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list refill tasks: %w", err)
	}
	return tasks, nil
}

func (s *RefillStore) Get(ctx context.Context, id string) (*models.RefillTask, error) {
	var task models.RefillTask
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, translateError(err)
	}
	return &task, nil
}

func (s *RefillStore) UpdateStatus(ctx context.Context, id string, status models.RefillStatus) error {
	result := s.db.WithContext(ctx).
		Model(&models.RefillTask{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update refill task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
