package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefillReason explains why renewed sourcing was requested.
type RefillReason string

const (
	RefillBikeSold    RefillReason = "bike_sold"
	RefillBikeDeleted RefillReason = "bike_deleted"
	RefillManual      RefillReason = "manual"
)

// RefillStatus is the lifecycle state of a refill task.
type RefillStatus string

const (
	RefillPending    RefillStatus = "pending"
	RefillInProgress RefillStatus = "in_progress"
	RefillDone       RefillStatus = "done"
)

// Valid reports whether s is a known status.
func (s RefillStatus) Valid() bool {
	switch s {
	case RefillPending, RefillInProgress, RefillDone:
		return true
	}
	return false
}

// RefillTask asks the search collaborator to restock a (brand, model, tier).
// Delivery is at-least-once: several tasks for the same pair may exist.
type RefillTask struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	ListingID uint         `gorm:"index" json:"listing_id"`
	Brand     string       `gorm:"size:64;index:idx_refill_identity" json:"brand"`
	Model     string       `gorm:"size:128;index:idx_refill_identity" json:"model"`
	Tier      int          `json:"tier"`
	Reason    RefillReason `gorm:"size:16" json:"reason"`
	Status    RefillStatus `gorm:"size:16;index" json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Bounty is an open buyer request for a category under a price ceiling.
type Bounty struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Category  string          `gorm:"size:32;index" json:"category"`
	MaxPrice  decimal.Decimal `gorm:"type:decimal(12,2)" json:"max_price"`
	Note      string          `json:"note"`
	Fulfilled bool            `gorm:"index" json:"fulfilled"`
	CreatedAt time.Time       `json:"created_at"`
}
