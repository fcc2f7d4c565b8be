package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Availability is the result of re-checking a listing at its source.
type Availability string

const (
	AvailabilityActive  Availability = "active"
	AvailabilitySold    Availability = "sold"
	AvailabilityDeleted Availability = "deleted"
	AvailabilityUnknown Availability = "unknown"
)

// DeactivationReason records why a catalog listing stopped being visible.
type DeactivationReason string

const (
	ReasonSold    DeactivationReason = "sold"
	ReasonDeleted DeactivationReason = "deleted"
	ReasonUnknown DeactivationReason = "unknown"
)

// ReasonFor maps an availability result to a deactivation reason.
func ReasonFor(a Availability) DeactivationReason {
	switch a {
	case AvailabilitySold:
		return ReasonSold
	case AvailabilityDeleted:
		return ReasonDeleted
	default:
		return ReasonUnknown
	}
}

// Tier bounds.
const (
	TierPremium  = 1
	TierStandard = 2
	TierBudget   = 3
)

// CatalogListing is the de-duplicated, buyer-visible listing.
type CatalogListing struct {
	ID                 uint                `gorm:"primaryKey" json:"id"`
	ObservationID      uint                `gorm:"index" json:"observation_id"`
	Platform           Platform            `gorm:"size:32;index:idx_catalog_source" json:"platform"`
	SourceAdID         *string             `gorm:"size:128;index:idx_catalog_source" json:"source_ad_id"`
	SourceURL          string              `json:"source_url"`
	Title              string              `json:"title"`
	Brand              string              `gorm:"size:64;index:idx_catalog_identity" json:"brand"`
	Model              string              `gorm:"size:128;index:idx_catalog_identity" json:"model"`
	Year               *int                `json:"year"`
	Category           *string             `gorm:"size:32" json:"category"`
	FrameSize          *string             `gorm:"size:8" json:"frame_size"`
	Price              decimal.Decimal     `gorm:"type:decimal(12,2)" json:"price"`
	QualityScore       *int                `json:"quality_score"`
	Payload            string              `gorm:"type:text" json:"-"`
	FuzzyKey           string              `gorm:"size:255;index" json:"fuzzy_key"`
	Tier               int                 `gorm:"default:2;index" json:"tier"`
	ObservedAt         time.Time           `json:"observed_at"`
	LastCheckedAt      *time.Time          `gorm:"index" json:"last_checked_at"`
	Active             bool                `gorm:"index" json:"active"`
	DeactivationReason *DeactivationReason `gorm:"size:16" json:"deactivation_reason"`
	DeactivatedAt      *time.Time          `json:"deactivated_at"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// HasSourceKey reports whether the listing carries a platform ad id.
func (l *CatalogListing) HasSourceKey() bool {
	return l.SourceAdID != nil && *l.SourceAdID != ""
}

// CompletenessScore is the share (0-100) of optional fields that are populated.
func (l *CatalogListing) CompletenessScore() int {
	populated := 0
	optional := []bool{
		l.Year != nil,
		l.Category != nil,
		l.FrameSize != nil,
		l.HasSourceKey(),
		l.SourceURL != "",
		l.Payload != "",
	}
	for _, ok := range optional {
		if ok {
			populated++
		}
	}
	return populated * 100 / len(optional)
}

// Score is the explicit quality score when the source provided one, otherwise
// the completeness score.
func (l *CatalogListing) Score() int {
	if l.QualityScore != nil {
		return *l.QualityScore
	}
	return l.CompletenessScore()
}

// ListingFromObservation builds an (unsaved) active catalog listing for an
// observation. The caller must have checked HasIdentity.
func ListingFromObservation(o *Observation, tier int) CatalogListing {
	return CatalogListing{
		ObservationID: o.ID,
		Platform:      o.Platform,
		SourceAdID:    o.SourceAdID,
		SourceURL:     o.SourceURL,
		Title:         o.Title,
		Brand:         *o.Brand,
		Model:         *o.Model,
		Year:          o.Year,
		Category:      o.Category,
		FrameSize:     o.FrameSize,
		Price:         o.Price,
		QualityScore:  o.QualityScore,
		Payload:       o.Payload,
		Tier:          tier,
		ObservedAt:    o.ScrapedAt,
		Active:        true,
	}
}
