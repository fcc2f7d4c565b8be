package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Platform identifies the classifieds site a listing was scraped from.
type Platform string

const (
	PlatformKleinanzeigen Platform = "kleinanzeigen"
	PlatformBuycycle      Platform = "buycycle"
	PlatformBikeflip      Platform = "bikeflip"
	PlatformUnknown       Platform = "unknown"
)

// RawAd is the shape a Listing Source hands to the engine before normalization.
// Structured fields are optional; anything missing is resolved from the title.
type RawAd struct {
	Platform     Platform          `json:"platform"`
	SourceAdID   string            `json:"source_ad_id"`
	SourceURL    string            `json:"source_url"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Attributes   map[string]string `json:"attributes"`
	Brand        string            `json:"brand"`
	Model        string            `json:"model"`
	Year         *int              `json:"year"`
	FrameSize    string            `json:"frame_size"`
	Category     string            `json:"category"`
	Price        decimal.Decimal   `json:"price"`
	QualityScore *int              `json:"quality_score"`
	ScrapedAt    time.Time         `json:"scraped_at"`
}

// Observation is one immutable snapshot of a listing. Corrections are new rows.
type Observation struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	Platform     Platform        `gorm:"size:32;index:idx_observations_source" json:"platform"`
	SourceAdID   *string         `gorm:"size:128;index:idx_observations_source" json:"source_ad_id"`
	SourceURL    string          `json:"source_url"`
	Title        string          `json:"title"`
	Brand        *string         `gorm:"size:64;index:idx_observations_cohort" json:"brand"`
	Model        *string         `gorm:"size:128;index:idx_observations_cohort" json:"model"`
	Year         *int            `gorm:"index:idx_observations_cohort" json:"year"`
	Category     *string         `gorm:"size:32" json:"category"`
	FrameSize    *string         `gorm:"size:8" json:"frame_size"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2)" json:"price"`
	QualityScore *int            `json:"quality_score"`
	Payload      string          `gorm:"type:text" json:"-"`
	ScrapedAt    time.Time       `gorm:"index" json:"scraped_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Unresolved lists the identity fields the normalizer could not resolve.
// An empty result means the observation is fully resolved.
func (o *Observation) Unresolved() []string {
	var fields []string
	if o.Brand == nil {
		fields = append(fields, "brand")
	}
	if o.Model == nil {
		fields = append(fields, "model")
	}
	if o.Year == nil {
		fields = append(fields, "year")
	}
	if o.FrameSize == nil {
		fields = append(fields, "frame_size")
	}
	return fields
}

// HasIdentity reports whether brand and model are known, which is the minimum
// required to promote the observation into the catalog.
func (o *Observation) HasIdentity() bool {
	return o.Brand != nil && o.Model != nil
}

// SourceKey returns the platform/ad-id pair when the ad id is present.
func (o *Observation) SourceKey() (Platform, string, bool) {
	if o.SourceAdID == nil || *o.SourceAdID == "" {
		return o.Platform, "", false
	}
	return o.Platform, *o.SourceAdID, true
}

// ErrObservationImmutable is returned when code tries to change a stored observation.
var ErrObservationImmutable = errors.New("observations are immutable; record a new one instead")

// BeforeUpdate blocks in-place mutation of a stored observation.
func (o *Observation) BeforeUpdate(tx *gorm.DB) error {
	return ErrObservationImmutable
}

// BeforeDelete keeps the history ledger append-only.
func (o *Observation) BeforeDelete(tx *gorm.DB) error {
	return ErrObservationImmutable
}
