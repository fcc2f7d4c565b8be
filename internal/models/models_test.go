package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCatalogListing_Score(t *testing.T) {
	year := 2021
	size := "L"
	adID := "123"
	quality := 42

	tests := []struct {
		name     string
		listing  CatalogListing
		expected int
	}{
		{
			name:     "Empty listing",
			listing:  CatalogListing{},
			expected: 0,
		},
		{
			name:     "Half complete",
			listing:  CatalogListing{Year: &year, FrameSize: &size, SourceURL: "https://example.com/a"},
			expected: 50,
		},
		{
			name: "Fully complete",
			listing: CatalogListing{
				Year: &year, FrameSize: &size, Category: &size, SourceAdID: &adID,
				SourceURL: "https://example.com/a", Payload: "{}",
			},
			expected: 100,
		},
		{
			name:     "Explicit quality score wins",
			listing:  CatalogListing{Year: &year, QualityScore: &quality},
			expected: 42,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.listing.Score())
		})
	}
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonSold, ReasonFor(AvailabilitySold))
	assert.Equal(t, ReasonDeleted, ReasonFor(AvailabilityDeleted))
	assert.Equal(t, ReasonUnknown, ReasonFor(AvailabilityUnknown))
	assert.Equal(t, ReasonUnknown, ReasonFor(AvailabilityActive))
}

func TestRefillStatus_Valid(t *testing.T) {
	assert.True(t, RefillPending.Valid())
	assert.True(t, RefillInProgress.Valid())
	assert.True(t, RefillDone.Valid())
	assert.False(t, RefillStatus("cancelled").Valid())
	assert.False(t, RefillStatus("").Valid())
}

func TestObservation_SourceKeyAndIdentity(t *testing.T) {
	brand, model, empty, adID := "Canyon", "Torque", "", "77"

	obs := Observation{Platform: PlatformBuycycle, Brand: &brand}
	assert.False(t, obs.HasIdentity())
	assert.Equal(t, []string{"model", "year", "frame_size"}, obs.Unresolved())

	obs.Model = &model
	assert.True(t, obs.HasIdentity())

	_, _, ok := obs.SourceKey()
	assert.False(t, ok)

	obs.SourceAdID = &empty
	_, _, ok = obs.SourceKey()
	assert.False(t, ok)

	obs.SourceAdID = &adID
	platform, id, ok := obs.SourceKey()
	assert.True(t, ok)
	assert.Equal(t, PlatformBuycycle, platform)
	assert.Equal(t, "77", id)
}

func TestListingFromObservation(t *testing.T) {
	brand, model := "YT", "Capra"
	scraped := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	obs := Observation{
		ID:        9,
		Platform:  PlatformKleinanzeigen,
		Brand:     &brand,
		Model:     &model,
		Price:     decimal.NewFromInt(2100),
		ScrapedAt: scraped,
	}

	listing := ListingFromObservation(&obs, TierPremium)

	assert.Equal(t, uint(9), listing.ObservationID)
	assert.Equal(t, "YT", listing.Brand)
	assert.Equal(t, "Capra", listing.Model)
	assert.Equal(t, TierPremium, listing.Tier)
	assert.True(t, listing.Active)
	assert.Equal(t, scraped, listing.ObservedAt)
	assert.Nil(t, listing.LastCheckedAt)
}
