// Package scraping contains the Listing Source adapters: the availability
// checker used by re-verification and the external collector process that
// feeds raw ads into ingestion.
package scraping

import (
	"context"
	"errors"

	"velomarket/server/internal/models"
)

// ErrVerificationTimeout means the availability check did not complete in
// time. It is never a sign that the listing was sold.
var ErrVerificationTimeout = errors.New("availability check timed out")

// Source verifies whether a catalog listing is still for sale.
type Source interface {
	CheckAvailability(ctx context.Context, listing *models.CatalogListing) (models.Availability, error)
}
