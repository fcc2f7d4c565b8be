package scraping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"velomarket/server/internal/models"
)

const maxBodyBytes = 2 << 20

var (
	kleinanzeigenDeleted = []string{"anzeige wurde gelöscht", "leider nicht gefunden", "nicht mehr verfügbar"}
	kleinanzeigenSold    = []string{"deaktiviert", "reserviert"}
	marketplaceSold      = []string{"sold", "verkauft"}
)

// HTTPChecker fetches the listing page and classifies it.
type HTTPChecker struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *logrus.Logger
}

func NewHTTPChecker(timeout time.Duration, userAgent string, logger *logrus.Logger) *HTTPChecker {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &HTTPChecker{
		client:    &http.Client{},
		timeout:   timeout,
		userAgent: userAgent,
		logger:    logger,
	}
}

// CheckAvailability returns active, sold or deleted for a conclusive answer.
// Listings without a URL are unknown. Transport failures are returned as
// errors, timeouts as ErrVerificationTimeout.
func (c *HTTPChecker) CheckAvailability(ctx context.Context, listing *models.CatalogListing) (models.Availability, error) {
	if listing.SourceURL == "" {
		return models.AvailabilityUnknown, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listing.SourceURL, nil)
	if err != nil {
		return models.AvailabilityUnknown, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.AvailabilityUnknown, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return models.AvailabilityDeleted, nil
	case resp.StatusCode >= 400:
		return models.AvailabilityUnknown, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.AvailabilityUnknown, classifyTransportError(ctx, err)
	}

	availability := ClassifyPage(listing.Platform, string(body))
	c.logger.WithFields(logrus.Fields{
		"listing_id":   listing.ID,
		"platform":     listing.Platform,
		"availability": availability,
	}).Debug("Availability checked")
	return availability, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrVerificationTimeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("availability check failed: %w", err)
}

// ClassifyPage reads sold/deleted markers from a listing page body.
func ClassifyPage(platform models.Platform, body string) models.Availability {
	text := strings.ToLower(body)

	switch platform {
	case models.PlatformKleinanzeigen:
		if containsAny(text, kleinanzeigenDeleted) {
			return models.AvailabilityDeleted
		}
		if containsAny(text, kleinanzeigenSold) {
			return models.AvailabilitySold
		}
	case models.PlatformBuycycle, models.PlatformBikeflip:
		if containsAny(text, marketplaceSold) {
			return models.AvailabilitySold
		}
	}
	return models.AvailabilityActive
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
