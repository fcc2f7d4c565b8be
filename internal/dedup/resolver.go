// Package dedup groups competing catalog listings and picks one winner per group.
package dedup

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"velomarket/server/internal/models"
)

// ErrDuplicateGroupEmpty means Resolve was called without candidates.
var ErrDuplicateGroupEmpty = errors.New("duplicate group is empty")

var priceStep = decimal.NewFromInt(10)

// SourceKey is the exact grouping key for listings that carry an ad id.
func SourceKey(platform models.Platform, adID string) string {
	return fmt.Sprintf("src:%s:%s", platform, adID)
}

// FuzzyKey groups anonymous listings by brand, model, price rounded to 10
// and the UTC calendar day they were observed.
func FuzzyKey(brand, model string, price decimal.Decimal, observedAt time.Time) string {
	rounded := price.Div(priceStep).Round(0).Mul(priceStep)
	return fmt.Sprintf("fuzzy:%s|%s|%s|%s",
		strings.ToLower(strings.TrimSpace(brand)),
		strings.ToLower(strings.TrimSpace(model)),
		rounded.StringFixed(0),
		observedAt.UTC().Format("2006-01-02"),
	)
}

// KeyFor returns the grouping key of a listing.
func KeyFor(l *models.CatalogListing) string {
	if l.HasSourceKey() {
		return SourceKey(l.Platform, *l.SourceAdID)
	}
	return FuzzyKey(l.Brand, l.Model, l.Price, l.ObservedAt)
}

// Group buckets listings by KeyFor. Bucket order follows first appearance.
func Group(listings []models.CatalogListing) (keys []string, groups map[string][]models.CatalogListing) {
	groups = make(map[string][]models.CatalogListing)
	for _, l := range listings {
		key := KeyFor(&l)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], l)
	}
	return keys, groups
}

// Better reports whether a ranks ahead of b. The order is total:
// score, payload size, creation time (newer first), id, source URL.
func Better(a, b *models.CatalogListing) bool {
	if sa, sb := a.Score(), b.Score(); sa != sb {
		return sa > sb
	}
	if pa, pb := len(a.Payload), len(b.Payload); pa != pb {
		return pa > pb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.SourceURL < b.SourceURL
}

// Resolve picks the winner of a group and returns the remaining listings as
// losers, ranked best first. The result does not depend on input order.
func Resolve(group []models.CatalogListing) (winner models.CatalogListing, losers []models.CatalogListing, err error) {
	if len(group) == 0 {
		return models.CatalogListing{}, nil, ErrDuplicateGroupEmpty
	}

	ranked := make([]models.CatalogListing, len(group))
	copy(ranked, group)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Better(&ranked[i], &ranked[j])
	})

	return ranked[0], ranked[1:], nil
}
