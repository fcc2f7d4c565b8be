// Package bounty matches incoming observations against open buyer requests.
package bounty

import (
	"context"
	"fmt"
	"strings"

	"velomarket/server/internal/models"
)

// Match returns the first bounty whose category equals the observation's
// category (case-insensitive) and whose max price covers the observation's
// price. Observations without a category never match. Bounties are not modified.
func Match(obs *models.Observation, bounties []models.Bounty) (*models.Bounty, bool) {
	if obs.Category == nil || !obs.Price.IsPositive() {
		return nil, false
	}
	category := strings.ToLower(strings.TrimSpace(*obs.Category))

	for i := range bounties {
		b := &bounties[i]
		if b.Fulfilled {
			continue
		}
		if strings.ToLower(strings.TrimSpace(b.Category)) != category {
			continue
		}
		if b.MaxPrice.GreaterThanOrEqual(obs.Price) {
			return b, true
		}
	}
	return nil, false
}

// OpenBounties is the read side of the bounty store.
type OpenBounties interface {
	ListOpen(ctx context.Context) ([]models.Bounty, error)
}

type Matcher struct {
	store OpenBounties
}

func NewMatcher(store OpenBounties) *Matcher {
	return &Matcher{store: store}
}

// MatchBounty loads the open bounties and matches the observation against them.
func (m *Matcher) MatchBounty(ctx context.Context, obs *models.Observation) (*models.Bounty, bool, error) {
	bounties, err := m.store.ListOpen(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load bounties: %w", err)
	}
	b, ok := Match(obs, bounties)
	if !ok {
		return nil, false, nil
	}
	matched := *b
	return &matched, true, nil
}
