// Package freshness decides when a catalog listing is due for re-verification.
package freshness

import (
	"sort"
	"time"

	"velomarket/server/internal/models"
)

type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "none"
	}
}

// Policy holds the tier cadences.
type Policy struct {
	Tier1Interval time.Duration
	Tier3Interval time.Duration
	// Tier3Guard skips aged tier 3 listings checked this recently
	Tier3Guard time.Duration
	// NewWindow is how long a listing counts as new
	NewWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Tier1Interval: 24 * time.Hour,
		Tier3Interval: 7 * 24 * time.Hour,
		Tier3Guard:    48 * time.Hour,
		NewWindow:     30 * 24 * time.Hour,
	}
}

// Decision is the outcome of ShouldCheck.
type Decision struct {
	Check    bool
	Priority Priority
	Rule     string
}

var skip = Decision{Priority: PriorityNone, Rule: "fresh"}

// ShouldCheck is a pure function of the listing and now. Rules apply in order:
//
//  1. tier 1: due when never checked or last check older than Tier1Interval (high)
//  2. tier 3 older than NewWindow: skipped inside Tier3Guard, otherwise due when
//     never checked or last check older than Tier3Interval (low)
//  3. any listing never checked (medium)
//  4. otherwise not due
//
// Tier 2 listings are only checked once through rule 3.
func (p Policy) ShouldCheck(l *models.CatalogListing, now time.Time) Decision {
	var since time.Duration
	if l.LastCheckedAt != nil {
		since = now.Sub(*l.LastCheckedAt)
	}
	neverChecked := l.LastCheckedAt == nil

	switch {
	case l.Tier == models.TierPremium:
		if neverChecked || since > p.Tier1Interval {
			return Decision{Check: true, Priority: PriorityHigh, Rule: "tier1_interval"}
		}
		return skip

	case l.Tier == models.TierBudget && now.Sub(l.CreatedAt) > p.NewWindow:
		if !neverChecked && since < p.Tier3Guard {
			return Decision{Priority: PriorityNone, Rule: "tier3_guard"}
		}
		if neverChecked || since > p.Tier3Interval {
			return Decision{Check: true, Priority: PriorityLow, Rule: "tier3_interval"}
		}
		return skip
	}

	if neverChecked {
		return Decision{Check: true, Priority: PriorityMedium, Rule: "never_checked"}
	}
	return skip
}

// Cutoffs are the ShouldCheck boundaries at a fixed now, for stores that
// select due listings in the query.
type Cutoffs struct {
	Now time.Time
	// Tier1Before: tier 1 checked before this is due
	Tier1Before time.Time
	// Tier3Before: aged tier 3 checked before this is due
	Tier3Before time.Time
	// GuardUntil: aged tier 3 checked after this is skipped
	GuardUntil time.Time
	// AgedBefore: created before this, a listing is past its new window
	AgedBefore time.Time
}

func (p Policy) Cutoffs(now time.Time) Cutoffs {
	now = now.UTC()
	return Cutoffs{
		Now:         now,
		Tier1Before: now.Add(-p.Tier1Interval),
		Tier3Before: now.Add(-p.Tier3Interval),
		GuardUntil:  now.Add(-p.Tier3Guard),
		AgedBefore:  now.Add(-p.NewWindow),
	}
}

// Due is a listing selected for checking together with its decision.
type Due struct {
	Listing  models.CatalogListing
	Decision Decision
}

// Select returns the listings that are due, highest priority first. Within a
// priority, listings checked longest ago come first, never-checked ones first
// of all; ties keep the input order.
func (p Policy) Select(listings []models.CatalogListing, now time.Time) []Due {
	var due []Due
	for _, l := range listings {
		d := p.ShouldCheck(&l, now)
		if d.Check {
			due = append(due, Due{Listing: l, Decision: d})
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return before(&due[i], &due[j])
	})
	return due
}

func before(a, b *Due) bool {
	if a.Decision.Priority != b.Decision.Priority {
		return a.Decision.Priority > b.Decision.Priority
	}
	la, lb := a.Listing.LastCheckedAt, b.Listing.LastCheckedAt
	switch {
	case la == nil && lb == nil:
		return false
	case la == nil:
		return true
	case lb == nil:
		return false
	}
	return la.Before(*lb)
}
