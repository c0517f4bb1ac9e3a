// Package engine runs price-reduction cycles: it selects the listings that
// are due, reduces each one under an optimistic precondition, and reports a
// per-cycle summary.
package engine

import (
	"context"
	"fmt"
	"time"
)

// DueLister is the read side the selector needs from the listing store.
type DueLister interface {
	ListDueListingIDs(ctx context.Context, now time.Time) ([]string, error)
}

// Selector finds listings eligible for a reduction. It never writes.
type Selector struct {
	listings DueLister
}

// NewSelector creates a selector over the given store.
func NewSelector(listings DueLister) *Selector {
	return &Selector{listings: listings}
}

// SelectDue returns the ids of listings that are enabled, Active, above
// their floor and whose next reduction is unset or at/before now. The
// result is de-duplicated, keeps the store's ordering, and is an empty
// (non-nil) slice when nothing is due.
func (s *Selector) SelectDue(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.listings.ListDueListingIDs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("engine.SelectDue: %w", err)
	}
	return dedupe(ids), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
