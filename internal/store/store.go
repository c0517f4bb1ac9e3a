// Package store defines the persistence interface for the repricer.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache and cycle lock), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/sellerdash/repricer/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Listing operations ---

	// CreateListing persists a new listing and appends its initial price
	// history entry in the same atomic step.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by its ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ListListings returns all listings, optionally filtered by status
	// (empty status returns every listing).
	ListListings(ctx context.Context, status model.ListingStatus) ([]model.Listing, error)

	// ListDueListingIDs returns the ids of listings eligible for a price
	// reduction at now. It never mutates anything.
	ListDueListingIDs(ctx context.Context, now time.Time) ([]string, error)

	// CompareAndUpdate applies upd to the listing only if its stored version
	// and current price still match expect, and appends entry (when non-nil)
	// to the history ledger. Both writes persist or neither does.
	// Returns model.ErrStaleListing when the precondition no longer holds.
	CompareAndUpdate(ctx context.Context, id string, expect model.Expectation, upd model.ListingUpdate, entry *model.PriceHistoryEntry) error

	// UpdateReductionSettings replaces the listing's reduction settings if
	// its version still equals expectedVersion.
	UpdateReductionSettings(ctx context.Context, id string, expectedVersion int64, s model.ReductionSettings) error

	// --- Immutable history ledger ---

	// AppendHistory appends a price history entry.
	AppendHistory(ctx context.Context, entry *model.PriceHistoryEntry) error

	// GetHistory returns a listing's price history in chronological order.
	GetHistory(ctx context.Context, listingID string) ([]model.PriceHistoryEntry, error)

	// --- Market data ---

	// UpsertSnapshot stores the latest market snapshot for a listing.
	UpsertSnapshot(ctx context.Context, snap *model.MarketSnapshot) error

	// GetSnapshot returns the latest market snapshot for a listing, or
	// (nil, nil) when none has been collected.
	GetSnapshot(ctx context.Context, listingID string) (*model.MarketSnapshot, error)
}

// historyTick is the smallest step used to keep history timestamps strictly
// increasing per listing (PostgreSQL timestamps have microsecond precision).
const historyTick = time.Microsecond

// nextHistoryTime returns ts, or last+historyTick when ts does not come
// strictly after the listing's last entry.
func nextHistoryTime(ts, last time.Time) time.Time {
	if !last.IsZero() && !ts.After(last) {
		return last.Add(historyTick)
	}
	return ts
}
