package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sellerdash/repricer/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	listings  map[string]*model.Listing
	history   map[string][]model.PriceHistoryEntry
	snapshots map[string]model.MarketSnapshot

	// failNext, when set, makes the next n CompareAndUpdate calls fail with
	// err before touching any state. Test hook for transient failures.
	failNext int
	failErr  error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:  make(map[string]*model.Listing),
		history:   make(map[string][]model.PriceHistoryEntry),
		snapshots: make(map[string]model.MarketSnapshot),
	}
}

// FailNextWrites makes the next n CompareAndUpdate calls return err without
// applying anything.
func (s *MemoryStore) FailNextWrites(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listings[l.ID]; exists {
		return fmt.Errorf("%w: %s", model.ErrListingExists, l.ID)
	}

	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = l.CreatedAt
	l.Version = 1

	// Store a copy to avoid external mutation.
	copy := *l
	s.listings[l.ID] = &copy
	s.appendLocked(&model.PriceHistoryEntry{
		ListingID: l.ID,
		Price:     l.CurrentPrice,
		Reason:    model.ReasonInitial,
		Strategy:  l.ReductionStrategy,
		CreatedAt: l.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrListingNotFound, id)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListListings(_ context.Context, status model.ListingStatus) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if status != "" && l.Status != status {
			continue
		}
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].CreatedAt.After(listings[j].CreatedAt)
	})
	return listings, nil
}

func (s *MemoryStore) ListDueListingIDs(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*model.Listing
	for _, l := range s.listings {
		if l.IsDue(now) {
			due = append(due, l)
		}
	}

	// Never-scheduled listings first, then oldest due date; id breaks ties.
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].NextPriceReduction, due[j].NextPriceReduction
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return due[i].ID < due[j].ID
	})

	ids := make([]string, 0, len(due))
	for _, l := range due {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (s *MemoryStore) CompareAndUpdate(_ context.Context, id string, expect model.Expectation, upd model.ListingUpdate, entry *model.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrListingNotFound, id)
	}
	if l.Version != expect.Version || !l.CurrentPrice.Equal(expect.CurrentPrice) {
		return fmt.Errorf("%w: %s (version %d, expected %d)", model.ErrStaleListing, id, l.Version, expect.Version)
	}

	// Work on a copy so a rejected write leaves no trace.
	next := *l
	if upd.CurrentPrice != nil {
		next.CurrentPrice = *upd.CurrentPrice
	}
	if upd.ReductionEnabled != nil {
		next.ReductionEnabled = *upd.ReductionEnabled
	}
	if upd.LastPriceReduction != nil {
		t := *upd.LastPriceReduction
		next.LastPriceReduction = &t
	}
	if upd.SetNextReduction {
		if upd.NextPriceReduction != nil {
			t := *upd.NextPriceReduction
			next.NextPriceReduction = &t
		} else {
			next.NextPriceReduction = nil
		}
	}
	if next.CurrentPrice.LessThan(next.MinimumPrice) {
		return fmt.Errorf("%w: %s < %s", model.ErrPriceBelowFloor, next.CurrentPrice, next.MinimumPrice)
	}

	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.listings[id] = &next

	if entry != nil {
		entry.ListingID = id
		s.appendLocked(entry)
	}
	return nil
}

func (s *MemoryStore) UpdateReductionSettings(_ context.Context, id string, expectedVersion int64, rs model.ReductionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrListingNotFound, id)
	}
	if l.Version != expectedVersion {
		return fmt.Errorf("%w: %s (version %d, expected %d)", model.ErrStaleListing, id, l.Version, expectedVersion)
	}

	next := *l
	next.ReductionEnabled = rs.Enabled
	next.ReductionStrategy = rs.Strategy
	next.ReductionPercentage = rs.Percentage
	next.ReductionAmount = rs.Amount
	next.ReductionIntervalDays = rs.IntervalDays
	next.MinimumPrice = rs.MinimumPrice
	if next.CurrentPrice.LessThan(next.MinimumPrice) {
		return fmt.Errorf("%w: %s < %s", model.ErrPriceBelowFloor, next.CurrentPrice, next.MinimumPrice)
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.listings[id] = &next
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry *model.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[entry.ListingID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrListingNotFound, entry.ListingID)
	}
	s.appendLocked(entry)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, listingID string) ([]model.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[listingID]
	result := make([]model.PriceHistoryEntry, len(entries))
	copy(result, entries)
	return result, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap *model.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.ListingID] = *snap
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, listingID string) (*model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[listingID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// appendLocked adds entry to the ledger, assigning an id and keeping
// timestamps strictly increasing per listing. Caller holds s.mu.
func (s *MemoryStore) appendLocked(entry *model.PriceHistoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entries := s.history[entry.ListingID]
	if n := len(entries); n > 0 {
		entry.CreatedAt = nextHistoryTime(entry.CreatedAt, entries[n-1].CreatedAt)
	}
	s.history[entry.ListingID] = append(entries, *entry)
}
