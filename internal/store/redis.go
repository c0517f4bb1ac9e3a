package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sellerdash/repricer/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A cached listing may lag the primary by up to ttl. Writes never trust the
// cache: CompareAndUpdate is checked against the primary, so a stale read
// only costs a rejected write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.CreateListing(ctx, l); err != nil {
		return err
	}
	s.cacheJSON(ctx, listingKey(l.ID), l)
	return nil
}

func (s *CachedStore) CompareAndUpdate(ctx context.Context, id string, expect model.Expectation, upd model.ListingUpdate, entry *model.PriceHistoryEntry) error {
	err := s.primary.CompareAndUpdate(ctx, id, expect, upd, entry)
	// Invalidate even on failure: a stale rejection means our copy is old.
	s.rdb.Del(ctx, listingKey(id), historyKey(id))
	return err
}

func (s *CachedStore) UpdateReductionSettings(ctx context.Context, id string, expectedVersion int64, rs model.ReductionSettings) error {
	err := s.primary.UpdateReductionSettings(ctx, id, expectedVersion, rs)
	s.rdb.Del(ctx, listingKey(id))
	return err
}

func (s *CachedStore) AppendHistory(ctx context.Context, entry *model.PriceHistoryEntry) error {
	if err := s.primary.AppendHistory(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyKey(entry.ListingID))
	return nil
}

func (s *CachedStore) UpsertSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	if err := s.primary.UpsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheJSON(ctx, snapshotKey(snap.ListingID), snap)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	var l model.Listing
	if s.readJSON(ctx, listingKey(id), &l) {
		return &l, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, listingKey(id), got)
	return got, nil
}

func (s *CachedStore) GetHistory(ctx context.Context, listingID string) ([]model.PriceHistoryEntry, error) {
	var entries []model.PriceHistoryEntry
	if s.readJSON(ctx, historyKey(listingID), &entries) {
		return entries, nil
	}

	entries, err := s.primary.GetHistory(ctx, listingID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, historyKey(listingID), entries)
	return entries, nil
}

func (s *CachedStore) GetSnapshot(ctx context.Context, listingID string) (*model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	if s.readJSON(ctx, snapshotKey(listingID), &snap) {
		return &snap, nil
	}

	got, err := s.primary.GetSnapshot(ctx, listingID)
	if err != nil || got == nil {
		return got, err
	}
	s.cacheJSON(ctx, snapshotKey(listingID), got)
	return got, nil
}

// FreshListings is a view of a CachedStore whose listing reads skip the
// cache. Writes still go through the CachedStore so they invalidate it.
type FreshListings struct {
	*CachedStore
}

// Fresh returns the cache-bypassing view used by the reduction executor.
func (s *CachedStore) Fresh() FreshListings {
	return FreshListings{s}
}

func (f FreshListings) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	got, err := f.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	f.cacheJSON(ctx, listingKey(id), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListListings(ctx context.Context, status model.ListingStatus) ([]model.Listing, error) {
	return s.primary.ListListings(ctx, status)
}

// ListDueListingIDs always asks the primary; selection must see fresh state.
func (s *CachedStore) ListDueListingIDs(ctx context.Context, now time.Time) ([]string, error) {
	return s.primary.ListDueListingIDs(ctx, now)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }
func historyKey(id string) string { return fmt.Sprintf("history:%s", id) }
func snapshotKey(id string) string { return fmt.Sprintf("snapshot:%s", id) }
func cycleLockKey(n string) string { return fmt.Sprintf("lock:%s", n) }
