package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sellerdash/repricer/internal/model"
	"github.com/sellerdash/repricer/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedListing(t *testing.T, ms *store.MemoryStore, id string, price, floor float64) *model.Listing {
	t.Helper()
	l := &model.Listing{
		ID:                    id,
		Title:                 "test " + id,
		CurrentPrice:          d(price),
		OriginalPrice:         d(price),
		MinimumPrice:          d(floor),
		ReductionEnabled:      true,
		ReductionStrategy:     model.StrategyFixedPercentage,
		ReductionPercentage:   d(10),
		ReductionIntervalDays: 7,
		Status:                model.StatusActive,
	}
	if err := ms.CreateListing(context.Background(), l); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	return l
}

func TestCreateListing_WritesInitialHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedListing(t, ms, "L1", 100, 50)

	if l.Version != 1 {
		t.Errorf("version = %d, want 1", l.Version)
	}
	hist, _ := ms.GetHistory(context.Background(), "L1")
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Reason != model.ReasonInitial || !hist[0].Price.Equal(d(100)) {
		t.Errorf("initial entry = %+v", hist[0])
	}
}

func TestCreateListing_Duplicate(t *testing.T) {
	ms := store.NewMemoryStore()
	seedListing(t, ms, "L1", 100, 50)

	err := ms.CreateListing(context.Background(), &model.Listing{ID: "L1"})
	if !errors.Is(err, model.ErrListingExists) {
		t.Errorf("expected ErrListingExists, got %v", err)
	}
}

func TestGetListing_ReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	seedListing(t, ms, "L1", 100, 50)
	ctx := context.Background()

	got, _ := ms.GetListing(ctx, "L1")
	got.CurrentPrice = d(1)

	again, _ := ms.GetListing(ctx, "L1")
	if !again.CurrentPrice.Equal(d(100)) {
		t.Errorf("stored listing mutated through returned copy: %s", again.CurrentPrice)
	}

	if _, err := ms.GetListing(ctx, "missing"); !errors.Is(err, model.ErrListingNotFound) {
		t.Errorf("expected ErrListingNotFound, got %v", err)
	}
}

func TestCompareAndUpdate_AppliesAndAppends(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedListing(t, ms, "L1", 100, 50)
	ctx := context.Background()

	price := d(90)
	now := time.Now().UTC()
	next := now.Add(7 * 24 * time.Hour)
	err := ms.CompareAndUpdate(ctx, "L1",
		model.Expectation{Version: l.Version, CurrentPrice: l.CurrentPrice},
		model.ListingUpdate{CurrentPrice: &price, LastPriceReduction: &now, NextPriceReduction: &next, SetNextReduction: true},
		&model.PriceHistoryEntry{Price: price, PreviousPrice: l.CurrentPrice, Reason: model.ReasonScheduledReduction},
	)
	if err != nil {
		t.Fatalf("CompareAndUpdate: %v", err)
	}

	got, _ := ms.GetListing(ctx, "L1")
	if !got.CurrentPrice.Equal(d(90)) || got.Version != 2 {
		t.Errorf("listing = price %s version %d, want 90 / 2", got.CurrentPrice, got.Version)
	}
	if got.NextPriceReduction == nil || !got.NextPriceReduction.Equal(next) {
		t.Errorf("next reduction = %v, want %v", got.NextPriceReduction, next)
	}

	hist, _ := ms.GetHistory(ctx, "L1")
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if !hist[1].Price.Equal(got.CurrentPrice) {
		t.Errorf("latest history price %s != current price %s", hist[1].Price, got.CurrentPrice)
	}
	if !hist[1].CreatedAt.After(hist[0].CreatedAt) {
		t.Error("history timestamps must be strictly increasing")
	}
}

func TestCompareAndUpdate_Stale(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedListing(t, ms, "L1", 100, 50)
	ctx := context.Background()

	price := d(90)
	tests := []struct {
		name   string
		expect model.Expectation
	}{
		{"old version", model.Expectation{Version: l.Version - 1, CurrentPrice: l.CurrentPrice}},
		{"changed price", model.Expectation{Version: l.Version, CurrentPrice: d(99)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ms.CompareAndUpdate(ctx, "L1", tt.expect,
				model.ListingUpdate{CurrentPrice: &price},
				&model.PriceHistoryEntry{Price: price, Reason: model.ReasonScheduledReduction})
			if !errors.Is(err, model.ErrStaleListing) {
				t.Errorf("expected ErrStaleListing, got %v", err)
			}
		})
	}

	hist, _ := ms.GetHistory(ctx, "L1")
	if len(hist) != 1 {
		t.Errorf("rejected writes must not append history, got %d entries", len(hist))
	}
}

func TestCompareAndUpdate_RejectsBelowFloor(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedListing(t, ms, "L1", 100, 50)

	price := d(49.99)
	err := ms.CompareAndUpdate(context.Background(), "L1",
		model.Expectation{Version: l.Version, CurrentPrice: l.CurrentPrice},
		model.ListingUpdate{CurrentPrice: &price}, nil)
	if !errors.Is(err, model.ErrPriceBelowFloor) {
		t.Errorf("expected ErrPriceBelowFloor, got %v", err)
	}
}

func TestCompareAndUpdate_ConcurrentWritersOneWins(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedListing(t, ms, "L1", 100, 50)
	ctx := context.Background()
	expect := model.Expectation{Version: l.Version, CurrentPrice: l.CurrentPrice}

	const writers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			price := d(90)
			err := ms.CompareAndUpdate(ctx, "L1", expect,
				model.ListingUpdate{CurrentPrice: &price},
				&model.PriceHistoryEntry{Price: price, PreviousPrice: d(100), Reason: model.ReasonScheduledReduction})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d writers won, want exactly 1", wins)
	}
	hist, _ := ms.GetHistory(ctx, "L1")
	if len(hist) != 2 {
		t.Errorf("history length = %d, want 2", len(hist))
	}
}

func TestFailNextWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedListing(t, ms, "L1", 100, 50)
	ctx := context.Background()
	boom := errors.New("connection reset")
	ms.FailNextWrites(1, boom)

	price := d(90)
	expect := model.Expectation{Version: l.Version, CurrentPrice: l.CurrentPrice}
	if err := ms.CompareAndUpdate(ctx, "L1", expect, model.ListingUpdate{CurrentPrice: &price}, nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := ms.CompareAndUpdate(ctx, "L1", expect, model.ListingUpdate{CurrentPrice: &price}, nil); err != nil {
		t.Fatalf("second write should succeed: %v", err)
	}
}

func TestListDueListingIDs(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	older := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	listings := []*model.Listing{
		{ID: "due-past", NextPriceReduction: &past},
		{ID: "due-never-scheduled"},
		{ID: "due-older", NextPriceReduction: &older},
		{ID: "future", NextPriceReduction: &future},
		{ID: "at-floor", CurrentPrice: d(50)},
		{ID: "disabled", ReductionEnabled: false},
		{ID: "paused", Status: model.StatusPaused},
	}
	for _, l := range listings {
		if l.CurrentPrice.IsZero() {
			l.CurrentPrice = d(100)
		}
		l.MinimumPrice = d(50)
		if l.ID != "disabled" {
			l.ReductionEnabled = true
		}
		if l.Status == "" {
			l.Status = model.StatusActive
		}
		l.ReductionStrategy = model.StrategyFixedPercentage
		if err := ms.CreateListing(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := ms.ListDueListingIDs(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"due-never-scheduled", "due-older", "due-past"}
	if len(ids) != len(want) {
		t.Fatalf("due = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("due[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestUpdateReductionSettings(t *testing.T) {
	ms := store.NewMemoryStore()
	l := seedListing(t, ms, "L1", 100, 50)
	ctx := context.Background()

	rs := model.ReductionSettings{
		Enabled: true, Strategy: model.StrategyFixedAmount, Amount: d(5),
		IntervalDays: 3, MinimumPrice: d(60),
	}
	if err := ms.UpdateReductionSettings(ctx, "L1", l.Version, rs); err != nil {
		t.Fatalf("UpdateReductionSettings: %v", err)
	}
	if err := ms.UpdateReductionSettings(ctx, "L1", l.Version, rs); !errors.Is(err, model.ErrStaleListing) {
		t.Errorf("expected ErrStaleListing on reused version, got %v", err)
	}

	got, _ := ms.GetListing(ctx, "L1")
	rs.MinimumPrice = d(150)
	if err := ms.UpdateReductionSettings(ctx, "L1", got.Version, rs); !errors.Is(err, model.ErrPriceBelowFloor) {
		t.Errorf("expected ErrPriceBelowFloor for floor above price, got %v", err)
	}
}

func TestAppendHistory_UnknownListing(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.AppendHistory(context.Background(), &model.PriceHistoryEntry{ListingID: "nope", Price: d(1)})
	if !errors.Is(err, model.ErrListingNotFound) {
		t.Errorf("expected ErrListingNotFound, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if snap, err := ms.GetSnapshot(ctx, "L1"); snap != nil || err != nil {
		t.Fatalf("missing snapshot = %v, %v; want nil, nil", snap, err)
	}
	_ = ms.UpsertSnapshot(ctx, &model.MarketSnapshot{ListingID: "L1", SuggestedPrice: d(70), SampleSize: 5})
	snap, _ := ms.GetSnapshot(ctx, "L1")
	if snap == nil || !snap.SuggestedPrice.Equal(d(70)) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMemoryLocker(t *testing.T) {
	lk := store.NewMemoryLocker()
	ctx := context.Background()

	ok, _ := lk.Acquire(ctx, "cycle", "a", time.Minute)
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := lk.Acquire(ctx, "cycle", "b", time.Minute); ok {
		t.Error("second holder must not acquire a live lease")
	}
	_ = lk.Release(ctx, "cycle", "b")
	if ok, _ := lk.Acquire(ctx, "cycle", "b", time.Minute); ok {
		t.Error("release by non-holder must not free the lease")
	}
	_ = lk.Release(ctx, "cycle", "a")
	if ok, _ := lk.Acquire(ctx, "cycle", "b", time.Minute); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestMemoryLocker_Expiry(t *testing.T) {
	lk := store.NewMemoryLocker()
	ctx := context.Background()

	if ok, _ := lk.Acquire(ctx, "cycle", "a", time.Nanosecond); !ok {
		t.Fatal("acquire should succeed")
	}
	time.Sleep(time.Millisecond)
	if ok, _ := lk.Acquire(ctx, "cycle", "b", time.Minute); !ok {
		t.Error("expired lease should be takeable")
	}
}
