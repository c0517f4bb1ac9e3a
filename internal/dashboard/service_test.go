package dashboard_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sellerdash/repricer/internal/dashboard"
	"github.com/sellerdash/repricer/internal/engine"
	"github.com/sellerdash/repricer/internal/model"
	"github.com/sellerdash/repricer/internal/policy"
	"github.com/sellerdash/repricer/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recordingNotifier struct {
	entries []*model.PriceHistoryEntry
}

func (n *recordingNotifier) PriceChanged(e *model.PriceHistoryEntry) {
	n.entries = append(n.entries, e)
}

// newTestEnv creates a dashboard Service with an in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, *engine.Runner, *recordingNotifier, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	exec := engine.NewExecutor(ms, ms, policy.NewEvaluator(policy.DefaultConfig()), engine.DefaultExecutorConfig(), nil)
	runner := engine.NewRunner(engine.NewSelector(ms), exec, nil, engine.RunnerConfig{Workers: 2}, nil)
	notifier := &recordingNotifier{}
	svc := dashboard.NewService(ms, runner, notifier)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, runner, notifier, r
}

// seedListing creates a test listing directly in the store.
func seedListing(t *testing.T, ms *store.MemoryStore, id string, price, floor float64) *model.Listing {
	t.Helper()
	l := &model.Listing{
		ID:                    id,
		Title:                 "vintage lamp",
		CurrentPrice:          d(price),
		OriginalPrice:         d(price),
		MinimumPrice:          d(floor),
		ReductionEnabled:      true,
		ReductionStrategy:     model.StrategyFixedPercentage,
		ReductionPercentage:   d(10),
		ReductionIntervalDays: 7,
		Status:                model.StatusActive,
		CreatedAt:             time.Now().UTC(),
	}
	if err := ms.CreateListing(context.Background(), l); err != nil {
		t.Fatalf("failed to seed listing: %v", err)
	}
	return l
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Listing tests ---

func TestCreateListing(t *testing.T) {
	ms, _, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/listings", map[string]any{
		"id":                      "L1",
		"title":                   "desk",
		"price":                   "120.00",
		"reduction_enabled":       true,
		"reduction_strategy":      "Fixed-Percentage",
		"reduction_percentage":    "5",
		"reduction_interval_days": 3,
		"minimum_price":           "60",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	l, err := ms.GetListing(context.Background(), "L1")
	if err != nil {
		t.Fatal(err)
	}
	if l.ReductionStrategy != model.StrategyFixedPercentage || l.Status != model.StatusActive {
		t.Errorf("listing = %+v", l)
	}
	hist, _ := ms.GetHistory(context.Background(), "L1")
	if len(hist) != 1 || hist[0].Reason != model.ReasonInitial {
		t.Errorf("expected one initial history entry, got %+v", hist)
	}
}

func TestCreateListing_InvalidSettings(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown strategy", map[string]any{"price": "100", "reduction_strategy": "bogus", "minimum_price": "50", "reduction_interval_days": 7}},
		{"zero floor", map[string]any{"price": "100", "reduction_strategy": "fixed_amount", "reduction_amount": "5", "minimum_price": "0", "reduction_interval_days": 7}},
		{"floor above price", map[string]any{"price": "100", "reduction_strategy": "fixed_amount", "reduction_amount": "5", "minimum_price": "150", "reduction_interval_days": 7}},
		{"missing percentage", map[string]any{"price": "100", "reduction_strategy": "fixed_percentage", "minimum_price": "50", "reduction_interval_days": 7}},
		{"unknown status", map[string]any{"price": "100", "reduction_strategy": "fixed_percentage", "reduction_percentage": "10", "minimum_price": "50", "reduction_interval_days": 7, "listing_status": "Archived"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/listings", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetListing_NotFound(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/listings/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListListings_StatusFilter(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	seedListing(t, ms, "A", 100, 50)
	paused := &model.Listing{ID: "P", CurrentPrice: d(10), MinimumPrice: d(5), Status: model.StatusPaused}
	if err := ms.CreateListing(context.Background(), paused); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, "GET", "/api/v1/listings?status=Paused", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var listings []model.Listing
	if err := json.NewDecoder(w.Body).Decode(&listings); err != nil {
		t.Fatal(err)
	}
	if len(listings) != 1 || listings[0].ID != "P" {
		t.Errorf("listings = %+v", listings)
	}
}

func TestListListings_UnknownStatus(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/listings?status=Archived", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Settings tests ---

func TestUpdateReduction(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	seedListing(t, ms, "L1", 100, 50)

	w := do(t, router, "PUT", "/api/v1/listings/L1/reduction", map[string]any{
		"reduction_enabled":       true,
		"reduction_strategy":      "time_based",
		"reduction_percentage":    "4",
		"reduction_interval_days": 2,
		"minimum_price":           "70",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	l, _ := ms.GetListing(context.Background(), "L1")
	if l.ReductionStrategy != model.StrategyTimeBased || !l.MinimumPrice.Equal(d(70)) || l.Version != 2 {
		t.Errorf("listing = %+v", l)
	}
}

func TestUpdateReduction_RejectsFloorAbovePrice(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	seedListing(t, ms, "L1", 100, 50)

	w := do(t, router, "PUT", "/api/v1/listings/L1/reduction", map[string]any{
		"reduction_enabled":       true,
		"reduction_strategy":      "fixed_percentage",
		"reduction_percentage":    "10",
		"reduction_interval_days": 7,
		"minimum_price":           "100.01",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	l, _ := ms.GetListing(context.Background(), "L1")
	if l.Version != 1 {
		t.Error("rejected settings must not be written")
	}
}

// --- Manual price tests ---

func TestSetPrice_WritesManualHistory(t *testing.T) {
	ms, _, notifier, router := newTestEnv(t)
	seedListing(t, ms, "L1", 100, 50)

	w := do(t, router, "POST", "/api/v1/listings/L1/price", map[string]any{"price": "75.5"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	l, _ := ms.GetListing(context.Background(), "L1")
	if !l.CurrentPrice.Equal(d(75.5)) {
		t.Errorf("price = %s, want 75.5", l.CurrentPrice)
	}
	hist, _ := ms.GetHistory(context.Background(), "L1")
	last := hist[len(hist)-1]
	if last.Reason != model.ReasonManual || !last.PreviousPrice.Equal(d(100)) || !last.Price.Equal(d(75.5)) {
		t.Errorf("history entry = %+v", last)
	}
	if len(notifier.entries) != 1 {
		t.Errorf("notifier called %d times, want 1", len(notifier.entries))
	}
}

func TestSetPrice_BelowFloor(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	seedListing(t, ms, "L1", 100, 50)

	w := do(t, router, "POST", "/api/v1/listings/L1/price", map[string]any{"price": "49.99"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	hist, _ := ms.GetHistory(context.Background(), "L1")
	if len(hist) != 1 {
		t.Errorf("rejected price must not write history, got %d entries", len(hist))
	}
}

func TestGetHistory(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	seedListing(t, ms, "L1", 100, 50)
	do(t, router, "POST", "/api/v1/listings/L1/price", map[string]any{"price": "90"})

	w := do(t, router, "GET", "/api/v1/listings/L1/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var hist []model.PriceHistoryEntry
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Reason != model.ReasonInitial || hist[1].Reason != model.ReasonManual {
		t.Errorf("history = %+v", hist)
	}
}

func TestUpsertSnapshot(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	seedListing(t, ms, "L1", 100, 50)

	w := do(t, router, "PUT", "/api/v1/listings/L1/market", map[string]any{
		"suggested_price": "80",
		"average_price":   "85",
		"sample_size":     12,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snap, _ := ms.GetSnapshot(context.Background(), "L1")
	if snap == nil || !snap.SuggestedPrice.Equal(d(80)) || snap.SampleSize != 12 {
		t.Errorf("snapshot = %+v", snap)
	}

	if w := do(t, router, "PUT", "/api/v1/listings/nope/market", map[string]any{"sample_size": 1}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown listing, got %d", w.Code)
	}
}

// --- Cycle tests ---

func TestCycles_LatestBeforeAndAfterRun(t *testing.T) {
	ms, _, _, router := newTestEnv(t)
	seedListing(t, ms, "L1", 100, 50)

	if w := do(t, router, "GET", "/api/v1/cycles/latest", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the first cycle, got %d", w.Code)
	}

	w := do(t, router, "POST", "/api/v1/cycles/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sum engine.Summary
	if err := json.NewDecoder(w.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if sum.Reduced != 1 {
		t.Errorf("reduced = %d, want 1", sum.Reduced)
	}

	w = do(t, router, "GET", "/api/v1/cycles/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var latest engine.Summary
	_ = json.NewDecoder(w.Body).Decode(&latest)
	if latest.CycleID != sum.CycleID {
		t.Errorf("latest cycle = %s, want %s", latest.CycleID, sum.CycleID)
	}

	l, _ := ms.GetListing(context.Background(), "L1")
	if !l.CurrentPrice.Equal(d(90)) {
		t.Errorf("price after cycle = %s, want 90", l.CurrentPrice)
	}
}

type busyRunner struct{}

func (busyRunner) RunCycle(context.Context, time.Time) (*engine.Summary, error) {
	return nil, model.ErrCycleInProgress
}

func (busyRunner) LastSummary() *engine.Summary { return nil }

func TestRunCycle_Conflict(t *testing.T) {
	svc := dashboard.NewService(store.NewMemoryStore(), busyRunner{}, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w := do(t, r, "POST", "/api/v1/cycles/run", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}
