// Package dashboard provides the HTTP handlers sellers use to inspect
// listings and their price history, edit reduction settings, set prices by
// hand, and trigger or inspect reduction cycles.
//
// All monetary values use shopspring/decimal — never float64 for money.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellerdash/repricer/internal/engine"
	"github.com/sellerdash/repricer/internal/model"
	"github.com/sellerdash/repricer/internal/policy"
	"github.com/sellerdash/repricer/internal/settings"
	"github.com/sellerdash/repricer/internal/store"
)

// CycleRunner is the batch runner surface the dashboard exposes.
type CycleRunner interface {
	RunCycle(ctx context.Context, now time.Time) (*engine.Summary, error)
	LastSummary() *engine.Summary
}

// PriceNotifier is told about price changes made through the dashboard.
type PriceNotifier interface {
	PriceChanged(e *model.PriceHistoryEntry)
}

// Service handles dashboard requests.
type Service struct {
	store    store.Store
	runner   CycleRunner
	notifier PriceNotifier // optional
	now      func() time.Time
}

// NewService creates a dashboard service.
// Pass nil for notifier if WebSocket broadcasting is not needed.
func NewService(st store.Store, runner CycleRunner, notifier PriceNotifier) *Service {
	return &Service{
		store:    st,
		runner:   runner,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers the dashboard endpoints under r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/listings", func(r chi.Router) {
		r.Get("/", s.ListListings)
		r.Post("/", s.CreateListing)
		r.Route("/{listingID}", func(r chi.Router) {
			r.Get("/", s.GetListing)
			r.Get("/history", s.GetHistory)
			r.Put("/reduction", s.UpdateReduction)
			r.Post("/price", s.SetPrice)
			r.Put("/market", s.UpsertSnapshot)
		})
	})
	r.Get("/cycles/latest", s.LatestCycle)
	r.Post("/cycles/run", s.RunCycle)
}

// --- Request types ---

// CreateListingRequest is the JSON body for listing creation.
type CreateListingRequest struct {
	ID       string          `json:"id"` // optional; generated when empty
	SellerID string          `json:"seller_id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Status   string          `json:"listing_status"` // default Active
	ReductionReq
}

// ReductionReq is the JSON body for a reduction settings edit.
type ReductionReq struct {
	Enabled      bool            `json:"reduction_enabled"`
	Strategy     string          `json:"reduction_strategy"`
	Percentage   decimal.Decimal `json:"reduction_percentage"`
	Amount       decimal.Decimal `json:"reduction_amount"`
	IntervalDays int             `json:"reduction_interval_days"`
	MinimumPrice decimal.Decimal `json:"minimum_price"`
}

func (r ReductionReq) settings() (model.ReductionSettings, error) {
	strategy, err := settings.ParseStrategy(r.Strategy)
	if err != nil {
		return model.ReductionSettings{}, err
	}
	return model.ReductionSettings{
		Enabled:      r.Enabled,
		Strategy:     strategy,
		Percentage:   r.Percentage,
		Amount:       r.Amount,
		IntervalDays: r.IntervalDays,
		MinimumPrice: r.MinimumPrice,
	}, nil
}

// SetPriceRequest is the JSON body for a manual price change.
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// --- Listing handlers ---

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rs, err := req.ReductionReq.settings()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	status := model.StatusActive
	if req.Status != "" {
		if status, err = settings.ParseStatus(req.Status); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	l := &model.Listing{
		ID:            id,
		SellerID:      req.SellerID,
		Title:         req.Title,
		CurrentPrice:  policy.Round(req.Price),
		OriginalPrice: policy.Round(req.Price),
		Status:        status,
		CreatedAt:     s.now(),
	}
	settings.Apply(l, rs)
	if err := settings.ValidateListing(l); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.CreateListing(r.Context(), l); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("listing created",
		"listing_id", l.ID,
		"price", l.CurrentPrice.String(),
		"strategy", l.ReductionStrategy,
	)

	writeJSON(w, http.StatusCreated, l)
}

// ListListings handles GET /api/v1/listings?status=Active
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	var status model.ListingStatus
	if q := r.URL.Query().Get("status"); q != "" {
		var err error
		if status, err = settings.ParseStatus(q); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	listings, err := s.store.ListListings(r.Context(), status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GetHistory handles GET /api/v1/listings/{listingID}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")
	ctx := r.Context()

	if _, err := s.store.GetListing(ctx, id); err != nil {
		writeStoreError(w, err)
		return
	}
	entries, err := s.store.GetHistory(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// UpdateReduction handles PUT /api/v1/listings/{listingID}/reduction
// Settings are validated against the current price before anything is
// written; a concurrent write makes the edit fail with 409.
func (s *Service) UpdateReduction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")

	var req ReductionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rs, err := req.settings()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := settings.Validate(rs, l.CurrentPrice); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateReductionSettings(ctx, id, l.Version, rs); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("reduction settings updated",
		"listing_id", id,
		"enabled", rs.Enabled,
		"strategy", rs.Strategy,
		"minimum_price", rs.MinimumPrice.String(),
	)

	updated, err := s.store.GetListing(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// SetPrice handles POST /api/v1/listings/{listingID}/price
// A manual price must be at or above the listing's minimum price. The
// reduction schedule is left untouched.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")

	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	price := policy.Round(req.Price)
	if !price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if price.LessThan(l.MinimumPrice) {
		writeError(w, model.ErrPriceBelowFloor.Error(), http.StatusBadRequest)
		return
	}
	if price.Equal(l.CurrentPrice) {
		writeJSON(w, http.StatusOK, l)
		return
	}

	entry := &model.PriceHistoryEntry{
		Price:         price,
		PreviousPrice: l.CurrentPrice,
		Reason:        model.ReasonManual,
		CreatedAt:     s.now(),
	}
	expect := model.Expectation{Version: l.Version, CurrentPrice: l.CurrentPrice}
	if err := s.store.CompareAndUpdate(ctx, id, expect, model.ListingUpdate{CurrentPrice: &price}, entry); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("manual price set",
		"listing_id", id,
		"old_price", l.CurrentPrice.String(),
		"new_price", price.String(),
	)
	if s.notifier != nil {
		s.notifier.PriceChanged(entry)
	}

	updated, err := s.store.GetListing(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// UpsertSnapshot handles PUT /api/v1/listings/{listingID}/market
// Used by the market data collector.
func (s *Service) UpsertSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")

	var snap model.MarketSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if snap.SampleSize < 0 || snap.AveragePrice.IsNegative() || snap.SuggestedPrice.IsNegative() {
		writeError(w, "market prices and sample size must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetListing(ctx, id); err != nil {
		writeStoreError(w, err)
		return
	}

	snap.ListingID = id
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now()
	}
	if err := s.store.UpsertSnapshot(ctx, &snap); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Cycle handlers ---

// LatestCycle handles GET /api/v1/cycles/latest
func (s *Service) LatestCycle(w http.ResponseWriter, r *http.Request) {
	sum := s.runner.LastSummary()
	if sum == nil {
		writeError(w, "no cycle has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// RunCycle handles POST /api/v1/cycles/run
// Runs a cycle synchronously; 409 if one is already running.
func (s *Service) RunCycle(w http.ResponseWriter, r *http.Request) {
	sum, err := s.runner.RunCycle(r.Context(), s.now())
	if err != nil {
		if errors.Is(err, model.ErrCycleInProgress) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("manual cycle failed", "err", err)
		writeError(w, "cycle failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps domain errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrListingNotFound):
		writeError(w, "listing not found", http.StatusNotFound)
	case errors.Is(err, model.ErrStaleListing):
		writeError(w, "listing changed concurrently, retry", http.StatusConflict)
	case errors.Is(err, model.ErrListingExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrPriceBelowFloor),
		errors.Is(err, model.ErrInvalidFloor),
		errors.Is(err, model.ErrInvalidSettings),
		errors.Is(err, model.ErrUnknownStrategy):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("store error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
