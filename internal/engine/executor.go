package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sellerdash/repricer/internal/model"
	"github.com/sellerdash/repricer/internal/policy"
)

// Outcome is the result class of one listing execution.
type Outcome string

const (
	Reduced Outcome = "reduced"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Reasons reported with a Skipped outcome, besides the evaluator's own
// no-change reasons.
const (
	ReasonNotEligible = "not eligible"
	ReasonNoProgress  = "no price progress"
	ReasonStale       = "stale precondition"
)

// Result describes what happened to one listing.
type Result struct {
	ListingID string          `json:"listing_id"`
	Outcome   Outcome         `json:"outcome"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
	Reason    string          `json:"reason,omitempty"`
	Err       error           `json:"-"`
}

// Listings is the slice of the store the executor reads and writes.
type Listings interface {
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	CompareAndUpdate(ctx context.Context, id string, expect model.Expectation, upd model.ListingUpdate, entry *model.PriceHistoryEntry) error
}

// MarketData supplies market snapshots. GetSnapshot returns (nil, nil) when
// no data exists for the listing.
type MarketData interface {
	GetSnapshot(ctx context.Context, listingID string) (*model.MarketSnapshot, error)
}

// ExecutorConfig bounds a single listing execution.
type ExecutorConfig struct {
	MaxAttempts    int           // attempts per listing on transient errors
	RetryDelay     time.Duration // pause between attempts
	ListingTimeout time.Duration // deadline for one attempt
}

// DefaultExecutorConfig returns the default retry and timeout settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:    3,
		RetryDelay:     200 * time.Millisecond,
		ListingTimeout: 10 * time.Second,
	}
}

// Executor applies one reduction to one listing.
type Executor struct {
	listings Listings
	market   MarketData
	eval     *policy.Evaluator
	cfg      ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor creates an executor. market may be nil, in which case
// market_based listings always see absent data.
func NewExecutor(listings Listings, market MarketData, eval *policy.Evaluator, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ListingTimeout <= 0 {
		cfg.ListingTimeout = DefaultExecutorConfig().ListingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		listings: listings,
		market:   market,
		eval:     eval,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute reduces the listing's price if it is still due at now.
// Transient failures are retried up to MaxAttempts; the listing is written
// at most once per call.
func (e *Executor) Execute(ctx context.Context, id string, now time.Time) Result {
	var (
		res Result
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = e.attempt(ctx, id, now)
		if err == nil {
			return res
		}
		if !isTransient(err) || attempt >= e.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}

		e.logger.Warn("reduction attempt failed, retrying",
			"listing_id", id, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return failed(id, res.OldPrice, ctx.Err())
		case <-time.After(e.cfg.RetryDelay):
		}
	}

	e.logger.Error("reduction failed", "listing_id", id, "err", err)
	return failed(id, res.OldPrice, err)
}

// attempt runs one read-evaluate-write pass under the per-listing timeout.
// A non-nil error means the attempt failed; skips are reported as results.
func (e *Executor) attempt(parent context.Context, id string, now time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, e.cfg.ListingTimeout)
	defer cancel()

	l, err := e.listings.GetListing(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrListingNotFound) {
			return skipped(id, decimal.Zero, ReasonNotEligible), nil
		}
		return Result{ListingID: id}, err
	}

	if !l.IsDue(now) {
		return skipped(id, l.CurrentPrice, ReasonNotEligible), nil
	}

	var snap *model.MarketSnapshot
	if policy.NeedsSnapshot(l) && e.market != nil {
		snap, err = e.market.GetSnapshot(ctx, id)
		if err != nil {
			// Treated as absent data; the strategy decides what that means.
			e.logger.Warn("market data unavailable", "listing_id", id, "err", err)
			snap = nil
		}
	}

	dec, err := e.eval.Evaluate(l, snap, now)
	if err != nil {
		return Result{ListingID: id, OldPrice: l.CurrentPrice}, err
	}
	if !dec.Change {
		return skipped(id, l.CurrentPrice, dec.NoChangeReason), nil
	}

	candidate := policy.ClampToFloor(dec.Candidate, l.MinimumPrice)
	expect := model.Expectation{Version: l.Version, CurrentPrice: l.CurrentPrice}

	if !candidate.LessThan(l.CurrentPrice) {
		return e.park(ctx, l, expect)
	}

	reducedAt := now
	next := now.Add(l.Interval())
	upd := model.ListingUpdate{
		CurrentPrice:       &candidate,
		LastPriceReduction: &reducedAt,
		NextPriceReduction: &next,
		SetNextReduction:   true,
	}
	entry := &model.PriceHistoryEntry{
		Price:         candidate,
		PreviousPrice: l.CurrentPrice,
		Reason:        dec.Reason,
		Strategy:      l.ReductionStrategy,
		CreatedAt:     now,
	}

	if err := e.listings.CompareAndUpdate(ctx, id, expect, upd, entry); err != nil {
		if errors.Is(err, model.ErrStaleListing) {
			return skipped(id, l.CurrentPrice, ReasonStale), nil
		}
		return Result{ListingID: id, OldPrice: l.CurrentPrice}, err
	}

	e.logger.Info("price reduced",
		"listing_id", id,
		"strategy", l.ReductionStrategy,
		"old_price", l.CurrentPrice.String(),
		"new_price", candidate.String(),
	)
	return Result{
		ListingID: id,
		Outcome:   Reduced,
		OldPrice:  l.CurrentPrice,
		NewPrice:  candidate,
		Reason:    string(dec.Reason),
	}, nil
}

// park stops scheduling a listing whose strategy can no longer lower its
// price. The price is untouched and no history is written; editing the
// reduction settings re-enables it.
func (e *Executor) park(ctx context.Context, l *model.Listing, expect model.Expectation) (Result, error) {
	disabled := false
	upd := model.ListingUpdate{ReductionEnabled: &disabled, SetNextReduction: true}

	if err := e.listings.CompareAndUpdate(ctx, l.ID, expect, upd, nil); err != nil {
		if errors.Is(err, model.ErrStaleListing) {
			return skipped(l.ID, l.CurrentPrice, ReasonStale), nil
		}
		return Result{ListingID: l.ID, OldPrice: l.CurrentPrice}, err
	}

	e.logger.Info("reduction parked", "listing_id", l.ID, "price", l.CurrentPrice.String())
	return skipped(l.ID, l.CurrentPrice, ReasonNoProgress), nil
}

func skipped(id string, price decimal.Decimal, reason string) Result {
	return Result{ListingID: id, Outcome: Skipped, OldPrice: price, NewPrice: price, Reason: reason}
}

func failed(id string, price decimal.Decimal, err error) Result {
	return Result{
		ListingID: id,
		Outcome:   Failed,
		OldPrice:  price,
		NewPrice:  price,
		Reason:    err.Error(),
		Err:       err,
	}
}

// isTransient reports whether a failed attempt may succeed if repeated.
// Configuration errors, floor violations and deadlines are final.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, model.ErrUnknownStrategy),
		errors.Is(err, model.ErrInvalidFloor),
		errors.Is(err, model.ErrInvalidSettings),
		errors.Is(err, model.ErrPriceBelowFloor),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// String renders a result for logs.
func (r Result) String() string {
	if r.Outcome == Reduced {
		return fmt.Sprintf("%s %s: %s -> %s", r.ListingID, r.Outcome, r.OldPrice, r.NewPrice)
	}
	return fmt.Sprintf("%s %s: %s", r.ListingID, r.Outcome, r.Reason)
}
