// Package model defines the core domain types shared across the repricer.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy names the policy used to compute a listing's next price.
type Strategy string

const (
	StrategyFixedPercentage Strategy = "fixed_percentage"
	StrategyFixedAmount     Strategy = "fixed_amount"
	StrategyMarketBased     Strategy = "market_based"
	StrategyTimeBased       Strategy = "time_based"
)

// ListingStatus is the marketplace lifecycle state of a listing.
type ListingStatus string

const (
	StatusActive ListingStatus = "Active"
	StatusPaused ListingStatus = "Paused"
	StatusEnded  ListingStatus = "Ended"
	StatusSold   ListingStatus = "Sold"
	StatusDraft  ListingStatus = "Draft"
)

// HistoryReason tags why a price history entry was written.
type HistoryReason string

const (
	ReasonInitial            HistoryReason = "initial"
	ReasonScheduledReduction HistoryReason = "scheduled_reduction"
	ReasonManual             HistoryReason = "manual"
	ReasonMarketBased        HistoryReason = "market_based"
)

// Listing is a sellable item whose price the engine may reduce over time.
// Version is bumped by the store on every write and is the optimistic
// concurrency token for CompareAndUpdate.
type Listing struct {
	ID       string `json:"id" db:"id"`
	SellerID string `json:"seller_id" db:"seller_id"`
	Title    string `json:"title" db:"title"`

	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	OriginalPrice decimal.Decimal `json:"original_price" db:"original_price"`
	MinimumPrice  decimal.Decimal `json:"minimum_price" db:"minimum_price"`

	ReductionEnabled      bool            `json:"reduction_enabled" db:"reduction_enabled"`
	ReductionStrategy     Strategy        `json:"reduction_strategy" db:"reduction_strategy"`
	ReductionPercentage   decimal.Decimal `json:"reduction_percentage" db:"reduction_percentage"`
	ReductionAmount       decimal.Decimal `json:"reduction_amount" db:"reduction_amount"`
	ReductionIntervalDays int             `json:"reduction_interval_days" db:"reduction_interval_days"`

	LastPriceReduction *time.Time `json:"last_price_reduction" db:"last_price_reduction"`
	NextPriceReduction *time.Time `json:"next_price_reduction" db:"next_price_reduction"`

	Status    ListingStatus `json:"listing_status" db:"listing_status"`
	Version   int64         `json:"version" db:"version"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// IsDue reports whether the listing satisfies the eligibility predicate at
// now: enabled, Active, above its floor and with no future reduction date.
func (l *Listing) IsDue(now time.Time) bool {
	if !l.ReductionEnabled || l.Status != StatusActive {
		return false
	}
	if !l.CurrentPrice.GreaterThan(l.MinimumPrice) {
		return false
	}
	return l.NextPriceReduction == nil || !l.NextPriceReduction.After(now)
}

// Interval returns the minimum spacing between reductions.
func (l *Listing) Interval() time.Duration {
	days := l.ReductionIntervalDays
	if days < 1 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}

// ReferenceTime is the point elapsed time is measured from: the last
// reduction if any, otherwise listing creation.
func (l *Listing) ReferenceTime() time.Time {
	if l.LastPriceReduction != nil {
		return *l.LastPriceReduction
	}
	return l.CreatedAt
}

// PriceHistoryEntry is an immutable record of a price change.
// Once created, these are never modified or deleted.
type PriceHistoryEntry struct {
	ID            string          `json:"id" db:"id"`
	ListingID     string          `json:"listing_id" db:"listing_id"`
	Price         decimal.Decimal `json:"price" db:"price"`
	PreviousPrice decimal.Decimal `json:"previous_price" db:"previous_price"`
	Reason        HistoryReason   `json:"reason" db:"reason"`
	Strategy      Strategy        `json:"strategy,omitempty" db:"strategy"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// MarketSnapshot is read-only market data for one listing, written by an
// external collector and consumed by the market_based strategy.
type MarketSnapshot struct {
	ListingID      string          `json:"listing_id" db:"listing_id"`
	AveragePrice   decimal.Decimal `json:"average_price" db:"average_price"`
	SuggestedPrice decimal.Decimal `json:"suggested_price" db:"suggested_price"`
	SampleSize     int             `json:"sample_size" db:"sample_size"`
	CapturedAt     time.Time       `json:"captured_at" db:"captured_at"`
}

// ListingUpdate carries the fields a reduction or settings write changes.
// Nil pointers leave the stored value untouched.
type ListingUpdate struct {
	CurrentPrice       *decimal.Decimal
	ReductionEnabled   *bool
	LastPriceReduction *time.Time
	// NextPriceReduction is written whenever SetNextReduction is true, so
	// a nil value clears the schedule.
	NextPriceReduction *time.Time
	SetNextReduction   bool
}

// Expectation is the optimistic precondition checked immediately before an
// atomic write.
type Expectation struct {
	Version      int64
	CurrentPrice decimal.Decimal
}

// ReductionSettings are the user-editable reduction fields of a listing.
type ReductionSettings struct {
	Enabled      bool            `json:"reduction_enabled"`
	Strategy     Strategy        `json:"reduction_strategy"`
	Percentage   decimal.Decimal `json:"reduction_percentage"`
	Amount       decimal.Decimal `json:"reduction_amount"`
	IntervalDays int             `json:"reduction_interval_days"`
	MinimumPrice decimal.Decimal `json:"minimum_price"`
}
