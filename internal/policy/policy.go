// Package policy computes the next price of a listing from its reduction
// strategy. It performs no I/O: every input, including the clock reading and
// any market snapshot, is passed in, so evaluating the same inputs twice
// always yields the same decision.
//
// Supported strategies:
//   - fixed_percentage: current × (1 − pct/100)
//   - fixed_amount:     current − amount
//   - time_based:       the percentage step scaled by how many whole intervals
//     have elapsed since the last reduction, capped at MaxPercentage
//   - market_based:     move to the market's suggested price when above it
//
// All monetary values use shopspring/decimal — never float64 for money.
// Candidates are rounded to PriceScale places (half-up) and clamped to the
// listing's floor before they are returned.
package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sellerdash/repricer/internal/model"
)

var (
	// PriceScale is the number of decimal places prices are rounded to
	// (the currency's minimum unit for USD-style pricing).
	PriceScale int32 = 2

	// DefaultMaxPercentage caps a single time_based cut.
	DefaultMaxPercentage = decimal.NewFromInt(50)

	// DefaultMinSamples is the market sample size under which market_based
	// falls back to the fixed percentage step. Zero disables the check.
	DefaultMinSamples = 0

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Reasons reported with a no-change decision.
const (
	NoChangeMarketDataUnavailable = "market data unavailable"
	NoChangeAtOrBelowMarket       = "price at or below market suggestion"
)

// Input is everything a strategy may read.
type Input struct {
	Listing  *model.Listing
	Snapshot *model.MarketSnapshot // nil when no market data is available
	Now      time.Time
}

// Decision is the outcome of evaluating a listing.
// When Change is false, Candidate is meaningless and NoChangeReason says why.
type Decision struct {
	Candidate      decimal.Decimal
	Change         bool
	Reason         model.HistoryReason
	NoChangeReason string
}

// NoChange builds a decision that leaves the price untouched.
func NoChange(reason string) Decision {
	return Decision{NoChangeReason: reason}
}

func scheduled(candidate decimal.Decimal) Decision {
	return Decision{Candidate: candidate, Change: true, Reason: model.ReasonScheduledReduction}
}

// Strategy computes a raw candidate price. Rounding and floor clamping are
// applied by the Evaluator, not by individual strategies.
type Strategy interface {
	Evaluate(in Input) (Decision, error)
}

// Config tunes the strategies that take engine-level parameters.
type Config struct {
	MaxPercentage decimal.Decimal // time_based single-step cap
	MinSamples    int             // market_based minimum sample size
}

// DefaultConfig returns the default strategy tuning.
func DefaultConfig() Config {
	return Config{
		MaxPercentage: DefaultMaxPercentage,
		MinSamples:    DefaultMinSamples,
	}
}

// Evaluator dispatches a listing to the strategy registered for it.
// It is stateless after construction and safe for concurrent use.
type Evaluator struct {
	strategies map[model.Strategy]Strategy
}

// NewEvaluator creates an evaluator with the four built-in strategies.
func NewEvaluator(cfg Config) *Evaluator {
	if !cfg.MaxPercentage.IsPositive() {
		cfg.MaxPercentage = DefaultMaxPercentage
	}
	if cfg.MinSamples < 0 {
		cfg.MinSamples = 0
	}
	return &Evaluator{
		strategies: map[model.Strategy]Strategy{
			model.StrategyFixedPercentage: FixedPercentage{},
			model.StrategyFixedAmount:     FixedAmount{},
			model.StrategyTimeBased:       TimeBased{MaxPercentage: cfg.MaxPercentage},
			model.StrategyMarketBased:     MarketBased{MinSamples: cfg.MinSamples},
		},
	}
}

// Register installs or replaces the strategy used for name.
// Must be called before the evaluator is shared between goroutines.
func (e *Evaluator) Register(name model.Strategy, s Strategy) {
	e.strategies[name] = s
}

// NeedsSnapshot reports whether evaluating the listing reads market data.
func NeedsSnapshot(l *model.Listing) bool {
	return l.ReductionStrategy == model.StrategyMarketBased
}

// Evaluate computes the candidate next price for a listing.
//
// Returns model.ErrInvalidFloor if the listing's minimum price is not
// positive and model.ErrUnknownStrategy if its strategy is not registered;
// both are configuration errors the caller must not coerce.
func (e *Evaluator) Evaluate(l *model.Listing, snap *model.MarketSnapshot, now time.Time) (Decision, error) {
	if !l.MinimumPrice.IsPositive() {
		return Decision{}, fmt.Errorf("%w: listing %s has minimum price %s",
			model.ErrInvalidFloor, l.ID, l.MinimumPrice)
	}

	s, ok := e.strategies[l.ReductionStrategy]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", model.ErrUnknownStrategy, l.ReductionStrategy)
	}

	dec, err := s.Evaluate(Input{Listing: l, Snapshot: snap, Now: now})
	if err != nil {
		return Decision{}, err
	}
	if dec.Change {
		dec.Candidate = ClampToFloor(Round(dec.Candidate), l.MinimumPrice)
	}
	return dec, nil
}

// Round rounds a price to PriceScale places, half away from zero (half-up
// for the positive prices handled here).
func Round(p decimal.Decimal) decimal.Decimal {
	return p.Round(PriceScale)
}

// ClampToFloor returns floor when candidate is below it or not positive.
func ClampToFloor(candidate, floor decimal.Decimal) decimal.Decimal {
	if !candidate.IsPositive() || candidate.LessThan(floor) {
		return floor
	}
	return candidate
}

// percentOff returns price × (1 − pct/100).
func percentOff(price, pct decimal.Decimal) decimal.Decimal {
	return price.Mul(one.Sub(pct.Div(hundred)))
}

// --- Strategies ---

// FixedPercentage cuts the price by reduction_percentage each cycle.
type FixedPercentage struct{}

func (FixedPercentage) Evaluate(in Input) (Decision, error) {
	l := in.Listing
	if !l.ReductionPercentage.IsPositive() {
		return Decision{}, fmt.Errorf("%w: reduction percentage %s", model.ErrInvalidSettings, l.ReductionPercentage)
	}
	return scheduled(percentOff(l.CurrentPrice, l.ReductionPercentage)), nil
}

// FixedAmount cuts the price by reduction_amount each cycle.
type FixedAmount struct{}

func (FixedAmount) Evaluate(in Input) (Decision, error) {
	l := in.Listing
	if !l.ReductionAmount.IsPositive() {
		return Decision{}, fmt.Errorf("%w: reduction amount %s", model.ErrInvalidSettings, l.ReductionAmount)
	}
	return scheduled(l.CurrentPrice.Sub(l.ReductionAmount)), nil
}

// TimeBased scales the percentage step linearly with the number of whole
// intervals elapsed since the last reduction (or creation):
//
//	steps = max(1, floor(elapsed / interval))
//	pct   = min(reduction_percentage × steps, MaxPercentage)
//
// A listing that missed cycles during downtime therefore catches up in one
// bounded cut instead of dropping without limit.
type TimeBased struct {
	MaxPercentage decimal.Decimal
}

// Steps returns the number of whole intervals elapsed at now, at least 1.
func (s TimeBased) Steps(l *model.Listing, now time.Time) int64 {
	elapsed := now.Sub(l.ReferenceTime())
	steps := int64(elapsed / l.Interval())
	if steps < 1 {
		steps = 1
	}
	return steps
}

// Percentage returns the capped cut percentage applied at now.
func (s TimeBased) Percentage(l *model.Listing, now time.Time) decimal.Decimal {
	pct := l.ReductionPercentage.Mul(decimal.NewFromInt(s.Steps(l, now)))
	if pct.GreaterThan(s.MaxPercentage) {
		return s.MaxPercentage
	}
	return pct
}

func (s TimeBased) Evaluate(in Input) (Decision, error) {
	l := in.Listing
	if !l.ReductionPercentage.IsPositive() {
		return Decision{}, fmt.Errorf("%w: reduction percentage %s", model.ErrInvalidSettings, l.ReductionPercentage)
	}
	return scheduled(percentOff(l.CurrentPrice, s.Percentage(l, in.Now))), nil
}

// MarketBased moves the price down to the market's suggested price (or the
// market average when no suggestion is published). When MinSamples is set and
// the snapshot reports fewer observations, the cut is limited to the fixed
// percentage step and never undershoots the target. A SampleSize of zero means
// the count is unknown. Missing market data never fails the evaluation.
type MarketBased struct {
	MinSamples int
}

// Target returns the market price to move toward, if the snapshot has one.
func (MarketBased) Target(snap *model.MarketSnapshot) (decimal.Decimal, bool) {
	if snap == nil {
		return decimal.Zero, false
	}
	if snap.SuggestedPrice.IsPositive() {
		return snap.SuggestedPrice, true
	}
	if snap.AveragePrice.IsPositive() {
		return snap.AveragePrice, true
	}
	return decimal.Zero, false
}

func (s MarketBased) Evaluate(in Input) (Decision, error) {
	l := in.Listing
	target, ok := s.Target(in.Snapshot)
	if !ok {
		return NoChange(NoChangeMarketDataUnavailable), nil
	}

	if !l.CurrentPrice.GreaterThan(target) {
		return NoChange(NoChangeAtOrBelowMarket), nil
	}

	if s.thin(in.Snapshot) {
		if !l.ReductionPercentage.IsPositive() {
			return NoChange(NoChangeMarketDataUnavailable), nil
		}
		return scheduled(decimal.Max(percentOff(l.CurrentPrice, l.ReductionPercentage), target)), nil
	}
	return Decision{Candidate: target, Change: true, Reason: model.ReasonMarketBased}, nil
}

func (s MarketBased) thin(snap *model.MarketSnapshot) bool {
	return s.MinSamples > 0 && snap.SampleSize > 0 && snap.SampleSize < s.MinSamples
}
