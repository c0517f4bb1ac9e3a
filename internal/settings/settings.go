// Package settings parses and validates listing reduction settings. It is the
// boundary where configuration errors are rejected: a listing whose settings
// fail Validate must never be written, and the engine treats one that slips
// through as a failed evaluation rather than coercing it.
package settings

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sellerdash/repricer/internal/model"
)

var validStrategies = map[model.Strategy]bool{
	model.StrategyFixedPercentage: true,
	model.StrategyFixedAmount:     true,
	model.StrategyMarketBased:     true,
	model.StrategyTimeBased:       true,
}

var validStatuses = []model.ListingStatus{
	model.StatusActive,
	model.StatusPaused,
	model.StatusEnded,
	model.StatusSold,
	model.StatusDraft,
}

var (
	hundred = decimal.NewFromInt(100)

	// MaxIntervalDays bounds reduction_interval_days to one year.
	MaxIntervalDays = 365
)

// ParseStrategy normalises and validates a strategy name.
// Accepts any case and "-" in place of "_" (e.g. "Fixed-Percentage").
func ParseStrategy(s string) (model.Strategy, error) {
	norm := model.Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !validStrategies[norm] {
		return "", fmt.Errorf("%w: %q", model.ErrUnknownStrategy, s)
	}
	return norm, nil
}

// ParseStatus matches a listing status name case-insensitively.
func ParseStatus(s string) (model.ListingStatus, error) {
	for _, st := range validStatuses {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown listing status %q", model.ErrInvalidSettings, s)
}

// UsesPercentage reports whether a strategy reads reduction_percentage.
// market_based uses it as the fallback step when market data is thin.
func UsesPercentage(s model.Strategy) bool {
	return s == model.StrategyFixedPercentage ||
		s == model.StrategyTimeBased ||
		s == model.StrategyMarketBased
}

// Validate checks reduction settings against the listing's current price.
// Returns nil if the settings may be written, or an error wrapping one of
// model.ErrUnknownStrategy, model.ErrInvalidFloor or model.ErrInvalidSettings.
func Validate(s model.ReductionSettings, currentPrice decimal.Decimal) error {
	if !validStrategies[s.Strategy] {
		return fmt.Errorf("%w: %q", model.ErrUnknownStrategy, s.Strategy)
	}
	if !s.MinimumPrice.IsPositive() {
		return fmt.Errorf("%w: got %s", model.ErrInvalidFloor, s.MinimumPrice)
	}
	if s.MinimumPrice.GreaterThan(currentPrice) {
		return fmt.Errorf("%w: minimum price %s exceeds current price %s",
			model.ErrInvalidSettings, s.MinimumPrice, currentPrice)
	}
	if s.IntervalDays < 1 || s.IntervalDays > MaxIntervalDays {
		return fmt.Errorf("%w: interval must be between 1 and %d days, got %d",
			model.ErrInvalidSettings, MaxIntervalDays, s.IntervalDays)
	}

	switch s.Strategy {
	case model.StrategyFixedAmount:
		if !s.Amount.IsPositive() {
			return fmt.Errorf("%w: reduction amount must be positive, got %s",
				model.ErrInvalidSettings, s.Amount)
		}
	case model.StrategyMarketBased:
		// Percentage is optional here; zero disables the thin-data fallback.
		if s.Percentage.IsNegative() || s.Percentage.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("%w: reduction percentage must be in [0, 100), got %s",
				model.ErrInvalidSettings, s.Percentage)
		}
	default:
		if !s.Percentage.IsPositive() || s.Percentage.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("%w: reduction percentage must be in (0, 100), got %s",
				model.ErrInvalidSettings, s.Percentage)
		}
	}
	return nil
}

// FromListing extracts the reduction settings currently stored on a listing.
func FromListing(l *model.Listing) model.ReductionSettings {
	return model.ReductionSettings{
		Enabled:      l.ReductionEnabled,
		Strategy:     l.ReductionStrategy,
		Percentage:   l.ReductionPercentage,
		Amount:       l.ReductionAmount,
		IntervalDays: l.ReductionIntervalDays,
		MinimumPrice: l.MinimumPrice,
	}
}

// ValidateListing validates the settings stored on a listing.
func ValidateListing(l *model.Listing) error {
	return Validate(FromListing(l), l.CurrentPrice)
}

// Apply copies settings onto a listing. The schedule is left as-is so a
// listing that was already due stays due; a listing parked by the engine
// (no next reduction date) becomes due on the next cycle once re-enabled.
func Apply(l *model.Listing, s model.ReductionSettings) {
	l.ReductionEnabled = s.Enabled
	l.ReductionStrategy = s.Strategy
	l.ReductionPercentage = s.Percentage
	l.ReductionAmount = s.Amount
	l.ReductionIntervalDays = s.IntervalDays
	l.MinimumPrice = s.MinimumPrice
}
