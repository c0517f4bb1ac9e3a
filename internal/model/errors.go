package model

import "errors"

// Listing errors
var (
	// ErrListingNotFound is returned when no listing matches the given id.
	ErrListingNotFound = errors.New("listing not found")

	// ErrListingExists is returned when creating a listing whose id is taken.
	ErrListingExists = errors.New("listing already exists")

	// ErrStaleListing is returned by CompareAndUpdate when the stored version
	// or price no longer matches the caller's expectation.
	ErrStaleListing = errors.New("listing changed since it was read")

	// ErrPriceBelowFloor is returned when a write would set a price under
	// the listing's minimum price.
	ErrPriceBelowFloor = errors.New("price is below the listing's minimum price")
)

// Configuration errors
var (
	// ErrUnknownStrategy is returned for a reduction strategy outside the
	// supported set.
	ErrUnknownStrategy = errors.New("unknown reduction strategy")

	// ErrInvalidFloor is returned when minimum_price is zero or negative.
	ErrInvalidFloor = errors.New("minimum price must be positive")

	// ErrInvalidSettings is returned for any other rejected reduction setting.
	ErrInvalidSettings = errors.New("invalid reduction settings")
)

// Engine errors
var (
	// ErrCycleInProgress is returned when a cycle is triggered while another
	// one still holds the cycle lock.
	ErrCycleInProgress = errors.New("reduction cycle already in progress")
)
