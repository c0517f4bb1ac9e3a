package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestListing_IsDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	base := func() Listing {
		return Listing{
			ReductionEnabled: true,
			Status:           StatusActive,
			CurrentPrice:     decimal.NewFromInt(100),
			MinimumPrice:     decimal.NewFromInt(50),
		}
	}

	tests := []struct {
		name   string
		mutate func(l *Listing)
		want   bool
	}{
		{"never scheduled", func(l *Listing) {}, true},
		{"due in the past", func(l *Listing) { l.NextPriceReduction = &past }, true},
		{"due exactly now", func(l *Listing) { l.NextPriceReduction = &now }, true},
		{"due in the future", func(l *Listing) { l.NextPriceReduction = &future }, false},
		{"disabled", func(l *Listing) { l.ReductionEnabled = false }, false},
		{"paused", func(l *Listing) { l.Status = StatusPaused }, false},
		{"sold", func(l *Listing) { l.Status = StatusSold }, false},
		{"at floor", func(l *Listing) { l.CurrentPrice = decimal.NewFromInt(50) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base()
			tt.mutate(&l)
			if got := l.IsDue(now); got != tt.want {
				t.Errorf("IsDue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListing_IntervalAndReference(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Listing{ReductionIntervalDays: 0, CreatedAt: created}

	if l.Interval() != 24*time.Hour {
		t.Errorf("zero interval should floor to one day, got %s", l.Interval())
	}
	if !l.ReferenceTime().Equal(created) {
		t.Errorf("reference = %v, want creation time", l.ReferenceTime())
	}

	last := created.Add(72 * time.Hour)
	l.LastPriceReduction = &last
	l.ReductionIntervalDays = 3
	if l.Interval() != 72*time.Hour || !l.ReferenceTime().Equal(last) {
		t.Errorf("interval %s reference %v", l.Interval(), l.ReferenceTime())
	}
}
