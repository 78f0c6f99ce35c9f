// Package leg owns the active-leg set and implements the per-bar lifecycle
// algorithm: create, extend, form, invalidate. It composes pkg/classifier,
// pkg/pending, pkg/pruner, and pkg/graph, none of which depend back on it.
package leg

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/algomatic/legengine/pkg/bar"
	"github.com/algomatic/legengine/pkg/graph"
)

// ID identifies a leg for its entire lifetime, including after invalidation
// (events keep referencing it). Aliased to graph.ID so the arena in pkg/graph
// can be the single source of identity — no separate ID counter to keep in
// sync.
type ID = graph.ID

// Status is a leg's coarse lifecycle state.
type Status int

const (
	StatusActive Status = iota
	// StatusStale is an observable, non-authoritative hint; no engine
	// behavior branches on it.
	StatusStale
	StatusInvalidated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStale:
		return "stale"
	case StatusInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Leg is a candidate structural swing: a defended pivot and an extremum
// (origin) reached in the directional sense, with a retracement tracked
// back toward the pivot.
type Leg struct {
	ID        ID
	Direction bar.Direction

	PivotPrice decimal.Decimal
	PivotIndex int64

	OriginPrice decimal.Decimal
	OriginIndex int64

	RetracementPct decimal.Decimal
	Formed         bool
	Status         Status

	// Completed marks 2x-range completion: terminal and frozen, but
	// distinct from Status, since a completed leg is not "invalidated" —
	// it served its reference role and simply accepts no further mutation.
	Completed bool

	HasParent bool
	ParentID  ID
	Children  []ID

	BarCount       int64
	GapCount       int64
	CreatedAtBar   int64
	LastChangedBar int64
}

// Range returns the absolute distance between origin and pivot.
func (l *Leg) Range() decimal.Decimal {
	return l.OriginPrice.Sub(l.PivotPrice).Abs()
}

// frozen reports whether the leg accepts no further mutation.
func (l *Leg) frozen() bool {
	return l.Completed || l.Status == StatusInvalidated
}

// Config holds the numeric policies governing leg formation, invalidation,
// completion, and pruning, validated once at construction and never mutated
// during a run.
type Config struct {
	FormationThreshold    decimal.Decimal
	InvalidationThreshold decimal.Decimal
	CompletionMultiple    decimal.Decimal
	ProximityThreshold    float64
	StalenessMultiple     decimal.Decimal
	TickSize              decimal.Decimal
}

// DefaultConfig returns the standard 0.382/2.0 thresholds. TickSize is
// instrument-specific and left zero; callers must set it explicitly.
func DefaultConfig() Config {
	return Config{
		FormationThreshold:    decimal.NewFromFloat(0.382),
		InvalidationThreshold: decimal.NewFromFloat(0.382),
		CompletionMultiple:    decimal.NewFromInt(2),
		ProximityThreshold:    0.03,
		StalenessMultiple:     decimal.NewFromInt(2),
		TickSize:              decimal.Zero,
	}
}

// Validate checks the configuration at construction time only, returning a
// ConfigurationError for any out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.FormationThreshold.IsNegative() || c.FormationThreshold.IsZero():
		return fmt.Errorf("formation_threshold must be positive: %w", ErrConfigurationError)
	case c.InvalidationThreshold.IsNegative() || c.InvalidationThreshold.IsZero():
		return fmt.Errorf("invalidation_threshold must be positive: %w", ErrConfigurationError)
	case c.CompletionMultiple.IsNegative() || c.CompletionMultiple.IsZero():
		return fmt.Errorf("completion_multiple must be positive: %w", ErrConfigurationError)
	case c.ProximityThreshold < 0:
		return fmt.Errorf("proximity_threshold must be non-negative: %w", ErrConfigurationError)
	case c.StalenessMultiple.IsNegative() || c.StalenessMultiple.IsZero():
		return fmt.Errorf("staleness_multiple must be positive: %w", ErrConfigurationError)
	case c.TickSize.IsNegative():
		return fmt.Errorf("tick_size must be non-negative: %w", ErrConfigurationError)
	}
	return nil
}
