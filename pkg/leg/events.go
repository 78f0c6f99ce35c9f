package leg

import (
	"github.com/shopspring/decimal"

	"github.com/algomatic/legengine/pkg/bar"
)

// EventKind tags the variant of an Event. Go has no sum types, so a single
// struct carries every variant's fields and Kind says which apply.
type EventKind int

const (
	LegCreated EventKind = iota
	LegExtended
	LegFormed
	LegPruned
	LegInvalidated
)

func (k EventKind) String() string {
	switch k {
	case LegCreated:
		return "LegCreated"
	case LegExtended:
		return "LegExtended"
	case LegFormed:
		return "LegFormed"
	case LegPruned:
		return "LegPruned"
	case LegInvalidated:
		return "LegInvalidated"
	default:
		return "Unknown"
	}
}

// Event is the sole observable side effect of ProcessBar. Events within one
// call are totally ordered and all timestamped with the same BarIndex.
type Event struct {
	Kind      EventKind
	BarIndex  int64
	LegID     ID
	Direction bar.Direction

	PivotPrice  decimal.Decimal
	PivotIndex  int64
	OriginPrice decimal.Decimal
	OriginIndex int64

	// Reason is populated for LegPruned/LegInvalidated: "decisive_invalidation",
	// "completion" (never used — completion is silent, kept here only for
	// forward compatibility with a future event kind), "proximity_pruned",
	// "stale", or a "cascade:<reason>" wrapping the root cause.
	Reason string

	// ParentID/HasParent are populated for LegCreated.
	ParentID  ID
	HasParent bool
}
