package leg

import (
	"github.com/shopspring/decimal"

	"github.com/algomatic/legengine/pkg/bar"
)

// ReplicaLeg is the subset of leg state reconstructable purely from a
// recorded Event stream, without access to the original bars. It is
// strictly lossier than a live Leg: fields that only ever change through
// bar mutation and are never themselves carried by an event
// (RetracementPct, BarCount, GapCount) have no replica equivalent.
type ReplicaLeg struct {
	ID          ID
	Direction   bar.Direction
	PivotPrice  decimal.Decimal
	PivotIndex  int64
	OriginPrice decimal.Decimal
	OriginIndex int64
	Formed      bool
	Invalidated bool
	HasParent   bool
	ParentID    ID
}

// ReplayEvents reconstructs per-leg state from a recorded Event stream, the
// way a consumer with no access to the live engine (the persistence layer
// rebuilding a snapshot, an event-bus subscriber catching up) would. Events
// must be supplied in emission order; within a single ProcessBar call they
// already are, since Event is the sole observable side effect of that call.
func ReplayEvents(events []Event) map[ID]*ReplicaLeg {
	legs := make(map[ID]*ReplicaLeg)
	for _, ev := range events {
		switch ev.Kind {
		case LegCreated:
			legs[ev.LegID] = &ReplicaLeg{
				ID:          ev.LegID,
				Direction:   ev.Direction,
				PivotPrice:  ev.PivotPrice,
				PivotIndex:  ev.PivotIndex,
				OriginPrice: ev.OriginPrice,
				OriginIndex: ev.OriginIndex,
				HasParent:   ev.HasParent,
				ParentID:    ev.ParentID,
			}
		case LegExtended:
			if lg, ok := legs[ev.LegID]; ok {
				lg.OriginPrice = ev.OriginPrice
				lg.OriginIndex = ev.OriginIndex
			}
		case LegFormed:
			if lg, ok := legs[ev.LegID]; ok {
				lg.Formed = true
			}
		case LegPruned, LegInvalidated:
			if lg, ok := legs[ev.LegID]; ok {
				lg.Invalidated = true
			}
		}
	}
	return legs
}
