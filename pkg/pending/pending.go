// Package pending implements the per-direction candidate-pivot tracker: at
// most one unconfirmed extremum per direction, awaiting the temporal
// ordering that would let it serve as a leg pivot.
package pending

import (
	"github.com/shopspring/decimal"

	"github.com/algomatic/legengine/pkg/bar"
)

// Source identifies which OHLC field produced a candidate price and is
// reported in snapshots. No code reads it to break ties: Update takes bull
// candidates only from lows and bear candidates only from highs, and keeps
// the earlier candidate when a new extreme merely equals it. The constants
// are declared in precedence order low < high < open < close.
type Source int

const (
	SourceLow Source = iota
	SourceHigh
	SourceOpen
	SourceClose
)

func (s Source) String() string {
	switch s {
	case SourceLow:
		return "low"
	case SourceHigh:
		return "high"
	case SourceOpen:
		return "open"
	case SourceClose:
		return "close"
	default:
		return "unknown"
	}
}

// Candidate is the externally visible snapshot of a pending origin.
type Candidate struct {
	Price     decimal.Decimal
	BarIndex  int64
	Direction bar.Direction
	Source    Source
}

// entry is the internal tracked state for one direction.
type entry struct {
	price    decimal.Decimal
	barIndex int64
	source   Source
}

// Tracker owns at most one pending origin per direction. It is consulted
// (never mutated) by anything other than the Leg Lifecycle Manager that
// owns it.
type Tracker struct {
	bull *entry
	bear *entry
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// SeedFirstBar seeds both directions from the very first bar of the stream.
// Only open->close ordering is known within a single bar, but an unconfirmed
// pending candidate carries no ordering claim, so the bar's own high/low may
// be used to seed it.
func (t *Tracker) SeedFirstBar(b bar.Bar) {
	t.bull = &entry{price: b.Low, barIndex: b.Index, source: SourceLow}
	t.bear = &entry{price: b.High, barIndex: b.Index, source: SourceHigh}
}

// Update supersedes the bull pending with b.Low if it is a strictly lower
// low, and the bear pending with b.High if it is a strictly higher high.
// Runs unconditionally every bar, independent of the bar's classification:
// classification only gates *promotion* into a new leg, never whether a
// pending candidate itself is tracked.
func (t *Tracker) Update(b bar.Bar) {
	if t.bull == nil || b.Low.LessThan(t.bull.price) {
		t.bull = &entry{price: b.Low, barIndex: b.Index, source: SourceLow}
	}
	if t.bear == nil || b.High.GreaterThan(t.bear.price) {
		t.bear = &entry{price: b.High, barIndex: b.Index, source: SourceHigh}
	}
}

// Peek returns the current pending origin for a direction without clearing
// it, or ok=false if none exists.
func (t *Tracker) Peek(dir bar.Direction) (Candidate, bool) {
	e := t.entryFor(dir)
	if e == nil {
		return Candidate{}, false
	}
	return Candidate{Price: e.price, BarIndex: e.barIndex, Direction: dir, Source: e.source}, true
}

// Confirm returns and clears the pending origin in the given direction. The
// caller promotes it into a new leg's pivot.
func (t *Tracker) Confirm(dir bar.Direction) (decimal.Decimal, int64, bool) {
	e := t.entryFor(dir)
	if e == nil {
		return decimal.Decimal{}, 0, false
	}
	t.clear(dir)
	return e.price, e.barIndex, true
}

// ConfirmBefore is Confirm restricted to a candidate established strictly
// before barIndex. A candidate whose BarIndex equals barIndex was just
// seeded or superseded by that same bar's Update call, not by some earlier
// bar — confirming it here would promote it using only the ordering within
// its own bar, which no classification ever establishes. Such a candidate is
// left in place, confirmable once a later bar's classification actually
// establishes the ordering it needs.
func (t *Tracker) ConfirmBefore(dir bar.Direction, barIndex int64) (decimal.Decimal, int64, bool) {
	e := t.entryFor(dir)
	if e == nil || e.barIndex >= barIndex {
		return decimal.Decimal{}, 0, false
	}
	t.clear(dir)
	return e.price, e.barIndex, true
}

// InvalidateIfViolated clears a pending origin whose premise has been
// violated before confirmation. Because Update runs unconditionally every
// bar and always supersedes a pending with any strictly more extreme
// candidate, no price action can violate an unconfirmed pending without
// also superseding it in this design. The method is kept as
// a named, first-class operation on the tracker's public contract and
// reports whether it found anything to clear, but in practice always
// returns false.
func (t *Tracker) InvalidateIfViolated(bar.Bar) bool {
	return false
}

func (t *Tracker) entryFor(dir bar.Direction) *entry {
	if dir == bar.Bull {
		return t.bull
	}
	return t.bear
}

func (t *Tracker) clear(dir bar.Direction) {
	if dir == bar.Bull {
		t.bull = nil
	} else {
		t.bear = nil
	}
}
