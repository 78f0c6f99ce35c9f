// Package classifier assigns each incoming bar a relational tag against its
// predecessor, establishing the intra-bar temporal ordering the rest of the
// engine depends on.
package classifier

import "github.com/algomatic/legengine/pkg/bar"

// Tag is the relational classification of a bar against its predecessor.
type Tag int

const (
	// Type1 is an inside bar: both extremes fall within the predecessor's
	// range. Classify also assigns it when one extreme equals the
	// predecessor's and the other breaks out.
	Type1 Tag = iota
	// Type2Bull is a higher-high, higher-low bar.
	Type2Bull
	// Type2Bear is a lower-high, lower-low bar.
	Type2Bear
	// Type3 is an outside (engulfing) bar: both a higher high and a lower low.
	Type3
)

func (t Tag) String() string {
	switch t {
	case Type1:
		return "Type1"
	case Type2Bull:
		return "Type2Bull"
	case Type2Bear:
		return "Type2Bear"
	case Type3:
		return "Type3"
	default:
		return "Unknown"
	}
}

// Classify tags bar B against its immediate predecessor A. Total over the
// domain of two bars; never fails.
func Classify(a, b bar.Bar) Tag {
	higherHigh := b.High.GreaterThan(a.High)
	lowerHigh := b.High.LessThan(a.High)
	higherLow := b.Low.GreaterThan(a.Low)
	lowerLow := b.Low.LessThan(a.Low)

	switch {
	case higherHigh && lowerLow:
		return Type3
	case higherHigh && higherLow:
		return Type2Bull
	case lowerHigh && lowerLow:
		return Type2Bear
	default:
		// B.high <= A.high AND B.low >= A.low, plus the bars that match no
		// other tag because one extreme equals A's: a higher high with an
		// equal low, or an equal high with a lower low.
		return Type1
	}
}

// EstablishesBullOrdering reports whether this bar's classification proves
// that A's low occurred before B's high, i.e. the ordering a bull leg
// A.low -> B.high requires is known rather than assumed.
func EstablishesBullOrdering(t Tag) bool {
	switch t {
	case Type2Bull, Type1:
		return true
	case Type3:
		// Both orderings are possible within the new bar; a Type3 bar is a
		// decision point, not a resolved ordering for either direction.
		return false
	default:
		return false
	}
}

// EstablishesBearOrdering reports whether this bar's classification proves
// that A's high occurred before B's low.
func EstablishesBearOrdering(t Tag) bool {
	switch t {
	case Type2Bear, Type1:
		return true
	default:
		return false
	}
}

// IsGap reports whether B's range does not overlap A's range at all — a
// price gap. Gap bars are treated as ordinary Type2 bars with a potentially
// large range; the gap is tracked separately via each affected leg's
// GapCount. A gap bar is always Type2Bull or Type2Bear; it can never be
// Type1 or Type3.
func IsGap(a, b bar.Bar) bool {
	return b.Low.GreaterThan(a.High) || b.High.LessThan(a.Low)
}
