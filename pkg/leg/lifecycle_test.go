package leg

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/algomatic/legengine/pkg/bar"
	"github.com/algomatic/legengine/pkg/graph"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// makeBars builds a bar stream from literal (high, low, close) triples. Open
// is irrelevant to every scenario below and set equal to the prior close.
func makeBars(hlc [][3]string) []bar.Bar {
	bars := make([]bar.Bar, len(hlc))
	open := hlc[0][2]
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, row := range hlc {
		bars[i] = bar.Bar{
			Index:     int64(i),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      dec(open),
			High:      dec(row[0]),
			Low:       dec(row[1]),
			Close:     dec(row[2]),
		}
		open = row[2]
	}
	return bars
}

func process(t *testing.T, m *LifecycleManager, bars []bar.Bar) [][]Event {
	t.Helper()
	all := make([][]Event, len(bars))
	for i, b := range bars {
		events, err := m.ProcessBar(b)
		if err != nil {
			t.Fatalf("ProcessBar(%d) returned error: %v", b.Index, err)
		}
		all[i] = events
	}
	return all
}

func eventsOfKind(batches [][]Event, kind EventKind) []Event {
	var out []Event
	for _, batch := range batches {
		for _, ev := range batch {
			if ev.Kind == kind {
				out = append(out, ev)
			}
		}
	}
	return out
}

func firstCreatedWithPivot(batches [][]Event, pivot decimal.Decimal) (Event, bool) {
	for _, ev := range eventsOfKind(batches, LegCreated) {
		if ev.PivotPrice.Equal(pivot) {
			return ev, true
		}
	}
	return Event{}, false
}

func newManager(t *testing.T, cfg Config) *LifecycleManager {
	t.Helper()
	m, err := NewLifecycleManager(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	return m
}

// TestSimpleBullLegFormation drives a bull leg from creation through
// extension to formation at the 0.382 retracement.
func TestSimpleBullLegFormation(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"105", "100", "104"},
		{"107", "103", "106"},
		{"108", "104", "107"},
		{"107", "105", "105"},
		{"106", "104", "104"},
	})
	events := process(t, m, bars)

	created, ok := firstCreatedWithPivot(events, dec("100"))
	if !ok {
		t.Fatal("expected a LegCreated event with pivot 100")
	}
	if created.BarIndex != 1 {
		t.Errorf("expected the pivot-100 leg created at bar 1, got bar %d", created.BarIndex)
	}
	if created.Direction != bar.Bull {
		t.Errorf("expected a bull leg, got %v", created.Direction)
	}

	lg, ok := m.Leg(created.LegID)
	if !ok {
		t.Fatal("expected created leg to still be tracked")
	}
	if !lg.OriginPrice.Equal(dec("108")) || lg.OriginIndex != 2 {
		t.Errorf("expected origin extended to 108@2, got %s@%d", lg.OriginPrice, lg.OriginIndex)
	}
	if !lg.Formed {
		t.Error("expected leg to be formed by bar 4")
	}
	if lg.Status != StatusActive {
		t.Errorf("expected leg to remain active, got %v", lg.Status)
	}

	formedEvents := eventsOfKind(events, LegFormed)
	var formedThisLeg bool
	for _, ev := range formedEvents {
		if ev.LegID == created.LegID {
			if ev.BarIndex != 4 {
				t.Errorf("expected LegFormed at bar 4, got bar %d", ev.BarIndex)
			}
			formedThisLeg = true
		}
	}
	if !formedThisLeg {
		t.Error("expected a LegFormed event for the pivot-100 leg")
	}
}

// TestDecisiveInvalidation continues the formed bull leg above with a bar
// that breaches the 0.382 invalidation threshold.
func TestDecisiveInvalidation(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"105", "100", "104"},
		{"107", "103", "106"},
		{"108", "104", "107"},
		{"107", "105", "105"},
		{"106", "104", "104"},
		{"103", "96", "96"},
	})
	events := process(t, m, bars)

	created, ok := firstCreatedWithPivot(events, dec("100"))
	if !ok {
		t.Fatal("expected a LegCreated event with pivot 100")
	}

	var invalidated *Event
	for _, ev := range eventsOfKind(events, LegInvalidated) {
		if ev.LegID == created.LegID {
			e := ev
			invalidated = &e
		}
	}
	if invalidated == nil {
		t.Fatal("expected the pivot-100 leg to be invalidated")
	}
	if invalidated.BarIndex != 5 {
		t.Errorf("expected invalidation at bar 5, got bar %d", invalidated.BarIndex)
	}
	if invalidated.Reason != "decisive_invalidation" {
		t.Errorf("expected reason decisive_invalidation, got %q", invalidated.Reason)
	}

	lg, ok := m.Leg(created.LegID)
	if !ok {
		t.Fatal("expected invalidated leg to remain queryable")
	}
	if lg.Status != StatusInvalidated {
		t.Errorf("expected status invalidated, got %v", lg.Status)
	}
	if !lg.PivotPrice.Equal(dec("100")) {
		t.Error("pivot must never change, even after invalidation")
	}
}

// TestInvalidatedLegPurgedOnNextBar asserts the memory-discipline guarantee:
// an invalidated leg remains queryable for the rest of the bar that
// invalidated it, but is gone from the manager (and its graph node removed)
// once the next bar is processed.
func TestInvalidatedLegPurgedOnNextBar(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"105", "100", "104"},
		{"107", "103", "106"},
		{"108", "104", "107"},
		{"107", "105", "105"},
		{"106", "104", "104"},
		{"103", "96", "96"},
	})
	events := process(t, m, bars)

	created, ok := firstCreatedWithPivot(events, dec("100"))
	if !ok {
		t.Fatal("expected a LegCreated event with pivot 100")
	}
	if _, ok := m.Leg(created.LegID); !ok {
		t.Fatal("expected the invalidated leg to still be queryable before the next bar")
	}
	if _, hasParent := m.graph.Parent(graph.ID(created.LegID)); hasParent {
		t.Fatal("pivot-100 leg is a root; expected no parent edge")
	}

	if _, err := m.ProcessBar(bar.Bar{Index: 6, High: dec("98"), Low: dec("94"), Close: dec("95")}); err != nil {
		t.Fatalf("ProcessBar(6): %v", err)
	}

	if _, ok := m.Leg(created.LegID); ok {
		t.Error("expected the invalidated leg to be purged after the next bar")
	}
	for _, lg := range m.ActiveLegs() {
		if lg.ID == created.LegID {
			t.Error("purged leg must not reappear in ActiveLegs")
		}
	}
}

// TestCompletionIsTerminal asserts that a leg reaching 2x completion is
// frozen, with no further mutation even on a bar that would otherwise
// decisively invalidate it.
func TestCompletionIsTerminal(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"101", "100", "100"},
		{"110", "100", "108"}, // bull leg: pivot=100@0, origin=110@1
		{"110", "105", "120"}, // high==origin (no extension); close=120 => |120-100|=20=2x(110-100) completion
	})
	process(t, m, bars)

	var target *Leg
	for _, lg := range m.ActiveLegs() {
		if lg.PivotPrice.Equal(dec("100")) && lg.Direction == bar.Bull {
			target = lg
		}
	}
	if target == nil {
		t.Fatal("expected an active bull leg with pivot 100")
	}
	if !target.Completed {
		t.Fatal("expected leg to be marked completed after 2x extension")
	}

	snapshotOrigin := target.OriginPrice
	snapshotStatus := target.Status

	// A bar that would otherwise decisively invalidate the leg must produce
	// no mutation and no event for it once completed.
	events, err := m.ProcessBar(bar.Bar{Index: 3, High: dec("96"), Low: dec("90"), Close: dec("95")})
	if err != nil {
		t.Fatalf("ProcessBar: %v", err)
	}
	for _, ev := range events {
		if ev.LegID == target.ID {
			t.Errorf("expected no events for a completed leg, got %v", ev.Kind)
		}
	}
	if !target.OriginPrice.Equal(snapshotOrigin) {
		t.Error("completed leg's origin must never change")
	}
	if target.Status != snapshotStatus {
		t.Error("completed leg's status must never change")
	}
}

// TestType3BranchPreservation asserts that an outside bar establishes
// ordering for neither direction, so no leg is created from either pending
// candidate on that bar.
func TestType3BranchPreservation(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"105", "100", "102"},
		{"110", "95", "103"}, // Type3: higher high AND lower low
	})
	events := process(t, m, bars)

	if created := eventsOfKind(events, LegCreated); len(created) != 0 {
		t.Errorf("expected no LegCreated events from a Type3 bar, got %d", len(created))
	}

	bull, bear := m.PendingOrigins()
	if bull == nil || !bull.Price.Equal(dec("95")) {
		t.Errorf("expected bull pending preserved at 95, got %+v", bull)
	}
	if bear == nil || !bear.Price.Equal(dec("110")) {
		t.Errorf("expected bear pending preserved at 110, got %+v", bear)
	}
}

// TestCausalityStreamingMatchesReplay asserts causality: state after
// streaming bars one at a time must be identical to replaying the same
// prefix from scratch, i.e. no step ever depends on bars not yet seen.
func TestCausalityStreamingMatchesReplay(t *testing.T) {
	bars := makeBars([][3]string{
		{"105", "100", "104"},
		{"107", "103", "106"},
		{"108", "104", "107"},
		{"107", "105", "105"},
		{"106", "104", "104"},
		{"103", "96", "96"},
	})

	streamed := newManager(t, DefaultConfig())
	for prefix, b := range bars {
		if _, err := streamed.ProcessBar(b); err != nil {
			t.Fatalf("streaming ProcessBar(%d): %v", b.Index, err)
		}

		replayed := newManager(t, DefaultConfig())
		process(t, replayed, bars[:prefix+1])

		got := summarizeLegs(streamed.ActiveLegs())
		want := summarizeLegs(replayed.ActiveLegs())
		if got != want {
			t.Fatalf("prefix %d: streaming state diverged from a from-scratch replay: %q vs %q", prefix+1, got, want)
		}
	}
}

func summarizeLegs(legs []*Leg) string {
	s := ""
	for _, lg := range legs {
		s += lg.Direction.String() + "|" + lg.PivotPrice.String() + "|" + lg.OriginPrice.String() + "|" + lg.Status.String() + ";"
	}
	return s
}

// TestOutOfOrderBarRejected asserts that a bar whose index does not advance
// past the previous bar's is rejected. The bar sent here repeats index 1
// with different data, so it is refused as a revised bar.
func TestOutOfOrderBarRejected(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"105", "100", "104"},
		{"107", "103", "106"},
	})
	process(t, m, bars)

	_, err := m.ProcessBar(bar.Bar{Index: 1, High: dec("108"), Low: dec("104"), Close: dec("107")})
	if err == nil {
		t.Fatal("expected an error for an out-of-order/revised bar")
	}
}

// TestIndependentChildSurvivesParentCascade asserts that a leg derived from
// a retracement point inside another leg's range is an "independent" child
// in the parent-child graph. When the parent is decisively invalidated, the
// child is reparented rather than swept away by the cascade — even if it
// goes on, in that same bar, to be invalidated for its own unrelated reason.
func TestIndependentChildSurvivesParentCascade(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"105", "100", "102"},     // 0: seeds bull=100, bear=105
		{"110", "103", "108"},     // 1: Type2Bull -> leg A: bull pivot=100@0, origin=110@1
		{"109", "104", "106"},     // 2: Type1 -> leg C: bear pivot=110@1, origin=104@2 (root)
		{"107", "105", "106"},     // 3: Type1 -> leg D: bull pivot=104@2, origin=107@3 (child of A)
		{"106", "105.5", "105.8"}, // 4: Type1 -> leg E: bear pivot=107@3, origin=105.5@4 (child of C)
		{"125", "106", "120"},     // 5: Type2Bull; close=120 decisively invalidates C, reparents E, then invalidates E by its own check
	})
	events := process(t, m, bars)

	legC, ok := firstCreatedWithPivot(events, dec("110"))
	if !ok {
		t.Fatal("expected a LegCreated event with pivot 110")
	}
	legE, ok := firstCreatedWithPivot(events, dec("107"))
	if !ok {
		t.Fatal("expected a LegCreated event with pivot 107")
	}
	if !legE.HasParent || legE.ParentID != legC.LegID {
		t.Fatalf("expected leg E's parent to be leg C (pivot 110), got parent=%v hasParent=%v", legE.ParentID, legE.HasParent)
	}

	eAfter, ok := m.Leg(legE.LegID)
	if !ok {
		t.Fatal("expected leg E to remain queryable after bar 5")
	}
	if eAfter.HasParent {
		t.Error("expected leg E to be reparented away from its invalidated parent, not still pointing at it")
	}
	if eAfter.Status != StatusInvalidated {
		t.Error("expected leg E to also have been invalidated this same bar, for its own reason")
	}

	var cReason, eReason string
	for _, ev := range eventsOfKind(events, LegInvalidated) {
		switch ev.LegID {
		case legC.LegID:
			cReason = ev.Reason
		case legE.LegID:
			eReason = ev.Reason
		}
	}
	if cReason != "decisive_invalidation" {
		t.Errorf("expected leg C invalidated directly, got reason %q", cReason)
	}
	if eReason != "decisive_invalidation" {
		t.Errorf("expected leg E's own invalidation reason to be its own check, got %q", eReason)
	}
	// Crucially, E's reason must not carry the "cascade:" prefix: it was
	// reparented away from C's cascade, not swept up by it.
	if len(eReason) >= 8 && eReason[:8] == "cascade:" {
		t.Error("leg E must not be invalidated via cascade from C: it was reparented, not a direct derivation")
	}
}

// TestGapCountIncrementedOnGapBar asserts that a gap bar (no overlap with
// its predecessor's range) increments gap_count on any leg it extends or
// creates, while an ordinary overlapping bar does not.
func TestGapCountIncrementedOnGapBar(t *testing.T) {
	m := newManager(t, DefaultConfig())
	bars := makeBars([][3]string{
		{"105", "100", "104"},
		{"107", "103", "106"}, // Type2Bull, overlapping -> creates bull leg pivot=100, no gap
		{"120", "115", "118"}, // gap up: low(115) > prior high(107); extends origin, gap_count++
	})
	events := process(t, m, bars)

	created, ok := firstCreatedWithPivot(events, dec("100"))
	if !ok {
		t.Fatal("expected a LegCreated event with pivot 100")
	}
	lg, ok := m.Leg(created.LegID)
	if !ok {
		t.Fatal("expected created leg to still be tracked")
	}
	if lg.GapCount != 1 {
		t.Errorf("expected gap_count=1 after one gap bar, got %d", lg.GapCount)
	}
	if lg.BarCount != 2 {
		t.Errorf("expected bar_count=2 (created + one extension), got %d", lg.BarCount)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FormationThreshold = decimal.Zero
	if _, err := NewLifecycleManager(cfg, nil); err == nil {
		t.Error("expected zero formation threshold to be rejected")
	}

	cfg = DefaultConfig()
	cfg.TickSize = decimal.NewFromInt(-1)
	if _, err := NewLifecycleManager(cfg, nil); err == nil {
		t.Error("expected negative tick size to be rejected")
	}
}
