package leg

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/algomatic/legengine/pkg/bar"
	"github.com/algomatic/legengine/pkg/classifier"
	"github.com/algomatic/legengine/pkg/graph"
	"github.com/algomatic/legengine/pkg/pending"
	"github.com/algomatic/legengine/pkg/pruner"
)

// LifecycleManager owns the active-leg set and is the sole mutator of leg
// state. It is not safe for concurrent use; process_bar is single-threaded
// per stream by design, and pkg/legengine is responsible for any
// concurrency-safe snapshotting around it.
type LifecycleManager struct {
	cfg    Config
	logger *slog.Logger

	legs map[ID]*Leg

	pending *pending.Tracker
	graph   *graph.Graph
	pruner  *pruner.Pruner

	prevBar      bar.Bar
	haveFirstBar bool
	poisoned     bool

	// pendingRemoval holds legs invalidated during the just-completed
	// ProcessBar call. They are kept queryable via Leg/ActiveLegs for the
	// remainder of that call and are only purged from legs/graph at the
	// start of the next one, once a caller has had the chance to drain
	// their events — bounding retention to one bar's worth of invalidations
	// rather than growing for the life of the stream.
	pendingRemoval []ID
}

// NewLifecycleManager constructs a manager with validated configuration. A
// nil logger defaults to slog.Default(), matching the teacher's
// nil-logger-tolerant constructors.
func NewLifecycleManager(cfg Config, logger *slog.Logger) (*LifecycleManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleManager{
		cfg:     cfg,
		logger:  logger,
		legs:    make(map[ID]*Leg),
		pending: pending.New(),
		graph:   graph.New(),
		pruner:  pruner.New(cfg.ProximityThreshold),
	}, nil
}

// ProcessBar advances the manager by one bar and returns its events. A
// poisoned manager, an out-of-order bar, or a revised bar is rejected with an
// error before any state changes. An InvariantViolation is detected only
// after the bar's mutation pass: the manager is then poisoned and the bar's
// events are returned together with the error, without rolling back the
// mutations already applied.
func (m *LifecycleManager) ProcessBar(b bar.Bar) ([]Event, error) {
	if m.poisoned {
		return nil, ErrPoisoned
	}

	if m.haveFirstBar {
		p := m.prevBar
		sameData := b.Timestamp.Equal(p.Timestamp) && b.Open.Equal(p.Open) &&
			b.High.Equal(p.High) && b.Low.Equal(p.Low) && b.Close.Equal(p.Close)
		if b.Index == p.Index && !sameData {
			return nil, fmt.Errorf("bar %d resent with different data: %w", b.Index, ErrRevisedBar)
		}
		if b.Index <= p.Index {
			return nil, fmt.Errorf("bar %d arrived after %d: %w", b.Index, m.prevBar.Index, ErrOutOfOrderBar)
		}
	}

	if !m.haveFirstBar {
		m.pending.SeedFirstBar(b)
		m.prevBar = b
		m.haveFirstBar = true
		m.logger.Debug("seeded first bar", "bar_index", b.Index)
		return nil, nil
	}

	for _, id := range m.pendingRemoval {
		delete(m.legs, id)
		m.graph.Remove(graph.ID(id))
	}
	m.pendingRemoval = m.pendingRemoval[:0]

	events := make([]Event, 0, 4)
	var touched []ID

	tag := classifier.Classify(m.prevBar, b)
	isGap := classifier.IsGap(m.prevBar, b)

	// Step 2: update pending origins, unconditionally.
	m.pending.Update(b)

	// Step 3: extend existing legs and recompute retracement/formation.
	for _, lg := range m.activeLegsSorted() {
		m.extendAndRecompute(lg, b, tag, isGap, &events, &touched)
	}

	// Step 4: promote confirmed pending origins into new legs. Type2Bull and
	// Type1 both establish the bull ordering (A.low before B.high);
	// Type2Bear and Type1 both establish the bear ordering (A.high before
	// B.low); Type3 establishes neither and is a deliberate decision point.
	// When a single bar establishes both orderings, bull is attempted
	// before bear, deterministically.
	if classifier.EstablishesBullOrdering(tag) {
		m.promote(bar.Bull, b, isGap, &events, &touched)
	}
	if classifier.EstablishesBearOrdering(tag) {
		m.promote(bar.Bear, b, isGap, &events, &touched)
	}

	// Step 5: decisive invalidation.
	for _, lg := range m.activeLegsSorted() {
		if lg.frozen() {
			continue
		}
		if m.violatesInvalidation(lg, b) {
			m.invalidateLeg(lg, b.Index, "decisive_invalidation", LegInvalidated, &events)
		}
	}

	// Step 6: completion. Silent — the event taxonomy has no LegCompleted
	// kind; a completed leg simply stops mutating.
	for _, lg := range m.activeLegsSorted() {
		if lg.frozen() {
			continue
		}
		m.checkCompletion(lg, b)
	}

	// Step 7: proximity pruner sweep, restricted to pivot groups touched
	// this bar (created or extended).
	m.sweepProximity(touched, b, &events)

	// Step 8: staleness sweep.
	m.staleSweep(b, &events)

	if err := m.checkInvariants(b.Index); err != nil {
		m.poisoned = true
		return events, err
	}

	m.prevBar = b
	return events, nil
}

// checkInvariants re-verifies the structural invariants a correct
// implementation should never violate. It is a defensive backstop, not a
// substitute for the construction-time guarantees already enforced elsewhere
// (pivot/origin ordering in promote, pruner/graph bookkeeping in
// invalidateLeg); tripping it poisons the engine under the fail-fast
// propagation policy, with enough context to diagnose the offending leg.
func (m *LifecycleManager) checkInvariants(barIndex int64) error {
	for _, lg := range m.legs {
		if lg.Status == StatusInvalidated {
			continue
		}
		if lg.PivotIndex > lg.OriginIndex {
			return fmt.Errorf("leg %d: pivot_index %d > origin_index %d at bar %d: %w",
				lg.ID, lg.PivotIndex, lg.OriginIndex, barIndex, ErrInvariantViolation)
		}
		if lg.Direction == bar.Bull && !lg.OriginPrice.GreaterThan(lg.PivotPrice) {
			return fmt.Errorf("leg %d: bull origin %s not above pivot %s at bar %d: %w",
				lg.ID, lg.OriginPrice, lg.PivotPrice, barIndex, ErrInvariantViolation)
		}
		if lg.Direction == bar.Bear && !lg.OriginPrice.LessThan(lg.PivotPrice) {
			return fmt.Errorf("leg %d: bear origin %s not below pivot %s at bar %d: %w",
				lg.ID, lg.OriginPrice, lg.PivotPrice, barIndex, ErrInvariantViolation)
		}
		if lg.RetracementPct.IsNegative() {
			return fmt.Errorf("leg %d: negative retracement %s at bar %d: %w",
				lg.ID, lg.RetracementPct, barIndex, ErrInvariantViolation)
		}
		if lg.HasParent {
			if _, ok := m.graph.Parent(graph.ID(lg.ID)); !ok {
				return fmt.Errorf("leg %d: HasParent set but graph has no parent edge at bar %d: %w",
					lg.ID, barIndex, ErrInvariantViolation)
			}
		}
	}
	return nil
}

// activeLegsSorted returns all legs (frozen ones are filtered by callers
// that care) ordered by ID, so iteration order is deterministic regardless
// of Go map ordering — required for a streamed run to be reproducible.
func (m *LifecycleManager) activeLegsSorted() []*Leg {
	out := make([]*Leg, 0, len(m.legs))
	for _, lg := range m.legs {
		out = append(out, lg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *LifecycleManager) extendAndRecompute(lg *Leg, b bar.Bar, tag classifier.Tag, isGap bool, events *[]Event, touched *[]ID) {
	if lg.frozen() {
		return
	}

	extended := false
	switch lg.Direction {
	case bar.Bull:
		if b.High.GreaterThan(lg.OriginPrice) {
			lg.OriginPrice = b.High
			lg.OriginIndex = b.Index
			extended = true
		}
	case bar.Bear:
		if b.Low.LessThan(lg.OriginPrice) {
			lg.OriginPrice = b.Low
			lg.OriginIndex = b.Index
			extended = true
		}
	}

	if extended {
		lg.BarCount++
		lg.LastChangedBar = b.Index
		if isGap {
			lg.GapCount++
		}
		*touched = append(*touched, lg.ID)
		*events = append(*events, Event{
			Kind: LegExtended, BarIndex: b.Index, LegID: lg.ID, Direction: lg.Direction,
			PivotPrice: lg.PivotPrice, PivotIndex: lg.PivotIndex,
			OriginPrice: lg.OriginPrice, OriginIndex: lg.OriginIndex,
		})
	}

	price := retracementPrice(lg, b, tag)
	retr := computeRetracement(lg, price)
	lg.RetracementPct = retr

	if !lg.Formed && retr.GreaterThanOrEqual(m.cfg.FormationThreshold) {
		lg.Formed = true
		*events = append(*events, Event{
			Kind: LegFormed, BarIndex: b.Index, LegID: lg.ID, Direction: lg.Direction,
			PivotPrice: lg.PivotPrice, PivotIndex: lg.PivotIndex,
			OriginPrice: lg.OriginPrice, OriginIndex: lg.OriginIndex,
		})
	}
}

// retracementPrice picks the price used for the retracement formula: the
// bar's close in general, or — for a Type1 inside bar, whose own extremes
// are established to fall strictly after the predecessor's — the more
// conservative wick extreme (low for bull, high for bear), giving an
// earlier, tighter read on the pullback.
func retracementPrice(lg *Leg, b bar.Bar, tag classifier.Tag) decimal.Decimal {
	if tag != classifier.Type1 {
		return b.Close
	}
	if lg.Direction == bar.Bull {
		if b.Low.LessThan(b.Close) {
			return b.Low
		}
		return b.Close
	}
	if b.High.GreaterThan(b.Close) {
		return b.High
	}
	return b.Close
}

// computeRetracement divides the pullback from origin by the leg's full
// range, clamping negative (price-beyond-origin) results to zero.
func computeRetracement(lg *Leg, price decimal.Decimal) decimal.Decimal {
	if lg.Direction == bar.Bull {
		r := lg.OriginPrice.Sub(price).Div(lg.OriginPrice.Sub(lg.PivotPrice))
		if r.IsNegative() {
			return decimal.Zero
		}
		return r
	}
	r := price.Sub(lg.OriginPrice).Div(lg.PivotPrice.Sub(lg.OriginPrice))
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (m *LifecycleManager) promote(dir bar.Direction, b bar.Bar, isGap bool, events *[]Event, touched *[]ID) {
	// ConfirmBefore, not Confirm: a candidate this same bar just seeded or
	// superseded (step 2, above) carries no established ordering against
	// this bar's own extremes and must not be promoted until a later bar
	// confirms it (see pending.Tracker.ConfirmBefore).
	pivotPrice, pivotIdx, ok := m.pending.ConfirmBefore(dir, b.Index)
	if !ok {
		return
	}

	var originPrice decimal.Decimal
	if dir == bar.Bull {
		originPrice = b.High
	} else {
		originPrice = b.Low
	}

	// Invariant 2 guard: a leg must have origin strictly beyond pivot in its
	// direction. Should always hold given the Type1/Type2 ordering that drove
	// promotion, but is checked explicitly rather than assumed.
	if dir == bar.Bull && !originPrice.GreaterThan(pivotPrice) {
		return
	}
	if dir == bar.Bear && !originPrice.LessThan(pivotPrice) {
		return
	}

	parentID, hasParent, independent := m.findParent(pivotPrice, pivotIdx)

	var graphParent graph.ID
	if hasParent {
		graphParent = graph.ID(parentID)
	}
	id := m.graph.Add(graphParent, independent)

	var gapCount int64
	if isGap {
		gapCount = 1
	}
	lg := &Leg{
		ID: id, Direction: dir,
		PivotPrice: pivotPrice, PivotIndex: pivotIdx,
		OriginPrice: originPrice, OriginIndex: b.Index,
		RetracementPct: decimal.Zero,
		Status:         StatusActive,
		HasParent:      hasParent,
		ParentID:       parentID,
		CreatedAtBar:   b.Index,
		LastChangedBar: b.Index,
		BarCount:       1,
		GapCount:       gapCount,
	}
	m.legs[id] = lg
	if hasParent {
		if parent, ok := m.legs[parentID]; ok {
			parent.Children = append(parent.Children, id)
		}
	}
	*touched = append(*touched, id)

	*events = append(*events, Event{
		Kind: LegCreated, BarIndex: b.Index, LegID: id, Direction: dir,
		PivotPrice: pivotPrice, PivotIndex: pivotIdx,
		OriginPrice: originPrice, OriginIndex: b.Index,
		ParentID: parentID, HasParent: hasParent,
	})
}

// findParent runs the parent-assignment search: prefer an active leg whose
// own defended pivot equals the new pivot (direct
// derivation, independent=false); otherwise an active leg whose new pivot
// falls strictly within its [pivot, origin] range is a retracement-point
// derivation (independent=true, survives its parent's invalidation if its
// own level is not separately breached). Ties prefer the candidate with the
// latest pivot index, then the most recently created leg (highest ID).
func (m *LifecycleManager) findParent(pivotPrice decimal.Decimal, pivotIdx int64) (ID, bool, bool) {
	var direct *Leg
	for _, lg := range m.legs {
		if lg.Status == StatusInvalidated || lg.PivotIndex > pivotIdx {
			continue
		}
		if lg.PivotPrice.Equal(pivotPrice) {
			if direct == nil || lg.PivotIndex > direct.PivotIndex ||
				(lg.PivotIndex == direct.PivotIndex && lg.ID > direct.ID) {
				direct = lg
			}
		}
	}
	if direct != nil {
		return direct.ID, true, false
	}

	var retracement *Leg
	for _, lg := range m.legs {
		if lg.Status == StatusInvalidated || lg.PivotIndex > pivotIdx {
			continue
		}
		lo, hi := lg.PivotPrice, lg.OriginPrice
		if lo.GreaterThan(hi) {
			lo, hi = hi, lo
		}
		if pivotPrice.GreaterThan(lo) && pivotPrice.LessThan(hi) {
			if retracement == nil || lg.PivotIndex > retracement.PivotIndex ||
				(lg.PivotIndex == retracement.PivotIndex && lg.ID > retracement.ID) {
				retracement = lg
			}
		}
	}
	if retracement != nil {
		return retracement.ID, true, true
	}
	return 0, false, false
}

func (m *LifecycleManager) violatesInvalidation(lg *Leg, b bar.Bar) bool {
	threshold := m.cfg.InvalidationThreshold.Mul(lg.Range())
	if lg.Direction == bar.Bull {
		return b.Close.LessThan(lg.PivotPrice.Sub(threshold))
	}
	return b.Close.GreaterThan(lg.PivotPrice.Add(threshold))
}

func (m *LifecycleManager) checkCompletion(lg *Leg, b bar.Bar) {
	rng := lg.Range()
	if rng.IsZero() {
		return
	}
	movement := b.Close.Sub(lg.PivotPrice).Abs()
	if movement.GreaterThanOrEqual(m.cfg.CompletionMultiple.Mul(rng)) {
		lg.Completed = true
	}
}

func (m *LifecycleManager) sweepProximity(touched []ID, b bar.Bar, events *[]Event) {
	seen := make(map[ID]bool, len(touched))
	for _, id := range touched {
		if seen[id] {
			continue
		}
		seen[id] = true
		lg, ok := m.legs[id]
		if !ok || lg.frozen() {
			continue
		}
		key := pivotGroupKey(lg)
		survived := m.pruner.Insert(key, b.Index, pruner.Candidate{
			LegID:       int64(lg.ID),
			OriginIndex: lg.OriginIndex,
			Range:       rangeFloat(lg),
		})
		if !survived {
			m.invalidateLeg(lg, b.Index, "proximity_pruned", LegPruned, events)
		}
	}
}

func (m *LifecycleManager) staleSweep(b bar.Bar, events *[]Event) {
	for _, lg := range m.activeLegsSorted() {
		if lg.frozen() {
			continue
		}
		// A LegExtended event resets the stagnation counter, so only a leg
		// that has never extended since creation is stale-eligible.
		if lg.LastChangedBar != lg.CreatedAtBar {
			continue
		}
		rng := lg.Range()
		if rng.IsZero() {
			continue
		}
		movement := b.Close.Sub(lg.OriginPrice).Abs()
		if movement.GreaterThan(m.cfg.StalenessMultiple.Mul(rng)) {
			m.invalidateLeg(lg, b.Index, "stale", LegInvalidated, events)
		}
	}
}

// invalidateLeg transitions lg to invalidated, emits its event (as kind,
// which is LegInvalidated or LegPruned depending on the caller), removes it
// from proximity tracking, and cascades through the parent-child graph:
// direct-derivation descendants are invalidated in turn; independently
// valid descendants are reparented to the nearest surviving ancestor.
func (m *LifecycleManager) invalidateLeg(lg *Leg, barIndex int64, reason string, kind EventKind, events *[]Event) {
	if lg.Status == StatusInvalidated {
		return
	}
	lg.Status = StatusInvalidated
	*events = append(*events, Event{
		Kind: kind, BarIndex: barIndex, LegID: lg.ID, Direction: lg.Direction,
		PivotPrice: lg.PivotPrice, PivotIndex: lg.PivotIndex,
		OriginPrice: lg.OriginPrice, OriginIndex: lg.OriginIndex,
		Reason: reason,
	})
	m.pruner.Remove(pivotGroupKey(lg), int64(lg.ID))
	m.pendingRemoval = append(m.pendingRemoval, lg.ID)

	invalidatedIDs, reparentedIDs := m.graph.Cascade(graph.ID(lg.ID))
	for _, gid := range invalidatedIDs {
		id := ID(gid)
		if id == lg.ID {
			continue
		}
		child, ok := m.legs[id]
		if !ok || child.Status == StatusInvalidated {
			continue
		}
		child.Status = StatusInvalidated
		*events = append(*events, Event{
			Kind: LegInvalidated, BarIndex: barIndex, LegID: child.ID, Direction: child.Direction,
			PivotPrice: child.PivotPrice, PivotIndex: child.PivotIndex,
			OriginPrice: child.OriginPrice, OriginIndex: child.OriginIndex,
			Reason: "cascade:" + reason,
		})
		m.pruner.Remove(pivotGroupKey(child), int64(child.ID))
		m.pendingRemoval = append(m.pendingRemoval, child.ID)
	}
	for _, gid := range reparentedIDs {
		id := ID(gid)
		child, ok := m.legs[id]
		if !ok {
			continue
		}
		if p, hasParent := m.graph.Parent(gid); hasParent {
			child.ParentID = ID(p)
			child.HasParent = true
			if newParent, ok := m.legs[ID(p)]; ok {
				newParent.Children = append(newParent.Children, child.ID)
			}
		} else {
			child.HasParent = false
		}
	}
}

func pivotGroupKey(lg *Leg) string {
	return fmt.Sprintf("%s|%s|%d", lg.Direction, lg.PivotPrice.String(), lg.PivotIndex)
}

func rangeFloat(lg *Leg) float64 {
	f, _ := lg.Range().Float64()
	return f
}

// MarkPoisoned poisons the manager after the caller has detected an
// InvariantViolation it could not attribute to a specific internal check.
// Exported so pkg/legengine, which wraps this manager, can enforce the
// fail-fast propagation policy from a layer that may notice a violation the
// manager itself did not (e.g. a cross-check against a snapshot).
func (m *LifecycleManager) MarkPoisoned() {
	m.poisoned = true
}

// Poisoned reports whether the manager refuses further bars.
func (m *LifecycleManager) Poisoned() bool {
	return m.poisoned
}

// Leg returns a copy-free pointer to a tracked leg for read-only snapshot
// construction. Callers must not mutate the returned value.
func (m *LifecycleManager) Leg(id ID) (*Leg, bool) {
	lg, ok := m.legs[id]
	return lg, ok
}

// ActiveLegs returns every leg whose status is not invalidated, in
// deterministic ID order.
func (m *LifecycleManager) ActiveLegs() []*Leg {
	out := make([]*Leg, 0, len(m.legs))
	for _, lg := range m.activeLegsSorted() {
		if lg.Status != StatusInvalidated {
			out = append(out, lg)
		}
	}
	return out
}

// PendingOrigins exposes the tracker's current candidates for snapshot
// queries.
func (m *LifecycleManager) PendingOrigins() (bull, bear *pending.Candidate) {
	if c, ok := m.pending.Peek(bar.Bull); ok {
		bull = &c
	}
	if c, ok := m.pending.Peek(bar.Bear); ok {
		bear = &c
	}
	return bull, bear
}
