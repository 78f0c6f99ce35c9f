// Package legengine wraps pkg/leg's LifecycleManager with the ambient
// concerns around it: engine-instance identity, concurrency-safe snapshot
// reads, and a bounded invalidated-leg ledger for event replay. The core
// detection algorithm itself lives in pkg/leg; this package never
// duplicates it.
package legengine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/algomatic/legengine/pkg/bar"
	"github.com/algomatic/legengine/pkg/leg"
	"github.com/algomatic/legengine/pkg/pending"
)

// Config bundles the core numeric policies (leg.Config) with the ledger
// size. Construction-time only, never mutated during a run.
type Config struct {
	leg.Config

	// InvalidatedLedgerSize bounds the tail of invalidated-leg events kept
	// for event replay. Zero disables the ledger.
	InvalidatedLedgerSize int
}

// DefaultConfig returns the lifecycle manager's defaults plus a modest
// ledger size.
func DefaultConfig() Config {
	return Config{Config: leg.DefaultConfig(), InvalidatedLedgerSize: 256}
}

func (c Config) validate() error {
	return c.Config.Validate()
}

// Engine is the externally facing, concurrency-aware handle on a single bar
// stream's leg detection state. process_bar itself is single-threaded; the
// mutex here exists so a snapshot reader (e.g. the HTTP API) can safely read
// state concurrently with the next ProcessBar call from a replay driver,
// mirroring the teacher's runtracker.Tracker pattern.
type Engine struct {
	mu sync.RWMutex

	id     string
	logger *slog.Logger
	mgr    *leg.LifecycleManager

	ledger *invalidatedLedger
}

// New constructs an Engine with a freshly generated, short hex run ID — the
// same crypto/rand idiom the teacher uses for run correlation IDs — so that
// multiple concurrent engine instances running side by side are
// distinguishable in logs, events, and persisted rows.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	id, err := generateEngineID()
	if err != nil {
		return nil, fmt.Errorf("generating engine id: %w", err)
	}

	mgr, err := leg.NewLifecycleManager(cfg.Config, logger.With("engine_id", id))
	if err != nil {
		return nil, err
	}

	logger.Info("legengine initialised", "engine_id", id)
	return &Engine{
		id:     id,
		logger: logger,
		mgr:    mgr,
		ledger: newInvalidatedLedger(cfg.InvalidatedLedgerSize),
	}, nil
}

func generateEngineID() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ID returns this engine instance's run correlation ID.
func (e *Engine) ID() string {
	return e.id
}

// ProcessBar advances the engine by one bar and returns the events it
// produced. Safe to call only from a single goroutine at a time; concurrent
// snapshot reads from other goroutines are safe.
func (e *Engine) ProcessBar(b bar.Bar) ([]leg.Event, error) {
	e.mu.Lock()
	events, err := e.mgr.ProcessBar(b)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.recordInvalidations(events)
	e.mu.Unlock()

	for _, ev := range events {
		e.logger.Debug("leg event",
			"kind", ev.Kind.String(),
			"bar_index", ev.BarIndex,
			"leg_id", ev.LegID,
			"direction", ev.Direction.String(),
		)
	}
	return events, nil
}

func (e *Engine) recordInvalidations(events []leg.Event) {
	for _, ev := range events {
		if ev.Kind == leg.LegInvalidated || ev.Kind == leg.LegPruned {
			e.ledger.push(ev)
		}
	}
}

// LegView is an immutable snapshot of a leg, safe to hand to consumers:
// consumers must not mutate legs referenced in events, so they receive
// snapshots or IDs instead of live pointers.
type LegView struct {
	ID          leg.ID
	Direction   bar.Direction
	PivotPrice  string
	PivotIndex  int64
	OriginPrice string
	OriginIndex int64
	Retracement string
	Formed      bool
	Completed   bool
	Status      string
	HasParent   bool
	ParentID    leg.ID
	BarCount    int64
	GapCount    int64
}

func newLegView(l *leg.Leg) LegView {
	return LegView{
		ID: l.ID, Direction: l.Direction,
		PivotPrice: l.PivotPrice.String(), PivotIndex: l.PivotIndex,
		OriginPrice: l.OriginPrice.String(), OriginIndex: l.OriginIndex,
		Retracement: l.RetracementPct.String(),
		Formed:      l.Formed, Completed: l.Completed,
		Status: l.Status.String(), HasParent: l.HasParent, ParentID: l.ParentID,
		BarCount: l.BarCount, GapCount: l.GapCount,
	}
}

// ActiveLegsSnapshot returns an immutable view of every non-invalidated leg.
func (e *Engine) ActiveLegsSnapshot() []LegView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	legs := e.mgr.ActiveLegs()
	out := make([]LegView, 0, len(legs))
	for _, l := range legs {
		out = append(out, newLegView(l))
	}
	return out
}

// PendingOriginView mirrors pending.Candidate for external consumption.
type PendingOriginView struct {
	Price     string
	BarIndex  int64
	Direction bar.Direction
	Source    string
}

func newPendingView(c *pending.Candidate) *PendingOriginView {
	if c == nil {
		return nil
	}
	return &PendingOriginView{Price: c.Price.String(), BarIndex: c.BarIndex, Direction: c.Direction, Source: c.Source.String()}
}

// PendingOrigins returns an immutable view of each direction's unconfirmed
// candidate pivot, or nil if none exists.
func (e *Engine) PendingOrigins() (bull, bearView *PendingOriginView) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bullC, bearC := e.mgr.PendingOrigins()
	return newPendingView(bullC), newPendingView(bearC)
}

// PivotRecord is a candidate anchor surviving its leg's invalidation.
type PivotRecord struct {
	PivotPrice string
	PivotIndex int64
	LegID      leg.ID
	Reason     string
}

// OrphanedPivots returns, grouped by direction, the pivot of every
// invalidated or pruned leg still held in the bounded invalidated-leg
// ledger. No check is made that a pivot is still unbreached.
func (e *Engine) OrphanedPivots() map[bar.Direction][]PivotRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := map[bar.Direction][]PivotRecord{bar.Bull: nil, bar.Bear: nil}
	for _, ev := range e.ledger.snapshot() {
		out[ev.Direction] = append(out[ev.Direction], PivotRecord{
			PivotPrice: ev.PivotPrice.String(),
			PivotIndex: ev.PivotIndex,
			LegID:      ev.LegID,
			Reason:     ev.Reason,
		})
	}
	return out
}

// InvalidatedLedger returns the bounded tail of recently invalidated or
// pruned leg events, kept for event replay.
func (e *Engine) InvalidatedLedger() []leg.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.snapshot()
}

// Poisoned reports whether the engine has refused all further bars after an
// InvariantViolation.
func (e *Engine) Poisoned() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mgr.Poisoned()
}
