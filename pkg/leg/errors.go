package leg

import "errors"

// Sentinel error taxonomy for the engine's failure modes. Wrapped with
// fmt.Errorf("...: %w", ...) at each boundary that surfaces one of these to
// a caller.
var (
	// ErrInvariantViolation is fatal: internal consistency broken. The
	// manager poisons itself and refuses further bars.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrOutOfOrderBar is fatal for the stream: incoming bar index <= the
	// previous bar's index (and not a revision of it).
	ErrOutOfOrderBar = errors.New("out of order bar")

	// ErrRevisedBar is fatal: incoming bar has the same index as the
	// previous bar but different data.
	ErrRevisedBar = errors.New("revised bar")

	// ErrConfigurationError surfaces only at construction time.
	ErrConfigurationError = errors.New("configuration error")

	// ErrPoisoned is returned by ProcessBar once an InvariantViolation has
	// poisoned the manager.
	ErrPoisoned = errors.New("lifecycle manager poisoned by a prior invariant violation")
)
