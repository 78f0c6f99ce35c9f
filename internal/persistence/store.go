// Package persistence durably records a leg engine's emitted events and a
// queryable snapshot of its active-leg table, adapted from the teacher's
// pgx-based persistence.Client. This replaces the teacher's grpc_client.go
// path to a sibling data-service module (see DESIGN.md): the generated
// protobuf stubs it depended on do not exist in the retrieved pack, and
// this pgx ledger covers the same durable-persistence concern directly.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/algomatic/legengine/pkg/leg"
)

// Store provides durable persistence for a leg engine's event stream and
// active-leg snapshots.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store with a connection pool configured the way the
// teacher's persistence.Client configures pgxpool.
func NewStore(ctx context.Context, connStr string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("leg event store connection pool established", "max_conns", config.MaxConns)
	return &Store{pool: pool, logger: logger}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("leg event store connection pool closed")
}

// SaveEvents bulk-inserts a batch of leg events for one engine run via
// COPY, mirroring the teacher's SaveTrades bulk-insert path.
func (s *Store) SaveEvents(ctx context.Context, runID string, events []leg.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows := make([][]interface{}, len(events))
	for i, ev := range events {
		rows[i] = []interface{}{
			runID, ev.Kind.String(), ev.BarIndex, int64(ev.LegID), string(ev.Direction),
			ev.PivotPrice.String(), ev.PivotIndex, ev.OriginPrice.String(), ev.OriginIndex,
			ev.Reason, int64(ev.ParentID), ev.HasParent,
		}
	}

	count, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"leg_events"},
		[]string{
			"run_id", "kind", "bar_index", "leg_id", "direction",
			"pivot_price", "pivot_index", "origin_price", "origin_index",
			"reason", "parent_id", "has_parent",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk inserting leg events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing leg events transaction: %w", err)
	}

	s.logger.Info("saved leg events", "run_id", runID, "count", count)
	return int(count), nil
}

// LegSnapshotRow is one row of the queryable active-leg table used for
// replay/resume.
type LegSnapshotRow struct {
	RunID       string
	LegID       int64
	Direction   string
	PivotPrice  string
	PivotIndex  int64
	OriginPrice string
	OriginIndex int64
	Status      string
	Formed      bool
}

// SaveSnapshot upserts the current active-leg table for a run, so a replay
// driver can resume from the last persisted bar index without reprocessing
// the whole stream. Idempotent: a resubmitted row for the same (run_id,
// leg_id) overwrites the prior one.
func (s *Store) SaveSnapshot(ctx context.Context, rows []LegSnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range rows {
		_, err := tx.Exec(ctx,
			`INSERT INTO leg_snapshots
				(run_id, leg_id, direction, pivot_price, pivot_index,
				 origin_price, origin_index, status, formed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (run_id, leg_id) DO UPDATE SET
				origin_price = EXCLUDED.origin_price,
				origin_index = EXCLUDED.origin_index,
				status = EXCLUDED.status,
				formed = EXCLUDED.formed`,
			r.RunID, r.LegID, r.Direction, r.PivotPrice, r.PivotIndex,
			r.OriginPrice, r.OriginIndex, r.Status, r.Formed,
		)
		if err != nil {
			return fmt.Errorf("upserting leg snapshot %d: %w", r.LegID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing leg snapshot transaction: %w", err)
	}
	return nil
}
