package fetcher

import (
	"context"

	"position-rescue-alerts/internal/ledger"
)

// Result carries one position's snapshot or the error that prevented it.
type Result struct {
	Position ledger.Position
	Err      error
}

// SnapshotFetcher pulls current on-chain state for tracked positions.
// A failure for one position never blocks snapshots for the others;
// failed positions are retried on the next polling cycle only.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, ids []ledger.PositionID) map[ledger.PositionID]Result
}
