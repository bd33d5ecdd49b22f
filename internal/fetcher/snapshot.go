package fetcher

import (
	"context"

	"github.com/rs/zerolog"

	"position-rescue-alerts/internal/ledger"
)

// Snapshot reads position state through the ledger client.
type Snapshot struct {
	client ledger.Client
	logger zerolog.Logger
}

// NewSnapshot constructs a snapshot fetcher over the given ledger client.
func NewSnapshot(client ledger.Client, logger zerolog.Logger) *Snapshot {
	return &Snapshot{
		client: client,
		logger: logger.With().Str("component", "snapshot_fetcher").Logger(),
	}
}

// Fetch pulls snapshots for every requested position. Errors are recorded
// per position and never abort the remaining reads.
func (s *Snapshot) Fetch(ctx context.Context, ids []ledger.PositionID) map[ledger.PositionID]Result {
	results := make(map[ledger.PositionID]Result, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			results[id] = Result{Err: ctx.Err()}
			continue
		}

		pos, err := s.client.GetPosition(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("position", id.String()).Msg("snapshot fetch failed")
			results[id] = Result{Err: err}
			continue
		}
		results[id] = Result{Position: pos}
	}
	return results
}

var _ SnapshotFetcher = (*Snapshot)(nil)
