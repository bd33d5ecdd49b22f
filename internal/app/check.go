package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"position-rescue-alerts/internal/fetcher"
	"position-rescue-alerts/internal/ledger"
)

// Check runs a one-shot risk assessment against the live ledger and prints
// the result. No state is written and no rescue is triggered.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	raw := opts.Positions
	if len(raw) == 0 {
		raw = a.Config.Positions
	}
	if len(raw) == 0 {
		return fmt.Errorf("no positions configured or given")
	}

	ids := make([]ledger.PositionID, 0, len(raw))
	for _, r := range raw {
		id, err := ledger.ParsePositionID(r)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	snapshots := fetcher.NewSnapshot(a.newLedger(), a.Logger)
	evaluator := a.newEvaluator()

	results := snapshots.Fetch(ctx, ids)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer writer.Flush()
	fmt.Fprintln(writer, "Position\tCollateral\tDebt\tMargin\tLevel\tUpdated (UTC)\tError")

	for _, id := range ids {
		res, ok := results[id]
		if !ok {
			continue
		}
		if res.Err != nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\t%s\n", id, res.Err)
			continue
		}
		verdict := evaluator.Evaluate(res.Position)
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t\n",
			id,
			res.Position.Collateral.StringFixed(4),
			res.Position.Debt.StringFixed(4),
			verdict.Margin.StringFixed(4),
			verdict.Level,
			res.Position.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}

	return nil
}
