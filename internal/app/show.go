package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent samples, rescue actions, and alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	actions, err := store.ListRecentActions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
	} else {
		fmt.Fprintln(writer, "Cycle (UTC)\tPosition\tCollateral\tDebt\tMargin\tLevel\tStatus\tError")
		for _, sample := range samples {
			errMsg := ""
			if sample.Error != nil {
				errMsg = sanitizeInline(*sample.Error)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				sample.CycleTS.UTC().Format(time.RFC3339),
				sample.PositionID,
				sample.Collateral.StringFixed(4),
				sample.Debt.StringFixed(4),
				sample.Margin.StringFixed(4),
				sample.Level,
				sample.Status,
				errMsg,
			)
		}
	}

	if len(actions) > 0 {
		fmt.Fprintln(writer, "")
		fmt.Fprintln(writer, "Action\tStatus\tAttempts\tTx\tReason\tUpdated (UTC)")
		for _, action := range actions {
			tx := ""
			if action.TxRef != nil {
				tx = *action.TxRef
			}
			reason := ""
			if action.FailReason != nil {
				reason = sanitizeInline(*action.FailReason)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%d\t%s\t%s\t%s\n",
				action.ID,
				action.Status,
				action.Attempts,
				tx,
				reason,
				action.UpdatedAt.UTC().Format(time.RFC3339),
			)
		}
	}

	if len(alerts) > 0 {
		fmt.Fprintln(writer, "")
		fmt.Fprintln(writer, "Alert (UTC)\tSeverity\tPosition\tMessage")
		for _, alert := range alerts {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\n",
				alert.CreatedAt.UTC().Format(time.RFC3339),
				alert.Severity,
				alert.PositionID,
				sanitizeInline(alert.Message),
			)
		}
	}

	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
