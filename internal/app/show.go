package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/storage"
)

// Show prints either a route's price history or the most recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.RouteKey != "" {
		history, err := store.Snapshot(ctx, opts.RouteKey)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Fprintln(os.Stdout, "no observations found")
			return nil
		}
		multiplier := decimal.NewFromFloat(a.Config.Analyzer.BottomMultiplier)
		return writeHistory(os.Stdout, history, opts.Limit, multiplier)
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}
	return writeAlerts(os.Stdout, alerts, a.Config.Location())
}

// writeHistory prints the newest limit observations followed by the window statistics.
func writeHistory(out io.Writer, history []storage.Observation, limit int, multiplier decimal.Decimal) error {
	rows := history
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tPrice\tConfidence\tSamples")
	for _, obs := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%.2f\t%d\n",
			obs.ObservedAt.UTC().Format(time.RFC3339),
			formatDecimal(obs.Price, 2),
			obs.Confidence,
			obs.SampleCount,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	stats := analyzer.Dip(history, multiplier)
	_, err := fmt.Fprintf(out, "\nwindow=%d min=%s avg=%s dip_threshold=%s\n",
		len(history), formatDecimal(stats.Min, 2), formatDecimal(stats.Avg, 2), formatDecimal(stats.Threshold, 2))
	return err
}

func writeAlerts(out io.Writer, alerts []storage.AlertRecord, loc *time.Location) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (local)\tRoute\tPrice\tBand\tMistake\tID")
	for _, rec := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%s\n",
			rec.SentAt.In(loc).Format("2006-01-02 15:04"),
			sanitizeInline(rec.RouteKey),
			formatDecimal(rec.Price, 2),
			formatDecimal(rec.PriceBand, 0),
			rec.MistakeFare,
			rec.ID,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
