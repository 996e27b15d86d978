package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/storage"
)

// Export renders a route history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.RouteKey == "" {
		return errors.New("--route must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	history, err := store.Snapshot(ctx, opts.RouteKey)
	if err != nil {
		return err
	}

	samples, err := filterWindow(history, opts.From, opts.To)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("route", opts.RouteKey).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleObservations(samples, opts.MaxPoints)
	a.Logger.Info().Str("route", opts.RouteKey).Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting observations")

	multiplier := decimal.NewFromFloat(a.Config.Analyzer.BottomMultiplier)
	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, opts.RouteKey, downsampled, analyzer.Dip(history, multiplier)); err != nil {
			return err
		}
	}

	return nil
}

// filterWindow keeps observations with from <= observed_at < to.
func filterWindow(history []storage.Observation, from, to *time.Time) ([]storage.Observation, error) {
	if from != nil && to != nil && !from.Before(*to) {
		return nil, errors.New("from must be before to")
	}
	out := make([]storage.Observation, 0, len(history))
	for _, obs := range history {
		if from != nil && obs.ObservedAt.Before(*from) {
			continue
		}
		if to != nil && !obs.ObservedAt.Before(*to) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func downsampleObservations(samples []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeObservationsCSV(path string, samples []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"observed_at", "route_key", "price", "confidence", "sample_count"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range samples {
		record := []string{
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.RouteKey,
			obs.Price.String(),
			strconv.FormatFloat(obs.Confidence, 'f', 3, 64),
			strconv.Itoa(obs.SampleCount),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeObservationsPNG(path, routeKey string, samples []storage.Observation, stats analyzer.DipStats) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	prices := make([]float64, len(samples))
	avg := make([]float64, len(samples))
	threshold := make([]float64, len(samples))

	avgValue := stats.Avg.InexactFloat64()
	thresholdValue := stats.Threshold.InexactFloat64()
	for i, obs := range samples {
		x[i] = obs.ObservedAt
		prices[i] = obs.Price.InexactFloat64()
		avg[i] = avgValue
		threshold[i] = thresholdValue
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  routeKey,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: prices,
			},
			chart.TimeSeries{
				Name:    "Window average",
				XValues: x,
				YValues: avg,
			},
			chart.TimeSeries{
				Name:    "Dip threshold",
				XValues: x,
				YValues: threshold,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
