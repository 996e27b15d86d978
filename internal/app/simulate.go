package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/fetcher"
	"route-deal-alerts/internal/policy"
)

// SimulateOptions describe a hypothetical observation.
type SimulateOptions struct {
	RouteKey string
	Price    decimal.Decimal
	Currency string
	Sources  []decimal.Decimal
}

// Simulate 对假设价格给出分析结论与告警决策，不写入任何数据。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	env, err := a.newEnvironment(ctx, false)
	if err != nil {
		return err
	}
	defer env.Close()

	req := fetcher.ObservationRequest{
		RouteKey:   opts.RouteKey,
		Price:      opts.Price,
		Currency:   opts.Currency,
		ObservedAt: time.Now().UTC(),
	}
	for i, p := range opts.Sources {
		req.Sources = append(req.Sources, fetcher.SourceQuote{Name: fmt.Sprintf("source-%d", i+1), Price: p, Currency: opts.Currency})
	}

	verdict, decision, err := env.service.Simulate(ctx, req)
	if err != nil {
		a.Logger.Warn().Err(err).Str("route", opts.RouteKey).Msg("模拟被拒绝")
	}
	return writeSimulation(os.Stdout, opts.RouteKey, verdict, decision, err)
}

func writeSimulation(out io.Writer, routeKey string, v analyzer.Verdict, d policy.Decision, reason error) error {
	if reason != nil {
		_, err := fmt.Fprintf(out, "route=%s rejected: %v\n", routeKey, reason)
		return err
	}
	_, err := fmt.Fprintf(out,
		"route=%s price=%s category=%s savings=%.2f%% mistake_fare=%t confidence=%.2f volatility=%s percentile=%.2f history=%d\ndecision=%s\n",
		routeKey,
		formatDecimal(v.Price, 2),
		v.Category,
		v.SavingsPct,
		v.IsMistakeFare,
		v.Confidence,
		v.Volatility,
		v.PercentileRank,
		v.HistorySize,
		d,
	)
	return err
}
