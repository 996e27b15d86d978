package app

import (
	"context"
	"errors"

	"route-deal-alerts/internal/fetcher"
)

// Backfill 从观测文件回填航线历史，不触发任何告警。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.File == "" {
		return errors.New("回填需要 --file")
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	}

	env, err := a.newEnvironment(ctx, opts.DryRun)
	if err != nil {
		return err
	}
	defer env.Close()

	source := fetcher.NewFileSource(opts.File)
	routes, err := source.Routes(ctx)
	if err != nil {
		return err
	}

	var reqs []fetcher.ObservationRequest
	for _, route := range routes {
		batch, err := source.Fetch(ctx, route)
		if err != nil {
			return err
		}
		for _, req := range batch {
			if opts.From != nil && req.ObservedAt.Before(*opts.From) {
				continue
			}
			if opts.To != nil && !req.ObservedAt.Before(*opts.To) {
				continue
			}
			reqs = append(reqs, req)
		}
	}

	a.Logger.Info().Int("routes", len(routes)).Int("observations", len(reqs)).Str("file", opts.File).Msg("开始回填")
	_, err = env.service.Backfill(ctx, reqs)
	return err
}
