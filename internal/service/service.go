package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"route-deal-alerts/internal/alerting"
	"route-deal-alerts/internal/analyzer"
	"route-deal-alerts/internal/fetcher"
	"route-deal-alerts/internal/logging"
	"route-deal-alerts/internal/metrics"
	"route-deal-alerts/internal/policy"
	"route-deal-alerts/internal/storage"
)

// ErrPersist marks a route cycle aborted because an accepted write did not reach the store.
var ErrPersist = errors.New("service: persist failed")

// Options tune a pipeline run.
type Options struct {
	Routes          []string
	Workers         int
	FetchTimeout    time.Duration
	MaxFailureRate  float64
	LockKey         int64
	HistoryMaxAge   time.Duration
	LedgerRetention time.Duration
	PushgatewayURL  string
	MetricsJob      string
}

// Deps are the collaborators of a run.
type Deps struct {
	Store      storage.Store
	Queue      storage.AlertQueue
	Source     fetcher.Source
	Normalizer *fetcher.Normalizer
	Analyzer   *analyzer.Analyzer
	Policy     *policy.Policy
	Notifier   alerting.Notifier
	// Health receives unhealthy-run notices; defaults to Notifier when it supports them.
	Health  alerting.HealthNotifier
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service drives fetch, analysis, gating, persistence and dispatch for every route.
type Service struct {
	opts       Options
	store      storage.Store
	queue      storage.AlertQueue
	source     fetcher.Source
	normalizer *fetcher.Normalizer
	analyzer   *analyzer.Analyzer
	policy     *policy.Policy
	notifier   alerting.Notifier
	health     alerting.HealthNotifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
	locker     storage.AdvisoryLocker
}

// New constructs the pipeline service.
func New(opts Options, deps Deps) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	queue := deps.Queue
	if queue == nil {
		queue = deps.Store
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = alerting.NewLogNotifier(deps.Logger)
	}

	health := deps.Health
	if health == nil {
		if hn, ok := notifier.(alerting.HealthNotifier); ok {
			health = hn
		}
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		opts:       opts,
		store:      deps.Store,
		queue:      queue,
		source:     deps.Source,
		normalizer: deps.Normalizer,
		analyzer:   deps.Analyzer,
		policy:     deps.Policy,
		notifier:   notifier,
		health:     health,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With().Str("component", "service").Logger(),
		now:        now,
		locker:     locker,
	}
}

// run carries the state shared by the workers of one cycle.
type run struct {
	quota *policy.Quota
	sink  *reportSink
}

// RunOnce executes a single cycle over all routes. The returned error joins the
// ErrPersist failures of individual routes; every other problem is reported, not returned.
func (s *Service) RunOnce(ctx context.Context) (RunReport, error) {
	started := s.now()
	report := newReport(started)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return *report, err
	}
	if !proceed {
		s.logger.Info().Msg("skip run because advisory lock held elsewhere")
		report.Skipped = true
		report.FinishedAt = s.now()
		return *report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	day := s.policy.Day(started)
	counter, err := s.store.DailyCounter(ctx, day)
	if err != nil {
		return *report, fmt.Errorf("%w: read daily counter: %w", ErrPersist, err)
	}
	r := &run{
		quota: policy.NewQuota(s.policy.Options().GlobalDailyCap, counter),
		sink:  &reportSink{report: report},
	}

	var failures []error
	if s.policy.ActiveAt(started) {
		if err := s.flushNightQueue(ctx, r); err != nil {
			failures = append(failures, err)
		}
	}

	routes, err := s.resolveRoutes(ctx)
	if err != nil {
		return *report, fmt.Errorf("resolve routes: %w", err)
	}
	report.Routes = len(routes)

	routeErrs := make([]error, len(routes))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, route := range routes {
		i, route := i, route
		g.Go(func() error {
			routeErrs[i] = s.processRoute(ctx, r, route)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range routeErrs {
		if err != nil {
			failures = append(failures, err)
		}
	}

	pruned, err := s.evictExpired(ctx, started)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention eviction failed")
	}
	report.EvictedObservations = pruned.Observations
	report.EvictedAlerts = pruned.Alerts

	report.FinishedAt = s.now()
	s.finish(ctx, report)
	return *report, errors.Join(failures...)
}

// resolveRoutes returns each route once, so a route is never handled by two workers.
func (s *Service) resolveRoutes(ctx context.Context) ([]string, error) {
	if len(s.opts.Routes) > 0 {
		return uniqueRoutes(s.opts.Routes), nil
	}
	var (
		routes []string
		err    error
	)
	if lister, ok := s.source.(interface {
		Routes(ctx context.Context) ([]string, error)
	}); ok {
		routes, err = lister.Routes(ctx)
	} else {
		routes, err = s.store.ListRoutes(ctx)
	}
	if err != nil {
		return nil, err
	}
	return uniqueRoutes(routes), nil
}

func uniqueRoutes(routes []string) []string {
	seen := make(map[string]struct{}, len(routes))
	out := make([]string, 0, len(routes))
	for _, route := range routes {
		route = strings.TrimSpace(route)
		if route == "" {
			continue
		}
		if _, ok := seen[route]; ok {
			continue
		}
		seen[route] = struct{}{}
		out = append(out, route)
	}
	return out
}

// processRoute handles every request of one route sequentially, so all writes for
// a route come from one worker.
func (s *Service) processRoute(ctx context.Context, r *run, route string) error {
	logger := logging.WithRoute(s.logger, route)

	fetchCtx := ctx
	if s.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
	}

	reqs, err := s.source.Fetch(fetchCtx, route)
	if err != nil {
		logger.Warn().Err(err).Msg("fetch failed")
		r.sink.update(func(rep *RunReport) { rep.FetchFailed++ })
		s.countFetchFailure()
		return nil
	}
	r.sink.update(func(rep *RunReport) { rep.Fetched++ })
	fetcher.SortByObservedAt(reqs)

	for _, req := range reqs {
		if req.RouteKey == "" {
			req.RouteKey = route
		}
		if req.RouteKey != route {
			logger.Warn().Str("request_route", req.RouteKey).Msg("observation for another route skipped")
			s.countRejected(r, "route_mismatch")
			continue
		}
		if req.ObservedAt.IsZero() {
			req.ObservedAt = s.now().UTC()
		}
		if err := s.handle(ctx, r, logger, req); err != nil {
			logger.Error().Err(err).Msg("route cycle aborted")
			r.sink.update(func(rep *RunReport) { rep.PersistFailed++ })
			if s.metrics != nil {
				s.metrics.PersistFailures.Inc()
			}
			return fmt.Errorf("route %s: %w", route, err)
		}
	}
	return nil
}

// handle runs one request through analysis, history append, policy and dispatch.
// Only ErrPersist failures are returned.
func (s *Service) handle(ctx context.Context, r *run, logger zerolog.Logger, req fetcher.ObservationRequest) error {
	r.sink.update(func(rep *RunReport) { rep.Observations++ })

	norm, err := s.normalizer.Normalize(req)
	if err != nil {
		logger.Warn().Err(err).Msg("observation rejected")
		s.countRejected(r, "unknown_currency")
		return nil
	}

	history, err := s.store.Snapshot(ctx, norm.RouteKey)
	if err != nil {
		return fmt.Errorf("%w: snapshot: %w", ErrPersist, err)
	}

	verdict, err := s.analyzer.Analyze(history, candidateFor(norm))
	if err != nil {
		var rej *analyzer.RejectionError
		if errors.As(err, &rej) {
			logger.Warn().Err(err).Msg("observation rejected")
			s.countRejected(r, resultLabel(rej.Reason))
			return nil
		}
		return err
	}

	if err := s.store.AppendObservation(ctx, verdict.Observation()); err != nil {
		if errors.Is(err, storage.ErrStaleObservation) {
			logger.Warn().Time("observed_at", verdict.ObservedAt).Msg("stale observation rejected")
			s.countRejected(r, "stale")
			return nil
		}
		return fmt.Errorf("%w: append observation: %w", ErrPersist, err)
	}
	s.countAdmitted(r, verdict)

	now := s.now()
	snap, err := s.ledgerSnapshot(ctx, r, verdict.RouteKey, now)
	if err != nil {
		return err
	}
	decision := s.policy.Evaluate(verdict, now, snap)

	logger.Debug().
		Str("price", verdict.Price.String()).
		Str("category", string(verdict.Category)).
		Float64("savings_pct", verdict.SavingsPct).
		Bool("mistake_fare", verdict.IsMistakeFare).
		Str("volatility", string(verdict.Volatility)).
		Str("decision", decision.String()).
		Msg("observation evaluated")

	payload := payloadFor(verdict, norm.Currency)
	switch decision.Outcome {
	case policy.OutcomeSuppress:
		s.countSuppressed(r, decision.Reason)
		return nil
	case policy.OutcomeDefer:
		return s.enqueueDeferred(ctx, r, logger, payload, now)
	default:
		_, err := s.dispatch(ctx, r, logger, verdict, decision, payload, now)
		return err
	}
}

func (s *Service) ledgerSnapshot(ctx context.Context, r *run, route string, now time.Time) (policy.Snapshot, error) {
	alerts, err := s.store.AlertsSince(ctx, route, s.policy.LedgerSince(now))
	if err != nil {
		return policy.Snapshot{}, fmt.Errorf("%w: read ledger: %w", ErrPersist, err)
	}
	return policy.Snapshot{
		GlobalSent:  r.quota.Used(s.policy.Day(now)),
		RouteAlerts: alerts,
	}, nil
}

func (s *Service) enqueueDeferred(ctx context.Context, r *run, logger zerolog.Logger, payload alerting.AlertPayload, now time.Time) error {
	payload.Deferred = true
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal deferred alert: %w", err)
	}
	if err := s.queue.EnqueueAlert(ctx, payload.RouteKey, data, now); err != nil {
		return fmt.Errorf("%w: enqueue deferred alert: %w", ErrPersist, err)
	}
	logger.Info().Str("price", payload.Price.String()).Msg("alert deferred to night queue")
	r.sink.update(func(rep *RunReport) { rep.Deferred++ })
	s.countDecision(policy.OutcomeDefer, policy.ReasonNone)
	return nil
}

// dispatch reserves a quota slot, notifies, then records the ledger entry and counter.
// sent is false when the slot was taken or the notifier failed.
func (s *Service) dispatch(ctx context.Context, r *run, logger zerolog.Logger, v analyzer.Verdict, d policy.Decision, payload alerting.AlertPayload, now time.Time) (bool, error) {
	day := s.policy.Day(now)
	reservation, err := r.quota.Reserve(day, d.BypassQuota)
	if err != nil {
		s.countSuppressed(r, policy.ReasonDailyQuota)
		return false, nil
	}

	if err := s.notifier.Notify(ctx, payload); err != nil {
		reservation.Release()
		logger.Error().Err(err).Msg("failed to dispatch alert")
		r.sink.update(func(rep *RunReport) { rep.DispatchFailed++ })
		return false, nil
	}

	record := storage.AlertRecord{
		ID:          uuid.NewString(),
		RouteKey:    v.RouteKey,
		PriceBand:   d.Band,
		Price:       v.Price,
		MistakeFare: v.IsMistakeFare,
		SentAt:      now,
	}
	counter, err := s.store.RecordAlert(ctx, record, day)
	if err != nil {
		reservation.Commit(storage.DailyCounter{})
		return true, fmt.Errorf("%w: record alert: %w", ErrPersist, err)
	}
	reservation.Commit(counter)

	logger.Info().
		Str("price", v.Price.String()).
		Str("band", d.Band.String()).
		Int("daily_count", counter.Count).
		Bool("quota_bypass", d.BypassQuota).
		Msg("alert sent")
	r.sink.update(func(rep *RunReport) { rep.Sent++ })
	s.countDecision(policy.OutcomeSend, policy.ReasonNone)
	return true, nil
}

// flushNightQueue drains deferred alerts in insertion order as one batch.
// Entries whose dispatch failed stay queued for the next run.
func (s *Service) flushNightQueue(ctx context.Context, r *run) error {
	pending, err := s.queue.PendingAlerts(ctx)
	if err != nil {
		return fmt.Errorf("%w: read night queue: %w", ErrPersist, err)
	}
	if len(pending) == 0 {
		return nil
	}

	logger := s.logger.With().Str("phase", "night_queue").Logger()
	acked := make([]int64, 0, len(pending))
	var flushErr error

	for _, item := range pending {
		routeLogger := logging.WithRoute(logger, item.RouteKey)

		var payload alerting.AlertPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			routeLogger.Error().Err(err).Int64("id", item.ID).Msg("drop undecodable queue entry")
			acked = append(acked, item.ID)
			continue
		}

		v := verdictFromPayload(payload)
		now := s.now()
		snap, err := s.ledgerSnapshot(ctx, r, v.RouteKey, now)
		if err != nil {
			flushErr = err
			break
		}

		decision := s.policy.EvaluateDeferred(v, now, snap)
		if decision.Outcome != policy.OutcomeSend {
			routeLogger.Info().Str("decision", decision.String()).Msg("deferred alert dropped")
			s.countSuppressed(r, decision.Reason)
			acked = append(acked, item.ID)
			continue
		}

		payload.Deferred = true
		sent, err := s.dispatch(ctx, r, routeLogger, v, decision, payload, now)
		if sent {
			acked = append(acked, item.ID)
			r.sink.update(func(rep *RunReport) { rep.Flushed++ })
		}
		if err != nil {
			flushErr = err
			break
		}
	}

	if err := s.queue.AckAlerts(ctx, acked); err != nil {
		return errors.Join(flushErr, fmt.Errorf("%w: ack night queue: %w", ErrPersist, err))
	}
	return flushErr
}

// PruneResult counts rows removed by retention.
type PruneResult struct {
	Observations int64
	Alerts       int64
}

// Prune evicts history and ledger entries past their retention.
func (s *Service) Prune(ctx context.Context) (PruneResult, error) {
	return s.evictExpired(ctx, s.now())
}

func (s *Service) evictExpired(ctx context.Context, now time.Time) (PruneResult, error) {
	var res PruneResult
	if s.opts.HistoryMaxAge > 0 {
		n, err := s.store.EvictObservationsBefore(ctx, now.Add(-s.opts.HistoryMaxAge))
		if err != nil {
			return res, fmt.Errorf("evict observations: %w", err)
		}
		res.Observations = n
	}
	if s.opts.LedgerRetention > 0 {
		n, err := s.store.DeleteAlertsBefore(ctx, now.Add(-s.opts.LedgerRetention))
		if err != nil {
			return res, fmt.Errorf("evict alerts: %w", err)
		}
		res.Alerts = n
	}
	return res, nil
}

// BackfillResult counts what a history backfill did.
type BackfillResult struct {
	Admitted int
	Rejected int
	Stale    int
}

// Backfill folds historical requests into route history without gating or dispatching.
// Requests go through the same normalisation and sanity checks as a live run.
func (s *Service) Backfill(ctx context.Context, reqs []fetcher.ObservationRequest) (BackfillResult, error) {
	var res BackfillResult
	sorted := make([]fetcher.ObservationRequest, len(reqs))
	copy(sorted, reqs)
	fetcher.SortByObservedAt(sorted)

	for _, req := range sorted {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if req.RouteKey == "" || req.ObservedAt.IsZero() {
			res.Rejected++
			continue
		}
		norm, err := s.normalizer.Normalize(req)
		if err != nil {
			res.Rejected++
			continue
		}
		history, err := s.store.Snapshot(ctx, norm.RouteKey)
		if err != nil {
			return res, fmt.Errorf("%w: snapshot: %w", ErrPersist, err)
		}
		verdict, err := s.analyzer.Analyze(history, candidateFor(norm))
		if err != nil {
			var rej *analyzer.RejectionError
			if errors.As(err, &rej) {
				res.Rejected++
				continue
			}
			return res, err
		}
		if err := s.store.AppendObservation(ctx, verdict.Observation()); err != nil {
			if errors.Is(err, storage.ErrStaleObservation) {
				res.Stale++
				continue
			}
			return res, fmt.Errorf("%w: append observation: %w", ErrPersist, err)
		}
		res.Admitted++
	}

	s.logger.Info().Int("admitted", res.Admitted).Int("rejected", res.Rejected).Int("stale", res.Stale).Msg("backfill finished")
	return res, nil
}

// Simulate analyses and gates req against stored state without writing anything.
func (s *Service) Simulate(ctx context.Context, req fetcher.ObservationRequest) (analyzer.Verdict, policy.Decision, error) {
	norm, err := s.normalizer.Normalize(req)
	if err != nil {
		return analyzer.Verdict{}, policy.Decision{}, err
	}
	history, err := s.store.Snapshot(ctx, norm.RouteKey)
	if err != nil {
		return analyzer.Verdict{}, policy.Decision{}, fmt.Errorf("snapshot: %w", err)
	}
	verdict, err := s.analyzer.Analyze(history, candidateFor(norm))
	if err != nil {
		return verdict, policy.Decision{Outcome: policy.OutcomeSuppress, Reason: policy.ReasonInsufficientData}, err
	}

	now := s.now()
	counter, err := s.store.DailyCounter(ctx, s.policy.Day(now))
	if err != nil {
		return verdict, policy.Decision{}, fmt.Errorf("read daily counter: %w", err)
	}
	alerts, err := s.store.AlertsSince(ctx, norm.RouteKey, s.policy.LedgerSince(now))
	if err != nil {
		return verdict, policy.Decision{}, fmt.Errorf("read ledger: %w", err)
	}
	return verdict, s.policy.Evaluate(verdict, now, policy.Snapshot{GlobalSent: counter.Count, RouteAlerts: alerts}), nil
}

func (s *Service) finish(ctx context.Context, report *RunReport) {
	report.Log(s.logger, s.opts.MaxFailureRate)
	if !report.Healthy(s.opts.MaxFailureRate) {
		s.notifyUnhealthy(ctx, report)
	}
	if s.metrics == nil {
		return
	}

	s.metrics.RunDuration.Observe(report.Duration().Seconds())
	s.metrics.FailureRate.Set(report.FailureRate())
	if report.Healthy(s.opts.MaxFailureRate) {
		s.metrics.Healthy.Set(1)
	} else {
		s.metrics.Healthy.Set(0)
	}
	s.metrics.LastRunTimestamp.Set(float64(report.FinishedAt.Unix()))
	if pending, err := s.queue.PendingAlerts(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(len(pending)))
	}

	if err := s.metrics.Push(ctx, s.opts.PushgatewayURL, s.opts.MetricsJob); err != nil {
		s.logger.Warn().Err(err).Msg("metrics push failed")
	}
}

func (s *Service) notifyUnhealthy(ctx context.Context, report *RunReport) {
	if s.health == nil {
		return
	}
	err := s.health.NotifyHealth(ctx, alerting.HealthReport{
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
		Routes:        report.Routes,
		FetchFailed:   report.FetchFailed,
		PersistFailed: report.PersistFailed,
		FailureRate:   report.FailureRate(),
		Threshold:     s.opts.MaxFailureRate,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("health notice failed")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func candidateFor(req fetcher.ObservationRequest) analyzer.Candidate {
	return analyzer.Candidate{
		RouteKey:   req.RouteKey,
		Price:      req.Price,
		ObservedAt: req.ObservedAt,
		Sources:    req.SourcePrices(),
		Confidence: req.Confidence,
	}
}

func payloadFor(v analyzer.Verdict, currency string) alerting.AlertPayload {
	return alerting.AlertPayload{
		RouteKey:       v.RouteKey,
		Price:          v.Price,
		Currency:       currency,
		SavingsPct:     v.SavingsPct,
		Category:       string(v.Category),
		IsMistakeFare:  v.IsMistakeFare,
		Volatility:     string(v.Volatility),
		ObservedAt:     v.ObservedAt,
		PercentileRank: v.PercentileRank,
		AvgPrice:       v.Avg,
		Confidence:     v.Confidence,
	}
}

func verdictFromPayload(p alerting.AlertPayload) analyzer.Verdict {
	return analyzer.Verdict{
		RouteKey:       p.RouteKey,
		Price:          p.Price,
		ObservedAt:     p.ObservedAt,
		Category:       analyzer.Category(p.Category),
		SavingsPct:     p.SavingsPct,
		Confidence:     p.Confidence,
		Volatility:     analyzer.Volatility(p.Volatility),
		IsMistakeFare:  p.IsMistakeFare,
		Avg:            p.AvgPrice,
		PercentileRank: p.PercentileRank,
	}
}

func resultLabel(reason error) string {
	switch {
	case errors.Is(reason, analyzer.ErrAnomalyRejected):
		return "anomaly"
	case errors.Is(reason, analyzer.ErrInconsistentSources):
		return "inconsistent_sources"
	default:
		return "rejected"
	}
}

func (s *Service) countRejected(r *run, label string) {
	r.sink.update(func(rep *RunReport) { rep.Rejected++ })
	if s.metrics != nil {
		s.metrics.ObservationsTotal.WithLabelValues(label).Inc()
	}
}

func (s *Service) countAdmitted(r *run, v analyzer.Verdict) {
	r.sink.update(func(rep *RunReport) {
		switch v.Category {
		case analyzer.CategoryUnknown:
			rep.Unknown++
		case analyzer.CategoryBottom:
			rep.Bottoms++
		}
		if v.IsMistakeFare {
			rep.MistakeFares++
		}
	})
	if s.metrics != nil {
		s.metrics.ObservationsTotal.WithLabelValues(string(v.Category)).Inc()
	}
}

func (s *Service) countSuppressed(r *run, reason policy.Reason) {
	r.sink.update(func(rep *RunReport) { rep.Suppressed[reason]++ })
	s.countDecision(policy.OutcomeSuppress, reason)
}

func (s *Service) countDecision(outcome policy.Outcome, reason policy.Reason) {
	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(string(outcome), string(reason)).Inc()
	}
}

func (s *Service) countFetchFailure() {
	if s.metrics != nil {
		s.metrics.FetchFailures.Inc()
	}
}
