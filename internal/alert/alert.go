// Package alert runs the evaluation cycle over armed alerts and exposes the
// create/list/delete operations used by the chat layer.
package alert

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"token-alert-bot/internal/metrics"
	"token-alert-bot/internal/rule"
	"token-alert-bot/internal/types"
)

// Store is the durable alert collection. ApplyTransitions must only settle
// rows that are still armed and report which ones it settled.
type Store interface {
	List(ctx context.Context, f types.Filter) ([]types.Alert, error)
	Get(ctx context.Context, id string) (types.Alert, error)
	Insert(ctx context.Context, a types.Alert) (string, error)
	UpdateState(ctx context.Context, t types.Transition) error
	ApplyTransitions(ctx context.Context, ts []types.Transition) ([]types.Transition, error)
	Delete(ctx context.Context, id string) error
}

// QuoteSource resolves a token to its current quote or types.ErrQuoteUnavailable.
type QuoteSource interface {
	Resolve(ctx context.Context, token types.Token) (*types.Quote, error)
}

type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
}

type Config struct {
	Interval      time.Duration
	QuoteTimeout  time.Duration
	NotifyTimeout time.Duration
	ExpiryWindow  time.Duration
	Concurrency   int
	// RetainSettled keeps triggered and expired alerts as history. When false
	// triggered alerts are deleted after the notification attempt and expired
	// ones right after they are settled.
	RetainSettled bool
	RetryMin      time.Duration
	RetryMax      time.Duration
	// PersistAttempts bounds the in-cycle retries of a failed transition batch.
	PersistAttempts int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = 10 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 15 * time.Second
	}
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = 24 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RetryMin <= 0 {
		c.RetryMin = 5 * time.Second
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = 5 * time.Minute
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
}

// Report summarises one cycle.
type Report struct {
	Armed        int
	Triggered    int
	Expired      int
	Inconclusive int
	Discarded    int
}

type Engine struct {
	store    Store
	quotes   QuoteSource
	notifier Notifier
	cfg      Config
	metrics  *metrics.EngineMetrics
	log      *log.Entry
	now      func() time.Time

	cycleMu  sync.Mutex
	cycles   int64
	inflight sync.WaitGroup
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(entry *log.Entry) Option {
	return func(e *Engine) { e.log = entry }
}

func NewEngine(store Store, quotes QuoteSource, notifier Notifier, cfg Config, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		store:    store,
		quotes:   quotes,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		log:      log.WithField("component", "alert_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewEngineMetrics(nil)
	}
	return e
}

// Run performs the catch-up pass and then evaluates on a fixed interval until
// ctx is cancelled. Failed cycles are retried with exponential backoff; the
// catch-up pass must succeed before the regular schedule starts.
func (e *Engine) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: e.cfg.RetryMin, Max: e.cfg.RetryMax, Factor: 2, Jitter: true}
	caughtUp := false

	e.log.Infof("🚀 Alert engine started, interval %s", e.cfg.Interval)
	for {
		if ctx.Err() != nil {
			break
		}

		label := "cycle"
		if !caughtUp {
			label = "catch-up"
		}

		wait := e.cfg.Interval
		if _, err := e.guardedCycle(ctx, label); err != nil {
			wait = b.Duration()
			e.log.WithError(err).Warnf("❌ %s failed, retrying in %s", label, wait)
		} else {
			b.Reset()
			caughtUp = true
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	e.log.Info("Alert engine stopping, waiting for pending notifications")
	e.Drain(e.cfg.NotifyTimeout)
	return nil
}

// CatchUp runs one pass over every armed alert. It is what Run does before
// its first scheduled cycle and exists separately for startup checks and tests.
func (e *Engine) CatchUp(ctx context.Context) (Report, error) {
	return e.guardedCycle(ctx, "catch-up")
}

func (e *Engine) guardedCycle(ctx context.Context, label string) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("🔥 Panic recovered in %s: %v\n%s", label, r, debug.Stack())
			err = errors.Errorf("panic in %s: %v", label, r)
			e.metrics.Cycles.WithLabelValues(metrics.ResultFailed).Inc()
		}
	}()
	return e.RunCycle(ctx)
}

// RunCycle evaluates every armed alert once. Store errors abort the cycle;
// per-alert problems only leave that alert armed.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.cycles++
	logger := e.log.WithField("cycle", e.cycles)
	start := time.Now()
	defer func() { e.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	var report Report

	armed, err := e.store.List(ctx, types.Filter{State: types.StateArmed})
	if err != nil {
		e.metrics.Cycles.WithLabelValues(metrics.ResultFailed).Inc()
		return report, errors.Wrap(err, "list armed alerts")
	}
	report.Armed = len(armed)
	e.metrics.ArmedAlerts.Set(float64(len(armed)))
	logger.Debugf("🔄 Checking %d armed alerts", len(armed))

	if len(armed) == 0 {
		e.metrics.Cycles.WithLabelValues(metrics.ResultOK).Inc()
		return report, nil
	}

	now := e.now()
	quotes := e.fetchQuotes(ctx, armed, now, logger)

	var (
		pending []types.Transition
		byID    = make(map[string]pendingAlert)
	)
	for _, a := range armed {
		alog := logger.WithFields(log.Fields{"alert_id": a.ID, "token": a.Target.String()})

		if rule.Expired(a, now, e.cfg.ExpiryWindow) {
			alog.Debug("Alert expired")
			pending = append(pending, types.Transition{ID: a.ID, To: types.StateExpired, At: now})
			byID[a.ID] = pendingAlert{alert: a}
			continue
		}

		q := quotes[a.Target.Key()]
		d := rule.Evaluate(a, q)
		switch d.Outcome {
		case rule.Trigger:
			alog.Infof("🚨 Alert triggered, observed %v against threshold %v", d.Observed, a.Threshold)
			pending = append(pending, types.Transition{ID: a.ID, To: types.StateTriggered, At: now, Observed: d.Observed})
			byID[a.ID] = pendingAlert{alert: a, quote: q}
		case rule.Inconclusive:
			report.Inconclusive++
			alog.Debugf("Alert inconclusive: %s", d.Reason)
		default:
			alog.Debugf("Alert not triggered, observed %v", d.Observed)
		}
	}

	if len(pending) == 0 {
		e.metrics.Cycles.WithLabelValues(metrics.ResultOK).Inc()
		return report, nil
	}

	// decided transitions are written even if shutdown started mid-cycle
	applied, err := e.persist(context.WithoutCancel(ctx), pending, logger)
	if err != nil {
		e.metrics.Cycles.WithLabelValues(metrics.ResultFailed).Inc()
		return report, err
	}

	settled := make(map[string]bool, len(applied))
	for _, t := range applied {
		settled[t.ID] = true
		p := byID[t.ID]

		switch t.To {
		case types.StateTriggered:
			report.Triggered++
			e.metrics.AlertsTriggered.Inc()
			e.dispatch(p.alert, p.quote, t)
		case types.StateExpired:
			report.Expired++
			e.metrics.AlertsExpired.Inc()
			if !e.cfg.RetainSettled {
				e.remove(context.WithoutCancel(ctx), p.alert.ID)
			}
		}
	}
	for _, t := range pending {
		if !settled[t.ID] {
			report.Discarded++
			e.metrics.AlertsDiscarded.Inc()
			logger.WithField("alert_id", t.ID).Info("Alert deleted during cycle, decision discarded")
		}
	}

	e.metrics.Cycles.WithLabelValues(metrics.ResultOK).Inc()
	logger.Debugf("✅ Cycle done: %d triggered, %d expired, %d inconclusive, %d discarded",
		report.Triggered, report.Expired, report.Inconclusive, report.Discarded)
	return report, nil
}

type pendingAlert struct {
	alert types.Alert
	quote *types.Quote
}

// fetchQuotes resolves each distinct token once. Missing entries mean the
// quote was unavailable. Alerts that are already past their validity window
// are not fetched.
func (e *Engine) fetchQuotes(ctx context.Context, armed []types.Alert, now time.Time, logger *log.Entry) map[string]*types.Quote {
	tokens := make(map[string]types.Token)
	for _, a := range armed {
		if rule.Expired(a, now, e.cfg.ExpiryWindow) {
			continue
		}
		tokens[a.Target.Key()] = a.Target
	}

	var (
		mu     sync.Mutex
		quotes = make(map[string]*types.Quote, len(tokens))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for key, token := range tokens {
		g.Go(func() error {
			q, err := e.resolve(gctx, token)
			if err != nil {
				e.metrics.QuoteFailures.Inc()
				logger.WithField("token", token.String()).WithError(err).Warn("⚠️ No quote this cycle")
				return nil
			}
			mu.Lock()
			quotes[key] = q
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return quotes
}

func (e *Engine) resolve(ctx context.Context, token types.Token) (q *types.Quote, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(types.ErrQuoteUnavailable, "panic resolving %s: %v", token.String(), r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QuoteTimeout)
	defer cancel()

	q, err = e.quotes.Resolve(ctx, token)
	if err == nil && q == nil {
		err = errors.Wrapf(types.ErrQuoteUnavailable, "%s: empty quote", token.String())
	}
	return q, err
}

// persist writes the batch, retrying a bounded number of times. Nothing is
// notified unless this succeeds.
func (e *Engine) persist(ctx context.Context, ts []types.Transition, logger *log.Entry) ([]types.Transition, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.PersistAttempts; attempt++ {
		applied, err := e.store.ApplyTransitions(ctx, ts)
		if err == nil {
			return applied, nil
		}
		lastErr = err
		logger.WithError(err).Warnf("Persisting %d transitions failed (attempt %d/%d)", len(ts), attempt, e.cfg.PersistAttempts)

		if attempt < e.cfg.PersistAttempts {
			e.metrics.PersistenceRetries.Inc()
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}
	return nil, errors.Wrapf(lastErr, "persist %d transitions", len(ts))
}

// dispatch notifies in the background. A failed notification leaves the alert
// triggered: the condition was met, and re-arming would risk repeated
// messages on a flaky channel.
func (e *Engine) dispatch(a types.Alert, q *types.Quote, t types.Transition) {
	n := types.Notification{
		AlertID:     a.ID,
		Owner:       a.Owner,
		Token:       a.Target,
		Name:        a.Name,
		Symbol:      a.Symbol,
		Kind:        a.Kind,
		Direction:   a.Direction,
		Timeframe:   a.Timeframe,
		Threshold:   a.Threshold,
		Observed:    t.Observed,
		TriggeredAt: t.At,
	}
	if q != nil {
		n.PriceUSD = q.PriceUSD
		n.MarketCap = q.MarketCap
		n.URL = q.URL
		if n.Name == "" {
			n.Name = q.Name
		}
		if n.Symbol == "" {
			n.Symbol = q.Symbol
		}
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		alog := e.log.WithField("alert_id", a.ID)

		if err := e.notify(n); err != nil {
			e.metrics.NotificationFailures.Inc()
			alog.WithError(err).Error("❌ Failed to send alert notification")
		} else {
			e.metrics.NotificationsSent.Inc()
			alog.Infof("✅ Alert notification sent to %d", a.Owner)
		}

		if !e.cfg.RetainSettled {
			e.remove(context.Background(), a.ID)
		}
	}()
}

func (e *Engine) notify(n types.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in notifier: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
	defer cancel()

	if err := e.notifier.Notify(ctx, n); err != nil {
		return errors.Wrapf(types.ErrNotificationFailed, "alert %s: %v", n.AlertID, err)
	}
	return nil
}

func (e *Engine) remove(ctx context.Context, id string) {
	if err := e.store.Delete(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		e.log.WithField("alert_id", id).WithError(err).Warn("Failed to remove settled alert")
	}
}

// Drain waits up to timeout for background notifications and reports whether
// all of them finished.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		e.log.Warn("Timed out waiting for pending notifications")
		return false
	}
}
