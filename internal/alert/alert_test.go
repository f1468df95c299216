package alert

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-alert-bot/internal/database"
	"token-alert-bot/internal/metrics"
	"token-alert-bot/internal/types"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Interval:      20 * time.Millisecond,
		QuoteTimeout:  200 * time.Millisecond,
		NotifyTimeout: time.Second,
		ExpiryWindow:  24 * time.Hour,
		Concurrency:   4,
		RetainSettled: true,
		RetryMin:      10 * time.Millisecond,
		RetryMax:      50 * time.Millisecond,
	}
}

func newTestEngine(store Store, quotes QuoteSource, notifier Notifier, cfg Config) (*Engine, *metrics.EngineMetrics) {
	m := metrics.NewEngineMetrics(prometheus.NewRegistry())
	e := NewEngine(store, quotes, notifier, cfg, WithClock(func() time.Time { return testNow }), WithMetrics(m))
	return e, m
}

func mustAlert(t *testing.T, spec types.AlertSpec) types.Alert {
	t.Helper()
	if spec.Owner == 0 {
		spec.Owner = 1001
	}
	if spec.Target.Address == "" {
		spec.Target = types.Token{Chain: "solana", Address: "TOKEN"}
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = testNow.Add(-time.Hour)
	}
	a, err := types.NewAlert(spec)
	require.NoError(t, err)
	return a
}

func priceQuote(p float64) *types.Quote {
	return &types.Quote{PriceUSD: p, PriceChange: map[types.Timeframe]float64{}, Name: "Token", Symbol: "TKN"}
}

func TestTriggerNotifiesOnce(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{ID: "a1", Kind: types.KindPriceAbove, Threshold: 100})
	store := newMemStore(a)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(100))
	notifier := &fakeNotifier{}

	e, m := newTestEngine(store, quotes, notifier, testConfig())
	ctx := context.Background()

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	require.True(t, e.Drain(time.Second))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.StateTriggered, got.State)
	assert.Equal(t, testNow, got.SettledAt)

	sent := notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, "a1", sent[0].AlertID)
	assert.Equal(t, int64(1001), sent[0].Owner)
	assert.Equal(t, 100.0, sent[0].Observed)
	assert.Equal(t, 100.0, sent[0].Threshold)
	assert.Equal(t, types.KindPriceAbove, sent[0].Kind)
	assert.Equal(t, testNow, sent[0].TriggeredAt)

	for i := 0; i < 3; i++ {
		report, err = e.RunCycle(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Armed)
	}
	e.Drain(time.Second)
	assert.Len(t, notifier.notifications(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTriggered))
}

func TestBelowThresholdStaysArmed(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{ID: "a1", Kind: types.KindPriceAbove, Threshold: 100})
	store := newMemStore(a)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(99.99999))
	notifier := &fakeNotifier{}

	e, _ := newTestEngine(store, quotes, notifier, testConfig())
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Triggered)
	assert.Zero(t, store.applies, "no write when nothing changed")

	got, _ := store.Get(context.Background(), "a1")
	assert.Equal(t, types.StateArmed, got.State)
}

func TestInconclusiveLeavesAlertArmed(t *testing.T) {
	missingTimeframe := mustAlert(t, types.AlertSpec{
		ID: "pm", Kind: types.KindPercentMove, Threshold: 0.5, Direction: types.DirectionAny, Timeframe: types.Timeframe5m,
	})
	unresolved := mustAlert(t, types.AlertSpec{
		ID: "gone", Kind: types.KindPriceBelow, Threshold: 1, Target: types.Token{Address: "UNLISTED"},
	})
	store := newMemStore(missingTimeframe, unresolved)

	q := priceQuote(1)
	q.PriceChange[types.Timeframe1h] = 90
	q.PriceChange[types.Timeframe24h] = -90
	quotes := newFakeQuotes()
	quotes.set("TOKEN", q)
	notifier := &fakeNotifier{}

	e, m := newTestEngine(store, quotes, notifier, testConfig())
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inconclusive)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuoteFailures))

	for _, id := range []string{"pm", "gone"} {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.StateArmed, got.State)
	}
	e.Drain(time.Second)
	assert.Empty(t, notifier.notifications())
}

func TestPercentMoveTriggers(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{
		ID: "pm", Kind: types.KindPercentMove, Threshold: 20, Direction: types.DirectionDown, Timeframe: types.Timeframe6h,
	})
	store := newMemStore(a)
	q := priceQuote(0.5)
	q.PriceChange[types.Timeframe6h] = -25
	quotes := newFakeQuotes()
	quotes.set("TOKEN", q)
	notifier := &fakeNotifier{}

	e, _ := newTestEngine(store, quotes, notifier, testConfig())
	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	e.Drain(time.Second)

	sent := notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, -25.0, sent[0].Observed)
	assert.Equal(t, 0.5, sent[0].PriceUSD)
	assert.Equal(t, types.Timeframe6h, sent[0].Timeframe)
}

func TestSinceReferenceTriggersAtTargetOnly(t *testing.T) {
	ref := 0.0004217
	a := mustAlert(t, types.AlertSpec{
		ID: "pump", Kind: types.KindPercentSinceReference, Threshold: 35, Direction: types.DirectionUp,
		ReferencePrice: ref, ReferenceTime: testNow.Add(-2 * time.Hour),
	})
	store := newMemStore(a)
	quotes := newFakeQuotes()
	notifier := &fakeNotifier{}
	e, _ := newTestEngine(store, quotes, notifier, testConfig())
	ctx := context.Background()

	quotes.set("TOKEN", priceQuote(ref*(1+34.99/100)))
	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Triggered)

	quotes.set("TOKEN", priceQuote(ref*(1+35.0/100)))
	report, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)

	e.Drain(time.Second)
	require.Len(t, notifier.notifications(), 1)
	assert.InDelta(t, 35.0, notifier.notifications()[0].Observed, 1e-9)
}

func TestExpiry(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{
		ID: "old", Kind: types.KindPercentSinceReference, Threshold: 50, Direction: types.DirectionUp,
		ReferencePrice: 1, ReferenceTime: testNow.Add(-25 * time.Hour), CreatedAt: testNow.Add(-25 * time.Hour),
	})
	store := newMemStore(a)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(1.1))
	notifier := &fakeNotifier{}

	e, m := newTestEngine(store, quotes, notifier, testConfig())
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, quotes.callCount("TOKEN"), "expired alerts need no quote")

	got, err := store.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, types.StateExpired, got.State)

	e.Drain(time.Second)
	assert.Empty(t, notifier.notifications())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsExpired))
}

func TestExpiryWithoutQuote(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{
		ID: "old", Kind: types.KindPercentSinceReference, Threshold: 50, Direction: types.DirectionDown,
		ReferencePrice: 1, ReferenceTime: testNow.Add(-48 * time.Hour),
	})
	store := newMemStore(a)

	e, _ := newTestEngine(store, newFakeQuotes(), &fakeNotifier{}, testConfig())
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
}

func TestDeleteDuringCycleIsNotResurrected(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{ID: "del", Kind: types.KindPriceAbove, Threshold: 1})
	store := newMemStore(a)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(5))
	// the user deletes the alert after the cycle snapshot, while its quote is in flight
	quotes.hook = func(ctx context.Context, token types.Token) error {
		return errors.Wrap(store.Delete(ctx, "del"), "hook")
	}
	notifier := &fakeNotifier{}

	e, m := newTestEngine(store, quotes, notifier, testConfig())
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discarded)
	assert.Zero(t, report.Triggered)

	_, err = store.Get(context.Background(), "del")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	e.Drain(time.Second)
	assert.Empty(t, notifier.notifications())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsDiscarded))
}

func TestNotificationFailureKeepsTriggered(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{ID: "a1", Kind: types.KindPriceBelow, Threshold: 2})
	store := newMemStore(a)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(1))
	notifier := &fakeNotifier{err: errors.New("telegram: 502")}

	e, m := newTestEngine(store, quotes, notifier, testConfig())
	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	e.Drain(time.Second)

	got, _ := store.Get(context.Background(), "a1")
	assert.Equal(t, types.StateTriggered, got.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationFailures))

	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	e.Drain(time.Second)
	assert.Len(t, notifier.notifications(), 1, "no retry after a failed delivery")
}

func TestPersistenceFailureSendsNothing(t *testing.T) {
	a := mustAlert(t, types.AlertSpec{ID: "a1", Kind: types.KindPriceAbove, Threshold: 1})
	store := newMemStore(a)
	store.setApplyErr(errors.Wrap(types.ErrPersistence, "disk full"))
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(2))
	notifier := &fakeNotifier{}

	cfg := testConfig()
	cfg.PersistAttempts = 2
	e, m := newTestEngine(store, quotes, notifier, cfg)

	_, err := e.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPersistence))
	assert.Equal(t, 2, store.applies)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistenceRetries))

	e.Drain(time.Second)
	assert.Empty(t, notifier.notifications())
	got, _ := store.Get(context.Background(), "a1")
	assert.Equal(t, types.StateArmed, got.State)

	store.setApplyErr(nil)
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	e.Drain(time.Second)
	assert.Len(t, notifier.notifications(), 1)
}

func TestStoreFailureAbortsCycle(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("database is locked")

	e, m := newTestEngine(store, newFakeQuotes(), &fakeNotifier{}, testConfig())
	_, err := e.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues(metrics.ResultFailed)))
}

func TestOneQuotePerToken(t *testing.T) {
	store := newMemStore(
		mustAlert(t, types.AlertSpec{ID: "a", Kind: types.KindPriceAbove, Threshold: 10}),
		mustAlert(t, types.AlertSpec{ID: "b", Kind: types.KindPriceBelow, Threshold: 1}),
		mustAlert(t, types.AlertSpec{ID: "c", Kind: types.KindPriceAbove, Threshold: 1, Target: types.Token{Chain: "bsc", Address: "OTHER"}}),
	)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(5))
	quotes.set("OTHER", priceQuote(5))
	notifier := &fakeNotifier{}

	e, _ := newTestEngine(store, quotes, notifier, testConfig())
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	assert.Equal(t, 1, quotes.callCount("TOKEN"))
	assert.Equal(t, 1, quotes.callCount("OTHER"))
}

func TestHungQuoteDoesNotStallCycle(t *testing.T) {
	store := newMemStore(
		mustAlert(t, types.AlertSpec{ID: "slow", Kind: types.KindPriceAbove, Threshold: 1, Target: types.Token{Chain: "eth", Address: "SLOW"}}),
		mustAlert(t, types.AlertSpec{ID: "fast", Kind: types.KindPriceAbove, Threshold: 1}),
	)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(2))
	quotes.set("SLOW", priceQuote(2))
	quotes.hook = func(ctx context.Context, token types.Token) error {
		if token.Address != "SLOW" {
			return nil
		}
		<-ctx.Done()
		return errors.Wrap(types.ErrQuoteUnavailable, ctx.Err().Error())
	}
	notifier := &fakeNotifier{}

	e, _ := newTestEngine(store, quotes, notifier, testConfig())
	start := time.Now()
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, report.Triggered)
	assert.Equal(t, 1, report.Inconclusive)

	got, _ := store.Get(context.Background(), "slow")
	assert.Equal(t, types.StateArmed, got.State)
}

func TestSlowNotifierDoesNotBlockCycle(t *testing.T) {
	store := newMemStore(
		mustAlert(t, types.AlertSpec{ID: "a", Kind: types.KindPriceAbove, Threshold: 1}),
		mustAlert(t, types.AlertSpec{ID: "b", Kind: types.KindPriceAbove, Threshold: 1}),
	)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(3))
	notifier := &fakeNotifier{block: make(chan struct{})}

	e, _ := newTestEngine(store, quotes, notifier, testConfig())

	done := make(chan Report, 1)
	go func() {
		r, _ := e.RunCycle(context.Background())
		done <- r
	}()

	select {
	case r := <-done:
		assert.Equal(t, 2, r.Triggered)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle blocked on notifier")
	}

	close(notifier.block)
	require.True(t, e.Drain(time.Second))
	assert.Len(t, notifier.notifications(), 2)
}

func TestDropSettledWhenNotRetained(t *testing.T) {
	store := newMemStore(
		mustAlert(t, types.AlertSpec{ID: "hit", Kind: types.KindPriceAbove, Threshold: 1}),
		mustAlert(t, types.AlertSpec{
			ID: "old", Kind: types.KindPercentSinceReference, Threshold: 10,
			ReferencePrice: 1, ReferenceTime: testNow.Add(-30 * time.Hour),
		}),
	)
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(3))
	notifier := &fakeNotifier{err: errors.New("blocked by user")}

	cfg := testConfig()
	cfg.RetainSettled = false
	e, _ := newTestEngine(store, quotes, notifier, cfg)

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	e.Drain(time.Second)

	all, err := store.List(context.Background(), types.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRestartCatchUpNotifiesExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	ctx := context.Background()

	db, err := database.InitDB(path)
	require.NoError(t, err)
	_, err = db.Insert(ctx, mustAlert(t, types.AlertSpec{ID: "while-offline", Kind: types.KindPriceAbove, Threshold: 0.00000042}))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(0.00000050))
	notifier := &fakeNotifier{}

	// first start after downtime
	db, err = database.InitDB(path)
	require.NoError(t, err)
	e, _ := newTestEngine(db, quotes, notifier, testConfig())
	report, err := e.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	require.True(t, e.Drain(time.Second))
	require.NoError(t, db.Close())

	// second restart must not re-notify
	db, err = database.InitDB(path)
	require.NoError(t, err)
	defer db.Close()
	e, _ = newTestEngine(db, quotes, notifier, testConfig())
	report, err = e.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Triggered)
	e.Drain(time.Second)

	assert.Len(t, notifier.notifications(), 1)
	got, err := db.Get(ctx, "while-offline")
	require.NoError(t, err)
	assert.Equal(t, types.StateTriggered, got.State)
	assert.Equal(t, 0.00000050, got.ObservedValue)
}

func TestShutdownMidCycleStillPersistsDecisions(t *testing.T) {
	db, err := database.InitDB(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Insert(context.Background(), mustAlert(t, types.AlertSpec{ID: "shutdown", Kind: types.KindPriceAbove, Threshold: 1}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(2))
	// the stop signal arrives while the cycle is fetching
	quotes.hook = func(context.Context, types.Token) error {
		cancel()
		return nil
	}
	notifier := &fakeNotifier{}

	e, _ := newTestEngine(db, quotes, notifier, testConfig())
	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	require.True(t, e.Drain(time.Second))

	got, err := db.Get(context.Background(), "shutdown")
	require.NoError(t, err)
	assert.Equal(t, types.StateTriggered, got.State)
	assert.Len(t, notifier.notifications(), 1)
}

func TestRunCatchesUpThenStops(t *testing.T) {
	store := newMemStore(mustAlert(t, types.AlertSpec{ID: "a", Kind: types.KindPriceAbove, Threshold: 1}))
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(2))
	notifier := &fakeNotifier{}

	e, m := newTestEngine(store, quotes, notifier, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return len(notifier.notifications()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Cycles.WithLabelValues(metrics.ResultOK)) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Len(t, notifier.notifications(), 1)
}

func TestRunRetriesFailedCycles(t *testing.T) {
	store := newMemStore(mustAlert(t, types.AlertSpec{ID: "a", Kind: types.KindPriceAbove, Threshold: 1}))
	store.listErr = errors.New("storage unavailable")
	quotes := newFakeQuotes()
	quotes.set("TOKEN", priceQuote(2))
	notifier := &fakeNotifier{}

	e, m := newTestEngine(store, quotes, notifier, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Cycles.WithLabelValues(metrics.ResultFailed)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, notifier.notifications())

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()

	require.Eventually(t, func() bool { return len(notifier.notifications()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPanickingQuoteSourceIsContained(t *testing.T) {
	store := newMemStore(mustAlert(t, types.AlertSpec{ID: "a", Kind: types.KindPriceAbove, Threshold: 1}))
	quotes := newFakeQuotes()
	quotes.hook = func(ctx context.Context, token types.Token) error { panic("boom") }

	e, _ := newTestEngine(store, quotes, &fakeNotifier{}, testConfig())
	report, err := e.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inconclusive)
}
