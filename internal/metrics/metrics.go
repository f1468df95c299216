package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"

	"token-alert-bot/internal/database"
)

const (
	namespace = "tokenalert"

	ResultOK     = "ok"
	ResultFailed = "failed"
)

// EngineMetrics tracks the evaluation cycle.
type EngineMetrics struct {
	Cycles               *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	ArmedAlerts          prometheus.Gauge
	AlertsTriggered      prometheus.Counter
	AlertsExpired        prometheus.Counter
	AlertsDiscarded      prometheus.Counter
	QuoteFailures        prometheus.Counter
	NotificationsSent    prometheus.Counter
	NotificationFailures prometheus.Counter
	PersistenceRetries   prometheus.Counter
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "The total number of evaluation cycles by result",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one evaluation cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ArmedAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "armed_alerts",
			Help:      "The number of armed alerts seen by the last cycle",
		}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "alerts_triggered_total",
			Help:      "The total number of alerts that triggered",
		}),
		AlertsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "alerts_expired_total",
			Help:      "The total number of alerts that expired without triggering",
		}),
		AlertsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "alerts_discarded_total",
			Help:      "Decisions dropped because the alert was deleted mid-cycle",
		}),
		QuoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "quote_failures_total",
			Help:      "The total number of quote lookups that returned nothing",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "notifications_sent_total",
			Help:      "The total number of delivered notifications",
		}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "notification_failures_total",
			Help:      "The total number of notifications that could not be delivered",
		}),
		PersistenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "persistence_retries_total",
			Help:      "The total number of retried transition batches",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Cycles, m.CycleDuration, m.ArmedAlerts, m.AlertsTriggered, m.AlertsExpired,
			m.AlertsDiscarded, m.QuoteFailures, m.NotificationsSent, m.NotificationFailures,
			m.PersistenceRetries,
		)
	}
	return m
}

// BotMetrics tracks the chat side.
type BotMetrics struct {
	CommandsProcessed *prometheus.CounterVec
	MessagesHandled   prometheus.Counter
	AlertsCreated     prometheus.Counter
}

func NewBotMetrics(reg prometheus.Registerer) *BotMetrics {
	m := &BotMetrics{
		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram_bot",
			Name:      "commands_processed",
			Help:      "The total number of processed commands",
		}, []string{"command"}),
		MessagesHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram_bot",
			Name:      "messages_handled",
			Help:      "The total number of handled messages",
		}),
		AlertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram_bot",
			Name:      "alerts_created",
			Help:      "The total number of alerts created from chat",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.CommandsProcessed, m.MessagesHandled, m.AlertsCreated)
	}
	return m
}

// persisted lists the counters that survive restarts, keyed by the name they
// are stored under.
func (m *EngineMetrics) persisted() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"alerts_triggered":      m.AlertsTriggered,
		"alerts_expired":        m.AlertsExpired,
		"alerts_discarded":      m.AlertsDiscarded,
		"quote_failures":        m.QuoteFailures,
		"notifications_sent":    m.NotificationsSent,
		"notification_failures": m.NotificationFailures,
		"cycles":                m.Cycles,
	}
}

func (m *BotMetrics) persisted() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"messages_handled":   m.MessagesHandled,
		"alerts_created":     m.AlertsCreated,
		"commands_processed": m.CommandsProcessed,
	}
}

// Snapshot reads the current value of every persisted counter.
func Snapshot(engine *EngineMetrics, bot *BotMetrics) []database.MetricValue {
	var values []database.MetricValue
	for _, set := range []map[string]prometheus.Collector{engine.persisted(), bot.persisted()} {
		for name, c := range set {
			values = append(values, collect(name, c)...)
		}
	}
	return values
}

// Restore adds stored values back onto freshly created counters.
func Restore(engine *EngineMetrics, bot *BotMetrics, values []database.MetricValue) {
	all := engine.persisted()
	for name, c := range bot.persisted() {
		all[name] = c
	}

	for _, v := range values {
		switch c := all[v.Name].(type) {
		case prometheus.Counter:
			c.Add(v.Value)
		case *prometheus.CounterVec:
			if v.LabelKey == "" {
				continue
			}
			c.With(prometheus.Labels{v.LabelKey: v.LabelValue}).Add(v.Value)
		default:
			log.Debugf("Ignoring stored metric %s", v.Name)
		}
	}
}

func collect(name string, c prometheus.Collector) []database.MetricValue {
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var values []database.MetricValue
	for metric := range ch {
		pb := &dto.Metric{}
		if err := metric.Write(pb); err != nil {
			log.Warnf("Failed to read metric %s: %v", name, err)
			continue
		}
		if pb.Counter == nil {
			continue
		}

		v := database.MetricValue{Name: name, Value: pb.Counter.GetValue()}
		// vectors here carry a single label
		for _, label := range pb.Label {
			v.LabelKey = label.GetName()
			v.LabelValue = label.GetValue()
		}
		values = append(values, v)
	}
	return values
}
