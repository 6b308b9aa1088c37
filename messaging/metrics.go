package messaging

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics with Prometheus collectors.
type PrometheusMetrics struct {
	commandsSent    *prometheus.CounterVec
	repliesReceived *prometheus.CounterVec
	replyLatency    *prometheus.HistogramVec
	pendingReplies  *prometheus.GaugeVec
	commandsHandled *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	eventsPublished *prometheus.CounterVec
	eventsHandled   *prometheus.CounterVec
	evictions       *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the collectors under namespace.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Commands sent, by channel and result.",
		}, []string{"channel", "result"}),
		repliesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Replies matched to a pending call, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		replyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_seconds",
			Help:      "Time from send to matched reply.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		pendingReplies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_replies",
			Help:      "Calls awaiting a reply, by reply channel.",
		}, []string{"reply_channel"}),
		commandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_handled_total",
			Help:      "Command handler invocations, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "kind"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published, by channel and result.",
		}, []string{"channel", "result"}),
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Event handler invocations, by channel, handler and outcome.",
		}, []string{"channel", "handler", "outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cached producers and reply pipelines torn down.",
		}, []string{"resource", "reason"}),
	}

	for _, c := range []prometheus.Collector{
		m.commandsSent, m.repliesReceived, m.replyLatency, m.pendingReplies,
		m.commandsHandled, m.handlerDuration, m.eventsPublished, m.eventsHandled, m.evictions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register messaging metrics: %w", err)
		}
	}

	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *PrometheusMetrics) CommandSent(channel string, err error) {
	m.commandsSent.WithLabelValues(channel, result(err)).Inc()
}

func (m *PrometheusMetrics) ReplyReceived(channel string, outcome string, latency time.Duration) {
	m.repliesReceived.WithLabelValues(channel, outcome).Inc()
	m.replyLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

func (m *PrometheusMetrics) PendingReplies(replyChannel string, delta int) {
	m.pendingReplies.WithLabelValues(replyChannel).Add(float64(delta))
}

func (m *PrometheusMetrics) CommandHandled(channel string, outcome string, duration time.Duration) {
	m.commandsHandled.WithLabelValues(channel, outcome).Inc()
	m.handlerDuration.WithLabelValues(channel, "command").Observe(duration.Seconds())
}

func (m *PrometheusMetrics) EventPublished(channel string, err error) {
	m.eventsPublished.WithLabelValues(channel, result(err)).Inc()
}

func (m *PrometheusMetrics) EventHandled(channel, handler string, outcome string, duration time.Duration) {
	m.eventsHandled.WithLabelValues(channel, handler, outcome).Inc()
	m.handlerDuration.WithLabelValues(channel, "event").Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ResourceEvicted(resource string, reason string) {
	m.evictions.WithLabelValues(resource, reason).Inc()
}
