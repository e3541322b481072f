// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/duetflow/event"
)

// Collector 指标收集器：作为普通监听者挂在事件总线上，
// 把事件流折算成 Prometheus 指标。
type Collector struct {
	eventsTotal        *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
	turnsTotal         prometheus.Counter
	conversationsEnded *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	messageDuration    prometheus.Histogram
	pacingWait         prometheus.Histogram
	convergenceScore   prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到给定 Registerer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.eventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events published, by kind",
		},
		[]string{"kind"},
	)

	c.tokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed, by direction",
		},
		[]string{"direction"},
	)

	c.turnsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total completed turns",
		},
	)

	c.conversationsEnded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_ended_total",
			Help:      "Terminated conversations, by end reason",
		},
		[]string{"reason"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts against providers",
		},
		[]string{"provider"},
	)

	c.messageDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Wall time to generate one message",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	c.pacingWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacing_wait_seconds",
			Help:      "Delay applied by the proactive rate limiter",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	c.convergenceScore = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "convergence_score",
			Help:      "Most recent convergence score",
		},
	)

	return c
}

// Attach 订阅事件总线。
func (c *Collector) Attach(bus *event.Bus) {
	bus.SubscribeAll(c.handle)
}

// handle 把单个事件折算成指标更新。
func (c *Collector) handle(ev *event.Event) {
	c.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	switch p := ev.Payload.(type) {
	case event.MessageCompletePayload:
		c.tokensTotal.WithLabelValues("prompt").Add(float64(p.Usage.PromptTokens))
		c.tokensTotal.WithLabelValues("completion").Add(float64(p.Usage.CompletionTokens))
		c.messageDuration.Observe(float64(p.DurationMs) / 1000.0)
	case event.TurnCompletePayload:
		c.turnsTotal.Inc()
		c.convergenceScore.Set(p.ConvergenceScore)
	case event.ConversationEndPayload:
		c.conversationsEnded.WithLabelValues(string(p.Reason)).Inc()
	case event.RetryAttemptPayload:
		c.retriesTotal.WithLabelValues(p.ProviderID).Inc()
	case event.RateLimitWaitPayload:
		c.pacingWait.Observe(float64(p.WaitMs) / 1000.0)
	}
}
