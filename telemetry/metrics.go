// Package telemetry provides Prometheus metrics, correlation-id aware
// logging helpers, and OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesIngested  prometheus.Counter
	Polls             prometheus.Counter
	PollFailures      prometheus.Counter
	SegmentChanges    prometheus.Counter
	StreamsPersisted  prometheus.Counter
	StreamsSuppressed prometheus.Counter
	Aggregations      prometheus.Counter

	// Histograms (seconds)
	AggregationDuration prometheus.Observer

	// Gauges
	LiveGauge prometheus.Gauge // 1=live, 0=offline
)

// Init registers metrics (idempotent). Code paths that record metrics are
// nil-safe, so tests can exercise them without Init.
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_ingested_total", Help: "Chat messages appended to the live transcript"})
		Polls = promauto.NewCounter(prometheus.CounterOpts{Name: "status_polls_total", Help: "Successful game-status polls"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "status_poll_failures_total", Help: "Failed game-status polls"})
		SegmentChanges = promauto.NewCounter(prometheus.CounterOpts{Name: "segment_changes_total", Help: "Game changes that closed a segment"})
		StreamsPersisted = promauto.NewCounter(prometheus.CounterOpts{Name: "streams_persisted_total", Help: "Finalized streams handed to persistence"})
		StreamsSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "streams_suppressed_total", Help: "Empty offline streams suppressed instead of persisted"})
		Aggregations = promauto.NewCounter(prometheus.CounterOpts{Name: "stats_aggregations_total", Help: "Density aggregation runs"})
		AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stats_aggregation_duration_seconds", Help: "Density aggregation duration seconds", Buckets: prometheus.DefBuckets})
		LiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracked_channel_live", Help: "Tracked channel live=1 offline=0"})
	})
}

func IncMessagesIngested() {
	if MessagesIngested != nil {
		MessagesIngested.Inc()
	}
}

func IncPolls() {
	if Polls != nil {
		Polls.Inc()
	}
}

func IncPollFailures() {
	if PollFailures != nil {
		PollFailures.Inc()
	}
}

func IncSegmentChanges() {
	if SegmentChanges != nil {
		SegmentChanges.Inc()
	}
}

func IncStreamsPersisted() {
	if StreamsPersisted != nil {
		StreamsPersisted.Inc()
	}
}

func IncStreamsSuppressed() {
	if StreamsSuppressed != nil {
		StreamsSuppressed.Inc()
	}
}

func IncAggregations() {
	if Aggregations != nil {
		Aggregations.Inc()
	}
}

// SetLive records whether the tracked channel is currently broadcasting.
func SetLive(live bool) {
	if LiveGauge != nil {
		if live {
			LiveGauge.Set(1)
		} else {
			LiveGauge.Set(0)
		}
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
