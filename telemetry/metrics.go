// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics register on import; promauto panics on duplicate registration, so
// everything lives in this one var block.
var (
	// Counters
	EventsCaptured   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmaku_events_captured_total", Help: "Captured events by kind"}, []string{"kind"})
	Reconnects       = promauto.NewCounter(prometheus.CounterOpts{Name: "danmaku_reconnects_total", Help: "Push connection closes followed by reconnect scheduling"})
	SessionsIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "danmaku_sessions_ingested_total", Help: "Sessions newly created by ingestion"})

	// Histograms (seconds)
	ScanDuration prometheus.Observer = promauto.NewHistogram(prometheus.HistogramOpts{Name: "danmaku_scan_duration_seconds", Help: "Transcript tree scan duration seconds", Buckets: prometheus.DefBuckets})

	// Gauges
	ActiveCaptures    = promauto.NewGauge(prometheus.GaugeOpts{Name: "danmaku_active_captures", Help: "Capture sessions currently managed"})
	ActiveTranscripts = promauto.NewGauge(prometheus.GaugeOpts{Name: "danmaku_active_transcripts", Help: "Transcript files currently open for writing"})
	watchersGauge     = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "danmaku_room_watchers", Help: "Watcher count from the last heartbeat reply"}, []string{"room"})
)

// SetWatchers records the heartbeat-reported watcher count for a room.
func SetWatchers(room string, n float64) {
	watchersGauge.WithLabelValues(room).Set(n)
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
