// Package metrics はPrometheusメトリクスの収集とPushgatewayへの送信を提供する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 文書ストア操作の結果ラベル
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 文書ストア・分析・アプリケーション層から利用する。
type MetricsCollector interface {
	RecordStoreOperation(op, collection, outcome string, duration time.Duration)
	RecordEvent(name string)
	RecordEventDropped(name string)
	RecordValidationFailure(entity string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	storeOps           *prometheus.CounterVec
	storeLatency       *prometheus.HistogramVec
	events             *prometheus.CounterVec
	eventsDropped      *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_docstore_operations_total",
			Help: "文書ストア操作の合計数",
		}, []string{"operation", "collection", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_docstore_operation_seconds",
			Help:    "文書ストア操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "collection"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_analytics_events_total",
			Help: "送信された分析イベントの合計数",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_analytics_events_dropped_total",
			Help: "レート制限で破棄された分析イベントの合計数",
		}, []string{"event"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_validation_failures_total",
			Help: "エンティティ別のスキーマ検証失敗数",
		}, []string{"entity"}),
	}

	reg.MustRegister(
		c.storeOps,
		c.storeLatency,
		c.events,
		c.eventsDropped,
		c.validationFailures,
	)

	return c
}

// RecordStoreOperation は文書ストア操作の結果とレイテンシを記録する。
func (c *Collector) RecordStoreOperation(op, collection, outcome string, duration time.Duration) {
	c.storeOps.WithLabelValues(op, collection, outcome).Inc()
	c.storeLatency.WithLabelValues(op, collection).Observe(duration.Seconds())
}

// RecordEvent は分析イベントを記録する。
func (c *Collector) RecordEvent(name string) {
	c.events.WithLabelValues(name).Inc()
}

// RecordEventDropped は破棄された分析イベントを記録する。
func (c *Collector) RecordEventDropped(name string) {
	c.eventsDropped.WithLabelValues(name).Inc()
}

// RecordValidationFailure はスキーマ検証の失敗を記録する。
func (c *Collector) RecordValidationFailure(entity string) {
	c.validationFailures.WithLabelValues(entity).Inc()
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
