// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder は通知パイプラインのメトリクス記録インターフェース。
// エンキューやダイジェスト配信の各コンポーネントから利用する。
type Recorder interface {
	RecordEnqueued(count int)
	RecordDuplicateMatch()
	RecordEnqueueError()
	RecordClaimed(count int)
	RecordDelivery(success bool, errorCode string, latency time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	enqueued        prometheus.Counter
	duplicates      prometheus.Counter
	enqueueErrors   prometheus.Counter
	claimed         prometheus.Counter
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_queue_enqueued_total",
			Help: "通知キューに新規登録されたエントリの合計数",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_queue_duplicate_matches_total",
			Help: "一意制約により無視された重複マッチの合計数",
		}),
		enqueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_queue_enqueue_errors_total",
			Help: "通知キュー登録時のストレージエラーの合計数",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_batch_claimed_total",
			Help: "ダイジェストバッチに確保されたエントリの合計数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_digest_deliveries_total",
			Help: "結果別のダイジェスト配信数",
		}, []string{"result", "error_code"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "digestman_delivery_latency_seconds",
			Help:    "ダイジェスト配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.enqueued,
		c.duplicates,
		c.enqueueErrors,
		c.claimed,
		c.deliveries,
		c.deliveryLatency,
	)

	return c
}

// RecordEnqueued は新規登録されたエントリ数を記録する。
func (c *Collector) RecordEnqueued(count int) {
	c.enqueued.Add(float64(count))
}

// RecordDuplicateMatch は重複マッチを記録する。
func (c *Collector) RecordDuplicateMatch() {
	c.duplicates.Inc()
}

// RecordEnqueueError はエンキュー時のストレージエラーを記録する。
func (c *Collector) RecordEnqueueError() {
	c.enqueueErrors.Inc()
}

// RecordClaimed は確保されたエントリ数を記録する。
func (c *Collector) RecordClaimed(count int) {
	c.claimed.Add(float64(count))
}

// RecordDelivery は配信結果とレイテンシを記録する。
func (c *Collector) RecordDelivery(success bool, errorCode string, latency time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.deliveries.WithLabelValues(result, errorCode).Inc()
	c.deliveryLatency.Observe(latency.Seconds())
}

// Nop は何も記録しないRecorder。メトリクス不要なコマンドやテストで使う。
type Nop struct{}

func (Nop) RecordEnqueued(int)                          {}
func (Nop) RecordDuplicateMatch()                       {}
func (Nop) RecordEnqueueError()                         {}
func (Nop) RecordClaimed(int)                           {}
func (Nop) RecordDelivery(bool, string, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
