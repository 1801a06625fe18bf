// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、メール送信、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuth(operation, outcome string)
	RecordContinuation(state string)
	RecordEmail(kind, result string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordAbandonedSignupsDeleted(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authOperations  *prometheus.CounterVec
	continuations   *prometheus.CounterVec
	emails          *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	abandonedPurged prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandstand_auth_operations_total",
			Help: "認証操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		continuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandstand_continuation_states_total",
			Help: "コールバック・登録継続で到達した状態別の合計数",
		}, []string{"state"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandstand_emails_total",
			Help: "メール送信の種別・結果別の合計数",
		}, []string{"kind", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bandstand_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bandstand_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		abandonedPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bandstand_abandoned_signups_deleted_total",
			Help: "削除された放置登録の合計数",
		}),
	}

	reg.MustRegister(
		c.authOperations,
		c.continuations,
		c.emails,
		c.httpStatus,
		c.requestLatency,
		c.abandonedPurged,
	)

	return c
}

// RecordAuth は認証操作の結果を記録する。
func (c *Collector) RecordAuth(operation, outcome string) {
	c.authOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordContinuation は状態解決の結果を記録する。
func (c *Collector) RecordContinuation(state string) {
	c.continuations.WithLabelValues(state).Inc()
}

// RecordEmail はメール送信の結果を記録する。
func (c *Collector) RecordEmail(kind, result string) {
	c.emails.WithLabelValues(kind, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordAbandonedSignupsDeleted は削除した放置登録の件数を記録する。
func (c *Collector) RecordAbandonedSignupsDeleted(count int) {
	c.abandonedPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewOpsMux はworkerプロセス用の運用エンドポイント（/metrics と /health）を返す。
// APIサーバーはルーターに直接載せるため使わない。healthがnilの場合は/healthを登録しない。
func NewOpsMux(gatherer prometheus.Gatherer, health http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	if health != nil {
		mux.Handle("GET /health", health)
	}
	return mux
}

var _ MetricsCollector = (*Collector)(nil)
