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
// 認証フロー、HTTPミドルウェア、View Binder、ワーカーから利用する。
type MetricsCollector interface {
	RecordLinkRequest(result string)
	RecordSignInCompletion(result string)
	RecordValidationFailure(code string)
	RecordHTTPStatus(statusCode int)
	RecordProviderLatency(operation string, duration time.Duration)
	SetActiveSubscribers(n int)
	RecordStorageRowsDeleted(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	linkRequests       *prometheus.CounterVec
	signInCompletions  *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	activeSubscribers  prometheus.Gauge
	rowsDeleted        prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		linkRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emaillink_link_requests_total",
			Help: "サインインリンク送信要求の結果別の数",
		}, []string{"result"}),
		signInCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emaillink_sign_in_completions_total",
			Help: "サインイン完了処理の結果別の数",
		}, []string{"result"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emaillink_validation_failures_total",
			Help: "メールアドレス検証エラーのコード別の数",
		}, []string{"code"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emaillink_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emaillink_provider_latency_seconds",
			Help:    "IDプロバイダー呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emaillink_active_subscribers",
			Help: "Session変更を購読中の接続数",
		}),
		rowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emaillink_storage_rows_deleted_total",
			Help: "クリーンアップで削除されたブラウザストレージ行の合計数",
		}),
	}

	reg.MustRegister(
		c.linkRequests,
		c.signInCompletions,
		c.validationFailures,
		c.httpStatus,
		c.providerLatency,
		c.activeSubscribers,
		c.rowsDeleted,
	)

	return c
}

// RecordLinkRequest はサインインリンク送信要求の結果を記録する。
func (c *Collector) RecordLinkRequest(result string) {
	c.linkRequests.WithLabelValues(result).Inc()
}

// RecordSignInCompletion はサインイン完了処理の結果を記録する。
func (c *Collector) RecordSignInCompletion(result string) {
	c.signInCompletions.WithLabelValues(result).Inc()
}

// RecordValidationFailure はメールアドレス検証エラーを記録する。
func (c *Collector) RecordValidationFailure(code string) {
	c.validationFailures.WithLabelValues(code).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordProviderLatency はIDプロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveSubscribers は購読中の接続数を設定する。
func (c *Collector) SetActiveSubscribers(n int) {
	c.activeSubscribers.Set(float64(n))
}

// RecordStorageRowsDeleted はクリーンアップで削除された行数を記録する。
func (c *Collector) RecordStorageRowsDeleted(count int64) {
	c.rowsDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカーモードのスクレイプ用サーバーで使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
