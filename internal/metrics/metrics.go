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
// ライフサイクルエンジン・通知ディスパッチャ・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordTransition(operation string)
	RecordRejection(operation, reason string)
	RecordCacheHit()
	RecordCacheMiss()
	RecordSideEffectFailure(kind string)
	RecordOperationLatency(operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// 副作用の種別。RecordSideEffectFailureのkindに使う。
const (
	SideEffectCache        = "cache"
	SideEffectCoordination = "coordination"
	SideEffectNotification = "notification"
	SideEffectDropped      = "notification_dropped"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions      *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	sideEffectFails  *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	httpStatus       *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsession_transitions_total",
			Help: "確定した状態変更の合計数（操作別）",
		}, []string{"operation"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsession_rejections_total",
			Help: "拒否された操作の合計数（操作・理由別）",
		}, []string{"operation", "reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsession_cache_lookups_total",
			Help: "セッションキャッシュの参照結果",
		}, []string{"result"}),
		sideEffectFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsession_side_effect_failures_total",
			Help: "握りつぶした副作用の失敗数（種別別）",
		}, []string{"kind"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupsession_operation_latency_seconds",
			Help:    "ライフサイクル操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsession_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.transitions,
		c.rejections,
		c.cacheLookups,
		c.sideEffectFails,
		c.operationLatency,
		c.httpStatus,
	)

	return c
}

// RecordTransition は確定した状態変更を記録する。
func (c *Collector) RecordTransition(operation string) {
	c.transitions.WithLabelValues(operation).Inc()
}

// RecordRejection は拒否された操作を理由（エラーコード）とともに記録する。
func (c *Collector) RecordRejection(operation, reason string) {
	c.rejections.WithLabelValues(operation, reason).Inc()
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordSideEffectFailure は副作用の失敗を記録する。
func (c *Collector) RecordSideEffectFailure(kind string) {
	c.sideEffectFails.WithLabelValues(kind).Inc()
}

// RecordOperationLatency は操作のレイテンシを記録する。
func (c *Collector) RecordOperationLatency(operation string, duration time.Duration) {
	c.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordTransition(string)                       {}
func (Nop) RecordRejection(string, string)                {}
func (Nop) RecordCacheHit()                               {}
func (Nop) RecordCacheMiss()                              {}
func (Nop) RecordSideEffectFailure(string)                {}
func (Nop) RecordOperationLatency(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int)                          {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
