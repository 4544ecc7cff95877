// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層やワーカーから利用する。
type MetricsCollector interface {
	RecordIdentityCreated(kind string)
	RecordIdentityMerged()
	RecordMergeConflict()
	RecordQuotaConsumed(count int64)
	RecordQuotaExceeded()
	RecordSessionOpened()
	RecordSessionRevoked(reason string)
	RecordSweepDeleted(target string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	identityCreated *prometheus.CounterVec
	identityMerged  prometheus.Counter
	mergeConflict   prometheus.Counter
	quotaConsumed   prometheus.Counter
	quotaExceeded   prometheus.Counter
	sessionOpened   prometheus.Counter
	sessionRevoked  *prometheus.CounterVec
	sweepDeleted    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		identityCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "norma_identity_created_total",
			Help: "作成されたアイデンティティの種別ごとの合計数",
		}, []string{"kind"}),
		identityMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "norma_identity_merged_total",
			Help: "trial→registeredマージの合計数",
		}),
		mergeConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "norma_merge_conflict_total",
			Help: "並行マージで競合した回数",
		}),
		quotaConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "norma_quota_consumed_total",
			Help: "消費されたメッセージクォータの合計数",
		}),
		quotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "norma_quota_exceeded_total",
			Help: "クォータ超過で拒否されたリクエストの合計数",
		}),
		sessionOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "norma_session_opened_total",
			Help: "開設されたセッションの合計数",
		}),
		sessionRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "norma_session_revoked_total",
			Help: "失効されたセッションの理由別合計数",
		}, []string{"reason"}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "norma_sweep_deleted_total",
			Help: "スイープで削除された行の対象別合計数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.identityCreated,
		c.identityMerged,
		c.mergeConflict,
		c.quotaConsumed,
		c.quotaExceeded,
		c.sessionOpened,
		c.sessionRevoked,
		c.sweepDeleted,
	)

	return c
}

// RecordIdentityCreated はアイデンティティ作成を種別付きで記録する。
func (c *Collector) RecordIdentityCreated(kind string) {
	c.identityCreated.WithLabelValues(kind).Inc()
}

// RecordIdentityMerged はマージ成功を記録する。
func (c *Collector) RecordIdentityMerged() {
	c.identityMerged.Inc()
}

// RecordMergeConflict はマージ競合を記録する。
func (c *Collector) RecordMergeConflict() {
	c.mergeConflict.Inc()
}

// RecordQuotaConsumed はクォータ消費を記録する。
func (c *Collector) RecordQuotaConsumed(count int64) {
	c.quotaConsumed.Add(float64(count))
}

// RecordQuotaExceeded はクォータ超過による拒否を記録する。
func (c *Collector) RecordQuotaExceeded() {
	c.quotaExceeded.Inc()
}

// RecordSessionOpened はセッション開設を記録する。
func (c *Collector) RecordSessionOpened() {
	c.sessionOpened.Inc()
}

// RecordSessionRevoked はセッション失効を理由付きで記録する。
// 理由: limit（上限超過）, user（ユーザー操作）, expired（期限切れ）。
func (c *Collector) RecordSessionRevoked(reason string) {
	c.sessionRevoked.WithLabelValues(reason).Inc()
}

// RecordSweepDeleted はスイープによる削除を対象付きで記録する。
// 対象: sessions, identities。
func (c *Collector) RecordSweepDeleted(target string, count int64) {
	c.sweepDeleted.WithLabelValues(target).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector実装。テストで使用する。
type NopCollector struct{}

func (NopCollector) RecordIdentityCreated(kind string)             {}
func (NopCollector) RecordIdentityMerged()                         {}
func (NopCollector) RecordMergeConflict()                          {}
func (NopCollector) RecordQuotaConsumed(count int64)               {}
func (NopCollector) RecordQuotaExceeded()                          {}
func (NopCollector) RecordSessionOpened()                          {}
func (NopCollector) RecordSessionRevoked(reason string)            {}
func (NopCollector) RecordSweepDeleted(target string, count int64) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
