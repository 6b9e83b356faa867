// ============================================================================
// Beaver-Audit Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集遠端任務、背景任務、grid 取樣與 mirror 寫入的指標
//
// 指標分類:
//
//   1. 遠端任務 (Counter, 依 family 分類)：
//      - audit_job_submits_total{family,result}: 提交次數（ok / error）
//      - audit_job_polls_total{family,outcome}: 輪詢結果分佈
//      - audit_job_resubmits_total{family}: lost job / stall 造成的重新提交
//      - audit_job_outcomes_total{family,result}: 最終結果
//
//   2. 效能指標 (Histogram)：
//      - audit_job_duration_seconds{family}: RunJob 從第一次提交到結束的時間
//        * 評論任務為分鐘級，桶分佈拉長到 300s
//
//   3. 背景任務 (Gauge / Counter)：
//      - audit_tasks_running: 目前執行中的背景任務
//      - audit_tasks_finished_total{family,status}
//
//   4. 其他：
//      - audit_grid_points_total{ranked}: grid 格點結果（true / false）
//      - audit_mirror_writes_total{result}: 外部儲存寫入（ok / failed / dropped）
//
// Prometheus 查詢示例:
//
//   # 每分鐘 lost job 重新提交
//   rate(audit_job_resubmits_total[1m])
//
//   # 95 分位評論任務時間
//   histogram_quantile(0.95, audit_job_duration_seconds_bucket{family="reviews"})
//
// 註冊:
//   所有指標註冊到呼叫端注入的 prometheus.Registerer，測試可使用獨立 registry
//
// ============================================================================

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

const namespace = "audit"

// Collector Prometheus 指標收集器
//
// 同時實作 jobclient.Observer、tasks.Listener 與 mirror.Recorder
type Collector struct {
	// 遠端任務
	submits   *prometheus.CounterVec
	polls     *prometheus.CounterVec
	resubmits *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	duration  *prometheus.HistogramVec

	// 背景任務
	tasksRunning  prometheus.Gauge
	tasksFinished *prometheus.CounterVec

	gridPoints   *prometheus.CounterVec
	mirrorWrites *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 建立指標收集器並註冊到 reg
//
// reg 為 nil 時使用新的 prometheus.Registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submits_total",
			Help:      "Total number of remote job submissions",
		}, []string{"family", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_polls_total",
			Help:      "Total number of remote job polls by classified outcome",
		}, []string{"family", "outcome"}),
		resubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_resubmits_total",
			Help:      "Total number of resubmissions after a lost job or stall",
		}, []string{"family"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Total number of terminal job outcomes",
		}, []string{"family", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Remote job wall-clock duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300},
		}, []string{"family"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Current number of running background tasks",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of finished background tasks",
		}, []string{"family", "status"}),
		gridPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grid_points_total",
			Help:      "Total number of grid points sampled",
		}, []string{"ranked"}),
		mirrorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_writes_total",
			Help:      "Total number of external store writes by result",
		}, []string{"result"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.submits,
		c.polls,
		c.resubmits,
		c.outcomes,
		c.duration,
		c.tasksRunning,
		c.tasksFinished,
		c.gridPoints,
		c.mirrorWrites,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// ============================================================================
// jobclient.Observer
// ============================================================================

// Submitted 記錄一次提交
func (c *Collector) Submitted(family types.JobFamily, _ int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.submits.WithLabelValues(string(family), result).Inc()
}

// Polled 記錄一次輪詢
func (c *Collector) Polled(family types.JobFamily, kind jobclient.OutcomeKind) {
	c.polls.WithLabelValues(string(family), kind.String()).Inc()
}

// Resubmitting 記錄重新提交
func (c *Collector) Resubmitting(family types.JobFamily, _ int, _ string) {
	c.resubmits.WithLabelValues(string(family)).Inc()
}

// Finished 記錄最終結果與時間
func (c *Collector) Finished(family types.JobFamily, err error, elapsed time.Duration) {
	c.outcomes.WithLabelValues(string(family), outcomeLabel(err)).Inc()
	c.duration.WithLabelValues(string(family)).Observe(elapsed.Seconds())
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, jobclient.ErrCanceled):
		return string(jobclient.KindCanceled)
	case errors.Is(err, jobclient.ErrRetriesExhausted):
		return string(jobclient.KindRetriesExhausted)
	case errors.Is(err, jobclient.ErrPermanent):
		return string(jobclient.KindPermanent)
	}
	return "error"
}

// ============================================================================
// tasks.Listener
// ============================================================================

// TaskStarted 背景任務開始
func (c *Collector) TaskStarted(types.BackgroundTask) {
	c.tasksRunning.Inc()
}

// TaskFinished 背景任務結束
func (c *Collector) TaskFinished(task types.BackgroundTask) {
	c.tasksRunning.Dec()
	c.tasksFinished.WithLabelValues(string(task.Family), string(task.Status)).Inc()
}

// ============================================================================
// 其他
// ============================================================================

// GridPoint 記錄一個 grid 格點結果
func (c *Collector) GridPoint(ranked bool) {
	label := "false"
	if ranked {
		label = "true"
	}
	c.gridPoints.WithLabelValues(label).Inc()
}

// MirrorWrite 記錄外部儲存寫入結果（mirror.Recorder）
func (c *Collector) MirrorWrite(result string) {
	c.mirrorWrites.WithLabelValues(result).Inc()
}

// Handler 回傳 /metrics HTTP handler
//
// 註冊器不是 Gatherer 時退回 promhttp.Handler()（預設 registry）
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
