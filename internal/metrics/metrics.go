// Package metrics 提供Prometheus监控指标和运行指标时序写入
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/solver"
)

// Registry 求解流水线指标集合
type Registry struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	submissions     *prometheus.CounterVec
	polls           *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	unassigned      *prometheus.GaugeVec
	avgDistinct     *prometheus.GaugeVec
	violations      *prometheus.GaugeVec
	workloadGini    *prometheus.GaugeVec
	inFlight        prometheus.Gauge
}

// NewRegistry 在给定注册器上注册指标，reg 为 nil 时使用默认注册器；已注册的指标会被复用
func NewRegistry(reg *prometheus.Registry) (*Registry, error) {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	r := &Registry{gatherer: gatherer}
	var err error

	if r.requests, err = register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "continuity_http_requests_total",
		Help: "HTTP请求总数",
	}, []string{"method", "path", "status"})); err != nil {
		return nil, err
	}
	if r.requestDuration, err = register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "continuity_http_request_duration_seconds",
		Help:    "HTTP请求延迟",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"method", "path"})); err != nil {
		return nil, err
	}
	if r.submissions, err = register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "continuity_solver_submissions_total",
		Help: "求解提交次数",
	}, []string{"phase", "result"})); err != nil {
		return nil, err
	}
	if r.polls, err = register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "continuity_solver_polls_total",
		Help: "求解状态轮询次数",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if r.runs, err = register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "continuity_runs_total",
		Help: "结束的运行数",
	}, []string{"phase", "status"})); err != nil {
		return nil, err
	}
	if r.runDuration, err = register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "continuity_run_duration_seconds",
		Help:    "求解耗时",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"phase"})); err != nil {
		return nil, err
	}
	if r.unassigned, err = register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "continuity_run_unassigned_visits",
		Help: "最近一次运行的未分配服务数",
	}, []string{"dataset_id", "phase"})); err != nil {
		return nil, err
	}
	if r.avgDistinct, err = register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "continuity_run_avg_distinct_caregivers",
		Help: "最近一次运行每客户平均护理员数",
	}, []string{"dataset_id", "phase"})); err != nil {
		return nil, err
	}
	if r.violations, err = register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "continuity_run_containment_violations",
		Help: "最近一次运行的池外分配数",
	}, []string{"dataset_id", "phase"})); err != nil {
		return nil, err
	}
	if r.workloadGini, err = register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "continuity_run_workload_gini",
		Help: "最近一次运行的工作量基尼系数",
	}, []string{"dataset_id", "phase"})); err != nil {
		return nil, err
	}
	if r.inFlight, err = register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "continuity_runs_in_flight",
		Help: "进行中的求解数",
	})); err != nil {
		return nil, err
	}

	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler 返回Prometheus格式的指标HTTP处理器
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest 记录请求指标
func (r *Registry) RecordRequest(method, path string, status int, duration time.Duration) {
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSubmission 记录一次提交
func (r *Registry) RecordSubmission(phase model.Phase, err error) {
	result := "accepted"
	if err != nil {
		result = "error"
	} else {
		r.inFlight.Inc()
	}
	r.submissions.WithLabelValues(string(phase), result).Inc()
}

// RecordPoll 记录一次状态轮询
func (r *Registry) RecordPoll(status solver.JobStatus) {
	label := string(status)
	if label == "" {
		label = "error"
	}
	r.polls.WithLabelValues(label).Inc()
}

// RecordRun 记录运行结束
func (r *Registry) RecordRun(run *model.Run) {
	if run.SolverJobID != "" {
		r.inFlight.Dec()
	}
	r.runs.WithLabelValues(string(run.Phase), string(run.Status)).Inc()
	if d := run.Duration(); d > 0 {
		r.runDuration.WithLabelValues(string(run.Phase)).Observe(d.Seconds())
	}
	if run.KPIs == nil {
		return
	}
	phase := string(run.Phase)
	r.unassigned.WithLabelValues(run.DatasetID, phase).Set(float64(run.KPIs.UnassignedVisits))
	r.avgDistinct.WithLabelValues(run.DatasetID, phase).Set(run.KPIs.Continuity.Avg)
	r.violations.WithLabelValues(run.DatasetID, phase).Set(float64(len(run.KPIs.ContainmentViolations)))
	r.workloadGini.WithLabelValues(run.DatasetID, phase).Set(run.KPIs.WorkloadGini)
}
