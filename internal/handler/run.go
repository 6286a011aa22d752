package handler

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paiban/continuity/internal/repository"
	"github.com/paiban/continuity/pkg/builder"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/orchestrator"
	"github.com/paiban/continuity/pkg/stats"
	"github.com/paiban/continuity/pkg/tracker"
)

// RunLister 支持分页筛选的运行存储
type RunLister interface {
	List(ctx context.Context, filter repository.ListFilter) ([]*model.Run, int, error)
}

// RunHandlerConfig 运行处理器依赖
type RunHandlerConfig struct {
	Pipeline     *orchestrator.Pipeline
	Builder      *builder.Builder
	Defaults     orchestrator.Options
	SweepWorkers int
	Lister       RunLister // 可选，为空时列表必须指定 dataset_id
}

// RunHandler 求解运行与流水线处理器
type RunHandler struct {
	pipeline *orchestrator.Pipeline
	orch     *orchestrator.Orchestrator
	tracker  *tracker.Tracker
	builder  *builder.Builder
	defaults orchestrator.Options
	workers  int
	lister   RunLister
	log      *zerolog.Logger

	base context.Context
	wg   sync.WaitGroup
}

// NewRunHandler 创建运行处理器，ctx 控制后台等待任务的生命周期
func NewRunHandler(ctx context.Context, cfg RunHandlerConfig) *RunHandler {
	b := cfg.Builder
	if b == nil {
		b = builder.New(model.SolverConfig{TerminationBudget: cfg.Defaults.Budget})
	}
	if cfg.Defaults.MaxWait <= 0 {
		cfg.Defaults.MaxWait = 30 * time.Minute
	}
	orch := cfg.Pipeline.Orchestrator()
	return &RunHandler{
		pipeline: cfg.Pipeline,
		orch:     orch,
		tracker:  orch.Tracker(),
		builder:  b,
		defaults: cfg.Defaults,
		workers:  cfg.SweepWorkers,
		lister:   cfg.Lister,
		log:      logger.Component("run-handler"),
		base:     ctx,
	}
}

// Wait 等待所有后台任务结束
func (h *RunHandler) Wait() {
	h.wg.Wait()
}

// PipelineRequest 流水线请求
type PipelineRequest struct {
	ProblemRequest
	K               int                   `json:"k,omitempty"`
	EmptyPoolPolicy model.EmptyPoolPolicy `json:"empty_pool_policy,omitempty"`
	BudgetSeconds   int                   `json:"budget_seconds,omitempty"`
	MaxWaitSeconds  int                   `json:"max_wait_seconds,omitempty"`
	Async           bool                  `json:"async,omitempty"`
}

func (req PipelineRequest) options() orchestrator.Options {
	return orchestrator.Options{
		K:       req.K,
		Policy:  req.EmptyPoolPolicy,
		Budget:  seconds(req.BudgetSeconds),
		MaxWait: seconds(req.MaxWaitSeconds),
	}
}

// PipelineResponse 流水线响应；失败时 Result 仍包含已完成的阶段
type PipelineResponse struct {
	Success bool                 `json:"success"`
	Result  *orchestrator.Result `json:"result,omitempty"`
	Code    errors.Code          `json:"code,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// RunPipeline 执行两阶段流水线
func (h *RunHandler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	var req PipelineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	instance, err := req.resolve(h.builder)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if req.Async {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if _, err := h.pipeline.Run(h.base, instance, req.options()); err != nil {
				h.log.Warn().Err(err).Str("dataset_id", instance.DatasetID).Msg("后台流水线失败")
			}
		}()
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"success":    true,
			"dataset_id": instance.DatasetID,
			"runs":       "/api/v1/runs?dataset_id=" + instance.DatasetID,
		})
		return
	}

	res, err := h.pipeline.Run(r.Context(), instance, req.options())
	if err != nil {
		if res == nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, errors.GetHTTPStatus(err), PipelineResponse{
			Result: res,
			Code:   errors.GetCode(err),
			Error:  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, PipelineResponse{Success: true, Result: res})
}

// SweepRequest 多K值比较请求
type SweepRequest struct {
	PipelineRequest
	Ks      []int `json:"ks"`
	Workers int   `json:"workers,omitempty"`
}

// Sweep 一次无约束试解后比较多个K值
func (h *RunHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	instance, err := req.resolve(h.builder)
	if err != nil {
		respondError(w, r, err)
		return
	}
	workers := req.Workers
	if workers <= 0 {
		workers = h.workers
	}

	res, err := h.pipeline.Sweep(r.Context(), instance, req.Ks, workers, req.options())
	if err != nil && res == nil {
		respondError(w, r, err)
		return
	}
	if err != nil {
		respondJSON(w, errors.GetHTTPStatus(err), map[string]interface{}{
			"success": false,
			"result":  res,
			"code":    errors.GetCode(err),
			"error":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "result": res})
}

// SubmitRequest 单次无约束提交请求
type SubmitRequest struct {
	ProblemRequest
	TargetK       int `json:"target_k,omitempty"`
	BudgetSeconds int `json:"budget_seconds,omitempty"`
}

// Submit 提交无约束求解，后台等待结果
func (h *RunHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	instance, err := req.resolve(h.builder)
	if err != nil {
		respondError(w, r, err)
		return
	}
	targetK := req.TargetK
	if targetK == 0 {
		targetK = h.defaults.K
	}

	handle, err := h.orch.Submit(r.Context(), instance, orchestrator.SubmitOptions{
		Phase:   model.PhaseUnconstrained,
		Budget:  h.budget(req.BudgetSeconds),
		TargetK: targetK,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.await(handle)

	run, err := h.tracker.Get(r.Context(), handle.RunID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// ConstrainRequest 约束阶段请求
type ConstrainRequest struct {
	K               int                   `json:"k,omitempty"`
	EmptyPoolPolicy model.EmptyPoolPolicy `json:"empty_pool_policy,omitempty"`
	BudgetSeconds   int                   `json:"budget_seconds,omitempty"`
}

// Constrain 从已完成的无约束运行推导护理员池并提交约束求解
func (h *RunHandler) Constrain(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	var req ConstrainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	run, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if run.Phase != model.PhaseUnconstrained {
		respondError(w, r, errors.InvalidInput("id", "只能基于无约束运行推导护理员池"))
		return
	}
	// 输出只保存在提交该运行的进程内
	parent := h.orch.Handle(id)
	if parent == nil {
		reason := string(run.Status)
		if run.Status == model.RunCompleted {
			reason = "output unavailable"
		}
		respondError(w, r, errors.PrerequisiteNotMet(id.String(), reason))
		return
	}

	pooled, pool, affinity, err := h.pipeline.PrepareConstrained(r.Context(), parent, run, orchestrator.Options{
		K:      req.K,
		Policy: req.EmptyPoolPolicy,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	handle, err := h.orch.Submit(r.Context(), pooled, orchestrator.SubmitOptions{
		Phase:       model.PhasePooled,
		Budget:      h.budget(req.BudgetSeconds),
		ParentRunID: &run.ID,
		Pool:        pool,
		TargetK:     pool.K,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.await(handle)

	child, err := h.tracker.Get(r.Context(), handle.RunID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"run":      child,
		"pool":     pool,
		"affinity": affinity,
	})
}

// ListRuns 列出运行
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	datasetID := q.Get("dataset_id")

	if h.lister != nil {
		filter := repository.DefaultListFilter().
			WithDataset(datasetID).
			WithStatus(q.Get("status")).
			WithDateRange(q.Get("start_date"), q.Get("end_date"))
		filter.Phase = q.Get("phase")
		if n, err := strconv.Atoi(q.Get("limit")); err == nil {
			filter = filter.WithLimit(n)
		}
		if n, err := strconv.Atoi(q.Get("offset")); err == nil {
			filter = filter.WithOffset(n)
		}
		if v := q.Get("order_by"); v != "" {
			filter.OrderBy = v
		}
		if v := q.Get("order_dir"); v != "" {
			filter.OrderDir = v
		}
		runs, total, err := h.lister.List(r.Context(), filter)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "total": total})
		return
	}

	if datasetID == "" {
		respondError(w, r, errors.InvalidInput("dataset_id", "不能为空"))
		return
	}
	runs, err := h.tracker.ListByDataset(r.Context(), datasetID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if status := q.Get("status"); status != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if string(run.Status) == status {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "total": len(runs)})
}

// GetRun 查询单个运行
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	run, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// CancelRun 取消运行
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	run, err := h.orch.CancelRun(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ResumeRun 继续等待超时后仍在运行的求解，max_wait_seconds 可覆盖默认等待时间
func (h *RunHandler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	run, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if run.Status.IsTerminal() {
		respondJSON(w, http.StatusOK, run)
		return
	}
	handle := h.orch.Handle(id)
	if handle == nil {
		respondError(w, r, errors.PrerequisiteNotMet(id.String(), "handle unavailable"))
		return
	}
	maxWait := h.defaults.MaxWait
	if n, err := strconv.Atoi(r.URL.Query().Get("max_wait_seconds")); err == nil && n > 0 {
		maxWait = seconds(n)
	}
	h.awaitFor(handle, maxWait)
	respondJSON(w, http.StatusAccepted, run)
}

// DecisionRequest 采纳决定
type DecisionRequest struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// RecordDecision 记录运行的采纳决定
func (h *RunHandler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	var req DecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	run, err := h.tracker.RecordDecision(r.Context(), id, req.Decision, req.Rationale)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// Comparison 约束运行与其无约束运行的对比
type Comparison struct {
	Unconstrained model.RunSummary   `json:"unconstrained"`
	Pooled        model.RunSummary   `json:"pooled"`
	Diff          map[string]float64 `json:"diff"`
}

// CompareRuns 按数据集对比各约束运行与其无约束运行
func (h *RunHandler) CompareRuns(w http.ResponseWriter, r *http.Request) {
	datasetID := r.URL.Query().Get("dataset_id")
	if datasetID == "" {
		respondError(w, r, errors.InvalidInput("dataset_id", "不能为空"))
		return
	}
	runs, err := h.tracker.ListByDataset(r.Context(), datasetID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dataset_id":  datasetID,
		"runs":        summaries(runs),
		"comparisons": compare(runs),
	})
}

func summaries(runs []*model.Run) []model.RunSummary {
	out := make([]model.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Summary())
	}
	return out
}

// compare 配对已完成的约束运行与其父运行，按K排序
func compare(runs []*model.Run) []Comparison {
	byID := make(map[uuid.UUID]*model.Run, len(runs))
	for _, run := range runs {
		byID[run.ID] = run
	}
	out := []Comparison{}
	for _, run := range runs {
		if run.Phase != model.PhasePooled || run.Status != model.RunCompleted || run.ParentRunID == nil {
			continue
		}
		parent, ok := byID[*run.ParentRunID]
		if !ok || parent.Status != model.RunCompleted {
			continue
		}
		out = append(out, Comparison{
			Unconstrained: parent.Summary(),
			Pooled:        run.Summary(),
			Diff:          stats.CompareKPIs(parent.KPIs, run.KPIs),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pooled.PoolK < out[j].Pooled.PoolK })
	return out
}

func (h *RunHandler) budget(secs int) time.Duration {
	if secs > 0 {
		return seconds(secs)
	}
	return h.defaults.Budget
}

func (h *RunHandler) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, r, errors.InvalidInput("id", "无效的运行ID"))
		return uuid.Nil, false
	}
	return id, true
}

// await 后台等待运行结束
func (h *RunHandler) await(handle *orchestrator.RunHandle) {
	h.awaitFor(handle, h.defaults.MaxWait)
}

func (h *RunHandler) awaitFor(handle *orchestrator.RunHandle, maxWait time.Duration) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		run, err := h.orch.Await(h.base, handle, h.defaults.PollInterval, maxWait)
		if err != nil {
			h.log.Warn().Err(err).Str("run_id", handle.RunID.String()).Msg("后台等待运行结束失败")
			return
		}
		h.log.Debug().Str("run_id", run.ID.String()).Str("status", string(run.Status)).Msg("后台运行结束")
	}()
}
