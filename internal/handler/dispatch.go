package handler

import (
	"encoding/json"
	"net/http"

	"github.com/paiban/continuity/internal/constraints"
	"github.com/paiban/continuity/pkg/analyzer"
	"github.com/paiban/continuity/pkg/builder"
	"github.com/paiban/continuity/pkg/dispatcher"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/validator"
)

// DispatchHandler 本地贪心规划处理器，不经过外部求解器
type DispatchHandler struct {
	builder *builder.Builder
}

// NewDispatchHandler 创建本地规划处理器
func NewDispatchHandler(b *builder.Builder) *DispatchHandler {
	if b == nil {
		b = builder.New(model.SolverConfig{})
	}
	return &DispatchHandler{builder: b}
}

// PlanRequest 本地规划请求
type PlanRequest struct {
	ProblemRequest
	TargetK  int                   `json:"target_k,omitempty"`
	Pool     *model.ContinuityPool `json:"pool,omitempty"`
	SpeedKmh float64               `json:"speed_kmh,omitempty"`
}

// PlanResponse 本地规划响应
type PlanResponse struct {
	Success   bool                 `json:"success"`
	Plan      *dispatcher.Plan     `json:"plan"`
	KPIs      *model.KPIs          `json:"kpis"`
	Conflicts []validator.Conflict `json:"conflicts,omitempty"`
}

// Plan 使用贪心引擎规划并计算与正式运行相同的指标
func (h *DispatchHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	instance, err := req.resolve(h.builder)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger.WithContext(r.Context()).Info().
		Str("dataset_id", instance.DatasetID).
		Int("visits", len(instance.Visits)).
		Int("vehicles", len(instance.Vehicles)).
		Msg("接收本地规划请求")

	plan := dispatcher.NewEngine().WithSpeed(req.SpeedKmh).Plan(instance)
	raw, err := json.Marshal(plan.Output())
	if err != nil {
		respondError(w, r, errors.Wrap(err, errors.CodeInternal, "编码规划结果失败"))
		return
	}
	parsed := analyzer.Parse(raw)
	if !parsed.OK() {
		respondError(w, r, parsed.Err())
		return
	}
	kpis := analyzer.Analyze(instance, parsed.Output, analyzer.Options{TargetK: req.TargetK, Pool: req.Pool})
	conflicts := validator.NewConflictDetector(nil).DetectAll(instance, parsed.Output)
	kpis.OutputConflicts = validator.Errors(conflicts)

	respondJSON(w, http.StatusOK, PlanResponse{Success: true, Plan: plan, KPIs: kpis, Conflicts: conflicts})
}

// EvaluateRequest 候选评估请求
type EvaluateRequest struct {
	ProblemRequest
	VisitID  string  `json:"visit_id"`
	SpeedKmh float64 `json:"speed_kmh,omitempty"`
}

// Evaluate 评估单个服务在各班次的插入评分
func (h *DispatchHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	instance, err := req.resolve(h.builder)
	if err != nil {
		respondError(w, r, err)
		return
	}
	visit, ok := instance.VisitIndex()[req.VisitID]
	if !ok {
		respondError(w, r, errors.NotFound("visit", req.VisitID))
		return
	}

	scores := dispatcher.NewEngine().WithSpeed(req.SpeedKmh).Evaluate(instance, visit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"visit_id":   visit.ID,
		"candidates": scores,
	})
}

// Constraints 列出本地规划约束及 config.weights 可调键
func (h *DispatchHandler) Constraints(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, constraints.LibraryResponse{Library: constraints.GetLibrary()})
}
