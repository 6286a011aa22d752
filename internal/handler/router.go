package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/paiban/continuity/internal/middleware"
	"github.com/paiban/continuity/internal/security"
)

// VersionInfo 构建信息
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// RouterConfig 路由依赖
type RouterConfig struct {
	Runs        *RunHandler
	Dispatch    *DispatchHandler
	Metrics     http.Handler // 为空时不注册
	MetricsPath string
	Health      func(ctx context.Context) error // 存储健康检查，可选
	Version     VersionInfo
}

// NewRouter 注册所有API路由
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()
	read := func(h http.HandlerFunc) http.HandlerFunc { return middleware.RequireScope(security.ScopeRunsRead, h) }
	write := func(h http.HandlerFunc) http.HandlerFunc { return middleware.RequireScope(security.ScopeRunsWrite, h) }

	// 系统端点
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"status": "ok", "service": "continuity"}
		if cfg.Runs != nil {
			body["runs_in_flight"] = cfg.Runs.orch.InFlight()
		}
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				body["status"] = "degraded"
				body["database"] = err.Error()
				respondJSON(w, http.StatusServiceUnavailable, body)
				return
			}
		}
		respondJSON(w, http.StatusOK, body)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, cfg.Version)
	})
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, cfg.Metrics)
	}

	// 流水线与运行
	if h := cfg.Runs; h != nil {
		mux.HandleFunc("POST /api/v1/pipeline/run", write(h.RunPipeline))
		mux.HandleFunc("POST /api/v1/pipeline/sweep", write(h.Sweep))
		mux.HandleFunc("POST /api/v1/runs/submit", write(h.Submit))
		mux.HandleFunc("GET /api/v1/runs", read(h.ListRuns))
		mux.HandleFunc("GET /api/v1/runs/compare", read(h.CompareRuns))
		mux.HandleFunc("GET /api/v1/runs/{id}", read(h.GetRun))
		mux.HandleFunc("POST /api/v1/runs/{id}/constrain", write(h.Constrain))
		mux.HandleFunc("POST /api/v1/runs/{id}/cancel", write(h.CancelRun))
		mux.HandleFunc("POST /api/v1/runs/{id}/resume", write(h.ResumeRun))
		mux.HandleFunc("POST /api/v1/runs/{id}/decision", write(h.RecordDecision))
	}

	// 本地规划
	if h := cfg.Dispatch; h != nil {
		mux.HandleFunc("POST /api/v1/dispatch/plan", read(h.Plan))
		mux.HandleFunc("POST /api/v1/dispatch/evaluate", read(h.Evaluate))
		mux.HandleFunc("GET /api/v1/dispatch/constraints", read(h.Constraints))
	}

	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"message": "连续性约束求解 API v1",
			"endpoints": map[string]interface{}{
				"pipeline": map[string]string{
					"run":   "POST /api/v1/pipeline/run",
					"sweep": "POST /api/v1/pipeline/sweep",
				},
				"runs": map[string]string{
					"submit":    "POST /api/v1/runs/submit",
					"list":      "GET /api/v1/runs",
					"compare":   "GET /api/v1/runs/compare?dataset_id=",
					"get":       "GET /api/v1/runs/{id}",
					"constrain": "POST /api/v1/runs/{id}/constrain",
					"cancel":    "POST /api/v1/runs/{id}/cancel",
					"resume":    "POST /api/v1/runs/{id}/resume",
					"decision":  "POST /api/v1/runs/{id}/decision",
				},
				"dispatch": map[string]string{
					"plan":        "POST /api/v1/dispatch/plan",
					"evaluate":    "POST /api/v1/dispatch/evaluate",
					"constraints": "GET /api/v1/dispatch/constraints",
				},
			},
		})
	})
	return mux
}
