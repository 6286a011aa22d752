// Package solverstub 本地求解器服务，使用贪心派单引擎响应求解器线协议
package solverstub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paiban/continuity/pkg/dispatcher"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/solver"
)

// Config 本地求解器配置
type Config struct {
	Address  string
	APIKey   string        // 为空时不校验 X-API-KEY
	Delay    time.Duration // 模拟求解耗时
	SpeedKmh float64
}

type job struct {
	meta   solver.Metadata
	output *solver.RoutePlanOutput
	cancel context.CancelFunc
}

// Server 本地求解器
type Server struct {
	cfg    Config
	engine *dispatcher.Engine
	log    *zerolog.Logger
	jobs   map[string]*job
	mu     sync.RWMutex
	wg     sync.WaitGroup
	srv    *http.Server
	total  *prometheus.CounterVec
}

// New 创建本地求解器，reg 为空时使用默认注册表
func New(cfg Config, reg prometheus.Registerer) *Server {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	log := logger.Component("solver-stub")

	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solver_stub_jobs_total",
		Help: "Jobs handled by the local solver",
	}, []string{"status"})
	if err := reg.Register(total); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if exist, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				total = exist
			} else {
				log.Error().Msgf("solver_stub_jobs_total 已注册为 %T", are.ExistingCollector)
			}
		}
	}

	return &Server{
		cfg:    cfg,
		engine: dispatcher.NewEngine().WithSpeed(cfg.SpeedKmh),
		log:    log,
		jobs:   make(map[string]*job),
		total:  total,
	}
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/route-plans", s.handleSubmit)
	mux.HandleFunc("GET /v1/route-plans/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /v1/route-plans/{id}", s.handleOutput)
	mux.HandleFunc("DELETE /v1/route-plans/{id}", s.handleCancel)
	return s.authorize(mux)
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-KEY") != s.cfg.APIKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req solver.RoutePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.total.WithLabelValues("rejected").Inc()
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := req.ToProblem()
	if err != nil {
		s.total.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	meta := solver.Metadata{ID: uuid.NewString(), Name: req.Config.Run.Name, SolverStatus: solver.StatusScheduled}
	s.mu.Lock()
	s.jobs[meta.ID] = &job{meta: meta, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.solve(ctx, meta.ID, func() *solver.RoutePlanOutput {
			return s.engine.Plan(p).Output()
		})
	}()

	s.log.Info().
		Str("job_id", meta.ID).
		Str("name", meta.Name).
		Int("visits", len(p.Visits)).
		Msg("接收求解任务")
	writeJSON(w, http.StatusAccepted, solver.StatusResponse{Metadata: meta})
}

// solve 等待模拟耗时后执行规划，取消时任务标记为失败
func (s *Server) solve(ctx context.Context, id string, plan func() *solver.RoutePlanOutput) {
	s.setStatus(id, solver.StatusActive, "")
	if s.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}
	out := plan()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.meta.SolverStatus.IsTerminal() {
		return
	}
	j.meta.SolverStatus = solver.StatusCompleted
	j.meta.Score = out.Metadata.Score
	out.Metadata.ID = id
	out.Metadata.Name = j.meta.Name
	out.Metadata.SolverStatus = solver.StatusCompleted
	j.output = out
	s.total.WithLabelValues("completed").Inc()
}

func (s *Server) setStatus(id string, status solver.JobStatus, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && !j.meta.SolverStatus.IsTerminal() {
		j.meta.SolverStatus = status
		j.meta.FailureCause = cause
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*job, bool) {
	id := r.PathValue("id")
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "route plan not found", http.StatusNotFound)
	}
	return j, ok
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	meta := j.meta
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, solver.StatusResponse{Metadata: meta})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	out, meta := j.output, j.meta
	s.mu.RUnlock()
	if out == nil {
		writeJSON(w, http.StatusOK, solver.RoutePlanOutput{
			Metadata:    meta,
			ModelOutput: solver.ModelOutput{Vehicles: []solver.VehicleOutput{}},
			KPIs:        solver.OutputKPIs{TotalTravelTime: "PT0S"},
		})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	j.cancel()
	s.mu.Lock()
	if !j.meta.SolverStatus.IsTerminal() {
		j.meta.SolverStatus = solver.StatusFailed
		j.meta.FailureCause = "terminated"
		s.total.WithLabelValues("terminated").Inc()
	}
	meta := j.meta
	s.mu.Unlock()
	s.log.Info().Str("job_id", meta.ID).Msg("求解任务已终止")
	writeJSON(w, http.StatusOK, solver.StatusResponse{Metadata: meta})
}

// Addr 返回监听地址
func (s *Server) Addr() string { return s.cfg.Address }

// Start 启动服务直到上下文取消
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在已有监听上提供服务直到上下文取消
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.cfg.Address = ln.Addr().String()
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("关闭本地求解器失败")
		}
		s.Close()
	}()
	s.log.Info().Str("addr", s.cfg.Address).Msg("本地求解器已启动")
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close 终止所有未完成任务并等待退出
func (s *Server) Close() {
	s.mu.RLock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
