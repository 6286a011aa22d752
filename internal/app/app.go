// Package app 组装连续性求解服务的各个组件
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/internal/database"
	"github.com/paiban/continuity/internal/handler"
	"github.com/paiban/continuity/internal/metrics"
	"github.com/paiban/continuity/internal/middleware"
	"github.com/paiban/continuity/internal/notify"
	"github.com/paiban/continuity/internal/repository"
	"github.com/paiban/continuity/internal/security"
	"github.com/paiban/continuity/internal/solverstub"
	"github.com/paiban/continuity/pkg/builder"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/orchestrator"
	"github.com/paiban/continuity/pkg/solver"
	"github.com/paiban/continuity/pkg/tracker"
)

// Service 连续性求解服务
type Service struct {
	cfg      *config.Config
	log      *zerolog.Logger
	db       *database.DB
	runs     *repository.RunRepository
	tracker  *tracker.Tracker
	metrics  *metrics.Registry
	sink     metrics.RunSink
	reporter *notify.MQTTReporter
	limiter  *security.RateLimiter
	stub     context.CancelFunc
	pipeline *orchestrator.Pipeline
	builder  *builder.Builder
}

// New 按配置创建服务
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	s := &Service{cfg: cfg, log: logger.Component("service")}

	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	s.tracker = tracker.New(store)
	s.tracker.OnTransition(func(run *model.Run, from model.RunStatus) {
		logger.Debug().
			Str("run_id", run.ID.String()).
			Str("from", string(from)).
			Str("to", string(run.Status)).
			Msg("运行状态回调")
	})

	if s.metrics, err = metrics.NewRegistry(prometheus.NewRegistry()); err != nil {
		s.Close()
		return nil, fmt.Errorf("注册监控指标失败: %w", err)
	}

	client, err := s.solverClient(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	orch := orchestrator.New(client, s.tracker,
		orchestrator.WithRecorder(s.metrics),
		orchestrator.WithRetention(cfg.Pipeline.RetainedRuns),
	)

	var opts []orchestrator.PipelineOption
	s.sink = metrics.NewRunSink(cfg.Influx)
	opts = append(opts, orchestrator.WithKPISink(s.sink))
	if cfg.MQTT.Enabled {
		reporter, err := notify.Connect(cfg.MQTT)
		if err != nil {
			s.log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT不可用，结果通知已禁用")
		} else {
			s.reporter = reporter
			opts = append(opts, orchestrator.WithReporter(reporter))
		}
	}

	s.pipeline = orchestrator.NewPipeline(orch, s.Defaults(), opts...)
	s.builder = builder.New(model.SolverConfig{TerminationBudget: cfg.Pipeline.TerminationBudget})
	return s, nil
}

func (s *Service) openStore(ctx context.Context) (tracker.Store, error) {
	if s.cfg.Database.Driver == "memory" {
		return tracker.NewMemoryStore(), nil
	}
	db, err := database.New(&s.cfg.Database)
	if err != nil {
		return nil, err
	}
	runs := repository.NewRunRepository(db)
	if err := runs.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.db, s.runs = db, runs
	return runs, nil
}

// solverClient 创建求解器客户端，内置模式下在回环地址启动本地求解器
func (s *Service) solverClient(ctx context.Context) (solver.Client, error) {
	sc := s.cfg.Solver
	if sc.Local {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("启动内置求解器失败: %w", err)
		}
		stubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stub := solverstub.New(solverstub.Config{APIKey: sc.APIKey}, prometheus.NewRegistry())
		go func() {
			if err := stub.Serve(stubCtx, ln); err != nil {
				s.log.Error().Err(err).Msg("内置求解器异常退出")
			}
		}()
		s.stub = cancel
		sc.BaseURL = "http://" + ln.Addr().String()
	}
	return solver.NewHTTPClient(solver.Config{
		BaseURL:        sc.BaseURL,
		APIKey:         sc.APIKey,
		Timeout:        sc.Timeout,
		MaxRetries:     sc.MaxRetries,
		InitialBackoff: sc.InitialBackoff,
		MaxBackoff:     sc.MaxBackoff,
	}), nil
}

// Defaults 流水线默认参数
func (s *Service) Defaults() orchestrator.Options {
	p := s.cfg.Pipeline
	return orchestrator.Options{
		K:            p.DefaultK,
		Policy:       p.EmptyPoolPolicy,
		Budget:       p.TerminationBudget,
		PollInterval: p.PollInterval,
		MaxWait:      p.MaxWait,
	}
}

// Config 返回配置
func (s *Service) Config() *config.Config { return s.cfg }

// Pipeline 返回流水线
func (s *Service) Pipeline() *orchestrator.Pipeline { return s.pipeline }

// Builder 返回问题构建器
func (s *Service) Builder() *builder.Builder { return s.builder }

// Tracker 返回运行跟踪器
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }

// Runs 返回持久化运行存储，内存模式下返回错误
func (s *Service) Runs() (*repository.RunRepository, error) {
	if s.runs == nil {
		return nil, errors.New(errors.CodeInvalidInput, "内存存储不支持该操作，请配置 database.driver")
	}
	return s.runs, nil
}

// Handler 创建带中间件的HTTP处理器
func (s *Service) Handler(ctx context.Context, version handler.VersionInfo) (http.Handler, *handler.RunHandler) {
	cfg := s.cfg
	rc := handler.RunHandlerConfig{
		Pipeline:     s.pipeline,
		Builder:      s.builder,
		Defaults:     s.Defaults(),
		SweepWorkers: cfg.Pipeline.SweepWorkers,
	}
	if s.runs != nil {
		rc.Lister = s.runs
	}
	runs := handler.NewRunHandler(ctx, rc)

	router := handler.RouterConfig{
		Runs:     runs,
		Dispatch: handler.NewDispatchHandler(s.builder),
		Version:  version,
	}
	if cfg.Metrics.Enabled {
		router.Metrics = s.metrics.Handler()
		router.MetricsPath = cfg.Metrics.Path
	}
	if s.db != nil {
		router.Health = s.db.Health
	}

	// 第一个中间件在最外层
	mws := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware,
		middleware.RequestIDMiddleware,
		middleware.LoggingMiddleware(s.metrics),
		middleware.SecurityHeadersMiddleware,
	}
	if cfg.API.CORS.Enabled {
		mws = append(mws, middleware.CORSMiddleware(cfg.API.CORS.Origins))
	}
	if cfg.Auth.Enabled {
		if s.limiter == nil {
			s.limiter = security.NewRateLimiter(cfg.API.RateLimit, time.Minute)
		}
		mws = append(mws, middleware.AuthMiddleware(&middleware.AuthConfig{
			APIKeyManager:   security.FromConfig(cfg.Auth),
			RateLimiter:     s.limiter,
			SkipPaths:       []string{"/health", "/version", cfg.Metrics.Path},
			EnableRateLimit: cfg.API.RateLimit > 0,
		}))
	}
	return middleware.Chain(handler.NewRouter(router), mws...), runs
}

// Serve 启动HTTP服务直到上下文取消
func (s *Service) Serve(ctx context.Context, version handler.VersionInfo) error {
	h, runs := s.Handler(ctx, version)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.App.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.API.Timeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().
			Int("port", s.cfg.App.Port).
			Str("version", version.Version).
			Str("env", s.cfg.App.Env).
			Str("store", s.cfg.Database.Driver).
			Bool("local_solver", s.cfg.Solver.Local).
			Msg("服务器启动")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("服务器启动失败: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("正在关闭服务器...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("服务器关闭失败: %w", err)
	}
	runs.Wait()
	s.log.Info().Msg("服务器已关闭")
	return nil
}

// Close 释放资源
func (s *Service) Close() {
	if s.reporter != nil {
		s.reporter.Close()
	}
	if s.sink != nil {
		s.sink.Close()
	}
	if s.stub != nil {
		s.stub()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn().Err(err).Msg("关闭数据库失败")
		}
	}
}
