// Package orchestrator 向外部求解器提交问题实例并跟踪运行直至结束
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/continuity/pkg/analyzer"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/solver"
	"github.com/paiban/continuity/pkg/tracker"
	"github.com/paiban/continuity/pkg/validator"
)

// Recorder 运行指标记录
type Recorder interface {
	RecordSubmission(phase model.Phase, err error)
	RecordPoll(status solver.JobStatus)
	RecordRun(run *model.Run)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmission(model.Phase, error) {}
func (nopRecorder) RecordPoll(solver.JobStatus)         {}
func (nopRecorder) RecordRun(*model.Run)                {}

// SubmitOptions 提交参数
type SubmitOptions struct {
	Phase       model.Phase
	Budget      time.Duration
	ParentRunID *uuid.UUID
	Pool        *model.ContinuityPool // 约束阶段使用的护理员池
	TargetK     int                   // 连续性统计目标
}

// RunHandle 已提交运行的句柄，可用于之后的轮询
type RunHandle struct {
	RunID       uuid.UUID
	JobID       string
	Fingerprint string
	Phase       model.Phase
	Instance    *model.ProblemInstance
	Pool        *model.ContinuityPool
	TargetK     int

	mu       sync.Mutex
	output   *analyzer.Output
	retained bool // 由 Orchestrator.mu 保护
}

// Output 已完成运行的解析结果
func (h *RunHandle) Output() *analyzer.Output {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

func (h *RunHandle) setOutput(o *analyzer.Output) {
	h.mu.Lock()
	h.output = o
	h.mu.Unlock()
}

// Orchestrator 求解编排器
type Orchestrator struct {
	client   solver.Client
	tracker  *tracker.Tracker
	recorder Recorder
	detector *validator.ConflictDetector
	log      *logger.PipelineLogger

	mu       sync.Mutex
	inflight map[string]uuid.UUID // 实例指纹 -> 运行ID
	handles  map[uuid.UUID]*RunHandle
	retained []uuid.UUID // 保留输出的已完成无约束运行，按完成顺序
	retain   int
}

// DefaultRetention 默认保留输出的已完成无约束运行数
const DefaultRetention = 64

// Option 编排器选项
type Option func(*Orchestrator)

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithRetention 设置保留输出的已完成无约束运行数
func WithRetention(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retain = n
		}
	}
}

// New 创建编排器
func New(client solver.Client, tr *tracker.Tracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		tracker:  tr,
		recorder: nopRecorder{},
		detector: validator.NewConflictDetector(nil),
		log:      logger.NewPipelineLogger(),
		inflight: make(map[string]uuid.UUID),
		handles:  make(map[uuid.UUID]*RunHandle),
		retain:   DefaultRetention,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tracker 返回运行记录管理器
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// InFlight 进行中的提交数
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func (o *Orchestrator) reserve(fingerprint string, runID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.inflight[fingerprint]; ok {
		return errors.DuplicateSubmission(fingerprint, existing.String())
	}
	o.inflight[fingerprint] = runID
	return nil
}

func (o *Orchestrator) release(fingerprint string, runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[fingerprint] == runID {
		delete(o.inflight, fingerprint)
	}
}

// Handle 查找运行句柄；未结束的运行和最近完成的无约束运行可查到
func (o *Orchestrator) Handle(id uuid.UUID) *RunHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[id]
}

// Handles 当前持有的句柄数
func (o *Orchestrator) Handles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

// retire 运行结束后释放指纹；已完成的无约束运行保留输出供约束阶段使用，超出上限时淘汰最早的
func (o *Orchestrator) retire(h *RunHandle, run *model.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[h.Fingerprint] == h.RunID {
		delete(o.inflight, h.Fingerprint)
	}
	if h.retained {
		return
	}
	if run == nil || run.Status != model.RunCompleted || h.Phase != model.PhaseUnconstrained {
		delete(o.handles, h.RunID)
		return
	}
	h.retained = true
	o.handles[h.RunID] = h
	o.retained = append(o.retained, h.RunID)
	for len(o.retained) > o.retain {
		delete(o.handles, o.retained[0])
		o.retained = o.retained[1:]
	}
}

func validateInstance(p *model.ProblemInstance, opts SubmitOptions) error {
	ve := &errors.ValidationErrors{}
	if p == nil {
		ve.Add("instance", "不能为空")
		return ve.Err()
	}
	if len(p.Vehicles) == 0 {
		ve.Add("vehicles", "至少需要一辆车")
	}
	if len(p.Visits) == 0 {
		ve.Add("visits", "至少需要一个服务")
	}
	for _, msg := range p.AllowListViolations() {
		ve.Add("required_vehicles", msg)
	}
	if !opts.Phase.Valid() {
		ve.Addf("phase", "未知阶段 %s", opts.Phase)
	}
	if opts.Phase == model.PhasePooled && opts.Pool == nil {
		ve.Add("pool", "约束阶段必须提供护理员池")
	}
	return ve.Err()
}

// Submit 提交实例；同一实例已在求解中时返回 DuplicateSubmission 且不创建运行
func (o *Orchestrator) Submit(ctx context.Context, p *model.ProblemInstance, opts SubmitOptions) (*RunHandle, error) {
	if opts.Phase == "" {
		opts.Phase = model.PhaseUnconstrained
	}
	if err := validateInstance(p, opts); err != nil {
		o.recorder.RecordSubmission(opts.Phase, err)
		return nil, err
	}

	fingerprint := p.Fingerprint()
	run := model.NewRun(p.DatasetID, opts.Phase, fingerprint)
	run.ParentRunID = opts.ParentRunID
	if opts.Pool != nil {
		run.PoolK = opts.Pool.K
	}

	if err := o.reserve(fingerprint, run.ID); err != nil {
		o.recorder.RecordSubmission(opts.Phase, err)
		return nil, err
	}

	fields := map[string]interface{}{
		"dataset_id": p.DatasetID,
		"phase":      string(opts.Phase),
		"run_id":     run.ID.String(),
	}

	// 其他进程或重启前提交的运行只在存储中可见
	active, err := o.tracker.FindActive(ctx, fingerprint)
	if err != nil {
		o.release(fingerprint, run.ID)
		return nil, errors.Annotate(err, fields)
	}
	if active != nil {
		o.release(fingerprint, run.ID)
		err := errors.DuplicateSubmission(fingerprint, active.ID.String())
		o.recorder.RecordSubmission(opts.Phase, err)
		return nil, err
	}

	if err := o.tracker.Create(ctx, run); err != nil {
		o.release(fingerprint, run.ID)
		return nil, errors.Annotate(err, fields)
	}

	jobID, err := o.client.Submit(ctx, run.ID.String(), p, opts.Budget)
	if err != nil {
		failed, ferr := o.tracker.MarkFailed(context.WithoutCancel(ctx), run.ID, err)
		if ferr == nil {
			o.recorder.RecordRun(failed)
		}
		o.release(fingerprint, run.ID)
		o.recorder.RecordSubmission(opts.Phase, err)
		return nil, errors.Annotate(err, fields)
	}

	if _, err := o.tracker.MarkRunning(ctx, run.ID, jobID); err != nil {
		o.release(fingerprint, run.ID)
		return nil, errors.Annotate(err, fields)
	}
	o.recorder.RecordSubmission(opts.Phase, nil)
	o.log.RunSubmitted(run.ID.String(), p.DatasetID, string(opts.Phase), len(p.Visits), len(p.Vehicles))

	h := &RunHandle{
		RunID:       run.ID,
		JobID:       jobID,
		Fingerprint: fingerprint,
		Phase:       opts.Phase,
		Instance:    p,
		Pool:        opts.Pool,
		TargetK:     opts.TargetK,
	}
	o.mu.Lock()
	o.handles[h.RunID] = h
	o.mu.Unlock()
	return h, nil
}

// Poll 查询一次状态；求解结束时完成分析并写入终止状态
// 返回的 done 表示运行已处于终止状态
func (o *Orchestrator) Poll(ctx context.Context, h *RunHandle) (*model.Run, bool, error) {
	run, err := o.tracker.Get(ctx, h.RunID)
	if err != nil {
		return nil, false, err
	}
	if run.Status.IsTerminal() {
		// 可能已被其他调用方按运行ID取消
		o.retire(h, run)
		return run, true, nil
	}

	meta, err := o.client.Status(ctx, h.JobID)
	if err != nil {
		return run, false, errors.Annotate(err, map[string]interface{}{"run_id": h.RunID.String()})
	}
	o.recorder.RecordPoll(meta.SolverStatus)

	switch meta.SolverStatus {
	case solver.StatusCompleted:
		run, err := o.finalize(ctx, h)
		return run, run != nil && run.Status.IsTerminal(), err
	case solver.StatusFailed:
		reason := meta.FailureCause
		if reason == "" {
			reason = "求解器报告失败"
		}
		run, err := o.tracker.Transition(ctx, h.RunID, model.RunFailed, func(r *model.Run) {
			r.FailureReason = reason
		})
		if err != nil {
			return o.settled(ctx, h, err)
		}
		o.finish(h, run)
		return run, true, nil
	}
	return run, false, nil
}

// finalize 获取并分析输出；输出格式错误时运行标记为失败
func (o *Orchestrator) finalize(ctx context.Context, h *RunHandle) (*model.Run, error) {
	fields := map[string]interface{}{"run_id": h.RunID.String(), "phase": string(h.Phase)}

	raw, err := o.client.Output(ctx, h.JobID)
	if err != nil {
		run, _ := o.tracker.Get(ctx, h.RunID)
		return run, errors.Annotate(err, fields)
	}

	res := analyzer.Parse(raw)
	if !res.OK() {
		perr := res.Err()
		run, err := o.tracker.MarkFailed(ctx, h.RunID, perr)
		if err != nil {
			run, _, err = o.settled(ctx, h, err)
			return run, err
		}
		o.finish(h, run)
		return run, errors.Annotate(perr, fields)
	}

	kpis := analyzer.Analyze(h.Instance, res.Output, analyzer.Options{TargetK: h.TargetK, Pool: h.Pool})
	for _, v := range kpis.ContainmentViolations {
		o.log.ContainmentViolation(h.RunID.String(), v.ClientID, v.VehicleID)
	}
	conflicts := o.detector.DetectAll(h.Instance, res.Output)
	for _, c := range conflicts {
		o.log.OutputConflict(h.RunID.String(), string(c.Type), c.VehicleID, c.Message)
	}
	kpis.OutputConflicts = validator.Errors(conflicts)
	h.setOutput(res.Output)

	run, err := o.tracker.Complete(ctx, h.RunID, kpis, h.JobID)
	if err != nil {
		run, _, err = o.settled(ctx, h, err)
		return run, err
	}
	o.finish(h, run)
	o.log.RunComplete(run.ID.String(), run.Duration(), kpis.UnassignedVisits, kpis.Continuity.Max)
	return run, nil
}

// settled 迁移失败时，若运行已被其他调用方结束（如取消）则返回其当前状态
func (o *Orchestrator) settled(ctx context.Context, h *RunHandle, cause error) (*model.Run, bool, error) {
	if !errors.Is(cause, errors.CodeInvalidTransition) {
		return nil, false, cause
	}
	run, err := o.tracker.Get(ctx, h.RunID)
	if err != nil {
		return nil, false, err
	}
	if run.Status.IsTerminal() {
		o.retire(h, run)
		return run, true, nil
	}
	return run, false, cause
}

func (o *Orchestrator) finish(h *RunHandle, run *model.Run) {
	o.retire(h, run)
	o.recorder.RecordRun(run)
}

// Await 轮询直到运行结束或超过 maxWait
// 超时返回 Timeout 错误，运行保持 running；上下文取消时返回上下文错误
func (o *Orchestrator) Await(ctx context.Context, h *RunHandle, pollInterval, maxWait time.Duration) (*model.Run, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, done, err := o.Poll(ctx, h)
		if done {
			return run, err
		}
		if err != nil && !errors.IsRetryable(err) {
			return run, err
		}
		if err != nil {
			logger.Warn().Err(err).Str("run_id", h.RunID.String()).Msg("查询求解状态失败，继续等待")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Timeout(h.RunID.String(), maxWait)
		case <-ticker.C:
		}
	}
}

// Cancel 将运行标记为取消并通知求解器停止
// 运行先进入 cancelled，之后的轮询直接返回
func (o *Orchestrator) Cancel(ctx context.Context, h *RunHandle) (*model.Run, error) {
	run, err := o.tracker.UpdateStatus(ctx, h.RunID, model.RunCancelled)
	if err != nil {
		return nil, err
	}
	o.finish(h, run)
	o.stopJob(ctx, h.RunID, h.JobID)
	return run, nil
}

// CancelRun 按运行ID取消；没有句柄时（如重启后）按运行记录中的任务ID通知求解器
func (o *Orchestrator) CancelRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	if h := o.Handle(id); h != nil {
		return o.Cancel(ctx, h)
	}
	run, err := o.tracker.UpdateStatus(ctx, id, model.RunCancelled)
	if err != nil {
		return nil, err
	}
	o.release(run.Fingerprint, run.ID)
	o.recorder.RecordRun(run)
	o.stopJob(ctx, run.ID, run.SolverJobID)
	return run, nil
}

// stopJob 通知求解器终止任务，失败只记录日志
func (o *Orchestrator) stopJob(ctx context.Context, runID uuid.UUID, jobID string) {
	if jobID == "" {
		return
	}
	if err := o.client.Cancel(ctx, jobID); err != nil && !errors.Is(err, errors.CodeSolverRejected) {
		logger.Warn().Err(err).Str("run_id", runID.String()).Str("job_id", jobID).Msg("通知求解器终止失败")
	}
}
