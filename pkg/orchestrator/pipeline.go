package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paiban/continuity/pkg/continuity"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/stats"
)

// Reporter 流水线结果通知
type Reporter interface {
	Report(ctx context.Context, result *Result) error
}

// KPISink 运行指标时序写入
type KPISink interface {
	WriteRun(ctx context.Context, run *model.Run) error
}

// Options 流水线参数
type Options struct {
	K            int                   `json:"k"`
	Policy       model.EmptyPoolPolicy `json:"empty_pool_policy"`
	Budget       time.Duration         `json:"budget"`
	PollInterval time.Duration         `json:"poll_interval"`
	MaxWait      time.Duration         `json:"max_wait"`
}

// Result 流水线结果；约束阶段失败时只包含无约束运行
type Result struct {
	DatasetID     string                `json:"dataset_id"`
	Unconstrained *model.Run            `json:"unconstrained,omitempty"`
	Pooled        *model.Run            `json:"pooled,omitempty"`
	Affinity      *model.AffinityRecord `json:"affinity,omitempty"`
	Pool          *model.ContinuityPool `json:"pool,omitempty"`
	Comparison    map[string]float64    `json:"comparison,omitempty"`
	Failure       string                `json:"failure,omitempty"`
}

// Summaries 各运行的摘要
func (r *Result) Summaries() []model.RunSummary {
	var out []model.RunSummary
	for _, run := range []*model.Run{r.Unconstrained, r.Pooled} {
		if run != nil {
			out = append(out, run.Summary())
		}
	}
	return out
}

// Pipeline 两阶段连续性约束求解流水线
type Pipeline struct {
	orch     *Orchestrator
	defaults Options
	reporter Reporter
	sink     KPISink
	log      *logger.PipelineLogger
}

// PipelineOption 流水线选项
type PipelineOption func(*Pipeline)

// WithReporter 设置结果通知
func WithReporter(r Reporter) PipelineOption {
	return func(p *Pipeline) { p.reporter = r }
}

// WithKPISink 设置指标写入
func WithKPISink(s KPISink) PipelineOption {
	return func(p *Pipeline) { p.sink = s }
}

// NewPipeline 创建流水线
func NewPipeline(orch *Orchestrator, defaults Options, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		orch:     orch,
		defaults: defaults,
		log:      logger.NewPipelineLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Orchestrator 返回编排器
func (p *Pipeline) Orchestrator() *Orchestrator {
	return p.orch
}

func (p *Pipeline) merge(opts Options) Options {
	if opts.K == 0 {
		opts.K = p.defaults.K
	}
	if opts.Policy == "" {
		opts.Policy = p.defaults.Policy
	}
	if opts.Policy == "" {
		opts.Policy = model.EmptyPoolUnconstrained
	}
	if opts.Budget == 0 {
		opts.Budget = p.defaults.Budget
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = p.defaults.PollInterval
	}
	if opts.MaxWait == 0 {
		opts.MaxWait = p.defaults.MaxWait
	}
	return opts
}

func validateOptions(opts Options) error {
	ve := &errors.ValidationErrors{}
	if opts.K < 1 {
		ve.Addf("k", "必须至少为1, 实际为 %d", opts.K)
	}
	if !opts.Policy.Valid() {
		ve.Addf("empty_pool_policy", "未知策略 %s", opts.Policy)
	}
	if opts.MaxWait <= 0 {
		ve.Add("max_wait", "必须为正")
	}
	return ve.Err()
}

// Run 执行无约束试解、护理员池推导和约束求解
func (p *Pipeline) Run(ctx context.Context, instance *model.ProblemInstance, opts Options) (*Result, error) {
	opts = p.merge(opts)
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	res := &Result{DatasetID: instance.DatasetID}

	h, run, err := p.solve(ctx, instance, SubmitOptions{
		Phase:   model.PhaseUnconstrained,
		Budget:  opts.Budget,
		TargetK: opts.K,
	}, opts)
	res.Unconstrained = run
	if err != nil {
		return p.fail(ctx, res, err)
	}

	pooled, pool, affinity, err := p.PrepareConstrained(ctx, h, run, opts)
	if err != nil {
		return p.fail(ctx, res, err)
	}
	res.Affinity = affinity
	res.Pool = pool

	_, pooledRun, err := p.solve(ctx, pooled, SubmitOptions{
		Phase:       model.PhasePooled,
		Budget:      opts.Budget,
		ParentRunID: &run.ID,
		Pool:        pool,
		TargetK:     opts.K,
	}, opts)
	res.Pooled = pooledRun
	if err != nil {
		return p.fail(ctx, res, err)
	}
	if pooledRun.Status != model.RunCompleted {
		return p.fail(ctx, res, runNotCompleted(pooledRun))
	}

	res.Comparison = stats.CompareKPIs(run.KPIs, pooledRun.KPIs)
	p.report(ctx, res)
	return res, nil
}

// solve 提交并等待，返回最新的运行状态
func (p *Pipeline) solve(ctx context.Context, instance *model.ProblemInstance, sub SubmitOptions, opts Options) (*RunHandle, *model.Run, error) {
	h, err := p.orch.Submit(ctx, instance, sub)
	if err != nil {
		return nil, nil, err
	}
	run, err := p.orch.Await(ctx, h, opts.PollInterval, opts.MaxWait)
	if run == nil {
		run, _ = p.orch.Tracker().Get(context.WithoutCancel(ctx), h.RunID)
	}
	return h, run, err
}

func runNotCompleted(run *model.Run) error {
	err := errors.New(errors.CodeIncompleteRun, "运行未成功完成: "+string(run.Status)).
		WithField("run_id", run.ID.String()).
		WithField("phase", string(run.Phase))
	if run.FailureReason != "" {
		err.WithDetails(run.FailureReason)
	}
	return err
}

// PrepareConstrained 从已完成的无约束运行推导护理员池并生成约束实例
func (p *Pipeline) PrepareConstrained(ctx context.Context, h *RunHandle, run *model.Run, opts Options) (*model.ProblemInstance, *model.ContinuityPool, *model.AffinityRecord, error) {
	opts = p.merge(opts)
	if run == nil || h == nil {
		return nil, nil, nil, errors.PrerequisiteNotMet("", "missing")
	}
	fields := map[string]interface{}{
		"dataset_id": run.DatasetID,
		"phase":      string(model.PhasePooled),
		"run_id":     run.ID.String(),
	}
	if run.Status != model.RunCompleted {
		return nil, nil, nil, errors.Annotate(errors.PrerequisiteNotMet(run.ID.String(), string(run.Status)), fields)
	}
	out := h.Output()
	if out == nil {
		return nil, nil, nil, errors.Annotate(errors.PrerequisiteNotMet(run.ID.String(), "output unavailable"), fields)
	}

	affinity, err := continuity.ExtractAffinity(run, h.Instance, out.Assignments())
	if err != nil {
		return nil, nil, nil, errors.Annotate(err, fields)
	}
	pool, err := continuity.SelectPools(affinity, opts.K, opts.Policy)
	if err != nil {
		return nil, nil, nil, errors.Annotate(err, fields)
	}
	p.log.PoolsSelected(run.DatasetID, opts.K, len(pool.Clients), pool.EmptyCount())

	pooled, err := continuity.Inject(h.Instance, pool)
	if err != nil {
		return nil, nil, nil, errors.Annotate(err, fields)
	}
	return pooled, pool, affinity, nil
}

func (p *Pipeline) fail(ctx context.Context, res *Result, err error) (*Result, error) {
	res.Failure = err.Error()
	logger.WithContext(ctx).Error().Err(err).Str("dataset_id", res.DatasetID).Msg("流水线执行失败")
	p.report(ctx, res)
	return res, err
}

// report 写入指标并发送通知；失败只记录日志
func (p *Pipeline) report(ctx context.Context, res *Result) {
	ctx = context.WithoutCancel(ctx)
	if p.sink != nil {
		for _, run := range []*model.Run{res.Unconstrained, res.Pooled} {
			if run == nil || run.KPIs == nil {
				continue
			}
			if err := p.sink.WriteRun(ctx, run); err != nil {
				logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("写入运行指标失败")
			}
		}
	}
	if p.reporter != nil {
		if err := p.reporter.Report(ctx, res); err != nil {
			logger.Warn().Err(err).Str("dataset_id", res.DatasetID).Msg("发送流水线结果通知失败")
		}
	}
}

// SweepEntry 单个K值的约束求解结果
type SweepEntry struct {
	K     int                   `json:"k"`
	Pool  *model.ContinuityPool `json:"pool,omitempty"`
	Run   *model.Run            `json:"run,omitempty"`
	Error string                `json:"error,omitempty"`
}

// SweepResult 多个K值的比较结果
type SweepResult struct {
	DatasetID     string       `json:"dataset_id"`
	Unconstrained *model.Run   `json:"unconstrained"`
	Entries       []SweepEntry `json:"entries"`
}

// Sweep 一次无约束试解后，对多个K值并行执行约束求解
// 池相同的K值共享同一次求解
func (p *Pipeline) Sweep(ctx context.Context, instance *model.ProblemInstance, ks []int, workers int, opts Options) (*SweepResult, error) {
	if len(ks) == 0 {
		return nil, errors.InvalidInput("ks", "不能为空")
	}
	if workers <= 0 {
		workers = 4
	}
	opts.K = ks[0]
	opts = p.merge(opts)
	for _, k := range ks {
		o := opts
		o.K = k
		if err := validateOptions(o); err != nil {
			return nil, err
		}
	}

	h, run, err := p.solve(ctx, instance, SubmitOptions{Phase: model.PhaseUnconstrained, Budget: opts.Budget, TargetK: opts.K}, opts)
	out := &SweepResult{DatasetID: instance.DatasetID, Unconstrained: run}
	if err != nil {
		return out, err
	}

	type job struct {
		index    int
		k        int
		instance *model.ProblemInstance
		pool     *model.ContinuityPool
	}

	out.Entries = make([]SweepEntry, len(ks))
	byFingerprint := make(map[string][]int)
	var jobs []job
	for i, k := range ks {
		o := opts
		o.K = k
		pooled, pool, _, err := p.PrepareConstrained(ctx, h, run, o)
		out.Entries[i] = SweepEntry{K: k, Pool: pool}
		if err != nil {
			return out, err
		}
		fp := pooled.Fingerprint()
		if _, seen := byFingerprint[fp]; !seen {
			jobs = append(jobs, job{index: i, k: k, instance: pooled, pool: pool})
		}
		byFingerprint[fp] = append(byFingerprint[fp], i)
	}

	jobChan := make(chan job, len(jobs))
	for _, j := range jobs {
		jobChan <- j
	}
	close(jobChan)

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobChan {
				select {
				case <-ctx.Done():
					return
				default:
				}
				_, pooledRun, err := p.solve(ctx, j.instance, SubmitOptions{
					Phase:       model.PhasePooled,
					Budget:      opts.Budget,
					ParentRunID: &run.ID,
					Pool:        j.pool,
					TargetK:     j.k,
				}, opts)
				mu.Lock()
				out.Entries[j.index].Run = pooledRun
				if err != nil {
					out.Entries[j.index].Error = err.Error()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, idx := range byFingerprint {
		sort.Ints(idx)
		for _, i := range idx[1:] {
			out.Entries[i].Run = out.Entries[idx[0]].Run
			out.Entries[i].Error = out.Entries[idx[0]].Error
		}
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
