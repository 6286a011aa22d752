// Package tracker 管理求解运行的生命周期和状态迁移
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
)

// transitions 允许的状态迁移
var transitions = map[model.RunStatus][]model.RunStatus{
	model.RunQueued:  {model.RunRunning, model.RunFailed, model.RunCancelled},
	model.RunRunning: {model.RunCompleted, model.RunFailed, model.RunCancelled},
}

// CanTransition 检查状态迁移是否合法
func CanTransition(from, to model.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Listener 状态迁移回调
type Listener func(run *model.Run, from model.RunStatus)

// Tracker 运行记录管理器
type Tracker struct {
	store     Store
	log       *logger.PipelineLogger
	locks     sync.Map
	listeners []Listener
	now       func() time.Time
}

// New 创建运行记录管理器
func New(store Store) *Tracker {
	return &Tracker{
		store: store,
		log:   logger.NewPipelineLogger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// OnTransition 注册状态迁移回调
func (t *Tracker) OnTransition(l Listener) {
	t.listeners = append(t.listeners, l)
}

// lock 按运行加锁，运行结束后删除锁条目
func (t *Tracker) lock(id uuid.UUID) func() {
	v, _ := t.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create 登记排队中的运行
func (t *Tracker) Create(ctx context.Context, run *model.Run) error {
	if run.Status != model.RunQueued {
		return errors.InvalidTransition(run.ID.String(), "", string(run.Status))
	}
	if !run.Phase.Valid() {
		return errors.InvalidInput("phase", string(run.Phase))
	}
	return t.store.Create(ctx, run)
}

// Get 读取运行
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	return t.store.Get(ctx, id)
}

// ListByDataset 列出数据集的全部运行
func (t *Tracker) ListByDataset(ctx context.Context, datasetID string) ([]*model.Run, error) {
	return t.store.ListByDataset(ctx, datasetID)
}

// FindActive 查找同一实例指纹的进行中运行
func (t *Tracker) FindActive(ctx context.Context, fingerprint string) (*model.Run, error) {
	return t.store.FindActive(ctx, fingerprint)
}

// UpdateStatus 迁移运行状态
func (t *Tracker) UpdateStatus(ctx context.Context, id uuid.UUID, to model.RunStatus) (*model.Run, error) {
	return t.Transition(ctx, id, to, nil)
}

// Transition 迁移状态并在同一次写入中应用 mutate
// 进入 running 时记录开始时间，进入终止状态时记录结束时间
func (t *Tracker) Transition(ctx context.Context, id uuid.UUID, to model.RunStatus, mutate func(*model.Run)) (*model.Run, error) {
	unlock := t.lock(id)
	defer unlock()

	run, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := run.Status
	if !CanTransition(from, to) {
		return nil, errors.InvalidTransition(id.String(), string(from), string(to))
	}

	now := t.now()
	run.Status = to
	run.UpdatedAt = now
	if to == model.RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.IsTerminal() {
		run.CompletedAt = &now
	}
	if mutate != nil {
		mutate(run)
	}

	ok, err := t.store.Update(ctx, run, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 其他进程已修改
		cur, gerr := t.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, errors.InvalidTransition(id.String(), string(cur.Status), string(to))
	}

	if to.IsTerminal() {
		t.locks.Delete(id)
	}
	t.log.RunTransition(id.String(), string(from), string(to))
	for _, l := range t.listeners {
		l(CloneRun(run), from)
	}
	return run, nil
}

// MarkRunning 求解器已受理
func (t *Tracker) MarkRunning(ctx context.Context, id uuid.UUID, jobID string) (*model.Run, error) {
	return t.Transition(ctx, id, model.RunRunning, func(r *model.Run) {
		r.SolverJobID = jobID
	})
}

// MarkFailed 标记失败并记录原因
func (t *Tracker) MarkFailed(ctx context.Context, id uuid.UUID, reason error) (*model.Run, error) {
	return t.Transition(ctx, id, model.RunFailed, func(r *model.Run) {
		if reason != nil {
			r.FailureReason = reason.Error()
		}
	})
}

// Complete 写入指标并标记完成
func (t *Tracker) Complete(ctx context.Context, id uuid.UUID, kpis *model.KPIs, outputRef string) (*model.Run, error) {
	return t.Transition(ctx, id, model.RunCompleted, func(r *model.Run) {
		r.KPIs = kpis
		r.OutputRef = outputRef
	})
}

// AttachKPIs 为运行中的记录附加指标；终止后不可修改
func (t *Tracker) AttachKPIs(ctx context.Context, id uuid.UUID, kpis *model.KPIs) (*model.Run, error) {
	return t.modify(ctx, id, func(r *model.Run) error {
		if r.Status.IsTerminal() {
			return errors.New(errors.CodeInvalidTransition, "已结束的运行不能修改指标").
				WithField("run_id", id.String()).
				WithField("status", string(r.Status))
		}
		r.KPIs = kpis
		return nil
	})
}

// RecordDecision 为已结束的运行记录决策和理由
func (t *Tracker) RecordDecision(ctx context.Context, id uuid.UUID, decision, rationale string) (*model.Run, error) {
	if decision == "" {
		return nil, errors.InvalidInput("decision", "不能为空")
	}
	return t.modify(ctx, id, func(r *model.Run) error {
		if !r.Status.IsTerminal() {
			return errors.New(errors.CodeInvalidTransition, "只能对已结束的运行记录决策").
				WithField("run_id", id.String()).
				WithField("status", string(r.Status))
		}
		r.Decision = decision
		r.Rationale = rationale
		return nil
	})
}

// modify 不改变状态的更新
func (t *Tracker) modify(ctx context.Context, id uuid.UUID, fn func(*model.Run) error) (*model.Run, error) {
	unlock := t.lock(id)
	defer unlock()

	run, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.UpdatedAt = t.now()

	ok, err := t.store.Update(ctx, run, run.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeInvalidTransition, "运行状态已被并发修改").WithField("run_id", id.String())
	}
	if run.Status.IsTerminal() {
		t.locks.Delete(id)
	}
	return run, nil
}
