package tracker

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

// Store 运行记录存储
type Store interface {
	// Create 写入新运行
	Create(ctx context.Context, run *model.Run) error
	// Get 按ID读取，不存在时返回 NotFound
	Get(ctx context.Context, id uuid.UUID) (*model.Run, error)
	// Update 仅当存储中的状态等于 expected 时写入可变字段，返回是否写入
	Update(ctx context.Context, run *model.Run, expected model.RunStatus) (bool, error)
	// ListByDataset 按提交时间升序列出数据集的运行
	ListByDataset(ctx context.Context, datasetID string) ([]*model.Run, error)
	// FindActive 查找指纹相同且处于 queued/running 的运行，不存在时返回 nil
	FindActive(ctx context.Context, fingerprint string) (*model.Run, error)
}

// MemoryStore 进程内存储
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*model.Run
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]*model.Run)}
}

// Create 写入新运行
func (s *MemoryStore) Create(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New(errors.CodeInvalidInput, "运行已存在").WithField("run_id", run.ID.String())
	}
	s.runs[run.ID] = CloneRun(run)
	return nil
}

// Get 按ID读取
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, errors.NotFound("run", id.String())
	}
	return CloneRun(run), nil
}

// Update 比较状态后写入
func (s *MemoryStore) Update(ctx context.Context, run *model.Run, expected model.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok {
		return false, errors.NotFound("run", run.ID.String())
	}
	if cur.Status != expected {
		return false, nil
	}
	s.runs[run.ID] = CloneRun(run)
	return true, nil
}

// ListByDataset 列出数据集的运行
func (s *MemoryStore) ListByDataset(ctx context.Context, datasetID string) ([]*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Run
	for _, run := range s.runs {
		if run.DatasetID == datasetID {
			out = append(out, CloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// FindActive 查找指纹相同且未结束的运行
func (s *MemoryStore) FindActive(ctx context.Context, fingerprint string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.Fingerprint == fingerprint && !run.Status.IsTerminal() {
			return CloneRun(run), nil
		}
	}
	return nil, nil
}

// CloneRun 深拷贝运行记录
func CloneRun(r *model.Run) *model.Run {
	out := *r
	if r.ParentRunID != nil {
		id := *r.ParentRunID
		out.ParentRunID = &id
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.KPIs != nil {
		k := *r.KPIs
		if r.KPIs.ContainmentViolations != nil {
			k.ContainmentViolations = append([]model.ContainmentViolation(nil), r.KPIs.ContainmentViolations...)
		}
		if r.KPIs.Continuity.PerClient != nil {
			k.Continuity.PerClient = make(map[string]int, len(r.KPIs.Continuity.PerClient))
			for c, n := range r.KPIs.Continuity.PerClient {
				k.Continuity.PerClient[c] = n
			}
		}
		out.KPIs = &k
	}
	return &out
}
