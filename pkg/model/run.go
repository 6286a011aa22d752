package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus 运行状态
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// IsTerminal 是否为终止状态
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunCancelled || s == RunFailed
}

// Valid 检查状态取值
func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunCompleted, RunCancelled, RunFailed:
		return true
	}
	return false
}

// Run 一次求解运行记录
type Run struct {
	BaseModel
	DatasetID     string     `json:"dataset_id" db:"dataset_id"`
	Phase         Phase      `json:"phase" db:"phase"`
	Status        RunStatus  `json:"status" db:"status"`
	Fingerprint   string     `json:"fingerprint" db:"fingerprint"`
	SolverJobID   string     `json:"solver_job_id,omitempty" db:"solver_job_id"`
	ParentRunID   *uuid.UUID `json:"parent_run_id,omitempty" db:"parent_run_id"` // 约束运行对应的无约束运行
	PoolK         int        `json:"pool_k,omitempty" db:"pool_k"`
	SubmittedAt   time.Time  `json:"submitted_at" db:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	KPIs          *KPIs      `json:"kpis,omitempty" db:"kpis"`
	Decision      string     `json:"decision,omitempty" db:"decision"`
	Rationale     string     `json:"rationale,omitempty" db:"rationale"`
	OutputRef     string     `json:"output_ref,omitempty" db:"output_ref"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
}

// NewRun 创建排队中的运行
func NewRun(datasetID string, phase Phase, fingerprint string) *Run {
	base := NewBaseModel()
	return &Run{
		BaseModel:   base,
		DatasetID:   datasetID,
		Phase:       phase,
		Status:      RunQueued,
		Fingerprint: fingerprint,
		SubmittedAt: base.CreatedAt,
	}
}

// Duration 从开始到结束的耗时
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// KPIs 求解结果指标
type KPIs struct {
	TotalVisits         int     `json:"total_visits"`
	AssignedVisits      int     `json:"assigned_visits"`
	UnassignedVisits    int     `json:"unassigned_visits"`
	SolverUnassigned    int     `json:"solver_unassigned"` // 求解器自报的未分配数
	TotalTravelSeconds  int64   `json:"total_travel_seconds"`
	TotalIdleSeconds    int64   `json:"total_idle_seconds"`
	TotalServiceSeconds int64   `json:"total_service_seconds"`
	ActiveVehicles      int     `json:"active_vehicles"`
	AvgUtilization      float64 `json:"avg_utilization"`
	WorkloadGini        float64 `json:"workload_gini"`

	Continuity            ContinuityStats        `json:"continuity"`
	ContainmentViolations []ContainmentViolation `json:"containment_violations,omitempty"`
	OutputConflicts       int                    `json:"output_conflicts,omitempty"` // 输出与实例不一致的错误数
	Score                 string                 `json:"score,omitempty"`
}

// ContinuityStats 每客户不同护理员数量分布
type ContinuityStats struct {
	TargetK    int            `json:"target_k"`
	Clients    int            `json:"clients"`
	Avg        float64        `json:"avg"`
	Median     float64        `json:"median"`
	Max        int            `json:"max"`
	OverTarget int            `json:"over_target"`
	PerClient  map[string]int `json:"per_client,omitempty"`
}

// ContainmentViolation 分配到池外车辆的服务
type ContainmentViolation struct {
	ClientID  string `json:"client_id"`
	VisitID   string `json:"visit_id"`
	VehicleID string `json:"vehicle_id"`
}

// RunSummary 运行结果摘要，供外部通知使用
type RunSummary struct {
	RunID          string    `json:"run_id"`
	DatasetID      string    `json:"dataset_id"`
	Phase          Phase     `json:"phase"`
	Status         RunStatus `json:"status"`
	PoolK          int       `json:"pool_k,omitempty"`
	Unassigned     int       `json:"unassigned_visits"`
	TravelSeconds  int64     `json:"total_travel_seconds"`
	AvgDistinct    float64   `json:"avg_distinct_caregivers"`
	MaxDistinct    int       `json:"max_distinct_caregivers"`
	OverTarget     int       `json:"clients_over_target"`
	Violations     int       `json:"containment_violations"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Decision       string    `json:"decision,omitempty"`
	DurationSecond float64   `json:"duration_seconds"`
}

// Summary 生成运行摘要
func (r *Run) Summary() RunSummary {
	s := RunSummary{
		RunID:          r.ID.String(),
		DatasetID:      r.DatasetID,
		Phase:          r.Phase,
		Status:         r.Status,
		PoolK:          r.PoolK,
		FailureReason:  r.FailureReason,
		Decision:       r.Decision,
		DurationSecond: r.Duration().Seconds(),
	}
	if r.KPIs != nil {
		s.Unassigned = r.KPIs.UnassignedVisits
		s.TravelSeconds = r.KPIs.TotalTravelSeconds
		s.AvgDistinct = r.KPIs.Continuity.Avg
		s.MaxDistinct = r.KPIs.Continuity.Max
		s.OverTarget = r.KPIs.Continuity.OverTarget
		s.Violations = len(r.KPIs.ContainmentViolations)
	}
	return s
}
