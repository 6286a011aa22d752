// Package solver 外部路径规划求解器的线协议与HTTP客户端
package solver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paiban/continuity/pkg/model"
)

// JobStatus 求解器任务状态
type JobStatus string

const (
	StatusScheduled JobStatus = "SOLVING_SCHEDULED"
	StatusActive    JobStatus = "SOLVING_ACTIVE"
	StatusCompleted JobStatus = "SOLVING_COMPLETED"
	StatusFailed    JobStatus = "SOLVING_FAILED"
)

// IsTerminal 是否已结束
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metadata 任务元数据
type Metadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	SolverStatus JobStatus `json:"solverStatus"`
	Score        string    `json:"score,omitempty"`
	FailureCause string    `json:"failureCause,omitempty"`
}

// StatusResponse 状态查询响应
type StatusResponse struct {
	Metadata Metadata `json:"metadata"`
}

// RoutePlanRequest 提交请求
type RoutePlanRequest struct {
	Config     RequestConfig `json:"config"`
	ModelInput ModelInput    `json:"modelInput"`
}

// RequestConfig 求解运行配置
type RequestConfig struct {
	Run RunConfig `json:"run"`
}

// RunConfig 运行参数
type RunConfig struct {
	Name                  string         `json:"name"`
	TerminationSpentLimit string         `json:"termination.spentLimit,omitempty"`
	ConstraintWeights     map[string]int `json:"constraintWeights,omitempty"`
}

// ModelInput 模型输入
type ModelInput struct {
	Vehicles []VehicleInput `json:"vehicles"`
	Visits   []VisitInput   `json:"visits"`
}

// VehicleInput 车辆
type VehicleInput struct {
	ID     string       `json:"id"`
	Shifts []ShiftInput `json:"shifts"`
}

// ShiftInput 班次
type ShiftInput struct {
	ID             string       `json:"id"`
	StartLocation  [2]float64   `json:"startLocation"`
	EndLocation    *[2]float64  `json:"endLocation,omitempty"`
	MinStartTime   time.Time    `json:"minStartTime"`
	MaxEndTime     time.Time    `json:"maxEndTime"`
	RequiredBreaks []BreakInput `json:"requiredBreaks,omitempty"`
}

// BreakInput 休息
type BreakInput struct {
	ID           string      `json:"id"`
	MinStartTime time.Time   `json:"minStartTime"`
	MaxEndTime   time.Time   `json:"maxEndTime"`
	Duration     string      `json:"duration"`
	Location     *[2]float64 `json:"location,omitempty"`
}

// VisitInput 服务
type VisitInput struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Location         [2]float64        `json:"location"`
	TimeWindows      []TimeWindowInput `json:"timeWindows"`
	ServiceDuration  string            `json:"serviceDuration"`
	RequiredVehicles []string          `json:"requiredVehicles,omitempty"`
}

// TimeWindowInput 服务时间窗口
type TimeWindowInput struct {
	MinStartTime time.Time `json:"minStartTime"`
	MaxEndTime   time.Time `json:"maxEndTime"`
}

func latLng(l model.Location) [2]float64 {
	return [2]float64{l.Latitude, l.Longitude}
}

func latLngPtr(l *model.Location) *[2]float64 {
	if l == nil {
		return nil
	}
	v := latLng(*l)
	return &v
}

// NewRoutePlanRequest 将问题实例编码为求解器请求
func NewRoutePlanRequest(name string, p *model.ProblemInstance, budget time.Duration) *RoutePlanRequest {
	if budget <= 0 {
		budget = p.Config.TerminationBudget
	}
	req := &RoutePlanRequest{
		Config: RequestConfig{Run: RunConfig{
			Name:              name,
			ConstraintWeights: p.Config.Weights,
		}},
		ModelInput: ModelInput{
			Vehicles: make([]VehicleInput, 0, len(p.Vehicles)),
			Visits:   make([]VisitInput, 0, len(p.Visits)),
		},
	}
	if budget > 0 {
		req.Config.Run.TerminationSpentLimit = FormatDuration(budget)
	}

	for _, v := range p.Vehicles {
		vi := VehicleInput{ID: v.ID, Shifts: make([]ShiftInput, 0, len(v.Shifts))}
		for _, s := range v.Shifts {
			si := ShiftInput{
				ID:            s.ID,
				StartLocation: latLng(s.StartLocation),
				EndLocation:   latLngPtr(s.EndLocation),
				MinStartTime:  s.Window.Start,
				MaxEndTime:    s.Window.End,
			}
			for _, b := range s.Breaks {
				si.RequiredBreaks = append(si.RequiredBreaks, BreakInput{
					ID:           b.ID,
					MinStartTime: b.Window.Start,
					MaxEndTime:   b.Window.End,
					Duration:     FormatDuration(b.Duration),
					Location:     latLngPtr(b.Location),
				})
			}
			vi.Shifts = append(vi.Shifts, si)
		}
		req.ModelInput.Vehicles = append(req.ModelInput.Vehicles, vi)
	}

	for _, v := range p.Visits {
		req.ModelInput.Visits = append(req.ModelInput.Visits, VisitInput{
			ID:               v.ID,
			Name:             v.ClientID,
			Location:         latLng(v.Location),
			TimeWindows:      []TimeWindowInput{{MinStartTime: v.Window.Start, MaxEndTime: v.Window.End}},
			ServiceDuration:  FormatDuration(v.ServiceDuration),
			RequiredVehicles: v.RequiredVehicles,
		})
	}
	return req
}

// FormatDuration 格式化为 ISO-8601 时长 (PT1H30M)
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	secs := int64(d / time.Second)
	h, m, s := secs/3600, secs%3600/60, secs%60
	var b strings.Builder
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 || (h == 0 && m == 0) {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}

// ParseDuration 解析 ISO-8601 时长，支持天/时/分/秒
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("无效的时长 %q", orig)
	}
	s = s[1:]
	var total time.Duration
	inTime := false
	parts := 0
	for len(s) > 0 {
		if s[0] == 'T' {
			inTime = true
			s = s[1:]
			continue
		}
		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("无效的时长 %q", orig)
		}
		n, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("无效的时长 %q: %w", orig, err)
		}
		var unit time.Duration
		switch {
		case s[i] == 'D' && !inTime:
			unit = 24 * time.Hour
		case s[i] == 'H' && inTime:
			unit = time.Hour
		case s[i] == 'M' && inTime:
			unit = time.Minute
		case s[i] == 'S' && inTime:
			unit = time.Second
		default:
			return 0, fmt.Errorf("无效的时长 %q", orig)
		}
		total += time.Duration(n * float64(unit))
		parts++
		s = s[i+1:]
	}
	if parts == 0 {
		return 0, fmt.Errorf("无效的时长 %q", orig)
	}
	return total, nil
}
