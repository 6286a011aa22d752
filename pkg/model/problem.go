package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Phase 求解阶段
type Phase string

const (
	PhaseUnconstrained Phase = "unconstrained" // 无约束试解
	PhasePooled        Phase = "pooled"        // 护理员池约束求解
)

// Valid 检查阶段取值
func (p Phase) Valid() bool {
	return p == PhaseUnconstrained || p == PhasePooled
}

// Break 班次内休息
type Break struct {
	ID       string        `json:"id"`
	Window   TimeWindow    `json:"window"`   // 允许开始休息的时间范围
	Duration time.Duration `json:"duration"` // 休息时长
	Location *Location     `json:"location,omitempty"`
}

// Shift 车辆（护理员）的一个班次
type Shift struct {
	ID            string     `json:"id"`
	Window        TimeWindow `json:"window"`
	StartLocation Location   `json:"start_location"`
	EndLocation   *Location  `json:"end_location,omitempty"`
	Breaks        []Break    `json:"breaks,omitempty"`
}

// Vehicle 车辆（即护理员）
type Vehicle struct {
	ID     string  `json:"id"`
	Shifts []Shift `json:"shifts"`
}

// Visit 上门服务
type Visit struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"client_id"`
	Location         Location      `json:"location"`
	Window           TimeWindow    `json:"window"`
	ServiceDuration  time.Duration `json:"service_duration"`
	RequiredVehicles []string      `json:"required_vehicles,omitempty"` // 允许服务的车辆白名单
}

// SolverConfig 求解配置
type SolverConfig struct {
	TerminationBudget time.Duration  `json:"termination_budget"`
	Weights           map[string]int `json:"weights,omitempty"`
}

// ProblemInstance 问题实例
type ProblemInstance struct {
	DatasetID string       `json:"dataset_id"`
	Vehicles  []Vehicle    `json:"vehicles"`
	Visits    []Visit      `json:"visits"`
	Config    SolverConfig `json:"config"`
}

// Clone 深拷贝问题实例
func (p *ProblemInstance) Clone() *ProblemInstance {
	out := &ProblemInstance{
		DatasetID: p.DatasetID,
		Vehicles:  make([]Vehicle, len(p.Vehicles)),
		Visits:    make([]Visit, len(p.Visits)),
		Config:    SolverConfig{TerminationBudget: p.Config.TerminationBudget},
	}
	if p.Config.Weights != nil {
		out.Config.Weights = make(map[string]int, len(p.Config.Weights))
		for k, v := range p.Config.Weights {
			out.Config.Weights[k] = v
		}
	}

	for i, v := range p.Vehicles {
		shifts := make([]Shift, len(v.Shifts))
		for j, s := range v.Shifts {
			shifts[j] = s
			if s.EndLocation != nil {
				loc := *s.EndLocation
				shifts[j].EndLocation = &loc
			}
			if s.Breaks != nil {
				shifts[j].Breaks = make([]Break, len(s.Breaks))
				for k, b := range s.Breaks {
					shifts[j].Breaks[k] = b
					if b.Location != nil {
						loc := *b.Location
						shifts[j].Breaks[k].Location = &loc
					}
				}
			}
		}
		out.Vehicles[i] = Vehicle{ID: v.ID, Shifts: shifts}
	}

	for i, v := range p.Visits {
		out.Visits[i] = v
		if v.RequiredVehicles != nil {
			out.Visits[i].RequiredVehicles = append([]string(nil), v.RequiredVehicles...)
		}
	}

	return out
}

// ClientIDs 返回排序后的客户ID集合
func (p *ProblemInstance) ClientIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, v := range p.Visits {
		if !seen[v.ClientID] {
			seen[v.ClientID] = true
			ids = append(ids, v.ClientID)
		}
	}
	sort.Strings(ids)
	return ids
}

// VisitIndex 按服务ID索引
func (p *ProblemInstance) VisitIndex() map[string]*Visit {
	idx := make(map[string]*Visit, len(p.Visits))
	for i := range p.Visits {
		idx[p.Visits[i].ID] = &p.Visits[i]
	}
	return idx
}

// VehicleIDs 返回车辆ID集合
func (p *ProblemInstance) VehicleIDs() map[string]bool {
	ids := make(map[string]bool, len(p.Vehicles))
	for _, v := range p.Vehicles {
		ids[v.ID] = true
	}
	return ids
}

// Fingerprint 实例内容指纹，用于识别重复提交
func (p *ProblemInstance) Fingerprint() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AllowListViolations 检查白名单不变量：非空、同一客户一致、引用的车辆存在
// 同一客户的服务要么都带白名单，要么都不带
func (p *ProblemInstance) AllowListViolations() []string {
	var problems []string
	vehicles := p.VehicleIDs()
	byClient := make(map[string][]string)
	seen := make(map[string]bool)
	open := make(map[string]bool)

	for _, v := range p.Visits {
		if v.RequiredVehicles == nil {
			open[v.ClientID] = true
			continue
		}
		if len(v.RequiredVehicles) == 0 {
			problems = append(problems, "visit "+v.ID+": 白名单为空")
			continue
		}
		for _, id := range v.RequiredVehicles {
			if !vehicles[id] {
				problems = append(problems, "visit "+v.ID+": 未知车辆 "+id)
			}
		}
		if !seen[v.ClientID] {
			seen[v.ClientID] = true
			byClient[v.ClientID] = v.RequiredVehicles
			continue
		}
		if !sameSet(byClient[v.ClientID], v.RequiredVehicles) {
			problems = append(problems, "client "+v.ClientID+": 各服务白名单不一致")
		}
	}
	for _, client := range p.ClientIDs() {
		if seen[client] && open[client] {
			problems = append(problems, "client "+client+": 部分服务缺少白名单")
		}
	}
	return problems
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, x := range b {
		if !set[x] {
			return false
		}
	}
	return true
}
