// Package constraint 提供贪心派单使用的约束
package constraint

import (
	"time"

	"github.com/paiban/continuity/pkg/model"
)

// Constraint 派单约束接口
type Constraint interface {
	Name() string
	Type() string // hard/soft
	Weight() float64
	Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string)
}

// Candidate 候选班次及其当前路线状态
type Candidate struct {
	VehicleID string
	Shift     *model.Shift
	Location  model.Location // 当前所在位置
	Available time.Time      // 当前可出发时间
	Visits    int            // 已分配服务数
	Served    map[string]int // 客户 -> 已服务次数
}

// Context 模拟插入后的时间信息
type Context struct {
	Travel       time.Duration // 从当前位置到服务地点
	Arrival      time.Time
	Start        time.Time // 开始服务时间
	End          time.Time // 结束服务时间
	ReturnTravel time.Duration
}

// Wait 到达后等待开始的时间
func (c *Context) Wait() time.Duration {
	return c.Start.Sub(c.Arrival)
}

// BaseConstraint 基础约束
type BaseConstraint struct {
	name   string
	ctype  string
	weight float64
}

func (b *BaseConstraint) Name() string    { return b.name }
func (b *BaseConstraint) Type() string    { return b.ctype }
func (b *BaseConstraint) Weight() float64 { return b.weight }

// =========================================
// 1. AllowListConstraint 车辆白名单
// =========================================
type AllowListConstraint struct {
	BaseConstraint
}

func NewAllowListConstraint() *AllowListConstraint {
	return &AllowListConstraint{BaseConstraint{name: "AllowList", ctype: "hard", weight: 1000}}
}

func (c *AllowListConstraint) Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string) {
	if len(visit.RequiredVehicles) == 0 {
		return true, 0, ""
	}
	for _, id := range visit.RequiredVehicles {
		if id == cand.VehicleID {
			return true, 0, ""
		}
	}
	return false, c.weight, "车辆不在白名单内"
}

// =========================================
// 2. TimeWindowConstraint 服务时间窗口
// =========================================
type TimeWindowConstraint struct {
	BaseConstraint
}

func NewTimeWindowConstraint() *TimeWindowConstraint {
	return &TimeWindowConstraint{BaseConstraint{name: "TimeWindow", ctype: "hard", weight: 1000}}
}

func (c *TimeWindowConstraint) Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string) {
	if ctx.End.After(visit.Window.End) {
		return false, c.weight, "无法在时间窗口内完成服务"
	}
	return true, 0, ""
}

// =========================================
// 3. ShiftEndConstraint 班次结束前返回
// =========================================
type ShiftEndConstraint struct {
	BaseConstraint
}

func NewShiftEndConstraint() *ShiftEndConstraint {
	return &ShiftEndConstraint{BaseConstraint{name: "ShiftEnd", ctype: "hard", weight: 1000}}
}

func (c *ShiftEndConstraint) Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string) {
	if ctx.End.Add(ctx.ReturnTravel).After(cand.Shift.Window.End) {
		return false, c.weight, "超出班次结束时间"
	}
	return true, 0, ""
}

// =========================================
// 4. MaxVisitsPerShiftConstraint 每班次最多服务数
// =========================================
type MaxVisitsPerShiftConstraint struct {
	BaseConstraint
	MaxVisits int
}

func NewMaxVisitsPerShiftConstraint(maxVisits int) *MaxVisitsPerShiftConstraint {
	return &MaxVisitsPerShiftConstraint{
		BaseConstraint: BaseConstraint{name: "MaxVisitsPerShift", ctype: "hard", weight: 800},
		MaxVisits:      maxVisits,
	}
}

func (c *MaxVisitsPerShiftConstraint) Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string) {
	if c.MaxVisits > 0 && cand.Visits >= c.MaxVisits {
		return false, c.weight, "班次服务数已满"
	}
	return true, 0, ""
}

// =========================================
// 5. TravelTimeConstraint 行驶时间
// =========================================
type TravelTimeConstraint struct {
	BaseConstraint
}

func NewTravelTimeConstraint(weight float64) *TravelTimeConstraint {
	return &TravelTimeConstraint{BaseConstraint{name: "TravelTime", ctype: "soft", weight: weight}}
}

func (c *TravelTimeConstraint) Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string) {
	return true, ctx.Travel.Minutes() * c.weight, ""
}

// =========================================
// 6. IdleTimeConstraint 等待时间
// =========================================
type IdleTimeConstraint struct {
	BaseConstraint
}

func NewIdleTimeConstraint(weight float64) *IdleTimeConstraint {
	return &IdleTimeConstraint{BaseConstraint{name: "IdleTime", ctype: "soft", weight: weight}}
}

func (c *IdleTimeConstraint) Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string) {
	return true, ctx.Wait().Minutes() * c.weight, ""
}

// =========================================
// 7. CaregiverContinuityConstraint 护理员连续性
// =========================================
type CaregiverContinuityConstraint struct {
	BaseConstraint
}

func NewCaregiverContinuityConstraint(weight float64) *CaregiverContinuityConstraint {
	return &CaregiverContinuityConstraint{BaseConstraint{name: "CaregiverContinuity", ctype: "soft", weight: weight}}
}

func (c *CaregiverContinuityConstraint) Evaluate(visit *model.Visit, cand *Candidate, ctx *Context) (bool, float64, string) {
	n := cand.Served[visit.ClientID]
	if n == 0 {
		return true, 0, ""
	}
	// 服务次数越多奖励越高，最多三倍
	if n > 3 {
		n = 3
	}
	return true, -c.weight * float64(n), ""
}

// DefaultConstraints 返回默认约束集合，weights 可覆盖软约束权重
func DefaultConstraints(weights map[string]int) []Constraint {
	w := func(name string, def float64) float64 {
		if v, ok := weights[name]; ok {
			return float64(v)
		}
		return def
	}
	return []Constraint{
		NewAllowListConstraint(),
		NewTimeWindowConstraint(),
		NewShiftEndConstraint(),
		NewMaxVisitsPerShiftConstraint(int(w("maxVisitsPerShift", 0))),
		NewTravelTimeConstraint(w("travelTime", 1)),
		NewIdleTimeConstraint(w("idleTime", 0.1)),
		NewCaregiverContinuityConstraint(w("continuity", 0)),
	}
}
