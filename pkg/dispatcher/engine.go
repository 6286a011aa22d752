// Package dispatcher 提供贪心路线规划引擎
package dispatcher

import (
	"sort"
	"time"

	"github.com/paiban/continuity/pkg/dispatcher/constraint"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
)

// 行程项类型
const (
	KindVisit = "VISIT"
	KindBreak = "BREAK"
)

// DefaultSpeedKmh 默认行驶速度
const DefaultSpeedKmh = 30.0

// Engine 贪心派单引擎：按时间窗口顺序逐个服务选择评分最低的可行班次
type Engine struct {
	constraints []constraint.Constraint
	speedKmh    float64
}

// NewEngine 创建派单引擎，constraints 为空时按实例权重使用默认约束
func NewEngine(constraints ...constraint.Constraint) *Engine {
	return &Engine{constraints: constraints, speedKmh: DefaultSpeedKmh}
}

// WithSpeed 设置行驶速度
func (e *Engine) WithSpeed(kmh float64) *Engine {
	if kmh > 0 {
		e.speedKmh = kmh
	}
	return e
}

// Stop 行程中的一项
type Stop struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Arrival   time.Time     `json:"arrival"`
	Start     time.Time     `json:"start"`
	Departure time.Time     `json:"departure"`
	Travel    time.Duration `json:"travel"`
}

// Route 班次路线
type Route struct {
	VehicleID    string        `json:"vehicle_id"`
	ShiftID      string        `json:"shift_id"`
	Start        time.Time     `json:"start"`
	Stops        []Stop        `json:"stops"`
	ReturnTravel time.Duration `json:"return_travel"`
}

// TravelTime 路线总行驶时间（含返程）
func (r *Route) TravelTime() time.Duration {
	total := r.ReturnTravel
	for _, s := range r.Stops {
		total += s.Travel
	}
	return total
}

// Plan 规划结果
type Plan struct {
	Routes     []Route  `json:"routes"`
	Unassigned []string `json:"unassigned"`
}

// TravelTime 全部路线行驶时间
func (p *Plan) TravelTime() time.Duration {
	var total time.Duration
	for i := range p.Routes {
		total += p.Routes[i].TravelTime()
	}
	return total
}

// Assigned 已分配服务数
func (p *Plan) Assigned() int {
	n := 0
	for _, r := range p.Routes {
		for _, s := range r.Stops {
			if s.Kind == KindVisit {
				n++
			}
		}
	}
	return n
}

// state 规划过程中的班次状态
type state struct {
	cand   constraint.Candidate
	route  *Route
	breaks []model.Break // 尚未安排的休息
	endLoc model.Location
}

// CandidateScore 候选评分
type CandidateScore struct {
	VehicleID  string   `json:"vehicle_id"`
	ShiftID    string   `json:"shift_id"`
	Score      float64  `json:"score"`
	Feasible   bool     `json:"feasible"`
	Violations []string `json:"violations,omitempty"`
}

// Plan 为实例规划路线
func (e *Engine) Plan(p *model.ProblemInstance) *Plan {
	constraints := e.constraints
	if len(constraints) == 0 {
		constraints = constraint.DefaultConstraints(p.Config.Weights)
	}

	states := e.initStates(p)

	visits := make([]*model.Visit, len(p.Visits))
	for i := range p.Visits {
		visits[i] = &p.Visits[i]
	}
	// 时间窗口越早结束越先安排
	sort.SliceStable(visits, func(i, j int) bool {
		a, b := visits[i], visits[j]
		if !a.Window.End.Equal(b.Window.End) {
			return a.Window.End.Before(b.Window.End)
		}
		if !a.Window.Start.Equal(b.Window.Start) {
			return a.Window.Start.Before(b.Window.Start)
		}
		return a.ID < b.ID
	})

	plan := &Plan{}
	for _, visit := range visits {
		best, bestCtx, score := -1, (*constraint.Context)(nil), 0.0
		var taken []Stop
		for i, st := range states {
			ctx, brk := e.simulate(st, visit)
			cs := evaluate(constraints, visit, &st.cand, ctx)
			if !cs.Feasible {
				continue
			}
			if best < 0 || cs.Score < score {
				best, bestCtx, score, taken = i, ctx, cs.Score, brk
			}
		}
		if best < 0 {
			plan.Unassigned = append(plan.Unassigned, visit.ID)
			continue
		}
		e.commit(states[best], visit, bestCtx, taken)
	}

	for _, st := range states {
		e.closeRoute(st)
		if len(st.route.Stops) > 0 {
			plan.Routes = append(plan.Routes, *st.route)
		}
	}

	logger.Component("dispatcher").Debug().
		Str("dataset_id", p.DatasetID).
		Int("visits", len(p.Visits)).
		Int("unassigned", len(plan.Unassigned)).
		Dur("travel", plan.TravelTime()).
		Msg("路线规划完成")

	return plan
}

// Evaluate 评估服务插入每个班次的评分，用于解释规划结果
func (e *Engine) Evaluate(p *model.ProblemInstance, visit *model.Visit) []CandidateScore {
	constraints := e.constraints
	if len(constraints) == 0 {
		constraints = constraint.DefaultConstraints(p.Config.Weights)
	}
	var out []CandidateScore
	for _, st := range e.initStates(p) {
		ctx, _ := e.simulate(st, visit)
		out = append(out, evaluate(constraints, visit, &st.cand, ctx))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Feasible != out[j].Feasible {
			return out[i].Feasible
		}
		return out[i].Score < out[j].Score
	})
	return out
}

func (e *Engine) initStates(p *model.ProblemInstance) []*state {
	var states []*state
	for vi := range p.Vehicles {
		v := &p.Vehicles[vi]
		for si := range v.Shifts {
			s := &v.Shifts[si]
			end := s.StartLocation
			if s.EndLocation != nil {
				end = *s.EndLocation
			}
			breaks := append([]model.Break(nil), s.Breaks...)
			sort.Slice(breaks, func(i, j int) bool { return breaks[i].Window.Start.Before(breaks[j].Window.Start) })
			states = append(states, &state{
				cand: constraint.Candidate{
					VehicleID: v.ID,
					Shift:     s,
					Location:  s.StartLocation,
					Available: s.Window.Start,
					Served:    make(map[string]int),
				},
				route:  &Route{VehicleID: v.ID, ShiftID: s.ID, Start: s.Window.Start},
				breaks: breaks,
				endLoc: end,
			})
		}
	}
	return states
}

// simulate 计算把服务追加到班次末尾后的时间，必要时先安排休息
func (e *Engine) simulate(st *state, visit *model.Visit) (*constraint.Context, []Stop) {
	loc := st.cand.Location
	t := st.cand.Available
	var taken []Stop

	for _, b := range st.breaks {
		travel := e.travel(loc, visit.Location)
		start := later(t.Add(travel), visit.Window.Start)
		end := start.Add(visit.ServiceDuration)
		// 休息最晚开始时间早于服务结束，先休息
		if !b.Window.End.Add(-b.Duration).Before(end) {
			break
		}
		var bt time.Duration
		if b.Location != nil {
			bt = e.travel(loc, *b.Location)
			loc = *b.Location
		}
		arrive := t.Add(bt)
		bs := later(arrive, b.Window.Start)
		taken = append(taken, Stop{ID: b.ID, Kind: KindBreak, Arrival: arrive, Start: bs, Departure: bs.Add(b.Duration), Travel: bt})
		t = bs.Add(b.Duration)
	}

	travel := e.travel(loc, visit.Location)
	arrival := t.Add(travel)
	start := later(arrival, visit.Window.Start)
	return &constraint.Context{
		Travel:       travel,
		Arrival:      arrival,
		Start:        start,
		End:          start.Add(visit.ServiceDuration),
		ReturnTravel: e.travel(visit.Location, st.endLoc),
	}, taken
}

func (e *Engine) commit(st *state, visit *model.Visit, ctx *constraint.Context, taken []Stop) {
	st.route.Stops = append(st.route.Stops, taken...)
	st.breaks = st.breaks[len(taken):]
	st.route.Stops = append(st.route.Stops, Stop{
		ID:        visit.ID,
		Kind:      KindVisit,
		Arrival:   ctx.Arrival,
		Start:     ctx.Start,
		Departure: ctx.End,
		Travel:    ctx.Travel,
	})
	st.cand.Location = visit.Location
	st.cand.Available = ctx.End
	st.cand.Visits++
	st.cand.Served[visit.ClientID]++
}

// closeRoute 安排剩余休息并计算返程
func (e *Engine) closeRoute(st *state) {
	if len(st.route.Stops) == 0 {
		return
	}
	loc, t := st.cand.Location, st.cand.Available
	for _, b := range st.breaks {
		var bt time.Duration
		next := loc
		if b.Location != nil {
			bt = e.travel(loc, *b.Location)
			next = *b.Location
		}
		arrive := t.Add(bt)
		bs := later(arrive, b.Window.Start)
		if bs.Add(b.Duration).After(b.Window.End) {
			continue
		}
		st.route.Stops = append(st.route.Stops, Stop{ID: b.ID, Kind: KindBreak, Arrival: arrive, Start: bs, Departure: bs.Add(b.Duration), Travel: bt})
		loc, t = next, bs.Add(b.Duration)
	}
	st.breaks = nil
	st.route.ReturnTravel = e.travel(loc, st.endLoc)
}

func evaluate(constraints []constraint.Constraint, visit *model.Visit, cand *constraint.Candidate, ctx *constraint.Context) CandidateScore {
	cs := CandidateScore{VehicleID: cand.VehicleID, ShiftID: cand.Shift.ID, Feasible: true}
	for _, c := range constraints {
		valid, penalty, violation := c.Evaluate(visit, cand, ctx)
		if !valid {
			cs.Feasible = false
			cs.Violations = append(cs.Violations, violation)
		}
		cs.Score += penalty
	}
	return cs
}

// travel 按直线距离和速度估算行驶时间，取整到秒
func (e *Engine) travel(from, to model.Location) time.Duration {
	km := from.Distance(to)
	return (time.Duration(km / e.speedKmh * float64(time.Hour))).Round(time.Second)
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
