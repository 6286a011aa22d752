// Package analyzer 解析求解器输出并计算运行指标
package analyzer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/solver"
)

// 行程项类型
const (
	KindVisit = "VISIT"
	KindBreak = "BREAK"
)

// Stop 行程中的一项
type Stop struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	ArrivalTime   *time.Time    `json:"arrival_time,omitempty"`
	DepartureTime *time.Time    `json:"departure_time,omitempty"`
	TravelTime    time.Duration `json:"travel_time"`
}

// ShiftPlan 班次行程
type ShiftPlan struct {
	ID           string        `json:"id"`
	Itinerary    []Stop        `json:"itinerary"`
	ReturnTravel time.Duration `json:"return_travel"` // 最后一站返回终点的行驶时间
}

// VehiclePlan 车辆行程
type VehiclePlan struct {
	ID     string      `json:"id"`
	Shifts []ShiftPlan `json:"shifts"`
}

// Output 解析后的求解器输出
type Output struct {
	Status          solver.JobStatus `json:"status"`
	Score           string           `json:"score,omitempty"`
	Vehicles        []VehiclePlan    `json:"vehicles"`
	TotalTravelTime time.Duration    `json:"total_travel_time"`
	TotalUnassigned int              `json:"total_unassigned"`
}

// Assignments 展开为服务分配列表
func (o *Output) Assignments() []model.Assignment {
	var out []model.Assignment
	for _, v := range o.Vehicles {
		for _, s := range v.Shifts {
			for _, stop := range s.Itinerary {
				if stop.Kind != KindVisit {
					continue
				}
				out = append(out, model.Assignment{
					VisitID:       stop.ID,
					VehicleID:     v.ID,
					ShiftID:       s.ID,
					ArrivalTime:   stop.ArrivalTime,
					TravelSeconds: int64(stop.TravelTime / time.Second),
				})
			}
		}
	}
	return out
}

// ParseResult 解析结果：Output 与 Reason 二者取一
type ParseResult struct {
	Output *Output
	Reason string
}

// OK 是否解析成功
func (r ParseResult) OK() bool {
	return r.Output != nil
}

// Err 解析失败时返回 MalformedOutput 错误
func (r ParseResult) Err() error {
	if r.OK() {
		return nil
	}
	return errors.MalformedOutput(r.Reason)
}

type rawStop struct {
	ID            *string    `json:"id"`
	Kind          *string    `json:"kind"`
	ArrivalTime   *time.Time `json:"arrivalTime"`
	DepartureTime *time.Time `json:"departureTime"`
	Travel        string     `json:"travelTimeFromPreviousStandstill"`
}

type rawShift struct {
	ID        string     `json:"id"`
	Itinerary *[]rawStop `json:"itinerary"`
	Metrics   *struct {
		ReturnTravel string `json:"travelTimeFromLastStandstillToEndLocation"`
	} `json:"metrics"`
}

type rawVehicle struct {
	ID     *string    `json:"id"`
	Shifts []rawShift `json:"shifts"`
}

type rawOutput struct {
	Metadata *struct {
		SolverStatus string `json:"solverStatus"`
		Score        string `json:"score"`
	} `json:"metadata"`
	ModelOutput *struct {
		Vehicles *[]rawVehicle `json:"vehicles"`
	} `json:"modelOutput"`
	KPIs *struct {
		TotalTravelTime       *string `json:"totalTravelTime"`
		TotalUnassignedVisits *int    `json:"totalUnassignedVisits"`
	} `json:"kpis"`
}

// Parse 解析原始求解器输出，未知字段忽略
func Parse(raw []byte) ParseResult {
	var r rawOutput
	if err := json.Unmarshal(raw, &r); err != nil {
		return malformed("无效的JSON: %v", err)
	}
	if r.Metadata == nil || r.Metadata.SolverStatus == "" {
		return malformed("缺少 metadata.solverStatus")
	}
	if r.ModelOutput == nil || r.ModelOutput.Vehicles == nil {
		return malformed("缺少 modelOutput.vehicles")
	}
	if r.KPIs == nil || r.KPIs.TotalTravelTime == nil || r.KPIs.TotalUnassignedVisits == nil {
		return malformed("缺少 kpis.totalTravelTime 或 kpis.totalUnassignedVisits")
	}

	total, err := solver.ParseDuration(*r.KPIs.TotalTravelTime)
	if err != nil {
		return malformed("kpis.totalTravelTime: %v", err)
	}

	out := &Output{
		Status:          solver.JobStatus(r.Metadata.SolverStatus),
		Score:           r.Metadata.Score,
		TotalTravelTime: total,
		TotalUnassigned: *r.KPIs.TotalUnassignedVisits,
		Vehicles:        make([]VehiclePlan, 0, len(*r.ModelOutput.Vehicles)),
	}

	for vi, rv := range *r.ModelOutput.Vehicles {
		if rv.ID == nil || *rv.ID == "" {
			return malformed("vehicles[%d] 缺少 id", vi)
		}
		vp := VehiclePlan{ID: *rv.ID, Shifts: make([]ShiftPlan, 0, len(rv.Shifts))}
		for si, rs := range rv.Shifts {
			if rs.Itinerary == nil {
				return malformed("vehicles[%d].shifts[%d] 缺少 itinerary", vi, si)
			}
			sp := ShiftPlan{ID: rs.ID, Itinerary: make([]Stop, 0, len(*rs.Itinerary))}
			if rs.Metrics != nil && rs.Metrics.ReturnTravel != "" {
				if sp.ReturnTravel, err = solver.ParseDuration(rs.Metrics.ReturnTravel); err != nil {
					return malformed("vehicles[%d].shifts[%d] 返程时长: %v", vi, si, err)
				}
			}
			for ii, item := range *rs.Itinerary {
				if item.ID == nil || *item.ID == "" || item.Kind == nil || *item.Kind == "" {
					return malformed("vehicles[%d].shifts[%d].itinerary[%d] 缺少 id 或 kind", vi, si, ii)
				}
				stop := Stop{
					ID:            *item.ID,
					Kind:          *item.Kind,
					ArrivalTime:   item.ArrivalTime,
					DepartureTime: item.DepartureTime,
				}
				if item.Travel != "" {
					if stop.TravelTime, err = solver.ParseDuration(item.Travel); err != nil {
						return malformed("itinerary %s 行驶时长: %v", stop.ID, err)
					}
				}
				sp.Itinerary = append(sp.Itinerary, stop)
			}
			vp.Shifts = append(vp.Shifts, sp)
		}
		out.Vehicles = append(out.Vehicles, vp)
	}

	return ParseResult{Output: out}
}

func malformed(format string, args ...interface{}) ParseResult {
	return ParseResult{Reason: fmt.Sprintf(format, args...)}
}
