package solver

import (
	"fmt"
	"time"

	"github.com/paiban/continuity/pkg/model"
)

// RoutePlanOutput 求解结果
type RoutePlanOutput struct {
	Metadata    Metadata    `json:"metadata"`
	ModelOutput ModelOutput `json:"modelOutput"`
	KPIs        OutputKPIs  `json:"kpis"`
}

// ModelOutput 模型输出
type ModelOutput struct {
	Vehicles []VehicleOutput `json:"vehicles"`
}

// VehicleOutput 车辆行程
type VehicleOutput struct {
	ID     string        `json:"id"`
	Shifts []ShiftOutput `json:"shifts"`
}

// ShiftOutput 班次行程
type ShiftOutput struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"startTime"`
	Itinerary []StopOutput  `json:"itinerary"`
	Metrics   *ShiftMetrics `json:"metrics,omitempty"`
}

// ShiftMetrics 班次指标
type ShiftMetrics struct {
	TotalTravelTime string `json:"totalTravelTime"`
	ReturnTravel    string `json:"travelTimeFromLastStandstillToEndLocation"`
}

// StopOutput 行程项
type StopOutput struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	ArrivalTime   time.Time `json:"arrivalTime"`
	StartTime     time.Time `json:"startServiceTime"`
	DepartureTime time.Time `json:"departureTime"`
	Travel        string    `json:"travelTimeFromPreviousStandstill"`
}

// OutputKPIs 求解结果汇总
type OutputKPIs struct {
	TotalTravelTime       string `json:"totalTravelTime"`
	TotalUnassignedVisits int    `json:"totalUnassignedVisits"`
	TotalAssignedVisits   int    `json:"totalAssignedVisits"`
}

func location(v [2]float64) model.Location {
	return model.Location{Latitude: v[0], Longitude: v[1]}
}

func locationPtr(v *[2]float64) *model.Location {
	if v == nil {
		return nil
	}
	l := location(*v)
	return &l
}

// ToProblem 将求解器请求还原为问题实例
func (r *RoutePlanRequest) ToProblem() (*model.ProblemInstance, error) {
	p := &model.ProblemInstance{
		DatasetID: r.Config.Run.Name,
		Config:    model.SolverConfig{Weights: r.Config.Run.ConstraintWeights},
	}
	if r.Config.Run.TerminationSpentLimit != "" {
		budget, err := ParseDuration(r.Config.Run.TerminationSpentLimit)
		if err != nil {
			return nil, fmt.Errorf("termination.spentLimit: %w", err)
		}
		p.Config.TerminationBudget = budget
	}

	for _, v := range r.ModelInput.Vehicles {
		vehicle := model.Vehicle{ID: v.ID}
		for _, s := range v.Shifts {
			shift := model.Shift{
				ID:            s.ID,
				Window:        model.TimeWindow{Start: s.MinStartTime, End: s.MaxEndTime},
				StartLocation: location(s.StartLocation),
				EndLocation:   locationPtr(s.EndLocation),
			}
			for _, b := range s.RequiredBreaks {
				d, err := ParseDuration(b.Duration)
				if err != nil {
					return nil, fmt.Errorf("break %s: %w", b.ID, err)
				}
				shift.Breaks = append(shift.Breaks, model.Break{
					ID:       b.ID,
					Window:   model.TimeWindow{Start: b.MinStartTime, End: b.MaxEndTime},
					Duration: d,
					Location: locationPtr(b.Location),
				})
			}
			vehicle.Shifts = append(vehicle.Shifts, shift)
		}
		p.Vehicles = append(p.Vehicles, vehicle)
	}

	for _, v := range r.ModelInput.Visits {
		if len(v.TimeWindows) == 0 {
			return nil, fmt.Errorf("visit %s: 缺少时间窗口", v.ID)
		}
		d, err := ParseDuration(v.ServiceDuration)
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", v.ID, err)
		}
		p.Visits = append(p.Visits, model.Visit{
			ID:               v.ID,
			ClientID:         v.Name,
			Location:         location(v.Location),
			Window:           model.TimeWindow{Start: v.TimeWindows[0].MinStartTime, End: v.TimeWindows[0].MaxEndTime},
			ServiceDuration:  d,
			RequiredVehicles: v.RequiredVehicles,
		})
	}
	return p, nil
}
