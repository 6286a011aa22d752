package dispatcher

import (
	"fmt"
	"sort"
	"time"

	"github.com/paiban/continuity/pkg/solver"
)

// Output 将规划结果编码为求解器输出格式
func (p *Plan) Output() *solver.RoutePlanOutput {
	out := &solver.RoutePlanOutput{
		Metadata:    solver.Metadata{SolverStatus: solver.StatusCompleted},
		ModelOutput: solver.ModelOutput{Vehicles: []solver.VehicleOutput{}},
	}
	byVehicle := make(map[string]int)
	for _, route := range p.Routes {
		idx, ok := byVehicle[route.VehicleID]
		if !ok {
			idx = len(out.ModelOutput.Vehicles)
			byVehicle[route.VehicleID] = idx
			out.ModelOutput.Vehicles = append(out.ModelOutput.Vehicles, solver.VehicleOutput{ID: route.VehicleID})
		}
		shift := solver.ShiftOutput{
			ID:        route.ShiftID,
			StartTime: route.Start,
			Itinerary: make([]solver.StopOutput, 0, len(route.Stops)),
			Metrics: &solver.ShiftMetrics{
				TotalTravelTime: solver.FormatDuration(route.TravelTime()),
				ReturnTravel:    solver.FormatDuration(route.ReturnTravel),
			},
		}
		for _, stop := range route.Stops {
			shift.Itinerary = append(shift.Itinerary, solver.StopOutput{
				ID:            stop.ID,
				Kind:          stop.Kind,
				ArrivalTime:   stop.Arrival,
				StartTime:     stop.Start,
				DepartureTime: stop.Departure,
				Travel:        solver.FormatDuration(stop.Travel),
			})
		}
		v := &out.ModelOutput.Vehicles[idx]
		v.Shifts = append(v.Shifts, shift)
	}
	sort.Slice(out.ModelOutput.Vehicles, func(i, j int) bool {
		return out.ModelOutput.Vehicles[i].ID < out.ModelOutput.Vehicles[j].ID
	})

	travel := p.TravelTime()
	out.KPIs = solver.OutputKPIs{
		TotalTravelTime:       solver.FormatDuration(travel),
		TotalUnassignedVisits: len(p.Unassigned),
		TotalAssignedVisits:   p.Assigned(),
	}
	out.Metadata.Score = fmt.Sprintf("%dmedium/%dsoft", -len(p.Unassigned), -int64(travel/time.Second))
	return out
}
