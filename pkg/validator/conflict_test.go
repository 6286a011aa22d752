package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/continuity/pkg/analyzer"
	"github.com/paiban/continuity/pkg/model"
)

var day = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)

func at(h, m int) *time.Time {
	t := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	return &t
}

func instance() *model.ProblemInstance {
	visit := func(id string, from, to int, allow ...string) model.Visit {
		return model.Visit{
			ID:               id,
			ClientID:         "C-" + id,
			Window:           model.TimeWindow{Start: *at(from, 0), End: *at(to, 0)},
			ServiceDuration:  30 * time.Minute,
			RequiredVehicles: allow,
		}
	}
	return &model.ProblemInstance{
		DatasetID: "ds",
		Vehicles: []model.Vehicle{
			{ID: "A", Shifts: []model.Shift{{ID: "A-1", Window: model.TimeWindow{Start: *at(8, 0), End: *at(12, 0)}}}},
			{ID: "B", Shifts: []model.Shift{{ID: "B-1", Window: model.TimeWindow{Start: *at(8, 0), End: *at(18, 0)}}}},
		},
		Visits: []model.Visit{
			visit("v1", 9, 10),
			visit("v2", 10, 11),
			visit("v3", 9, 12, "B"),
		},
	}
}

func stop(id string, arrive, leave *time.Time) analyzer.Stop {
	return analyzer.Stop{ID: id, Kind: analyzer.KindVisit, ArrivalTime: arrive, DepartureTime: leave}
}

func output(vehicles ...analyzer.VehiclePlan) *analyzer.Output {
	return &analyzer.Output{Status: "SOLVING_COMPLETED", Vehicles: vehicles}
}

func TestDetectAll_Clean(t *testing.T) {
	out := output(
		analyzer.VehiclePlan{ID: "A", Shifts: []analyzer.ShiftPlan{{
			ID: "A-1",
			Itinerary: []analyzer.Stop{
				stop("v1", at(9, 0), at(9, 30)),
				stop("v2", at(10, 0), at(10, 30)),
			},
			ReturnTravel: 15 * time.Minute,
		}}},
		analyzer.VehiclePlan{ID: "B", Shifts: []analyzer.ShiftPlan{{
			ID:        "B-1",
			Itinerary: []analyzer.Stop{stop("v3", at(9, 0), at(9, 30))},
		}}},
	)
	assert.Empty(t, NewConflictDetector(nil).DetectAll(instance(), out))
}

func TestDetectAll_Conflicts(t *testing.T) {
	out := output(
		analyzer.VehiclePlan{ID: "A", Shifts: []analyzer.ShiftPlan{{
			ID: "A-1",
			Itinerary: []analyzer.Stop{
				stop("v1", at(9, 50), at(10, 20)),  // 窗口 9-10
				stop("v2", at(10, 10), at(10, 40)), // 与上一站重叠
				stop("v3", at(11, 0), at(11, 30)),  // 白名单只允许 B
			},
			ReturnTravel: time.Hour, // 12:30 返回
		}}},
		analyzer.VehiclePlan{ID: "B", Shifts: []analyzer.ShiftPlan{
			{ID: "B-1", Itinerary: []analyzer.Stop{
				stop("v1", at(9, 0), at(9, 30)),
				stop("ghost", nil, nil),
			}},
			{ID: "A-1"},
		}},
	)

	conflicts := NewConflictDetector(nil).DetectAll(instance(), out)
	types := make(map[ConflictType]int)
	for _, c := range conflicts {
		types[c.Type]++
	}
	assert.Equal(t, map[ConflictType]int{
		ConflictTimeWindow:   1,
		ConflictOverlap:      1,
		ConflictAllowList:    1,
		ConflictShiftOverrun: 1,
		ConflictDuplicate:    1,
		ConflictUnknown:      2,
	}, types)
	assert.Equal(t, 6, Errors(conflicts), "超出班次只是警告")
	require.NotEmpty(t, conflicts)
	assert.Equal(t, "A", conflicts[0].VehicleID)
}

func TestDetectAll_EarlyStartAndTolerance(t *testing.T) {
	out := output(analyzer.VehiclePlan{ID: "B", Shifts: []analyzer.ShiftPlan{{
		ID: "B-1",
		Itinerary: []analyzer.Stop{
			stop("v1", at(8, 30), at(9, 0)),   // 8:30 开始，早于窗口
			stop("v2", at(10, 40), at(11, 1)), // 超出 1 分钟在容差内
		},
	}}})

	conflicts := NewConflictDetector(nil).DetectAll(instance(), out)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictTimeWindow, conflicts[0].Type)
	assert.Equal(t, []string{"v1"}, conflicts[0].VisitIDs)

	strict := NewConflictDetector(&DetectorConfig{CheckAllowList: true})
	assert.Len(t, strict.DetectAll(instance(), out), 2)
}
