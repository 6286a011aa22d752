package builder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

var day = time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

func validInput() Input {
	return Input{
		DatasetID: "ds-1",
		Vehicles:  []VehicleRow{{ID: "B"}, {ID: "A"}},
		Shifts: []ShiftRow{
			{ID: "A-pm", VehicleID: "A", Start: at(13), End: at(18), StartLat: 39.9, StartLon: 116.4},
			{ID: "A-am", VehicleID: "A", Start: at(7), End: at(12), StartLat: 39.9, StartLon: 116.4},
			{ID: "B-am", VehicleID: "B", Start: at(7), End: at(15), StartLat: 39.8, StartLon: 116.3},
		},
		Breaks: []BreakRow{
			{ID: "B-lunch", ShiftID: "B-am", Start: at(11), End: at(13), Duration: 30 * time.Minute},
		},
		Visits: []VisitRow{
			{ID: "v2", ClientID: "C1", Latitude: 39.91, Longitude: 116.41, WindowStart: at(8), WindowEnd: at(10), ServiceDuration: 45 * time.Minute},
			{ID: "v1", ClientID: "C2", Latitude: 39.92, Longitude: 116.42, WindowStart: at(9), WindowEnd: at(11), ServiceDuration: time.Hour},
			{ID: "v3", ClientID: "C1", Latitude: 39.91, Longitude: 116.41, WindowStart: at(14), WindowEnd: at(16), ServiceDuration: 45 * time.Minute},
		},
	}
}

func TestBuilder_Build(t *testing.T) {
	b := New(model.SolverConfig{TerminationBudget: 30 * time.Second})

	p, err := b.Build(validInput())
	require.NoError(t, err)

	assert.Equal(t, "ds-1", p.DatasetID)
	require.Len(t, p.Vehicles, 2)
	assert.Equal(t, "A", p.Vehicles[0].ID)
	assert.Equal(t, "B", p.Vehicles[1].ID)

	require.Len(t, p.Vehicles[0].Shifts, 2)
	assert.Equal(t, "A-am", p.Vehicles[0].Shifts[0].ID)
	assert.Equal(t, "A-pm", p.Vehicles[0].Shifts[1].ID)
	require.Len(t, p.Vehicles[1].Shifts[0].Breaks, 1)

	// 服务保持输入顺序
	require.Len(t, p.Visits, 3)
	assert.Equal(t, "v2", p.Visits[0].ID)
	assert.Equal(t, "v1", p.Visits[1].ID)
	assert.Nil(t, p.Visits[0].RequiredVehicles)

	assert.Equal(t, 30*time.Second, p.Config.TerminationBudget)
	assert.Equal(t, []string{"C1", "C2"}, p.ClientIDs())
}

func TestBuilder_Deterministic(t *testing.T) {
	b := New(model.SolverConfig{})

	first, err := b.Build(validInput())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.Build(validInput())
		require.NoError(t, err)
		assert.Equal(t, first.Fingerprint(), again.Fingerprint())
	}
}

func TestBuilder_CandidateVehicles(t *testing.T) {
	b := New(model.SolverConfig{})

	t.Run("班次ID映射到车辆", func(t *testing.T) {
		in := validInput()
		in.Visits[0].CandidateVehicles = []string{"B", "A-am"}
		in.Visits[2].CandidateVehicles = []string{"A", "B"}

		p, err := b.Build(in)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, p.Visits[0].RequiredVehicles)
		assert.Equal(t, []string{"A", "B"}, p.Visits[2].RequiredVehicles)
		assert.Empty(t, p.AllowListViolations())
	})

	t.Run("同一客户候选不一致", func(t *testing.T) {
		in := validInput()
		in.Visits[0].CandidateVehicles = []string{"A"}
		in.Visits[2].CandidateVehicles = []string{"B"}

		_, err := b.Build(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.CodeValidationFail))
	})

	t.Run("同一客户部分服务未指定候选", func(t *testing.T) {
		in := validInput()
		in.Visits[2].CandidateVehicles = []string{"A"}

		_, err := b.Build(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.CodeValidationFail))
		assert.Contains(t, err.Error(), "visit v3")
	})

	t.Run("候选没有班次窗口", func(t *testing.T) {
		in := validInput()
		in.Vehicles = append(in.Vehicles, VehicleRow{ID: "Z"})
		in.Visits[1].CandidateVehicles = []string{"Z"}

		_, err := b.Build(in)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "visit v1")
	})
}

func TestBuilder_WeightsAreCopied(t *testing.T) {
	weights := map[string]int{"travel": 1}
	b := New(model.SolverConfig{Weights: weights})

	p, err := b.Build(validInput())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"travel": 1}, p.Config.Weights)

	p.Config.Weights["overtime"] = 2
	again, err := b.Build(validInput())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"travel": 1}, again.Config.Weights, "实例之间不共享权重表")
	assert.NotContains(t, weights, "overtime")
}

func TestBuilder_ValidationErrors(t *testing.T) {
	b := New(model.SolverConfig{})

	tests := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"缺少客户ID", func(in *Input) { in.Visits[0].ClientID = "" }, "visit v2"},
		{"服务窗口倒置", func(in *Input) { in.Visits[1].WindowEnd = at(8) }, "visit v1"},
		{"服务窗口为零", func(in *Input) { in.Visits[1].WindowEnd = in.Visits[1].WindowStart }, "visit v1"},
		{"服务时长非正", func(in *Input) { in.Visits[2].ServiceDuration = 0 }, "visit v3"},
		{"坐标越界", func(in *Input) { in.Visits[0].Latitude = 95 }, "visit v2"},
		{"服务ID重复", func(in *Input) { in.Visits[2].ID = "v2" }, "visit v2"},
		{"车辆ID重复", func(in *Input) { in.Vehicles[1].ID = "B" }, "vehicles"},
		{"班次窗口倒置", func(in *Input) { in.Shifts[0].End = at(12) }, "shift A-pm"},
		{"班次引用未知车辆", func(in *Input) { in.Shifts[2].VehicleID = "Q" }, "shift B-am"},
		{"休息窗口倒置", func(in *Input) { in.Breaks[0].End = at(10) }, "break B-lunch"},
		{"休息引用未知班次", func(in *Input) { in.Breaks[0].ShiftID = "nope" }, "break B-lunch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			p, err := b.Build(in)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, errors.CodeValidationFail))

			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Contains(t, appErr.Fields, tt.field)
		})
	}
}

func TestBuilder_CollectsAllErrors(t *testing.T) {
	in := validInput()
	in.Visits[0].ClientID = ""
	in.Visits[1].ServiceDuration = -time.Minute
	in.Shifts[0].End = at(1)

	_, err := New(model.SolverConfig{}).Build(in)
	require.Error(t, err)

	var ve *errors.ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}
