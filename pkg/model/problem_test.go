package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInstance() *ProblemInstance {
	day := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	endLoc := Location{Latitude: 39.9, Longitude: 116.4}
	return &ProblemInstance{
		DatasetID: "ds-1",
		Vehicles: []Vehicle{
			{ID: "A", Shifts: []Shift{{
				ID:          "A-1",
				Window:      TimeWindow{Start: day.Add(8 * time.Hour), End: day.Add(16 * time.Hour)},
				EndLocation: &endLoc,
				Breaks:      []Break{{ID: "lunch", Window: TimeWindow{Start: day.Add(12 * time.Hour), End: day.Add(13 * time.Hour)}, Duration: 30 * time.Minute}},
			}}},
			{ID: "B", Shifts: []Shift{{ID: "B-1", Window: TimeWindow{Start: day.Add(8 * time.Hour), End: day.Add(16 * time.Hour)}}}},
		},
		Visits: []Visit{
			{ID: "v1", ClientID: "C1", Window: TimeWindow{Start: day.Add(9 * time.Hour), End: day.Add(11 * time.Hour)}, ServiceDuration: time.Hour},
			{ID: "v2", ClientID: "C2", Window: TimeWindow{Start: day.Add(9 * time.Hour), End: day.Add(11 * time.Hour)}, ServiceDuration: time.Hour, RequiredVehicles: []string{"A"}},
		},
		Config: SolverConfig{TerminationBudget: time.Minute, Weights: map[string]int{"travel": 1}},
	}
}

func TestProblemInstance_CloneIsDeep(t *testing.T) {
	orig := sampleInstance()
	fp := orig.Fingerprint()

	clone := orig.Clone()
	clone.Visits[1].RequiredVehicles[0] = "B"
	clone.Vehicles[0].Shifts[0].Breaks[0].ID = "changed"
	clone.Vehicles[0].Shifts[0].EndLocation.Latitude = 0
	clone.Config.Weights["travel"] = 99

	assert.Equal(t, "A", orig.Visits[1].RequiredVehicles[0])
	assert.Equal(t, "lunch", orig.Vehicles[0].Shifts[0].Breaks[0].ID)
	assert.Equal(t, 39.9, orig.Vehicles[0].Shifts[0].EndLocation.Latitude)
	assert.Equal(t, 1, orig.Config.Weights["travel"])
	assert.Equal(t, fp, orig.Fingerprint())
	assert.NotEqual(t, fp, clone.Fingerprint())
}

func TestProblemInstance_Fingerprint(t *testing.T) {
	a := sampleInstance()
	b := sampleInstance()

	require.NotEmpty(t, a.Fingerprint())
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Visits[0].ServiceDuration = 2 * time.Hour
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestProblemInstance_ClientIDs(t *testing.T) {
	p := sampleInstance()
	p.Visits = append(p.Visits, Visit{ID: "v3", ClientID: "C1"})

	assert.Equal(t, []string{"C1", "C2"}, p.ClientIDs())
}

func TestProblemInstance_AllowListViolations(t *testing.T) {
	t.Run("合法白名单", func(t *testing.T) {
		assert.Empty(t, sampleInstance().AllowListViolations())
	})

	t.Run("空白名单", func(t *testing.T) {
		p := sampleInstance()
		p.Visits[0].RequiredVehicles = []string{}
		assert.Len(t, p.AllowListViolations(), 1)
	})

	t.Run("未知车辆", func(t *testing.T) {
		p := sampleInstance()
		p.Visits[1].RequiredVehicles = []string{"Z"}
		assert.Len(t, p.AllowListViolations(), 1)
	})

	t.Run("同一客户不一致", func(t *testing.T) {
		p := sampleInstance()
		p.Visits = append(p.Visits, Visit{ID: "v3", ClientID: "C2", RequiredVehicles: []string{"A", "B"}})
		assert.Len(t, p.AllowListViolations(), 1)
	})

	t.Run("同一客户部分服务缺少白名单", func(t *testing.T) {
		p := sampleInstance()
		p.Visits = append(p.Visits, Visit{ID: "v3", ClientID: "C2"})
		problems := p.AllowListViolations()
		require.Len(t, problems, 1)
		assert.Contains(t, problems[0], "client C2")
	})

	t.Run("同一客户顺序不同视为一致", func(t *testing.T) {
		p := sampleInstance()
		p.Visits[1].RequiredVehicles = []string{"A", "B"}
		p.Visits = append(p.Visits, Visit{ID: "v3", ClientID: "C2", RequiredVehicles: []string{"B", "A"}})
		assert.Empty(t, p.AllowListViolations())
	})
}

func TestRunStatus(t *testing.T) {
	assert.False(t, RunQueued.IsTerminal())
	assert.False(t, RunRunning.IsTerminal())
	assert.True(t, RunCompleted.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
	assert.True(t, RunCancelled.IsTerminal())
	assert.False(t, RunStatus("paused").Valid())
}

func TestRun_Summary(t *testing.T) {
	run := NewRun("ds-1", PhasePooled, "fp")
	started := run.SubmittedAt.Add(time.Second)
	done := started.Add(90 * time.Second)
	run.StartedAt = &started
	run.CompletedAt = &done
	run.Status = RunCompleted
	run.PoolK = 2
	run.KPIs = &KPIs{
		UnassignedVisits:      3,
		TotalTravelSeconds:    600,
		Continuity:            ContinuityStats{Avg: 1.5, Max: 2, OverTarget: 0},
		ContainmentViolations: []ContainmentViolation{{ClientID: "C1", VisitID: "v1", VehicleID: "C"}},
	}

	s := run.Summary()
	assert.Equal(t, run.ID.String(), s.RunID)
	assert.Equal(t, 3, s.Unassigned)
	assert.Equal(t, 2, s.MaxDistinct)
	assert.Equal(t, 1, s.Violations)
	assert.Equal(t, 90.0, s.DurationSecond)
}
