package continuity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

// c1Fixture 客户C1共11次服务：A 5次, B 3次, C 2次, D 1次；客户C2无分配
func c1Fixture() (*model.ProblemInstance, []model.Assignment) {
	inst := &model.ProblemInstance{DatasetID: "ds-c1"}
	for _, id := range []string{"A", "B", "C", "D"} {
		inst.Vehicles = append(inst.Vehicles, model.Vehicle{ID: id})
	}

	var assignments []model.Assignment
	plan := []struct {
		vehicle string
		n       int
	}{{"A", 5}, {"B", 3}, {"C", 2}, {"D", 1}}
	n := 0
	for _, p := range plan {
		for i := 0; i < p.n; i++ {
			id := fmt.Sprintf("c1-%02d", n)
			n++
			inst.Visits = append(inst.Visits, model.Visit{ID: id, ClientID: "C1", ServiceDuration: time.Hour})
			assignments = append(assignments, model.Assignment{VisitID: id, VehicleID: p.vehicle})
		}
	}
	// C1 的一次未分配服务
	inst.Visits = append(inst.Visits, model.Visit{ID: "c1-unassigned", ClientID: "C1", ServiceDuration: time.Hour})
	inst.Visits = append(inst.Visits, model.Visit{ID: "c2-01", ClientID: "C2", ServiceDuration: time.Hour})
	return inst, assignments
}

func completedRun() *model.Run {
	run := model.NewRun("ds-c1", model.PhaseUnconstrained, "fp")
	run.Status = model.RunCompleted
	return run
}

func TestExtractAffinity(t *testing.T) {
	inst, assignments := c1Fixture()

	record, err := ExtractAffinity(completedRun(), inst, assignments)
	require.NoError(t, err)

	assert.Equal(t, []model.VehicleCount{
		{VehicleID: "A", Visits: 5},
		{VehicleID: "B", Visits: 3},
		{VehicleID: "C", Visits: 2},
		{VehicleID: "D", Visits: 1},
	}, record.Clients["C1"])

	empty, ok := record.Clients["C2"]
	assert.True(t, ok)
	assert.Empty(t, empty)
}

func TestExtractAffinity_TieBreak(t *testing.T) {
	inst := &model.ProblemInstance{Visits: []model.Visit{
		{ID: "1", ClientID: "C"}, {ID: "2", ClientID: "C"}, {ID: "3", ClientID: "C"}, {ID: "4", ClientID: "C"},
	}}
	assignments := []model.Assignment{
		{VisitID: "1", VehicleID: "Z"}, {VisitID: "2", VehicleID: "M"},
		{VisitID: "3", VehicleID: "Z"}, {VisitID: "4", VehicleID: "M"},
	}

	record, err := ExtractAffinity(completedRun(), inst, assignments)
	require.NoError(t, err)
	assert.Equal(t, "M", record.Clients["C"][0].VehicleID)
	assert.Equal(t, "Z", record.Clients["C"][1].VehicleID)
}

func TestExtractAffinity_IncompleteRun(t *testing.T) {
	inst, assignments := c1Fixture()

	for _, status := range []model.RunStatus{model.RunQueued, model.RunRunning, model.RunFailed, model.RunCancelled} {
		t.Run(string(status), func(t *testing.T) {
			run := completedRun()
			run.Status = status
			_, err := ExtractAffinity(run, inst, assignments)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.CodeIncompleteRun))
		})
	}
}

func TestSelectPools(t *testing.T) {
	inst, assignments := c1Fixture()
	record, err := ExtractAffinity(completedRun(), inst, assignments)
	require.NoError(t, err)

	tests := []struct {
		name string
		k    int
		want []string
	}{
		{"K=1", 1, []string{"A"}},
		{"K=2", 2, []string{"A", "B"}},
		{"K=4 恰好全部", 4, []string{"A", "B", "C", "D"}},
		{"K大于候选数", 10, []string{"A", "B", "C", "D"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := SelectPools(record, tt.k, model.EmptyPoolUnconstrained)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pool.Clients["C1"])
			for client, ids := range pool.Clients {
				assert.LessOrEqual(t, len(ids), tt.k, client)
			}
		})
	}
}

func TestSelectPools_Idempotent(t *testing.T) {
	inst, assignments := c1Fixture()
	record, err := ExtractAffinity(completedRun(), inst, assignments)
	require.NoError(t, err)

	first, err := SelectPools(record, 2, model.EmptyPoolUnconstrained)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := SelectPools(record, 2, model.EmptyPoolUnconstrained)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSelectPools_InvalidK(t *testing.T) {
	record := &model.AffinityRecord{Clients: map[string][]model.VehicleCount{}}

	for _, k := range []int{0, -1} {
		_, err := SelectPools(record, k, model.EmptyPoolUnconstrained)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.CodeValidationFail))
	}
}

func TestSelectPools_EmptyPoolPolicy(t *testing.T) {
	inst, assignments := c1Fixture()
	record, err := ExtractAffinity(completedRun(), inst, assignments)
	require.NoError(t, err)

	unconstrained, err := SelectPools(record, 2, model.EmptyPoolUnconstrained)
	require.NoError(t, err)
	ids, ok := unconstrained.Pool("C2")
	assert.True(t, ok)
	assert.Empty(t, ids)
	assert.Equal(t, 1, unconstrained.EmptyCount())

	excluded, err := SelectPools(record, 2, model.EmptyPoolExclude)
	require.NoError(t, err)
	_, ok = excluded.Pool("C2")
	assert.False(t, ok)

	_, err = SelectPools(record, 2, model.EmptyPoolPolicy("drop"))
	assert.True(t, errors.Is(err, errors.CodeValidationFail))
}

func TestInject(t *testing.T) {
	inst, assignments := c1Fixture()
	inst.Visits[len(inst.Visits)-1].RequiredVehicles = []string{"D"}
	before := inst.Fingerprint()

	record, err := ExtractAffinity(completedRun(), inst, assignments)
	require.NoError(t, err)
	pool, err := SelectPools(record, 2, model.EmptyPoolUnconstrained)
	require.NoError(t, err)

	pooled, err := Inject(inst, pool)
	require.NoError(t, err)

	assert.Equal(t, before, inst.Fingerprint(), "输入实例不能被修改")
	assert.Equal(t, inst.ClientIDs(), pooled.ClientIDs())
	assert.Len(t, pooled.Visits, len(inst.Visits))

	for _, v := range pooled.Visits {
		switch v.ClientID {
		case "C1":
			assert.Equal(t, []string{"A", "B"}, v.RequiredVehicles, v.ID)
		case "C2":
			assert.Equal(t, []string{"D"}, v.RequiredVehicles, "空池客户保留原白名单")
		}
	}
	assert.Empty(t, pooled.AllowListViolations())

	// 修改副本不影响池
	pooled.Visits[0].RequiredVehicles[0] = "X"
	assert.Equal(t, "A", pool.Clients["C1"][0])
}

func TestInject_UnknownVehicle(t *testing.T) {
	inst, _ := c1Fixture()
	pool := &model.ContinuityPool{K: 2, Clients: map[string][]string{"C1": {"A", "ghost"}}}

	_, err := Inject(inst, pool)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeValidationFail))
}

func TestInject_NilInputs(t *testing.T) {
	inst, _ := c1Fixture()

	_, err := Inject(inst, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeValidationFail))
	assert.Contains(t, err.Error(), "pool")

	_, err = Inject(nil, &model.ContinuityPool{K: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeValidationFail))
	assert.Contains(t, err.Error(), "instance")
}
