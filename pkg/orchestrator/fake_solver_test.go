package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/solver"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "disabled"})
	os.Exit(m.Run())
}

type fakeJob struct {
	id       string
	instance *model.ProblemInstance
	polls    int
}

// fakeSolver 按固定规则分配服务的内存求解器
type fakeSolver struct {
	mu      sync.Mutex
	seq     int
	jobs    map[string]*fakeJob
	submits []*model.ProblemInstance
	cancels []string

	submitErr func(p *model.ProblemInstance) error
	status    func(job *fakeJob) solver.JobStatus
	raw       func(job *fakeJob) []byte
	assign    func(p *model.ProblemInstance) map[string]string
}

func newFakeSolver() *fakeSolver {
	return &fakeSolver{jobs: make(map[string]*fakeJob)}
}

func (f *fakeSolver) Submit(ctx context.Context, name string, p *model.ProblemInstance, budget time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, p)
	if f.submitErr != nil {
		if err := f.submitErr(p); err != nil {
			return "", err
		}
	}
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.jobs[id] = &fakeJob{id: id, instance: p}
	return id, nil
}

func (f *fakeSolver) Status(ctx context.Context, jobID string) (*solver.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[jobID]
	job.polls++
	st := solver.StatusCompleted
	if f.status != nil {
		st = f.status(job)
	} else if job.polls == 1 {
		st = solver.StatusActive
	}
	meta := &solver.Metadata{ID: jobID, SolverStatus: st}
	if st == solver.StatusFailed {
		meta.FailureCause = "infeasible"
	}
	return meta, nil
}

func (f *fakeSolver) Output(ctx context.Context, jobID string) ([]byte, error) {
	f.mu.Lock()
	job := f.jobs[jobID]
	f.mu.Unlock()
	if f.raw != nil {
		return f.raw(job), nil
	}
	assign := roundRobin
	if f.assign != nil {
		assign = f.assign
	}
	return render(job.instance, assign(job.instance)), nil
}

func (f *fakeSolver) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return nil
}

func (f *fakeSolver) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// roundRobin 有白名单的服务轮流分配给白名单车辆，否则分配给第一辆车
func roundRobin(p *model.ProblemInstance) map[string]string {
	out := make(map[string]string)
	for i, v := range p.Visits {
		if len(v.RequiredVehicles) > 0 {
			out[v.ID] = v.RequiredVehicles[i%len(v.RequiredVehicles)]
		} else {
			out[v.ID] = p.Vehicles[0].ID
		}
	}
	return out
}

// render 生成求解器输出，每段行驶10分钟
func render(p *model.ProblemInstance, assign map[string]string) []byte {
	type stop struct {
		ID     string `json:"id"`
		Kind   string `json:"kind"`
		Travel string `json:"travelTimeFromPreviousStandstill"`
	}
	type shift struct {
		ID        string `json:"id"`
		Itinerary []stop `json:"itinerary"`
	}
	type vehicle struct {
		ID     string  `json:"id"`
		Shifts []shift `json:"shifts"`
	}

	var vehicles []vehicle
	legs := 0
	for _, v := range p.Vehicles {
		sh := shift{ID: v.ID + "-1", Itinerary: []stop{}}
		if len(v.Shifts) > 0 {
			sh.ID = v.Shifts[0].ID
		}
		for _, visit := range p.Visits {
			if assign[visit.ID] == v.ID {
				sh.Itinerary = append(sh.Itinerary, stop{ID: visit.ID, Kind: "VISIT", Travel: "PT10M"})
				legs++
			}
		}
		vehicles = append(vehicles, vehicle{ID: v.ID, Shifts: []shift{sh}})
	}

	body := map[string]interface{}{
		"metadata":    map[string]string{"solverStatus": "SOLVING_COMPLETED", "score": "0hard/0soft"},
		"modelOutput": map[string]interface{}{"vehicles": vehicles},
		"kpis": map[string]interface{}{
			"totalTravelTime":       solver.FormatDuration(time.Duration(legs) * 10 * time.Minute),
			"totalUnassignedVisits": len(p.Visits) - legs,
		},
	}
	data, _ := json.Marshal(body)
	return data
}
