package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/continuity/internal/database"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/tracker"
)

func newRepo(t *testing.T) *RunRepository {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewRunRepository(db)
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func newRun(datasetID string, submitted time.Time) *model.Run {
	run := model.NewRun(datasetID, model.PhaseUnconstrained, "fp-"+uuid.NewString())
	run.SubmittedAt = submitted
	return run
}

func TestRunRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	parent := uuid.New()
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	run := newRun("ds-1", started.Add(-time.Minute))
	run.Phase = model.PhasePooled
	run.ParentRunID = &parent
	run.PoolK = 2
	run.StartedAt = &started
	run.KPIs = &model.KPIs{
		TotalVisits:      13,
		UnassignedVisits: 1,
		Continuity: model.ContinuityStats{
			TargetK:   2,
			Avg:       2,
			PerClient: map[string]int{"C1": 2, "C2": 2},
		},
		ContainmentViolations: []model.ContainmentViolation{{ClientID: "C1", VisitID: "v4", VehicleID: "C"}},
	}
	require.NoError(t, repo.Create(ctx, run))

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.PhasePooled, got.Phase)
	assert.Equal(t, model.RunQueued, got.Status)
	require.NotNil(t, got.ParentRunID)
	assert.Equal(t, parent, *got.ParentRunID)
	assert.Equal(t, 2, got.PoolK)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.Nil(t, got.CompletedAt)
	require.NotNil(t, got.KPIs)
	assert.Equal(t, 1, got.KPIs.UnassignedVisits)
	assert.Equal(t, map[string]int{"C1": 2, "C2": 2}, got.KPIs.Continuity.PerClient)
	assert.Len(t, got.KPIs.ContainmentViolations, 1)
}

func TestRunRepository_GetMissing(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestRunRepository_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	run := newRun("ds-1", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, run))

	run.Status = model.RunRunning
	run.SolverJobID = "job-1"
	ok, err := repo.Update(ctx, run, model.RunQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	// 状态已是 running，再以 queued 为期望值写入失败
	run.Status = model.RunFailed
	ok, err = repo.Update(ctx, run, model.RunQueued)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.Status)
	assert.Equal(t, "job-1", got.SolverJobID)

	missing := newRun("ds-1", time.Now().UTC())
	_, err = repo.Update(ctx, missing, model.RunQueued)
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestRunRepository_FindActive(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	done := model.NewRun("ds-1", model.PhaseUnconstrained, "fp-same")
	done.Status = model.RunCompleted
	require.NoError(t, repo.Create(ctx, done))

	got, err := repo.FindActive(ctx, "fp-same")
	require.NoError(t, err)
	assert.Nil(t, got, "已完成的运行不算进行中")

	running := model.NewRun("ds-1", model.PhaseUnconstrained, "fp-same")
	require.NoError(t, repo.Create(ctx, running))
	running.Status = model.RunRunning
	ok, err := repo.Update(ctx, running, model.RunQueued)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = repo.FindActive(ctx, "fp-same")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, running.ID, got.ID)

	got, err = repo.FindActive(ctx, "fp-other")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRunRepository_ListByDataset(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	late := newRun("ds-1", base.Add(2*time.Hour))
	early := newRun("ds-1", base)
	other := newRun("ds-2", base.Add(time.Hour))
	for _, r := range []*model.Run{late, early, other} {
		require.NoError(t, repo.Create(ctx, r))
	}

	runs, err := repo.ListByDataset(ctx, "ds-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, early.ID, runs[0].ID)
	assert.Equal(t, late.ID, runs[1].ID)

	runs, err = repo.ListByDataset(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		r := newRun("ds-1", base.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			r.Phase = model.PhasePooled
		}
		require.NoError(t, repo.Create(ctx, r))
	}

	runs, total, err := repo.List(ctx, DefaultListFilter().WithDataset("ds-1").WithLimit(2))
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].SubmittedAt.After(runs[1].SubmittedAt))

	f := DefaultListFilter().WithDataset("ds-1")
	f.Phase = string(model.PhasePooled)
	_, total, err = repo.List(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	f = DefaultListFilter().WithDateRange(base.Add(time.Hour).Format(time.RFC3339), base.Add(3*time.Hour).Format(time.RFC3339))
	_, total, err = repo.List(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	_, _, err = repo.List(ctx, DefaultListFilter().WithDateRange("yesterday", ""))
	assert.True(t, errors.Is(err, errors.CodeInvalidInput))
}

func TestRunRepository_BacksTracker(t *testing.T) {
	ctx := context.Background()
	tr := tracker.New(newRepo(t))

	run := model.NewRun("ds-1", model.PhaseUnconstrained, "fp")
	require.NoError(t, tr.Create(ctx, run))

	_, err := tr.MarkRunning(ctx, run.ID, "job-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Complete(ctx, run.ID, &model.KPIs{TotalVisits: 1}, "job-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	done, err := tr.RecordDecision(ctx, run.ID, "adopt", "fewer caregivers")
	require.NoError(t, err)
	assert.Equal(t, "adopt", done.Decision)

	stored, err := tr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, stored.Status)
	assert.Equal(t, "fewer caregivers", stored.Rationale)
	require.NotNil(t, stored.CompletedAt)
}
