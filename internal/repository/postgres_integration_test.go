//go:build integration

package repository

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/internal/database"
	"github.com/paiban/continuity/pkg/model"
)

// TestPostgres_RunRepository 在真实 PostgreSQL 上验证迁移与比较写入
func TestPostgres_RunRepository(t *testing.T) {
	if os.Getenv("DOCKER_AVAILABLE") != "true" && os.Getenv("DOCKER_AVAILABLE") != "1" {
		t.Skip("docker not available")
	}
	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "continuity",
				"POSTGRES_PASSWORD": "continuity",
				"POSTGRES_DB":       "continuity",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	db, err := database.New(&config.DatabaseConfig{
		Driver:       "postgres",
		Host:         host,
		Port:         portNum,
		Name:         "continuity",
		User:         "continuity",
		Password:     "continuity",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	defer db.Close()

	repo := NewRunRepository(db)
	require.NoError(t, repo.Migrate(ctx))

	run := newRun("ds-pg", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, run))

	run.Status = model.RunRunning
	ok, err := repo.Update(ctx, run, model.RunQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Update(ctx, run, model.RunQueued)
	require.NoError(t, err)
	assert.False(t, ok)

	runs, err := repo.ListByDataset(ctx, "ds-pg")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunRunning, runs[0].Status)
}
