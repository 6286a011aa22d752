package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/continuity/internal/database"
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

const runColumns = `id, dataset_id, phase, status, fingerprint, solver_job_id, parent_run_id,
	pool_k, submitted_at, started_at, completed_at, kpis, decision, rationale,
	output_ref, failure_reason, created_at, updated_at`

var schema = map[database.Dialect]string{
	database.Postgres: `
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			dataset_id VARCHAR(255) NOT NULL,
			phase VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			fingerprint VARCHAR(64) NOT NULL,
			solver_job_id VARCHAR(255) NOT NULL DEFAULT '',
			parent_run_id UUID,
			pool_k INTEGER NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			kpis JSONB,
			decision VARCHAR(64) NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			output_ref TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs (dataset_id, submitted_at);
		CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs (fingerprint, status);
	`,
	database.SQLite: `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			dataset_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			solver_job_id TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT,
			pool_k INTEGER NOT NULL DEFAULT 0,
			submitted_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			kpis TEXT,
			decision TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			output_ref TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs (dataset_id, submitted_at);
		CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs (fingerprint, status);
	`,
}

// 允许排序的列
var orderColumns = map[string]bool{
	"submitted_at": true,
	"completed_at": true,
	"created_at":   true,
	"pool_k":       true,
}

// RunRepository 运行记录仓储，实现 tracker.Store
type RunRepository struct {
	db DB
}

// NewRunRepository 创建运行仓储
func NewRunRepository(db DB) *RunRepository {
	return &RunRepository{db: db}
}

// Migrate 创建运行表
func (r *RunRepository) Migrate(ctx context.Context) error {
	ddl, ok := schema[r.db.Dialect()]
	if !ok {
		return fmt.Errorf("不支持的数据库方言: %s", r.db.Dialect())
	}
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.CodeDatabaseError, "创建运行表失败")
		}
	}
	return nil
}

// Create 写入新运行
func (r *RunRepository) Create(ctx context.Context, run *model.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	kpis, err := encodeKPIs(run.KPIs)
	if err != nil {
		return err
	}

	query := `INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		run.ID.String(), run.DatasetID, string(run.Phase), string(run.Status), run.Fingerprint,
		run.SolverJobID, nullUUID(run.ParentRunID), run.PoolK, run.SubmittedAt.UTC(),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), kpis, run.Decision, run.Rationale,
		run.OutputRef, run.FailureReason, run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabaseError, "创建运行记录失败").
			WithField("run_id", run.ID.String())
	}
	return nil
}

// Get 根据ID获取运行
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id.String()))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("run", id.String())
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Update 仅当当前状态等于 expected 时更新可变字段
func (r *RunRepository) Update(ctx context.Context, run *model.Run, expected model.RunStatus) (bool, error) {
	kpis, err := encodeKPIs(run.KPIs)
	if err != nil {
		return false, err
	}
	run.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE runs SET
			status = ?, solver_job_id = ?, started_at = ?, completed_at = ?, kpis = ?,
			decision = ?, rationale = ?, output_ref = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		string(run.Status), run.SolverJobID, nullTime(run.StartedAt), nullTime(run.CompletedAt), kpis,
		run.Decision, run.Rationale, run.OutputRef, run.FailureReason, run.UpdatedAt,
		run.ID.String(), string(expected),
	)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabaseError, "更新运行记录失败").
			WithField("run_id", run.ID.String())
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabaseError, "读取影响行数失败")
	}
	if affected == 1 {
		return true, nil
	}

	// 区分记录不存在与状态已变化
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID.String()).Scan(&n); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabaseError, "查询运行记录失败")
	}
	if n == 0 {
		return false, errors.NotFound("run", run.ID.String())
	}
	return false, nil
}

// ListByDataset 按提交时间升序列出数据集的运行
func (r *RunRepository) ListByDataset(ctx context.Context, datasetID string) ([]*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE dataset_id = ? ORDER BY submitted_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, datasetID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "查询运行列表失败")
	}
	defer rows.Close()
	return collect(rows)
}

// FindActive 查找指纹相同且未结束的运行，不存在时返回 nil
func (r *RunRepository) FindActive(ctx context.Context, fingerprint string) (*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE fingerprint = ? AND status IN (?, ?)
		ORDER BY submitted_at DESC LIMIT 1`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, fingerprint, string(model.RunQueued), string(model.RunRunning)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// List 分页列出运行
func (r *RunRepository) List(ctx context.Context, filter ListFilter) ([]*model.Run, int, error) {
	var conditions []string
	var args []interface{}

	if filter.DatasetID != "" {
		conditions = append(conditions, "dataset_id = ?")
		args = append(args, filter.DatasetID)
	}
	if filter.Phase != "" {
		conditions = append(conditions, "phase = ?")
		args = append(args, filter.Phase)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.StartDate != "" {
		start, err := time.Parse(time.RFC3339, filter.StartDate)
		if err != nil {
			return nil, 0, errors.InvalidInput("start_date", "需要RFC3339格式")
		}
		conditions = append(conditions, "submitted_at >= ?")
		args = append(args, start.UTC())
	}
	if filter.EndDate != "" {
		end, err := time.Parse(time.RFC3339, filter.EndDate)
		if err != nil {
			return nil, 0, errors.InvalidInput("end_date", "需要RFC3339格式")
		}
		conditions = append(conditions, "submitted_at <= ?")
		args = append(args, end.UTC())
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	// 计数
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.CodeDatabaseError, "统计运行数量失败")
	}

	orderBy := filter.OrderBy
	if !orderColumns[orderBy] {
		orderBy = "submitted_at"
	}
	orderDir := "DESC"
	if strings.EqualFold(filter.OrderDir, "asc") {
		orderDir = "ASC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`SELECT %s FROM runs %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		runColumns, whereClause, orderBy, orderDir, orderDir)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.CodeDatabaseError, "查询运行列表失败")
	}
	defer rows.Close()

	runs, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func collect(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "遍历运行列表失败")
	}
	return runs, nil
}

// scanRun 扫描单行运行记录
func scanRun(row Scanner) (*model.Run, error) {
	run := &model.Run{}
	var (
		id, phase, status string
		parent, kpis      sql.NullString
		started, finished sql.NullTime
	)

	err := row.Scan(
		&id, &run.DatasetID, &phase, &status, &run.Fingerprint, &run.SolverJobID, &parent,
		&run.PoolK, &run.SubmittedAt, &started, &finished, &kpis, &run.Decision, &run.Rationale,
		&run.OutputRef, &run.FailureReason, &run.CreatedAt, &run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "扫描运行记录失败")
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabaseError, "运行ID格式错误")
	}
	run.Phase = model.Phase(phase)
	run.Status = model.RunStatus(status)
	if parent.Valid && parent.String != "" {
		pid, err := uuid.Parse(parent.String)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabaseError, "父运行ID格式错误")
		}
		run.ParentRunID = &pid
	}
	if started.Valid {
		t := started.Time.UTC()
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		run.CompletedAt = &t
	}
	if kpis.Valid && kpis.String != "" {
		run.KPIs = &model.KPIs{}
		if err := json.Unmarshal([]byte(kpis.String), run.KPIs); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabaseError, "解析KPI失败")
		}
	}
	run.SubmittedAt = run.SubmittedAt.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	return run, nil
}

func encodeKPIs(k *model.KPIs) (interface{}, error) {
	if k == nil {
		return nil, nil
	}
	data, err := json.Marshal(k)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "序列化KPI失败")
	}
	return string(data), nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}
