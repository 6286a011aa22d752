package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
)

// RunSink 运行指标写入
type RunSink interface {
	WriteRun(ctx context.Context, run *model.Run) error
	Close()
}

// NopSink 不写入任何数据
type NopSink struct{}

// WriteRun 忽略运行
func (NopSink) WriteRun(context.Context, *model.Run) error { return nil }

// Close 无操作
func (NopSink) Close() {}

// InfluxSink 将运行KPI写入InfluxDB
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInfluxSink 创建InfluxDB写入器
func NewInfluxSink(cfg config.InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "solve_run"
	}
	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}
}

// NewRunSink 按配置创建写入器，未启用或健康检查失败时返回 NopSink
func NewRunSink(cfg config.InfluxConfig) RunSink {
	if !cfg.Enabled {
		return NopSink{}
	}
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		ev := logger.Warn().Str("url", cfg.URL)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Str("status", string(health.Status))
		}
		ev.Msg("InfluxDB不可用，运行指标不写入时序库")
		sink.client.Close()
		return NopSink{}
	}
	return sink
}

// WriteRun 写入一条运行记录，只写有KPI的运行
func (s *InfluxSink) WriteRun(ctx context.Context, run *model.Run) error {
	if run.KPIs == nil {
		return nil
	}
	return s.writeAPI.WritePoint(ctx, Point(s.measurement, run))
}

// Close 关闭客户端
func (s *InfluxSink) Close() {
	s.client.Close()
}

// Point 构造运行KPI数据点
func Point(measurement string, run *model.Run) *write.Point {
	k := run.KPIs
	ts := run.SubmittedAt
	if run.CompletedAt != nil {
		ts = *run.CompletedAt
	}
	return write.NewPointWithMeasurement(measurement).
		AddTag("dataset_id", run.DatasetID).
		AddTag("phase", string(run.Phase)).
		AddTag("status", string(run.Status)).
		AddField("run_id", run.ID.String()).
		AddField("pool_k", run.PoolK).
		AddField("unassigned_visits", k.UnassignedVisits).
		AddField("total_travel_seconds", k.TotalTravelSeconds).
		AddField("avg_distinct_caregivers", round3(k.Continuity.Avg)).
		AddField("max_distinct_caregivers", k.Continuity.Max).
		AddField("clients_over_target", k.Continuity.OverTarget).
		AddField("containment_violations", len(k.ContainmentViolations)).
		AddField("avg_utilization", round3(k.AvgUtilization)).
		AddField("workload_gini", round3(k.WorkloadGini)).
		SetTime(ts)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
