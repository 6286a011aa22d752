// Package stats 提供求解结果的统计分析功能
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/paiban/continuity/pkg/model"
)

// Distribution 数值分布摘要
type Distribution struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	StdDev float64 `json:"std_dev"`
}

// Describe 计算均值、中位数、极值和标准差
func Describe(values []float64) Distribution {
	n := len(values)
	if n == 0 {
		return Distribution{}
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	d := Distribution{
		Count: n,
		Mean:  stat.Mean(sorted, nil),
		Min:   sorted[0],
		Max:   sorted[n-1],
	}
	if n%2 == 1 {
		d.Median = sorted[n/2]
	} else {
		d.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	if n > 1 {
		d.StdDev = stat.StdDev(sorted, nil)
	}
	return d
}

// Gini 基尼系数 (0=完全均衡, 1=完全集中)
func Gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	if sum == 0 {
		return 0
	}

	gini := 0.0
	for i, v := range sorted {
		gini += (2*float64(i+1) - float64(n) - 1) * v
	}

	gini = gini / (float64(n) * sum)
	return math.Max(0, math.Min(1, gini))
}

// CompareKPIs 比较两次运行的指标，差值为 candidate - base
func CompareKPIs(base, candidate *model.KPIs) map[string]float64 {
	if base == nil || candidate == nil {
		return map[string]float64{}
	}
	return map[string]float64{
		"unassigned_diff":        float64(candidate.UnassignedVisits - base.UnassignedVisits),
		"travel_seconds_diff":    float64(candidate.TotalTravelSeconds - base.TotalTravelSeconds),
		"avg_distinct_diff":      candidate.Continuity.Avg - base.Continuity.Avg,
		"max_distinct_diff":      float64(candidate.Continuity.Max - base.Continuity.Max),
		"over_target_diff":       float64(candidate.Continuity.OverTarget - base.Continuity.OverTarget),
		"utilization_diff":       candidate.AvgUtilization - base.AvgUtilization,
		"workload_gini_diff":     candidate.WorkloadGini - base.WorkloadGini,
		"base_avg_distinct":      base.Continuity.Avg,
		"candidate_avg_distinct": candidate.Continuity.Avg,
	}
}
