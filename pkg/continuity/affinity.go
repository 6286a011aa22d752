// Package continuity 从试解结果推导客户护理员池并注入约束
package continuity

import (
	"sort"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

// ExtractAffinity 统计每个客户由哪些车辆服务过多少次
// 只接受已完成的运行；未分配的服务不计入
func ExtractAffinity(run *model.Run, instance *model.ProblemInstance, assignments []model.Assignment) (*model.AffinityRecord, error) {
	if run == nil {
		return nil, errors.InvalidInput("run", "不能为空")
	}
	if run.Status != model.RunCompleted {
		return nil, errors.IncompleteRun(run.ID.String(), string(run.Status))
	}

	visits := instance.VisitIndex()
	counts := make(map[string]map[string]int)
	for _, c := range instance.ClientIDs() {
		counts[c] = make(map[string]int)
	}

	for _, a := range assignments {
		if a.VehicleID == "" {
			continue
		}
		v, ok := visits[a.VisitID]
		if !ok {
			continue
		}
		counts[v.ClientID][a.VehicleID]++
	}

	record := &model.AffinityRecord{
		RunID:   run.ID.String(),
		Clients: make(map[string][]model.VehicleCount, len(counts)),
	}
	for client, byVehicle := range counts {
		record.Clients[client] = rank(byVehicle)
	}
	return record, nil
}

// rank 按次数降序、车辆ID升序排列
func rank(byVehicle map[string]int) []model.VehicleCount {
	out := make([]model.VehicleCount, 0, len(byVehicle))
	for id, n := range byVehicle {
		out = append(out, model.VehicleCount{VehicleID: id, Visits: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Visits != out[j].Visits {
			return out[i].Visits > out[j].Visits
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	return out
}
