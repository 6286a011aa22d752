package analyzer

import (
	"sort"
	"time"

	"github.com/paiban/continuity/pkg/logger"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/stats"
)

// Options 分析参数
type Options struct {
	TargetK int                   // 每客户护理员数目标
	Pool    *model.ContinuityPool // 非空时检查约束池包含关系
}

// Analyze 根据问题实例和求解输出计算运行指标
func Analyze(instance *model.ProblemInstance, out *Output, opts Options) *model.KPIs {
	visits := instance.VisitIndex()
	assignments := out.Assignments()

	kpis := &model.KPIs{
		TotalVisits:        len(instance.Visits),
		SolverUnassigned:   out.TotalUnassigned,
		TotalTravelSeconds: int64(out.TotalTravelTime / time.Second),
		Score:              out.Score,
	}

	assigned := make(map[string]bool, len(assignments))
	clientVehicles := make(map[string]map[string]bool)
	for _, a := range assignments {
		v, ok := visits[a.VisitID]
		if !ok || assigned[a.VisitID] {
			continue
		}
		assigned[a.VisitID] = true
		if clientVehicles[v.ClientID] == nil {
			clientVehicles[v.ClientID] = make(map[string]bool)
		}
		clientVehicles[v.ClientID][a.VehicleID] = true

		if opts.Pool != nil {
			if pool, ok := opts.Pool.Pool(v.ClientID); ok && len(pool) > 0 && !opts.Pool.Contains(v.ClientID, a.VehicleID) {
				kpis.ContainmentViolations = append(kpis.ContainmentViolations, model.ContainmentViolation{
					ClientID:  v.ClientID,
					VisitID:   a.VisitID,
					VehicleID: a.VehicleID,
				})
			}
		}
	}
	kpis.AssignedVisits = len(assigned)
	kpis.UnassignedVisits = kpis.TotalVisits - kpis.AssignedVisits
	if kpis.UnassignedVisits != kpis.SolverUnassigned {
		logger.Component("analyzer").Warn().
			Int("computed", kpis.UnassignedVisits).
			Int("reported", kpis.SolverUnassigned).
			Msg("未分配服务数与求解器报告不一致")
	}

	kpis.Continuity = continuity(clientVehicles, opts.TargetK)

	loads := vehicleLoads(instance, out, visits)
	summary := stats.SummarizeLoads(loads)
	kpis.ActiveVehicles = summary.ActiveVehicles
	kpis.AvgUtilization = summary.AvgUtilization
	kpis.WorkloadGini = summary.WorkloadGini
	kpis.TotalIdleSeconds = summary.IdleSeconds
	for _, l := range loads {
		kpis.TotalServiceSeconds += l.ServiceSeconds
	}

	sort.Slice(kpis.ContainmentViolations, func(i, j int) bool {
		return kpis.ContainmentViolations[i].VisitID < kpis.ContainmentViolations[j].VisitID
	})
	return kpis
}

// continuity 统计至少有一次分配的客户的不同护理员数量
func continuity(clientVehicles map[string]map[string]bool, targetK int) model.ContinuityStats {
	cs := model.ContinuityStats{
		TargetK:   targetK,
		PerClient: make(map[string]int, len(clientVehicles)),
	}
	values := make([]float64, 0, len(clientVehicles))
	for client, vehicles := range clientVehicles {
		n := len(vehicles)
		cs.PerClient[client] = n
		values = append(values, float64(n))
		if n > cs.Max {
			cs.Max = n
		}
		if targetK > 0 && n > targetK {
			cs.OverTarget++
		}
	}
	d := stats.Describe(values)
	cs.Clients = d.Count
	cs.Avg = d.Mean
	cs.Median = d.Median
	return cs
}

// vehicleLoads 按车辆汇总服务、行驶和班次时长，只计入有服务的班次
func vehicleLoads(instance *model.ProblemInstance, out *Output, visits map[string]*model.Visit) []stats.VehicleLoad {
	shiftWindows := make(map[string]time.Duration)
	for _, v := range instance.Vehicles {
		for _, s := range v.Shifts {
			shiftWindows[v.ID+"/"+s.ID] = s.Window.Duration()
		}
	}

	loads := make([]stats.VehicleLoad, 0, len(out.Vehicles))
	for _, vp := range out.Vehicles {
		load := stats.VehicleLoad{VehicleID: vp.ID}
		for _, sp := range vp.Shifts {
			served := 0
			travel := sp.ReturnTravel
			for _, stop := range sp.Itinerary {
				travel += stop.TravelTime
				if stop.Kind != KindVisit {
					continue
				}
				if v, ok := visits[stop.ID]; ok {
					served++
					load.ServiceSeconds += int64(v.ServiceDuration / time.Second)
				}
			}
			if served == 0 {
				continue
			}
			load.TravelSeconds += int64(travel / time.Second)
			load.Visits += served
			load.ShiftSeconds += int64(shiftWindows[vp.ID+"/"+sp.ID] / time.Second)
		}
		loads = append(loads, load)
	}
	return loads
}
