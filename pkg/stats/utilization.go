package stats

// VehicleLoad 单车辆在一次求解中的负荷
type VehicleLoad struct {
	VehicleID      string `json:"vehicle_id"`
	Visits         int    `json:"visits"`
	ShiftSeconds   int64  `json:"shift_seconds"`
	ServiceSeconds int64  `json:"service_seconds"`
	TravelSeconds  int64  `json:"travel_seconds"`
}

// Utilization 服务时间占班次时间的比例
func (l VehicleLoad) Utilization() float64 {
	if l.ShiftSeconds <= 0 {
		return 0
	}
	u := float64(l.ServiceSeconds) / float64(l.ShiftSeconds)
	if u > 1 {
		return 1
	}
	return u
}

// IdleSeconds 班次中既不服务也不在途的时间
func (l VehicleLoad) IdleSeconds() int64 {
	idle := l.ShiftSeconds - l.ServiceSeconds - l.TravelSeconds
	if idle < 0 {
		return 0
	}
	return idle
}

// LoadSummary 车辆负荷汇总
type LoadSummary struct {
	ActiveVehicles int     `json:"active_vehicles"`
	AvgUtilization float64 `json:"avg_utilization"`
	WorkloadGini   float64 `json:"workload_gini"`
	IdleSeconds    int64   `json:"idle_seconds"`
}

// SummarizeLoads 汇总有服务的车辆的利用率、服务时长基尼系数和空闲时间
func SummarizeLoads(loads []VehicleLoad) LoadSummary {
	var (
		summary  LoadSummary
		utils    []float64
		workload []float64
	)
	for _, l := range loads {
		if l.Visits == 0 {
			continue
		}
		summary.ActiveVehicles++
		summary.IdleSeconds += l.IdleSeconds()
		utils = append(utils, l.Utilization())
		workload = append(workload, float64(l.ServiceSeconds))
	}
	summary.AvgUtilization = Describe(utils).Mean
	summary.WorkloadGini = Gini(workload)
	return summary
}
