// Package builder 将表格化输入行组装为求解器问题实例
package builder

import (
	"sort"
	"time"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

// VisitRow 服务行
type VisitRow struct {
	ID                string        `json:"id"`
	ClientID          string        `json:"client_id"`
	Latitude          float64       `json:"latitude"`
	Longitude         float64       `json:"longitude"`
	WindowStart       time.Time     `json:"window_start"`
	WindowEnd         time.Time     `json:"window_end"`
	ServiceDuration   time.Duration `json:"service_duration"`
	CandidateVehicles []string      `json:"candidate_vehicles,omitempty"`
}

// VehicleRow 车辆行
type VehicleRow struct {
	ID string `json:"id"`
}

// ShiftRow 班次行
type ShiftRow struct {
	ID          string          `json:"id"`
	VehicleID   string          `json:"vehicle_id"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	StartLat    float64         `json:"start_latitude"`
	StartLon    float64         `json:"start_longitude"`
	EndLocation *model.Location `json:"end_location,omitempty"`
}

// BreakRow 休息行
type BreakRow struct {
	ID       string          `json:"id"`
	ShiftID  string          `json:"shift_id"`
	Start    time.Time       `json:"start"`
	End      time.Time       `json:"end"`
	Duration time.Duration   `json:"duration"`
	Location *model.Location `json:"location,omitempty"`
}

// Input 构建输入
type Input struct {
	DatasetID string       `json:"dataset_id"`
	Vehicles  []VehicleRow `json:"vehicles"`
	Shifts    []ShiftRow   `json:"shifts"`
	Breaks    []BreakRow   `json:"breaks,omitempty"`
	Visits    []VisitRow   `json:"visits"`
}

// Builder 问题构建器
type Builder struct {
	config model.SolverConfig
}

// New 创建问题构建器
func New(config model.SolverConfig) *Builder {
	return &Builder{config: config}
}

// Build 校验输入并生成问题实例，所有违规行一次性返回
func (b *Builder) Build(in Input) (*model.ProblemInstance, error) {
	ve := &errors.ValidationErrors{}

	if in.DatasetID == "" {
		ve.Add("dataset_id", "不能为空")
	}

	vehicles := make(map[string]*model.Vehicle, len(in.Vehicles))
	for i, row := range in.Vehicles {
		if row.ID == "" {
			ve.Addf("vehicles", "第 %d 行缺少车辆ID", i)
			continue
		}
		if _, dup := vehicles[row.ID]; dup {
			ve.Addf("vehicles", "车辆ID重复: %s", row.ID)
			continue
		}
		vehicles[row.ID] = &model.Vehicle{ID: row.ID}
	}

	shifts := make(map[string]*model.Shift, len(in.Shifts))
	shiftOwner := make(map[string]string, len(in.Shifts))
	for _, row := range in.Shifts {
		field := "shift " + row.ID
		if row.ID == "" {
			ve.Add("shifts", "班次缺少ID")
			continue
		}
		if _, dup := shifts[row.ID]; dup {
			ve.Add(field, "班次ID重复")
			continue
		}
		if _, ok := vehicles[row.VehicleID]; !ok {
			ve.Addf(field, "引用未知车辆 %s", row.VehicleID)
			continue
		}
		window := model.TimeWindow{Start: row.Start, End: row.End}
		if !window.Valid() {
			ve.Add(field, "时间窗口无效: 结束时间必须晚于开始时间")
		}
		start := model.Location{Latitude: row.StartLat, Longitude: row.StartLon}
		if !start.Valid() {
			ve.Add(field, "起点坐标超出范围")
		}
		if row.EndLocation != nil && !row.EndLocation.Valid() {
			ve.Add(field, "终点坐标超出范围")
		}
		shift := &model.Shift{ID: row.ID, Window: window, StartLocation: start}
		if row.EndLocation != nil {
			loc := *row.EndLocation
			shift.EndLocation = &loc
		}
		shifts[row.ID] = shift
		shiftOwner[row.ID] = row.VehicleID
	}

	for _, row := range in.Breaks {
		field := "break " + row.ID
		shift, ok := shifts[row.ShiftID]
		if !ok {
			ve.Addf(field, "引用未知班次 %s", row.ShiftID)
			continue
		}
		window := model.TimeWindow{Start: row.Start, End: row.End}
		if !window.Valid() {
			ve.Add(field, "时间窗口无效: 结束时间必须晚于开始时间")
		}
		if row.Duration <= 0 {
			ve.Add(field, "休息时长必须为正")
		}
		if row.Location != nil && !row.Location.Valid() {
			ve.Add(field, "坐标超出范围")
		}
		brk := model.Break{ID: row.ID, Window: window, Duration: row.Duration}
		if row.Location != nil {
			loc := *row.Location
			brk.Location = &loc
		}
		shift.Breaks = append(shift.Breaks, brk)
	}

	// 有班次窗口的车辆/班次ID，可作为候选
	schedulable := make(map[string]bool, len(shifts)*2)
	for id, owner := range shiftOwner {
		schedulable[id] = true
		schedulable[owner] = true
	}

	visits := make([]model.Visit, 0, len(in.Visits))
	seenVisit := make(map[string]bool, len(in.Visits))
	clientAllow := make(map[string][]string)
	clientListed := make(map[string]bool)
	for i, row := range in.Visits {
		field := "visit " + row.ID
		if row.ID == "" {
			ve.Addf("visits", "第 %d 行缺少服务ID", i)
			continue
		}
		if seenVisit[row.ID] {
			ve.Add(field, "服务ID重复")
			continue
		}
		seenVisit[row.ID] = true

		if row.ClientID == "" {
			ve.Add(field, "缺少客户ID")
		}
		window := model.TimeWindow{Start: row.WindowStart, End: row.WindowEnd}
		if !window.Valid() {
			ve.Add(field, "时间窗口无效: 结束时间必须晚于开始时间")
		}
		if row.ServiceDuration <= 0 {
			ve.Add(field, "服务时长必须为正")
		}
		loc := model.Location{Latitude: row.Latitude, Longitude: row.Longitude}
		if !loc.Valid() {
			ve.Add(field, "坐标超出范围")
		}

		if row.ClientID != "" {
			listed := row.CandidateVehicles != nil
			if prev, ok := clientListed[row.ClientID]; ok && prev != listed {
				ve.Addf(field, "客户 %s 的服务必须全部指定或全部不指定候选车辆", row.ClientID)
			} else if !ok {
				clientListed[row.ClientID] = listed
			}
		}

		var allow []string
		if row.CandidateVehicles != nil {
			allow = resolveCandidates(row.CandidateVehicles, shiftOwner)
			for _, id := range row.CandidateVehicles {
				if !schedulable[id] {
					ve.Addf(field, "候选 %s 没有班次窗口", id)
				}
			}
			if len(allow) == 0 {
				ve.Add(field, "候选车辆列表为空")
			} else if row.ClientID != "" {
				if prev, ok := clientAllow[row.ClientID]; ok {
					if !equalStrings(prev, allow) {
						ve.Addf(field, "客户 %s 的候选车辆与其他服务不一致", row.ClientID)
					}
				} else {
					clientAllow[row.ClientID] = allow
				}
			}
		}

		visits = append(visits, model.Visit{
			ID:               row.ID,
			ClientID:         row.ClientID,
			Location:         loc,
			Window:           window,
			ServiceDuration:  row.ServiceDuration,
			RequiredVehicles: allow,
		})
	}

	if err := ve.Err(); err != nil {
		return nil, err
	}

	for id, shift := range shifts {
		v := vehicles[shiftOwner[id]]
		v.Shifts = append(v.Shifts, *shift)
	}

	ids := make([]string, 0, len(vehicles))
	for id := range vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := &model.ProblemInstance{
		DatasetID: in.DatasetID,
		Vehicles:  make([]model.Vehicle, 0, len(ids)),
		Visits:    visits,
		Config:    model.SolverConfig{TerminationBudget: b.config.TerminationBudget},
	}
	if b.config.Weights != nil {
		out.Config.Weights = make(map[string]int, len(b.config.Weights))
		for k, v := range b.config.Weights {
			out.Config.Weights[k] = v
		}
	}
	for _, id := range ids {
		v := vehicles[id]
		sort.Slice(v.Shifts, func(i, j int) bool {
			if v.Shifts[i].Window.Start.Equal(v.Shifts[j].Window.Start) {
				return v.Shifts[i].ID < v.Shifts[j].ID
			}
			return v.Shifts[i].Window.Start.Before(v.Shifts[j].Window.Start)
		})
		for si := range v.Shifts {
			breaks := v.Shifts[si].Breaks
			sort.Slice(breaks, func(i, j int) bool {
				return breaks[i].Window.Start.Before(breaks[j].Window.Start)
			})
		}
		out.Vehicles = append(out.Vehicles, *v)
	}

	return out, nil
}

// resolveCandidates 将班次ID映射到所属车辆，去重并排序
func resolveCandidates(candidates []string, shiftOwner map[string]string) []string {
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if owner, ok := shiftOwner[id]; ok {
			id = owner
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
