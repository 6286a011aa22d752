// Package validator 检查求解输出与问题实例是否一致
package validator

import (
	"fmt"
	"sort"
	"time"

	"github.com/paiban/continuity/pkg/analyzer"
	"github.com/paiban/continuity/pkg/model"
)

// ConflictType 冲突类型
type ConflictType string

const (
	ConflictOverlap      ConflictType = "overlap"       // 同一班次行程时间重叠
	ConflictTimeWindow   ConflictType = "time_window"   // 未在服务时间窗口内完成
	ConflictShiftOverrun ConflictType = "shift_overrun" // 返回终点晚于班次结束
	ConflictAllowList    ConflictType = "allow_list"    // 车辆不在服务白名单内
	ConflictDuplicate    ConflictType = "duplicate"     // 服务被重复分配
	ConflictUnknown      ConflictType = "unknown"       // 输出引用了实例中不存在的服务或班次
)

// 严重程度
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Conflict 冲突信息
type Conflict struct {
	Type      ConflictType `json:"type"`
	Severity  string       `json:"severity"`
	VehicleID string       `json:"vehicle_id"`
	ShiftID   string       `json:"shift_id,omitempty"`
	VisitIDs  []string     `json:"visit_ids,omitempty"`
	Message   string       `json:"message"`
}

// DetectorConfig 检测器配置
type DetectorConfig struct {
	Tolerance      time.Duration // 时间比较容差，吸收求解器的取整
	CheckAllowList bool
	CheckShiftEnd  bool
}

// DefaultDetectorConfig 返回默认配置
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		Tolerance:      time.Minute,
		CheckAllowList: true,
		CheckShiftEnd:  true,
	}
}

// ConflictDetector 冲突检测器
type ConflictDetector struct {
	config *DetectorConfig
}

// NewConflictDetector 创建冲突检测器
func NewConflictDetector(config *DetectorConfig) *ConflictDetector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	return &ConflictDetector{config: config}
}

type shiftRef struct {
	vehicleID string
	shift     *model.Shift
}

// DetectAll 检测输出中的全部冲突，按车辆、班次排序
func (d *ConflictDetector) DetectAll(instance *model.ProblemInstance, out *analyzer.Output) []Conflict {
	visits := instance.VisitIndex()
	shifts := make(map[string]shiftRef)
	for vi := range instance.Vehicles {
		v := &instance.Vehicles[vi]
		for si := range v.Shifts {
			shifts[v.Shifts[si].ID] = shiftRef{vehicleID: v.ID, shift: &v.Shifts[si]}
		}
	}

	var conflicts []Conflict
	seen := make(map[string]string) // 服务 -> 首次出现的车辆
	for _, vp := range out.Vehicles {
		for _, sp := range vp.Shifts {
			ref, ok := shifts[sp.ID]
			if !ok || ref.vehicleID != vp.ID {
				conflicts = append(conflicts, Conflict{
					Type:      ConflictUnknown,
					Severity:  SeverityError,
					VehicleID: vp.ID,
					ShiftID:   sp.ID,
					Message:   "班次不属于该车辆",
				})
				continue
			}
			for _, stop := range sp.Itinerary {
				if stop.Kind != analyzer.KindVisit {
					continue
				}
				visit, ok := visits[stop.ID]
				if !ok {
					conflicts = append(conflicts, Conflict{
						Type:      ConflictUnknown,
						Severity:  SeverityError,
						VehicleID: vp.ID,
						ShiftID:   sp.ID,
						VisitIDs:  []string{stop.ID},
						Message:   "服务不存在",
					})
					continue
				}
				if first, dup := seen[stop.ID]; dup {
					conflicts = append(conflicts, Conflict{
						Type:      ConflictDuplicate,
						Severity:  SeverityError,
						VehicleID: vp.ID,
						ShiftID:   sp.ID,
						VisitIDs:  []string{stop.ID},
						Message:   fmt.Sprintf("服务已分配给 %s", first),
					})
					continue
				}
				seen[stop.ID] = vp.ID
				conflicts = append(conflicts, d.detectVisit(vp.ID, sp.ID, visit, stop)...)
			}
			conflicts = append(conflicts, d.detectOverlaps(vp.ID, sp)...)
			if d.config.CheckShiftEnd {
				conflicts = append(conflicts, d.detectOverrun(vp.ID, ref.shift, sp)...)
			}
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].VehicleID != conflicts[j].VehicleID {
			return conflicts[i].VehicleID < conflicts[j].VehicleID
		}
		return conflicts[i].ShiftID < conflicts[j].ShiftID
	})
	return conflicts
}

// detectVisit 检测白名单和时间窗口
func (d *ConflictDetector) detectVisit(vehicleID, shiftID string, visit *model.Visit, stop analyzer.Stop) []Conflict {
	var conflicts []Conflict
	if d.config.CheckAllowList && len(visit.RequiredVehicles) > 0 && !contains(visit.RequiredVehicles, vehicleID) {
		conflicts = append(conflicts, Conflict{
			Type:      ConflictAllowList,
			Severity:  SeverityError,
			VehicleID: vehicleID,
			ShiftID:   shiftID,
			VisitIDs:  []string{visit.ID},
			Message:   "车辆不在服务白名单内",
		})
	}
	if stop.DepartureTime == nil {
		return conflicts
	}

	tol := d.config.Tolerance
	start := stop.DepartureTime.Add(-visit.ServiceDuration)
	switch {
	case stop.DepartureTime.After(visit.Window.End.Add(tol)):
		conflicts = append(conflicts, Conflict{
			Type:      ConflictTimeWindow,
			Severity:  SeverityError,
			VehicleID: vehicleID,
			ShiftID:   shiftID,
			VisitIDs:  []string{visit.ID},
			Message:   fmt.Sprintf("服务结束 %s 晚于窗口 %s", stop.DepartureTime.Format("15:04"), visit.Window.End.Format("15:04")),
		})
	case start.Before(visit.Window.Start.Add(-tol)):
		conflicts = append(conflicts, Conflict{
			Type:      ConflictTimeWindow,
			Severity:  SeverityError,
			VehicleID: vehicleID,
			ShiftID:   shiftID,
			VisitIDs:  []string{visit.ID},
			Message:   fmt.Sprintf("服务开始 %s 早于窗口 %s", start.Format("15:04"), visit.Window.Start.Format("15:04")),
		})
	}
	return conflicts
}

// detectOverlaps 相邻两站离开时间晚于下一站到达时间
func (d *ConflictDetector) detectOverlaps(vehicleID string, sp analyzer.ShiftPlan) []Conflict {
	var conflicts []Conflict
	for i := 0; i+1 < len(sp.Itinerary); i++ {
		cur, next := sp.Itinerary[i], sp.Itinerary[i+1]
		if cur.DepartureTime == nil || next.ArrivalTime == nil {
			continue
		}
		if cur.DepartureTime.After(next.ArrivalTime.Add(d.config.Tolerance)) {
			conflicts = append(conflicts, Conflict{
				Type:      ConflictOverlap,
				Severity:  SeverityError,
				VehicleID: vehicleID,
				ShiftID:   sp.ID,
				VisitIDs:  []string{cur.ID, next.ID},
				Message:   fmt.Sprintf("离开 %s 晚于到达下一站", cur.DepartureTime.Format("15:04")),
			})
		}
	}
	return conflicts
}

// detectOverrun 最后一站离开加返程超过班次结束
func (d *ConflictDetector) detectOverrun(vehicleID string, shift *model.Shift, sp analyzer.ShiftPlan) []Conflict {
	if len(sp.Itinerary) == 0 {
		return nil
	}
	last := sp.Itinerary[len(sp.Itinerary)-1]
	if last.DepartureTime == nil {
		return nil
	}
	back := last.DepartureTime.Add(sp.ReturnTravel)
	if !back.After(shift.Window.End.Add(d.config.Tolerance)) {
		return nil
	}
	return []Conflict{{
		Type:      ConflictShiftOverrun,
		Severity:  SeverityWarning,
		VehicleID: vehicleID,
		ShiftID:   sp.ID,
		Message:   fmt.Sprintf("返回时间 %s 晚于班次结束 %s", back.Format("15:04"), shift.Window.End.Format("15:04")),
	}}
}

// Errors 统计错误级别冲突数
func Errors(conflicts []Conflict) int {
	n := 0
	for _, c := range conflicts {
		if c.Severity == SeverityError {
			n++
		}
	}
	return n
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
