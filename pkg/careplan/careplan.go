// Package careplan 将长护险护理计划展开为按日的服务行
package careplan

import (
	"fmt"
	"time"

	"github.com/paiban/continuity/pkg/builder"
	"github.com/paiban/continuity/pkg/errors"
)

const dateLayout = "2006-01-02"

// 护理等级对应的周服务时长（小时）
var levelHours = map[int]int{
	1: 3,  // 一级：每周3小时
	2: 5,  // 二级：每周5小时
	3: 7,  // 三级：每周7小时
	4: 10, // 四级：每周10小时
	5: 15, // 五级：每周15小时
	6: 20, // 六级：每周20小时
}

// Plan 客户护理计划
type Plan struct {
	ClientID          string   `json:"client_id"`
	Level             int      `json:"level"`                  // 护理等级 1-6
	WeeklyHours       int      `json:"weekly_hours,omitempty"` // 覆盖等级对应的周时长
	Weekdays          []int    `json:"weekdays,omitempty"`     // 0 为周日；为空时按每周次数安排
	WindowStart       string   `json:"window_start"`           // HH:MM
	WindowEnd         string   `json:"window_end"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
	CandidateVehicles []string `json:"candidate_vehicles,omitempty"`
}

// Hours 每周服务时长
func (p *Plan) Hours() int {
	if p.WeeklyHours > 0 {
		return p.WeeklyHours
	}
	return levelHours[p.Level]
}

// Days 服务日
func (p *Plan) Days() []int {
	if len(p.Weekdays) > 0 {
		return p.Weekdays
	}
	return getServiceDays(calculateSessionsPerWeek(p.Hours()))
}

// SessionDuration 单次服务时长
func (p *Plan) SessionDuration() time.Duration {
	return time.Duration(p.Hours()*60/len(p.Days())) * time.Minute
}

// validate 校验计划，违规写入 ve
func (p *Plan) validate(ve *errors.ValidationErrors) (start, end time.Duration) {
	field := "care_plan " + p.ClientID
	if p.ClientID == "" {
		ve.Add("care_plans", "计划缺少客户ID")
		return
	}
	if p.WeeklyHours <= 0 && (p.Level < 1 || p.Level > 6) {
		ve.Add(field, "护理等级必须在1-6之间")
		return
	}
	for _, d := range p.Weekdays {
		if d < 0 || d > 6 {
			ve.Addf(field, "无效的星期 %d", d)
			return
		}
	}
	var err1, err2 error
	start, err1 = clock(p.WindowStart)
	end, err2 = clock(p.WindowEnd)
	if err1 != nil || err2 != nil {
		ve.Add(field, "时间窗口格式应为 HH:MM")
		return
	}
	if end-start < p.SessionDuration() {
		ve.Addf(field, "时间窗口短于单次服务时长 %s", p.SessionDuration())
	}
	return
}

// Dataset 表格行与护理计划，计划在 [From, To] 内展开为服务行
type Dataset struct {
	builder.Input
	From  string `json:"from,omitempty"` // 2006-01-02
	To    string `json:"to,omitempty"`
	Plans []Plan `json:"care_plans,omitempty"`
}

// Rows 合并展开后的服务行，没有计划时原样返回
func (d *Dataset) Rows() (builder.Input, error) {
	in := d.Input
	if len(d.Plans) == 0 {
		return in, nil
	}

	ve := &errors.ValidationErrors{}
	from, err := time.Parse(dateLayout, d.From)
	if err != nil {
		ve.Add("from", "开始日期格式应为 2006-01-02")
	}
	to, err := time.Parse(dateLayout, d.To)
	if err != nil {
		ve.Add("to", "结束日期格式应为 2006-01-02")
	}
	if err := ve.Err(); err != nil {
		return in, err
	}
	if to.Before(from) {
		return in, errors.InvalidInput("to", "结束日期早于开始日期")
	}

	visits := append([]builder.VisitRow(nil), in.Visits...)
	for i := range d.Plans {
		rows := expand(&d.Plans[i], from, to, ve)
		visits = append(visits, rows...)
	}
	if err := ve.Err(); err != nil {
		return in, err
	}
	in.Visits = visits
	return in, nil
}

// expand 逐日生成服务行，服务ID为 客户-日期
func expand(p *Plan, from, to time.Time, ve *errors.ValidationErrors) []builder.VisitRow {
	before := len(ve.Errors)
	start, end := p.validate(ve)
	if len(ve.Errors) > before {
		return nil
	}

	days := make(map[int]bool, 7)
	for _, d := range p.Days() {
		days[d] = true
	}

	var rows []builder.VisitRow
	for current := from; !current.After(to); current = current.AddDate(0, 0, 1) {
		if !days[int(current.Weekday())] {
			continue
		}
		rows = append(rows, builder.VisitRow{
			ID:                fmt.Sprintf("%s-%s", p.ClientID, current.Format("20060102")),
			ClientID:          p.ClientID,
			Latitude:          p.Latitude,
			Longitude:         p.Longitude,
			WindowStart:       current.Add(start),
			WindowEnd:         current.Add(end),
			ServiceDuration:   p.SessionDuration(),
			CandidateVehicles: p.CandidateVehicles,
		})
	}
	return rows
}

func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func calculateSessionsPerWeek(weeklyHours int) int {
	if weeklyHours <= 3 {
		return 1
	} else if weeklyHours <= 7 {
		return 2
	} else if weeklyHours <= 14 {
		return 3
	}
	return 5
}

func getServiceDays(sessionsPerWeek int) []int {
	switch sessionsPerWeek {
	case 1:
		return []int{3} // 周三
	case 2:
		return []int{2, 5} // 周二、周五
	case 3:
		return []int{1, 3, 5} // 周一、周三、周五
	default:
		return []int{1, 2, 3, 4, 5} // 工作日
	}
}
