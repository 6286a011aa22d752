// Package constraints 描述本地规划引擎的约束及其可调权重
package constraints

// ConstraintParam 约束参数定义，Key 为 config.weights 中的键
type ConstraintParam struct {
	Key         string `json:"key"`
	Type        string `json:"type"` // int, float
	Description string `json:"description"`
	Default     string `json:"default,omitempty"`
	Min         string `json:"min,omitempty"`
	Max         string `json:"max,omitempty"`
}

// ConstraintDefinition 约束定义
type ConstraintDefinition struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Type        string            `json:"type"`     // hard 硬约束, soft 软约束
	Category    string            `json:"category"` // 分类
	Description string            `json:"description"`
	Phases      []string          `json:"phases"` // 生效阶段
	Params      []ConstraintParam `json:"params"`
}

// LibraryResponse 约束库响应
type LibraryResponse struct {
	Library []ConstraintDefinition `json:"library"`
}

// GetLibrary 获取完整的约束库
func GetLibrary() []ConstraintDefinition {
	return []ConstraintDefinition{
		// =====================================================
		// 硬约束
		// =====================================================
		{
			Name:        "AllowList",
			DisplayName: "车辆白名单",
			Type:        "hard",
			Category:    "候选限制",
			Description: "服务只能分配给白名单中的车辆。约束阶段的护理员池通过改写白名单生效。",
			Phases:      []string{"unconstrained", "pooled"},
			Params:      []ConstraintParam{},
		},
		{
			Name:        "TimeWindow",
			DisplayName: "服务时间窗口",
			Type:        "hard",
			Category:    "时间限制",
			Description: "服务必须在时间窗口内开始并完成，早到需要等待。",
			Phases:      []string{"unconstrained", "pooled"},
			Params:      []ConstraintParam{},
		},
		{
			Name:        "ShiftEnd",
			DisplayName: "班次结束前返回",
			Type:        "hard",
			Category:    "时间限制",
			Description: "完成服务并返回终点的时间不能晚于班次结束。",
			Phases:      []string{"unconstrained", "pooled"},
			Params:      []ConstraintParam{},
		},
		{
			Name:        "MaxVisitsPerShift",
			DisplayName: "每班次最多服务数",
			Type:        "hard",
			Category:    "工作量",
			Description: "限制单个班次的服务数量，0 表示不限制。",
			Phases:      []string{"unconstrained", "pooled"},
			Params: []ConstraintParam{
				{Key: "maxVisitsPerShift", Type: "int", Description: "最多服务数", Default: "0", Min: "0"},
			},
		},

		// =====================================================
		// 软约束
		// =====================================================
		{
			Name:        "TravelTime",
			DisplayName: "行驶时间",
			Type:        "soft",
			Category:    "效率",
			Description: "按行驶分钟数计罚，倾向就近分配。",
			Phases:      []string{"unconstrained", "pooled"},
			Params: []ConstraintParam{
				{Key: "travelTime", Type: "float", Description: "每分钟罚分", Default: "1", Min: "0"},
			},
		},
		{
			Name:        "IdleTime",
			DisplayName: "等待时间",
			Type:        "soft",
			Category:    "效率",
			Description: "按到达后等待开始的分钟数计罚。",
			Phases:      []string{"unconstrained", "pooled"},
			Params: []ConstraintParam{
				{Key: "idleTime", Type: "float", Description: "每分钟罚分", Default: "0.1", Min: "0"},
			},
		},
		{
			Name:        "CaregiverContinuity",
			DisplayName: "护理员连续性",
			Type:        "soft",
			Category:    "服务质量",
			Description: "护理员已服务过该客户时给予奖励，次数越多奖励越高，最多三倍。",
			Phases:      []string{"unconstrained", "pooled"},
			Params: []ConstraintParam{
				{Key: "continuity", Type: "float", Description: "每次已服务的奖励", Default: "0", Min: "0"},
			},
		},
	}
}

// Find 按名称查找约束定义
func Find(name string) (ConstraintDefinition, bool) {
	for _, def := range GetLibrary() {
		if def.Name == name {
			return def, true
		}
	}
	return ConstraintDefinition{}, false
}
