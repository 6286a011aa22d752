// Package model 定义连续性约束求解流水线的核心数据模型
package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// BaseModel 基础模型（包含通用字段）
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewBaseModel 创建新的基础模型
func NewBaseModel() BaseModel {
	now := time.Now().UTC()
	return BaseModel{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TimeWindow 时间窗口
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration 返回时间窗口的持续时间
func (tw TimeWindow) Duration() time.Duration {
	return tw.End.Sub(tw.Start)
}

// Valid 结束时间必须晚于开始时间
func (tw TimeWindow) Valid() bool {
	return tw.End.After(tw.Start)
}

// Overlaps 检查两个时间窗口是否重叠
func (tw TimeWindow) Overlaps(other TimeWindow) bool {
	return tw.Start.Before(other.End) && other.Start.Before(tw.End)
}

// Contains 检查时间窗口是否包含某个时间点
func (tw TimeWindow) Contains(t time.Time) bool {
	return !t.Before(tw.Start) && t.Before(tw.End)
}

// Location 地理位置
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid 检查经纬度范围
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// Distance 计算两点之间的距离（公里），使用Haversine公式
func (l Location) Distance(other Location) float64 {
	const earthRadius = 6371.0 // 地球半径（公里）

	lat1Rad := l.Latitude * math.Pi / 180
	lat2Rad := other.Latitude * math.Pi / 180
	deltaLat := (other.Latitude - l.Latitude) * math.Pi / 180
	deltaLon := (other.Longitude - l.Longitude) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}
