package model

import (
	"sort"
	"time"
)

// Assignment 求解结果中的一次服务分配
type Assignment struct {
	VisitID       string     `json:"visit_id"`
	VehicleID     string     `json:"vehicle_id"`
	ShiftID       string     `json:"shift_id"`
	ArrivalTime   *time.Time `json:"arrival_time,omitempty"`
	TravelSeconds int64      `json:"travel_seconds"`
}

// VehicleCount 某车辆服务某客户的次数
type VehicleCount struct {
	VehicleID string `json:"vehicle_id"`
	Visits    int    `json:"visits"`
}

// AffinityRecord 客户 -> 按服务次数排序的车辆列表
type AffinityRecord struct {
	RunID   string                    `json:"run_id"`
	Clients map[string][]VehicleCount `json:"clients"`
}

// ClientIDs 返回排序后的客户ID
func (a *AffinityRecord) ClientIDs() []string {
	ids := make([]string, 0, len(a.Clients))
	for id := range a.Clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EmptyPoolPolicy 零分配客户的处理策略
type EmptyPoolPolicy string

const (
	// EmptyPoolUnconstrained 客户保留空池，第二阶段不受约束
	EmptyPoolUnconstrained EmptyPoolPolicy = "unconstrained"
	// EmptyPoolExclude 客户从池中剔除
	EmptyPoolExclude EmptyPoolPolicy = "exclude"
)

// Valid 检查策略取值
func (p EmptyPoolPolicy) Valid() bool {
	return p == EmptyPoolUnconstrained || p == EmptyPoolExclude
}

// ContinuityPool 客户 -> 最多K个车辆ID
type ContinuityPool struct {
	K       int                 `json:"k"`
	Policy  EmptyPoolPolicy     `json:"policy"`
	Clients map[string][]string `json:"clients"`
}

// Pool 获取客户的护理员池
func (p *ContinuityPool) Pool(clientID string) ([]string, bool) {
	pool, ok := p.Clients[clientID]
	return pool, ok
}

// Contains 检查车辆是否在客户的池中
func (p *ContinuityPool) Contains(clientID, vehicleID string) bool {
	for _, id := range p.Clients[clientID] {
		if id == vehicleID {
			return true
		}
	}
	return false
}

// EmptyCount 空池客户数
func (p *ContinuityPool) EmptyCount() int {
	n := 0
	for _, pool := range p.Clients {
		if len(pool) == 0 {
			n++
		}
	}
	return n
}
