package continuity

import (
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

// SelectPools 为每个客户保留排名前K的车辆
func SelectPools(record *model.AffinityRecord, k int, policy model.EmptyPoolPolicy) (*model.ContinuityPool, error) {
	ve := &errors.ValidationErrors{}
	if k < 1 {
		ve.Addf("k", "必须至少为1, 实际为 %d", k)
	}
	if policy == "" {
		policy = model.EmptyPoolUnconstrained
	}
	if !policy.Valid() {
		ve.Addf("empty_pool_policy", "未知策略 %s", policy)
	}
	if record == nil {
		ve.Add("affinity", "不能为空")
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	pool := &model.ContinuityPool{
		K:       k,
		Policy:  policy,
		Clients: make(map[string][]string, len(record.Clients)),
	}
	for _, client := range record.ClientIDs() {
		ranked := record.Clients[client]
		if len(ranked) == 0 && policy == model.EmptyPoolExclude {
			continue
		}
		n := len(ranked)
		if n > k {
			n = k
		}
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = ranked[i].VehicleID
		}
		pool.Clients[client] = ids
	}
	return pool, nil
}
