package continuity

import (
	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

// Inject 返回带护理员池白名单的实例副本，输入实例不变
// 无池或空池客户的服务保留原有白名单
func Inject(instance *model.ProblemInstance, pool *model.ContinuityPool) (*model.ProblemInstance, error) {
	ve := &errors.ValidationErrors{}
	if instance == nil {
		ve.Add("instance", "不能为空")
	}
	if pool == nil {
		ve.Add("pool", "不能为空")
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	vehicles := instance.VehicleIDs()
	for client, ids := range pool.Clients {
		for _, id := range ids {
			if !vehicles[id] {
				ve.Addf("pool "+client, "车辆 %s 不在实例中", id)
			}
		}
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	out := instance.Clone()
	for i := range out.Visits {
		ids, ok := pool.Pool(out.Visits[i].ClientID)
		if !ok || len(ids) == 0 {
			continue
		}
		out.Visits[i].RequiredVehicles = append([]string(nil), ids...)
	}
	return out, nil
}
