package policy

import "pomelo/internal/common"

// Policy 资源准入策略。纯决策逻辑：不持有状态、不修改账目，
// 账目的更新由调用方在运行时确认预留后执行。
type Policy struct {
	tenantCeiling   common.Resource
	clusterCapacity common.Resource
	maxConcurrent   int
}

// New 创建资源准入策略
func New(tenantCeiling, clusterCapacity common.Resource, maxConcurrent int) *Policy {
	return &Policy{
		tenantCeiling:   tenantCeiling,
		clusterCapacity: clusterCapacity,
		maxConcurrent:   maxConcurrent,
	}
}

// Admit 判定一次提交能否被准入。
// tenantCharged/clusterCharged 是当前已计入的用量（含临时预扣），
// tenantActive 是该租户当前活跃执行数。拒绝时返回 AdmissionError。
func (p *Policy) Admit(requested, tenantCharged, clusterCharged common.Resource, tenantActive int) error {
	if p.maxConcurrent > 0 && tenantActive >= p.maxConcurrent {
		return &common.AdmissionError{
			Reason:    common.AdmissionQuotaExceeded,
			Requested: requested,
			Limit:     p.tenantCeiling,
		}
	}

	if !tenantCharged.Add(requested).FitsIn(p.tenantCeiling) {
		return &common.AdmissionError{
			Reason:    common.AdmissionQuotaExceeded,
			Requested: requested,
			Limit:     p.tenantCeiling,
		}
	}

	if !clusterCharged.Add(requested).FitsIn(p.clusterCapacity) {
		return &common.AdmissionError{
			Reason:    common.AdmissionClusterFull,
			Requested: requested,
			Limit:     p.clusterCapacity,
		}
	}

	return nil
}

// TenantCeiling 租户资源上限
func (p *Policy) TenantCeiling() common.Resource {
	return p.tenantCeiling
}

// ClusterCapacity 集群总容量
func (p *Policy) ClusterCapacity() common.Resource {
	return p.clusterCapacity
}
