package manifest

import "pomelo/internal/common"

// ExecutionSpec 不可变的执行规格，由 Resolver 一次性生成
type ExecutionSpec struct {
	ExecName      string            `json:"exec_name"`
	AppID         string            `json:"app_id"`
	ManifestIndex int               `json:"manifest_index"`
	Parameters    map[string]string `json:"parameters"` // name-kind → 已解析的值
	Services      []ServiceSpec     `json:"services"`
	Volumes       []VolumeMount     `json:"volumes"`
}

// ServiceSpec 单个服务的已解析规格
type ServiceSpec struct {
	Name           string          `json:"name"`
	Image          string          `json:"image"`
	TotalCount     int             `json:"total_count"`
	EssentialCount int             `json:"essential_count"`
	Resources      common.Resource `json:"resources"` // 每副本的已解析分配
	Volumes        []VolumeMount   `json:"volumes,omitempty"`
}

// Totals 规格的资源总量：各服务每副本分配乘以副本数之和
func (s *ExecutionSpec) Totals() common.Resource {
	var total common.Resource
	for _, svc := range s.Services {
		total.Memory += svc.Resources.Memory * int64(svc.TotalCount)
		total.Cores += svc.Resources.Cores * float64(svc.TotalCount)
	}
	return total
}

// Clone 深拷贝规格，防止调用方持有引用后修改
func (s *ExecutionSpec) Clone() *ExecutionSpec {
	if s == nil {
		return nil
	}
	clone := &ExecutionSpec{
		ExecName:      s.ExecName,
		AppID:         s.AppID,
		ManifestIndex: s.ManifestIndex,
		Parameters:    make(map[string]string, len(s.Parameters)),
		Services:      make([]ServiceSpec, len(s.Services)),
		Volumes:       make([]VolumeMount, len(s.Volumes)),
	}
	for k, v := range s.Parameters {
		clone.Parameters[k] = v
	}
	for i, svc := range s.Services {
		clone.Services[i] = svc
		clone.Services[i].Volumes = append([]VolumeMount(nil), svc.Volumes...)
	}
	copy(clone.Volumes, s.Volumes)
	return clone
}
