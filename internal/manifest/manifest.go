package manifest

import (
	"fmt"

	"pomelo/internal/common"
)

// 参数类型
const (
	ParameterTypeNumeric = "numeric"
	ParameterTypeText    = "text"
)

// 参数种类，决定参数值被路由到的位置
const (
	ParameterKindMemory = "memory"
	ParameterKindEnv    = "environment"
)

// Manifest 应用清单，描述一个多服务应用的静态结构
type Manifest struct {
	AppID         string                `json:"app_id" yaml:"app_id"`
	ManifestIndex int                   `json:"manifest_index" yaml:"manifest_index"`
	Services      []ServiceDescriptor   `json:"services" yaml:"services"`
	Parameters    []ParameterDescriptor `json:"parameters" yaml:"parameters"`
}

// ServiceDescriptor 服务描述符
type ServiceDescriptor struct {
	Name           string           `json:"name" yaml:"name"`
	Image          string           `json:"image" yaml:"image"`
	TotalCount     int              `json:"total_count" yaml:"total_count"`
	EssentialCount int              `json:"essential_count" yaml:"essential_count"`
	Resources      ServiceResources `json:"resources" yaml:"resources"`
	Volumes        []VolumeMount    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// ServiceResources 服务资源声明，Min 为软预留，Max 为可选硬上限（nil 表示无上限）
type ServiceResources struct {
	Memory MemoryRange `json:"memory" yaml:"memory"`
	Cores  CoreRange   `json:"cores" yaml:"cores"`
}

// MemoryRange 内存范围，单位 MB
type MemoryRange struct {
	Min int64  `json:"min" yaml:"min"`
	Max *int64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// CoreRange 核心数范围
type CoreRange struct {
	Min float64  `json:"min" yaml:"min"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// ParameterDescriptor 参数描述符
type ParameterDescriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Kind        string   `json:"kind" yaml:"kind"`
	Type        string   `json:"type" yaml:"type"`
	Default     *string  `json:"default,omitempty" yaml:"default,omitempty"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Step        *float64 `json:"step,omitempty" yaml:"step,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// BindingKey 参数绑定键，格式为 name-kind
func (p ParameterDescriptor) BindingKey() string {
	return p.Name + "-" + p.Kind
}

// VolumeMount 卷挂载声明
type VolumeMount struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path" yaml:"path"`
	ReadOnly bool   `json:"read_only" yaml:"read_only"`
}

// Validate 校验清单结构合法性
func (m *Manifest) Validate() error {
	if m.AppID == "" {
		return common.NewValidationError("app_id", "cannot be empty", m.AppID)
	}
	if len(m.Services) == 0 {
		return common.NewValidationError("services", "manifest must declare at least one service", nil)
	}

	seen := make(map[string]bool, len(m.Services))
	for i, svc := range m.Services {
		field := fmt.Sprintf("services[%d]", i)
		if svc.Name == "" {
			return common.NewValidationError(field+".name", "cannot be empty", svc.Name)
		}
		if seen[svc.Name] {
			return common.NewValidationError(field+".name", "duplicate service name", svc.Name)
		}
		seen[svc.Name] = true
		if svc.Image == "" {
			return common.NewValidationError(field+".image", "cannot be empty", svc.Image)
		}
		if svc.TotalCount <= 0 {
			return common.NewValidationError(field+".total_count", "must be greater than 0", svc.TotalCount)
		}
		if svc.EssentialCount <= 0 || svc.EssentialCount > svc.TotalCount {
			return common.NewValidationError(field+".essential_count", "must be between 1 and total_count", svc.EssentialCount)
		}
		if svc.Resources.Memory.Min <= 0 {
			return common.NewValidationError(field+".resources.memory.min", "must be greater than 0", svc.Resources.Memory.Min)
		}
		if svc.Resources.Memory.Max != nil && *svc.Resources.Memory.Max < svc.Resources.Memory.Min {
			return common.NewValidationError(field+".resources.memory.max", "must not be less than min", *svc.Resources.Memory.Max)
		}
		if svc.Resources.Cores.Min <= 0 {
			return common.NewValidationError(field+".resources.cores.min", "must be greater than 0", svc.Resources.Cores.Min)
		}
		if svc.Resources.Cores.Max != nil && *svc.Resources.Cores.Max < svc.Resources.Cores.Min {
			return common.NewValidationError(field+".resources.cores.max", "must not be less than min", *svc.Resources.Cores.Max)
		}
	}

	for i, param := range m.Parameters {
		field := fmt.Sprintf("parameters[%d]", i)
		if param.Name == "" {
			return common.NewValidationError(field+".name", "cannot be empty", param.Name)
		}
		if param.Type != ParameterTypeNumeric && param.Type != ParameterTypeText {
			return common.NewValidationError(field+".type", "must be 'numeric' or 'text'", param.Type)
		}
		if param.Type == ParameterTypeNumeric && param.Step != nil && *param.Step <= 0 {
			return common.NewValidationError(field+".step", "must be greater than 0", *param.Step)
		}
	}

	return nil
}
