package manifest

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"pomelo/internal/common"
)

// 数值参数与步长网格的容差
const stepTolerance = 1e-9

var execNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Resolver 清单解析器，将清单与用户输入绑定为不可变的执行规格。
// 解析是纯函数：同样的输入总是产生同样的规格，不产生任何副作用。
type Resolver struct {
	minMemoryMB   int64
	minCores      float64
	tenantCeiling common.Resource
	maxNameLen    int
}

// NewResolver 创建清单解析器
func NewResolver(cfg common.EngineConfig, tenantCeiling common.Resource) *Resolver {
	return &Resolver{
		minMemoryMB:   cfg.MinMemoryMB,
		minCores:      cfg.MinCores,
		tenantCeiling: tenantCeiling,
		maxNameLen:    cfg.MaxExecutionName,
	}
}

// Resolve 将清单、用户参数与可选资源覆盖绑定为执行规格。
// customizationAllowed 为 false 时，各服务的分配严格取清单声明的
// {memory.min, cores.min}，任何覆盖都会被拒绝。
// 数值参数若未落在 min + k*step 网格上，会被就近取整到最近的步长点。
func (r *Resolver) Resolve(m *Manifest, execName, owner string, values map[string]string, overrides map[string]common.Resource, customizationAllowed bool) (*ExecutionSpec, error) {
	if err := r.validateExecName(execName); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, common.NewResolutionError(common.ResolutionInvalidInput, "manifest", err.Error())
	}

	bindings, memoryHint, err := r.resolveParameters(m, values)
	if err != nil {
		return nil, err
	}

	if len(overrides) > 0 && !customizationAllowed {
		return nil, common.NewResolutionError(common.ResolutionInvalidInput, "resources",
			"resource customization is not allowed by this deployment")
	}

	services, err := r.resolveServices(m, overrides, memoryHint, customizationAllowed)
	if err != nil {
		return nil, err
	}

	spec := &ExecutionSpec{
		ExecName:      execName,
		AppID:         m.AppID,
		ManifestIndex: m.ManifestIndex,
		Parameters:    bindings,
		Services:      services,
		Volumes:       r.resolveVolumes(m, owner),
	}
	return spec, nil
}

// validateExecName 校验执行名称：有界长度，小写字母数字与连字符
func (r *Resolver) validateExecName(name string) error {
	if name == "" {
		return common.NewResolutionError(common.ResolutionInvalidInput, "exec_name", "cannot be empty")
	}
	if len(name) > r.maxNameLen {
		return common.NewResolutionError(common.ResolutionInvalidInput, "exec_name",
			fmt.Sprintf("must not exceed %d characters", r.maxNameLen))
	}
	if !execNamePattern.MatchString(name) {
		return common.NewResolutionError(common.ResolutionInvalidInput, "exec_name",
			"must contain only lowercase letters, digits and hyphens")
	}
	return nil
}

// resolveParameters 逐个绑定参数描述符；缺失的可选参数回退到默认值。
// 返回的 memoryHint 是 kind 为 memory 的数值参数解析结果（MB），没有则为 0。
func (r *Resolver) resolveParameters(m *Manifest, values map[string]string) (map[string]string, int64, error) {
	known := make(map[string]bool, len(m.Parameters))
	bindings := make(map[string]string, len(m.Parameters))
	var memoryHint int64

	for _, param := range m.Parameters {
		known[param.Name] = true

		raw, supplied := values[param.Name]
		if !supplied {
			if param.Default == nil {
				return nil, 0, common.NewResolutionError(common.ResolutionInvalidInput, param.Name,
					"required parameter has no value")
			}
			raw = *param.Default
		}

		if param.Type == ParameterTypeNumeric {
			resolved, err := r.resolveNumeric(param, raw)
			if err != nil {
				return nil, 0, err
			}
			bindings[param.BindingKey()] = strconv.FormatFloat(resolved, 'f', -1, 64)
			if param.Kind == ParameterKindMemory {
				memoryHint = int64(resolved)
			}
			continue
		}

		bindings[param.BindingKey()] = raw
	}

	// 未声明的参数名是输入错误，而不是静默忽略
	for name := range values {
		if !known[name] {
			return nil, 0, common.NewResolutionError(common.ResolutionInvalidInput, name,
				"unknown parameter name")
		}
	}

	return bindings, memoryHint, nil
}

// resolveNumeric 解析数值参数：语法、范围与步长网格
func (r *Resolver) resolveNumeric(param ParameterDescriptor, raw string) (float64, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, common.NewResolutionError(common.ResolutionInvalidInput, param.Name,
			fmt.Sprintf("malformed numeric value %q", raw))
	}

	if param.Min != nil && value < *param.Min {
		return 0, common.NewResolutionError(common.ResolutionOutOfRange, param.Name,
			fmt.Sprintf("value %v is below minimum %v", value, *param.Min))
	}
	if param.Max != nil && value > *param.Max {
		return 0, common.NewResolutionError(common.ResolutionOutOfRange, param.Name,
			fmt.Sprintf("value %v is above maximum %v", value, *param.Max))
	}

	// 就近取整到步长网格：min + k*step
	if param.Step != nil && param.Min != nil {
		steps := math.Round((value - *param.Min) / *param.Step)
		snapped := *param.Min + steps**param.Step
		if math.Abs(snapped-value) > stepTolerance {
			value = snapped
		}
		if param.Max != nil && value > *param.Max {
			value = *param.Max
		}
	}

	return value, nil
}

// resolveServices 解析各服务的资源分配
func (r *Resolver) resolveServices(m *Manifest, overrides map[string]common.Resource, memoryHint int64, customizationAllowed bool) ([]ServiceSpec, error) {
	byName := make(map[string]bool, len(m.Services))
	for _, svc := range m.Services {
		byName[svc.Name] = true
	}
	for name := range overrides {
		if !byName[name] {
			return nil, common.NewResolutionError(common.ResolutionInvalidInput, name,
				"override references unknown service")
		}
	}

	services := make([]ServiceSpec, 0, len(m.Services))
	for _, svc := range m.Services {
		allocation := common.Resource{
			Memory: svc.Resources.Memory.Min,
			Cores:  svc.Resources.Cores.Min,
		}

		if customizationAllowed {
			if memoryHint > 0 {
				allocation.Memory = memoryHint
			}
			if override, ok := overrides[svc.Name]; ok {
				if override.Memory > 0 {
					allocation.Memory = override.Memory
				}
				if override.Cores > 0 {
					allocation.Cores = override.Cores
				}
			}
			if err := r.checkAllocation(svc, allocation); err != nil {
				return nil, err
			}
		}

		services = append(services, ServiceSpec{
			Name:           svc.Name,
			Image:          svc.Image,
			TotalCount:     svc.TotalCount,
			EssentialCount: svc.EssentialCount,
			Resources:      allocation,
			Volumes:        append([]VolumeMount(nil), svc.Volumes...),
		})
	}
	return services, nil
}

// checkAllocation 校验自定义分配：最小粒度、租户上限与清单硬上限
func (r *Resolver) checkAllocation(svc ServiceDescriptor, allocation common.Resource) error {
	field := svc.Name + ".resources"

	if allocation.Memory < r.minMemoryMB {
		return common.NewResolutionError(common.ResolutionOutOfRange, field+".memory",
			fmt.Sprintf("%d MB is below the minimum granularity of %d MB", allocation.Memory, r.minMemoryMB))
	}
	if allocation.Memory > r.tenantCeiling.Memory {
		return common.NewResolutionError(common.ResolutionOutOfRange, field+".memory",
			fmt.Sprintf("%d MB exceeds the tenant ceiling of %d MB", allocation.Memory, r.tenantCeiling.Memory))
	}
	if svc.Resources.Memory.Max != nil && allocation.Memory > *svc.Resources.Memory.Max {
		return common.NewResolutionError(common.ResolutionOutOfRange, field+".memory",
			fmt.Sprintf("%d MB exceeds the manifest cap of %d MB", allocation.Memory, *svc.Resources.Memory.Max))
	}

	if allocation.Cores < r.minCores {
		return common.NewResolutionError(common.ResolutionOutOfRange, field+".cores",
			fmt.Sprintf("%v is below the minimum granularity of %v", allocation.Cores, r.minCores))
	}
	if allocation.Cores > r.tenantCeiling.Cores {
		return common.NewResolutionError(common.ResolutionOutOfRange, field+".cores",
			fmt.Sprintf("%v exceeds the tenant ceiling of %v", allocation.Cores, r.tenantCeiling.Cores))
	}
	if svc.Resources.Cores.Max != nil && allocation.Cores > *svc.Resources.Cores.Max {
		return common.NewResolutionError(common.ResolutionOutOfRange, field+".cores",
			fmt.Sprintf("%v exceeds the manifest cap of %v", allocation.Cores, *svc.Resources.Cores.Max))
	}

	return nil
}

// resolveVolumes 解析卷列表：一个读写工作区卷加上清单声明的只读共享卷
func (r *Resolver) resolveVolumes(m *Manifest, owner string) []VolumeMount {
	volumes := []VolumeMount{
		{
			Name:     "workspace-" + owner,
			Path:     "/mnt/workspace",
			ReadOnly: false,
		},
	}

	seen := map[string]bool{volumes[0].Name: true}
	for _, svc := range m.Services {
		for _, vol := range svc.Volumes {
			if seen[vol.Name] {
				continue
			}
			seen[vol.Name] = true
			volumes = append(volumes, VolumeMount{
				Name:     vol.Name,
				Path:     vol.Path,
				ReadOnly: true,
			})
		}
	}
	return volumes
}
