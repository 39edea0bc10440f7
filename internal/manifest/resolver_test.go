package manifest

import (
	"testing"

	"pomelo/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func i64Ptr(i int64) *int64     { return &i }

func testEngineConfig() common.EngineConfig {
	return common.EngineConfig{
		MinMemoryMB:      512,
		MinCores:         0.1,
		MaxExecutionName: 16,
	}
}

func testCeiling() common.Resource {
	return common.Resource{Memory: 16384, Cores: 8}
}

func testManifest() *Manifest {
	return &Manifest{
		AppID:         "spark",
		ManifestIndex: 3,
		Services: []ServiceDescriptor{
			{
				Name:           "master",
				Image:          "registry/spark-master:2.4",
				TotalCount:     1,
				EssentialCount: 1,
				Resources: ServiceResources{
					Memory: MemoryRange{Min: 2048},
					Cores:  CoreRange{Min: 1},
				},
			},
			{
				Name:           "worker",
				Image:          "registry/spark-worker:2.4",
				TotalCount:     2,
				EssentialCount: 1,
				Resources: ServiceResources{
					Memory: MemoryRange{Min: 1024, Max: i64Ptr(4096)},
					Cores:  CoreRange{Min: 0.5},
				},
				Volumes: []VolumeMount{
					{Name: "datasets", Path: "/mnt/datasets"},
				},
			},
		},
		Parameters: []ParameterDescriptor{
			{
				Name:    "executor-memory",
				Kind:    ParameterKindMemory,
				Type:    ParameterTypeNumeric,
				Default: strPtr("1024"),
				Min:     f64Ptr(512),
				Max:     f64Ptr(8192),
				Step:    f64Ptr(512),
			},
			{
				Name:    "log-level",
				Kind:    ParameterKindEnv,
				Type:    ParameterTypeText,
				Default: strPtr("INFO"),
			},
		},
	}
}

func TestResolveDefaults(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	spec, err := resolver.Resolve(testManifest(), "my-exec", "alice", nil, nil, false)
	require.NoError(t, err)

	// 参数回退到默认值
	assert.Equal(t, "1024", spec.Parameters["executor-memory-memory"])
	assert.Equal(t, "INFO", spec.Parameters["log-level-environment"])

	// 不允许自定义时，分配严格取清单的 min
	require.Len(t, spec.Services, 2)
	assert.Equal(t, common.Resource{Memory: 2048, Cores: 1}, spec.Services[0].Resources)
	assert.Equal(t, common.Resource{Memory: 1024, Cores: 0.5}, spec.Services[1].Resources)

	// 资源总量按副本数累计
	assert.Equal(t, common.Resource{Memory: 2048 + 2*1024, Cores: 1 + 2*0.5}, spec.Totals())
}

func TestResolveDeterministic(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())
	values := map[string]string{"executor-memory": "2048"}

	first, err := resolver.Resolve(testManifest(), "my-exec", "alice", values, nil, false)
	require.NoError(t, err)
	second, err := resolver.Resolve(testManifest(), "my-exec", "alice", values, nil, false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveWorkspaceVolume(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	spec, err := resolver.Resolve(testManifest(), "my-exec", "alice", nil, nil, false)
	require.NoError(t, err)

	// 第一个卷总是读写工作区卷，共享卷为只读
	require.NotEmpty(t, spec.Volumes)
	assert.Equal(t, "workspace-alice", spec.Volumes[0].Name)
	assert.False(t, spec.Volumes[0].ReadOnly)
	require.Len(t, spec.Volumes, 2)
	assert.Equal(t, "datasets", spec.Volumes[1].Name)
	assert.True(t, spec.Volumes[1].ReadOnly)
}

func TestResolveStepRounding(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	// 1000 不在 512 + k*512 网格上，就近取整到 1024
	values := map[string]string{"executor-memory": "1000"}
	spec, err := resolver.Resolve(testManifest(), "my-exec", "alice", values, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "1024", spec.Parameters["executor-memory-memory"])
}

func TestResolveNumericOutOfRange(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	_, err := resolver.Resolve(testManifest(), "my-exec", "alice",
		map[string]string{"executor-memory": "16384"}, nil, false)
	require.Error(t, err)

	var resolutionErr *common.ResolutionError
	require.ErrorAs(t, err, &resolutionErr)
	assert.Equal(t, common.ResolutionOutOfRange, resolutionErr.Code)
	assert.Equal(t, "executor-memory", resolutionErr.Field)
}

func TestResolveMalformedNumeric(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	_, err := resolver.Resolve(testManifest(), "my-exec", "alice",
		map[string]string{"executor-memory": "lots"}, nil, false)
	require.Error(t, err)

	var resolutionErr *common.ResolutionError
	require.ErrorAs(t, err, &resolutionErr)
	assert.Equal(t, common.ResolutionInvalidInput, resolutionErr.Code)
}

func TestResolveUnknownParameter(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	_, err := resolver.Resolve(testManifest(), "my-exec", "alice",
		map[string]string{"no-such-param": "1"}, nil, false)
	require.Error(t, err)

	var resolutionErr *common.ResolutionError
	require.ErrorAs(t, err, &resolutionErr)
	assert.Equal(t, common.ResolutionInvalidInput, resolutionErr.Code)
	assert.Equal(t, "no-such-param", resolutionErr.Field)
}

func TestResolveOverridesRejectedWithoutCustomization(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	overrides := map[string]common.Resource{"master": {Memory: 4096}}
	_, err := resolver.Resolve(testManifest(), "my-exec", "alice", nil, overrides, false)
	require.Error(t, err)

	var resolutionErr *common.ResolutionError
	require.ErrorAs(t, err, &resolutionErr)
	assert.Equal(t, common.ResolutionInvalidInput, resolutionErr.Code)
}

func TestResolveOverrides(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	overrides := map[string]common.Resource{"master": {Memory: 4096, Cores: 2}}
	spec, err := resolver.Resolve(testManifest(), "my-exec", "alice", nil, overrides, true)
	require.NoError(t, err)

	assert.Equal(t, common.Resource{Memory: 4096, Cores: 2}, spec.Services[0].Resources)
}

func TestResolveOverrideBelowGranularity(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	overrides := map[string]common.Resource{"master": {Memory: 256, Cores: 1}}
	_, err := resolver.Resolve(testManifest(), "my-exec", "alice", nil, overrides, true)
	require.Error(t, err)

	var resolutionErr *common.ResolutionError
	require.ErrorAs(t, err, &resolutionErr)
	assert.Equal(t, common.ResolutionOutOfRange, resolutionErr.Code)
}

func TestResolveOverrideAboveManifestCap(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	// worker 声明了 4096 MB 的硬上限
	overrides := map[string]common.Resource{"worker": {Memory: 8192}}
	_, err := resolver.Resolve(testManifest(), "my-exec", "alice", nil, overrides, true)
	require.Error(t, err)

	var resolutionErr *common.ResolutionError
	require.ErrorAs(t, err, &resolutionErr)
	assert.Equal(t, common.ResolutionOutOfRange, resolutionErr.Code)
}

func TestResolveOverrideUnknownService(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	overrides := map[string]common.Resource{"no-such-service": {Memory: 2048}}
	_, err := resolver.Resolve(testManifest(), "my-exec", "alice", nil, overrides, true)
	require.Error(t, err)
}

func TestResolveMemoryKindParameter(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	// 允许自定义时，memory 种类的参数作为各服务的内存基准
	values := map[string]string{"executor-memory": "3072"}
	spec, err := resolver.Resolve(testManifest(), "my-exec", "alice", values, nil, true)
	require.NoError(t, err)

	assert.Equal(t, int64(3072), spec.Services[0].Resources.Memory)
	assert.Equal(t, int64(3072), spec.Services[1].Resources.Memory)
}

func TestResolveExecName(t *testing.T) {
	resolver := NewResolver(testEngineConfig(), testCeiling())

	cases := []struct {
		name  string
		valid bool
	}{
		{"my-exec", true},
		{"exec01", true},
		{"", false},
		{"UPPER", false},
		{"name-way-too-long-for-limit", false},
		{"has space", false},
	}

	for _, tc := range cases {
		_, err := resolver.Resolve(testManifest(), tc.name, "alice", nil, nil, false)
		if tc.valid {
			assert.NoError(t, err, "exec name %q", tc.name)
		} else {
			assert.Error(t, err, "exec name %q", tc.name)
		}
	}
}

func TestManifestValidate(t *testing.T) {
	m := testManifest()
	require.NoError(t, m.Validate())

	dup := testManifest()
	dup.Services[1].Name = "master"
	assert.Error(t, dup.Validate())

	noServices := testManifest()
	noServices.Services = nil
	assert.Error(t, noServices.Validate())

	badEssential := testManifest()
	badEssential.Services[0].EssentialCount = 5
	assert.Error(t, badEssential.Validate())

	badCap := testManifest()
	badCap.Services[1].Resources.Memory.Max = i64Ptr(512)
	assert.Error(t, badCap.Validate())
}
