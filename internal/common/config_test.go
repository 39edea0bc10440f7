package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	assert.Equal(t, 5100, config.Server.Port)
	assert.Equal(t, int64(512), config.Engine.MinMemoryMB)
	assert.Equal(t, 0.1, config.Engine.MinCores)
	assert.Equal(t, 16, config.Engine.MaxExecutionName)
	assert.Equal(t, "memory", config.Store.Type)
	assert.False(t, config.Kafka.Enabled)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig().Server.Port, config.Server.Port)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
server:
  port: 6100
quota:
  tenant_memory_mb: 4096
  tenant_cores: 2
  concurrent_executions: 3
store:
  type: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 6100, config.Server.Port)
	assert.Equal(t, Resource{Memory: 4096, Cores: 2}, config.Quota.TenantCeiling())
	// 未覆盖的字段保持默认值
	assert.Equal(t, int64(512), config.Engine.MinMemoryMB)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }},
		{"zero starting timeout", func(c *Config) { c.Engine.StartingTimeout = 0 }},
		{"zero memory granularity", func(c *Config) { c.Engine.MinMemoryMB = 0 }},
		{"zero tenant quota", func(c *Config) { c.Quota.TenantMemoryMB = 0 }},
		{"zero cluster capacity", func(c *Config) { c.Cluster.Cores = 0 }},
		{"unknown store type", func(c *Config) { c.Store.Type = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := GetDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}
