package accounting

import (
	"sync"
	"testing"

	"pomelo/internal/common"

	"github.com/stretchr/testify/assert"
)

func TestProvisionAndReserve(t *testing.T) {
	a := New()
	totals := common.Resource{Memory: 2048, Cores: 1}

	a.Provision(1, "alice", totals)

	// 临时预扣计入 Charged，但不计入 Usage
	assert.Equal(t, common.Resource{}, a.Usage("alice"))
	assert.Equal(t, totals, a.Charged("alice"))
	assert.Equal(t, 1, a.ActiveCount("alice"))

	a.Reserve(1, totals)
	assert.Equal(t, totals, a.Usage("alice"))
	assert.Equal(t, totals, a.ClusterUsage())
}

func TestReserveIdempotent(t *testing.T) {
	a := New()
	totals := common.Resource{Memory: 2048, Cores: 1}

	a.Provision(7, "alice", totals)
	a.Reserve(7, totals)
	once := a.Usage("alice")

	// 重复回调不会叠加用量
	a.Reserve(7, totals)
	assert.Equal(t, once, a.Usage("alice"))
}

func TestProvisionIdempotent(t *testing.T) {
	a := New()
	totals := common.Resource{Memory: 1024, Cores: 0.5}

	a.Provision(3, "bob", totals)
	a.Provision(3, "bob", totals)

	assert.Equal(t, totals, a.Charged("bob"))
	assert.Equal(t, 1, a.ActiveCount("bob"))
}

func TestReleaseIdempotent(t *testing.T) {
	a := New()
	totals := common.Resource{Memory: 2048, Cores: 1}

	a.Provision(1, "alice", totals)
	a.Reserve(1, totals)
	a.Release(1)

	assert.Equal(t, common.Resource{}, a.Usage("alice"))
	assert.Equal(t, common.Resource{}, a.Charged("alice"))

	// 重复释放与释放未预留的 ID 都是无操作
	a.Release(1)
	a.Release(99)
	assert.Equal(t, common.Resource{}, a.Usage("alice"))
}

func TestReleaseProvisionalOnly(t *testing.T) {
	a := New()
	totals := common.Resource{Memory: 2048, Cores: 1}

	// 从未进入 RUNNING 的执行，释放只清掉临时预扣
	a.Provision(5, "alice", totals)
	a.Release(5)

	assert.Equal(t, common.Resource{}, a.Usage("alice"))
	assert.Equal(t, common.Resource{}, a.Charged("alice"))
	assert.Equal(t, 0, a.ActiveCount("alice"))
}

func TestUsagePerTenant(t *testing.T) {
	a := New()

	a.Provision(1, "alice", common.Resource{Memory: 2048, Cores: 1})
	a.Reserve(1, common.Resource{Memory: 2048, Cores: 1})
	a.Provision(2, "bob", common.Resource{Memory: 1024, Cores: 0.5})
	a.Reserve(2, common.Resource{Memory: 1024, Cores: 0.5})

	assert.Equal(t, common.Resource{Memory: 2048, Cores: 1}, a.Usage("alice"))
	assert.Equal(t, common.Resource{Memory: 1024, Cores: 0.5}, a.Usage("bob"))
	assert.Equal(t, common.Resource{Memory: 3072, Cores: 1.5}, a.ClusterUsage())
}

func TestConcurrentReserveRelease(t *testing.T) {
	a := New()
	totals := common.Resource{Memory: 512, Cores: 0.1}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := int64(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Provision(id, "alice", totals)
			a.Reserve(id, totals)
			a.Release(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, common.Resource{}, a.Usage("alice"))
	assert.Equal(t, 0, a.ActiveCount("alice"))
}
