package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pomelo/internal/accounting"
	"pomelo/internal/common"
	"pomelo/internal/engine"
	"pomelo/internal/manifest"
	"pomelo/internal/policy"
	memorystore "pomelo/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubRuntime 总是放置成功的运行时
type stubRuntime struct {
	mu      sync.Mutex
	stopped []int64
}

func (r *stubRuntime) Schedule(_ context.Context, _ int64, _ *manifest.ExecutionSpec) error {
	return nil
}

func (r *stubRuntime) Stop(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memorystore.Store) {
	t.Helper()

	config := common.EngineConfig{
		StartingTimeout:  time.Minute,
		StoreRetries:     2,
		StoreRetryDelay:  2 * time.Millisecond,
		MinMemoryMB:      512,
		MinCores:         0.1,
		MaxExecutionName: 16,
	}
	ceiling := common.Resource{Memory: 8192, Cores: 4}

	st := memorystore.New()
	controller := engine.NewController(st,
		manifest.NewResolver(config, ceiling),
		policy.New(ceiling, common.Resource{Memory: 262144, Cores: 128}, 0),
		accounting.New(), &stubRuntime{}, nil, config)
	t.Cleanup(func() { _ = controller.Stop() })

	httpServer := NewHTTPServer(controller, zap.NewNop())
	ts := httptest.NewServer(httpServer.buildRouter())
	t.Cleanup(ts.Close)
	return ts, st
}

func submitBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"exec_name": "exec-a",
		"manifest": map[string]interface{}{
			"app_id":         "notebook",
			"manifest_index": 1,
			"services": []map[string]interface{}{
				{
					"name":            "main",
					"image":           "registry/notebook:latest",
					"total_count":     1,
					"essential_count": 1,
					"resources": map[string]interface{}{
						"memory": map[string]interface{}{"min": 2048},
						"cores":  map[string]interface{}{"min": 1},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func postJSON(t *testing.T, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func TestSubmitEndpoint(t *testing.T) {
	ts, st := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/executions", submitBody(t),
		map[string]string{"X-User": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	decoded := decodeBody(t, resp)
	assert.Equal(t, common.ExecutionStateSubmitted, decoded["status"])
	assert.Equal(t, "exec-a", decoded["name"])
	assert.Equal(t, "alice", decoded["owner"])

	id := int64(decoded["id"].(float64))
	execution, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", execution.Owner)
}

func TestSubmitInvalidBody(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/executions", []byte("{not json"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitResolutionErrorIsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	// 执行名包含非法字符
	body, err := json.Marshal(map[string]interface{}{
		"exec_name": "Exec_A",
		"manifest": map[string]interface{}{
			"app_id":         "notebook",
			"manifest_index": 1,
			"services": []map[string]interface{}{
				{
					"name":            "main",
					"image":           "registry/notebook:latest",
					"total_count":     1,
					"essential_count": 1,
					"resources": map[string]interface{}{
						"memory": map[string]interface{}{"min": 2048},
						"cores":  map[string]interface{}{"min": 1},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/v1/executions", body, nil)
	decoded := decodeBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decoded["error"], "exec_name")
}

func TestSubmitQuotaExceededIsConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	first := postJSON(t, ts.URL+"/api/v1/executions", submitBody(t),
		map[string]string{"X-User": "alice"})
	first.Body.Close()
	require.Equal(t, http.StatusCreated, first.StatusCode)

	// 租户上限 8192MB，第二次提交 4 副本 8192MB 超出剩余额度
	body, err := json.Marshal(map[string]interface{}{
		"exec_name": "exec-b",
		"manifest": map[string]interface{}{
			"app_id":         "notebook",
			"manifest_index": 1,
			"services": []map[string]interface{}{
				{
					"name":            "main",
					"image":           "registry/notebook:latest",
					"total_count":     4,
					"essential_count": 4,
					"resources": map[string]interface{}{
						"memory": map[string]interface{}{"min": 2048},
						"cores":  map[string]interface{}{"min": 0.5},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/v1/executions", body,
		map[string]string{"X-User": "alice"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/executions/999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTerminateAndCallbackFlow(t *testing.T) {
	ts, st := newTestServer(t)

	created := postJSON(t, ts.URL+"/api/v1/executions", submitBody(t), nil)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	id := int64(decodeBody(t, created)["id"].(float64))

	require.Eventually(t, func() bool {
		execution, err := st.Get(context.Background(), id)
		return err == nil && execution.Status == common.ExecutionStateScheduled
	}, 2*time.Second, 5*time.Millisecond)

	// healthy 回调驱动到 RUNNING
	callback, err := json.Marshal(map[string]interface{}{
		"execution_id": id,
		"event":        "healthy",
		"service":      "main",
	})
	require.NoError(t, err)
	resp := postJSON(t, ts.URL+"/api/v1/callbacks", callback, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		execution, err := st.Get(context.Background(), id)
		return err == nil && execution.Status == common.ExecutionStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	// DELETE 发起终止
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/v1/executions/%d", ts.URL, id), nil)
	require.NoError(t, err)
	deleted, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	deleted.Body.Close()
	assert.Equal(t, http.StatusAccepted, deleted.StatusCode)

	require.Eventually(t, func() bool {
		execution, err := st.Get(context.Background(), id)
		return err == nil && execution.Status == common.ExecutionStateTerminating
	}, 2*time.Second, 5*time.Millisecond)

	// 重复终止是幂等的
	req, err = http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/v1/executions/%d", ts.URL, id), nil)
	require.NoError(t, err)
	again, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusAccepted, again.StatusCode)
}

func TestRestartActiveIsConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	created := postJSON(t, ts.URL+"/api/v1/executions", submitBody(t), nil)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	id := int64(decodeBody(t, created)["id"].(float64))

	resp := postJSON(t, fmt.Sprintf("%s/api/v1/executions/%d/restart", ts.URL, id), nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	created := postJSON(t, ts.URL+"/api/v1/executions", submitBody(t),
		map[string]string{"X-User": "alice"})
	created.Body.Close()
	require.Equal(t, http.StatusCreated, created.StatusCode)

	resp, err := http.Get(ts.URL + "/api/v1/executions?active=true&owner=alice")
	require.NoError(t, err)
	decoded := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decoded["count"])

	// 其他租户看不到 alice 的执行
	resp, err = http.Get(ts.URL + "/api/v1/executions?active=true&owner=bob")
	require.NoError(t, err)
	decoded = decodeBody(t, resp)
	assert.Equal(t, float64(0), decoded["count"])
}

func TestClusterInfoEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/cluster/info")
	require.NoError(t, err)
	decoded := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pomelo", decoded["engine"])
}
