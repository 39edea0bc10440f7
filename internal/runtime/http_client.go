package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pomelo/internal/common"
	"pomelo/internal/manifest"

	"go.uber.org/zap"
)

// HTTPClient 通过 HTTP 访问集群运行时后端的客户端
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ ClusterRuntime = (*HTTPClient)(nil)

// ScheduleRequest 放置请求
type ScheduleRequest struct {
	ExecutionID int64                   `json:"execution_id"`
	Spec        *manifest.ExecutionSpec `json:"spec"`
}

// NewHTTPClient 创建运行时 HTTP 客户端
func NewHTTPClient(baseURL string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Schedule 请求放置执行
func (c *HTTPClient) Schedule(ctx context.Context, executionID int64, spec *manifest.ExecutionSpec) error {
	url := fmt.Sprintf("%s/api/v1/executions", c.baseURL)

	body, err := json.Marshal(ScheduleRequest{ExecutionID: executionID, Spec: spec})
	if err != nil {
		return fmt.Errorf("marshal schedule request: %w", err)
	}

	resp, err := c.post(ctx, url, body)
	if err != nil {
		return fmt.Errorf("schedule execution %d: %w", executionID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		c.logger.Info("Execution placement accepted",
			zap.Int64("execution_id", executionID))
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &common.RuntimeFailure{
			Reason:  common.RuntimePlacementRejected,
			Message: string(message),
		}
	default:
		return fmt.Errorf("schedule execution %d: unexpected status %d", executionID, resp.StatusCode)
	}
}

// Stop 请求停止执行
func (c *HTTPClient) Stop(ctx context.Context, executionID int64) error {
	url := fmt.Sprintf("%s/api/v1/executions/%d/stop", c.baseURL, executionID)

	resp, err := c.post(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("stop execution %d: %w", executionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("stop execution %d: unexpected status %d", executionID, resp.StatusCode)
	}

	c.logger.Info("Execution stop requested",
		zap.Int64("execution_id", executionID))
	return nil
}

func (c *HTTPClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}
