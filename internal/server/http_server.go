package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pomelo/internal/common"
	"pomelo/internal/engine"
	"pomelo/internal/runtime"
	"pomelo/internal/store"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// 默认的用户标识，认证由外层协作方负责
const defaultOwner = "default-user"

// HTTPServer 引擎 HTTP 服务器，暴露提交/终止/重启与查询接口。
// 视图渲染与认证不属于引擎，接口只输出不透明的执行字段。
type HTTPServer struct {
	server     *http.Server
	controller *engine.Controller
	logger     *zap.Logger
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(controller *engine.Controller, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		controller: controller,
		logger:     logger,
	}
}

// buildRouter 构建路由
func (s *HTTPServer) buildRouter() *mux.Router {
	router := mux.NewRouter()

	// 添加中间件
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	// API 路由
	v1 := router.PathPrefix("/api/v1").Subrouter()

	executions := v1.PathPrefix("/executions").Subrouter()
	executions.HandleFunc("", s.handleSubmit).Methods("POST")
	executions.HandleFunc("", s.handleList).Methods("GET")
	executions.HandleFunc("/{id:[0-9]+}", s.handleGet).Methods("GET")
	executions.HandleFunc("/{id:[0-9]+}", s.handleTerminate).Methods("DELETE")
	executions.HandleFunc("/{id:[0-9]+}/restart", s.handleRestart).Methods("POST")

	v1.HandleFunc("/callbacks", s.handleCallback).Methods("POST")

	cluster := v1.PathPrefix("/cluster").Subrouter()
	cluster.HandleFunc("/info", s.handleClusterInfo).Methods("GET")

	return router
}

// Start 启动 HTTP 服务器
func (s *HTTPServer) Start(address string, port int) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", address, port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting engine HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务器
func (s *HTTPServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Stopping engine HTTP server")
	return s.server.Shutdown(ctx)
}

// handleSubmit 处理执行提交请求
func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Owner == "" {
		req.Owner = ownerFromRequest(r)
	}

	execution, err := s.controller.Submit(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, execution)
}

// handleList 查询执行列表：?active=true 查活跃，否则按最近活动排序
func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	var (
		executions []*store.Execution
		err        error
	)
	if r.URL.Query().Get("active") == "true" {
		executions, err = s.controller.ListActive(r.Context(), owner)
	} else {
		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, parseErr := strconv.Atoi(raw); parseErr == nil && parsed > 0 {
				limit = parsed
			}
		}
		executions, err = s.controller.ListRecent(r.Context(), limit, owner)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// handleGet 查询单个执行
func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	execution, err := s.controller.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"execution": execution,
		"is_active": execution.IsActive(),
	})
}

// handleTerminate 终止执行
func (s *HTTPServer) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	if err := s.controller.Terminate(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": id,
		"message":      "termination requested",
	})
}

// handleRestart 重启终态执行，返回新的执行记录
func (s *HTTPServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	execution, err := s.controller.Restart(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, execution)
}

// handleCallback 接收运行时回调
func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb runtime.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid callback body: %v", err))
		return
	}

	if err := s.controller.HandleCallback(r.Context(), cb); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"execution_id": cb.ExecutionID,
		"event":        cb.Event,
	})
}

// handleClusterInfo 集群信息与引擎指标
func (s *HTTPServer) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	active, err := s.controller.ListActive(r.Context(), "")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	byState := make(map[string]int64)
	for _, execution := range active {
		byState[execution.Status]++
	}
	common.GetMetrics().UpdateExecutionMetrics(
		s.controller.TotalSubmitted(), int64(len(active)), byState)

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"engine":  "pomelo",
		"metrics": common.GetMetrics().GetSnapshot(),
	})
}

// executionID 从路径解析执行 ID
func (s *HTTPServer) executionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid execution id %q", raw))
		return 0, false
	}
	return id, true
}

// writeDomainError 将领域错误映射为 HTTP 状态码
func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	var (
		resolutionErr *common.ResolutionError
		validationErr *common.ValidationError
		admissionErr  *common.AdmissionError
	)

	switch {
	case errors.As(err, &resolutionErr), errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &admissionErr):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, common.ErrExecutionNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, common.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSONResponse 写入 JSON 响应
func (s *HTTPServer) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError 写入错误响应
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}

// statusRecorder 捕获响应状态码的 ResponseWriter
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware 请求日志中间件
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Method + " " + r.URL.Path
		common.GetMetrics().IncrementRequestCount(endpoint)
		common.GetMetrics().RecordResponseTime(endpoint, time.Since(start))
		if recorder.status >= http.StatusBadRequest {
			common.GetMetrics().IncrementErrorCount(endpoint)
		}

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// corsMiddleware CORS 中间件
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ownerFromRequest 从请求头提取用户标识，认证由外层负责
func ownerFromRequest(r *http.Request) string {
	if owner := r.Header.Get("X-User"); owner != "" {
		return owner
	}
	return defaultOwner
}
