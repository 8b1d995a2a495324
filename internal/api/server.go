// Package api 暴露运行编排的 REST 接口:受理意图、查询进度、
// 人工审批与回执登记,以及基于 SSE 的实时事件流。
package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	xerrors "IntentGuard-Chain/internal/errors"
	"IntentGuard-Chain/internal/observability/metrics"
	"IntentGuard-Chain/internal/run"
	"IntentGuard-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口,供外部驱动运行编排。
type Server struct {
	addr    string
	service *run.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *run.Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/v1/runs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/runs/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /api/v1/runs/{id}/execute-prep", s.handleExecutePrep)
	mux.HandleFunc("POST /api/v1/runs/{id}/tx-submitted", s.handleTxSubmitted)
	mux.HandleFunc("POST /api/v1/runs/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("GET /api/v1/runs/{id}/steps", s.handleSteps)
	mux.HandleFunc("GET /api/v1/runs/{id}/tool-calls", s.handleToolCalls)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, instrument(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", "addr", s.addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createRunRequest struct {
	ID            string         `json:"id,omitempty"`
	Intent        string         `json:"intent"`
	WalletAddress string         `json:"wallet_address"`
	ChainID       string         `json:"chain_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result, err := s.service.Submit(r.Context(), run.SubmitRequest{
		ID:            req.ID,
		Intent:        req.Intent,
		WalletAddress: req.WalletAddress,
		ChainID:       req.ChainID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := run.ListFilter{Limit: 20}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Offset = parsed
		}
	}
	for _, raw := range r.URL.Query()["status"] {
		status := run.Status(raw)
		if !run.IsValidStatus(status) {
			http.Error(w, "不支持的运行状态: "+raw, http.StatusBadRequest)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	results, err := s.service.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resumeRequest struct {
	Answers map[string]string `json:"answers"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result, err := s.service.Resume(r.Context(), r.PathValue("id"), req.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecutePrep(w http.ResponseWriter, r *http.Request) {
	requests, err := s.service.ExecutePrep(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tx_requests": requests})
}

type txSubmittedRequest struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) handleTxSubmitted(w http.ResponseWriter, r *http.Request) {
	var req txSubmittedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	result, err := s.service.TxSubmitted(r.Context(), r.PathValue("id"), req.TxHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Confirm(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.service.Steps(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.service.ToolCalls(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleEvents 推送运行的事件流(SSE)。先回放已持久化的阶段记录,
// 再转发实时事件,直到客户端断开。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.service.Get(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式响应", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// 先订阅再回放,避免漏掉回放期间产生的事件。
	events, cancel := s.service.Bus().Subscribe(runID, 64)
	defer cancel()

	steps, err := s.service.Steps(r.Context(), runID)
	if err == nil {
		for _, step := range steps {
			writeSSE(w, "replay", step)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			writeSSE(w, "event", event)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeSSE(w http.ResponseWriter, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case run.CodeRunNotFound:
		status = http.StatusNotFound
	case run.CodeRunConflict, run.CodeRunTerminal, run.CodeRunInvalidTransition:
		status = http.StatusConflict
	case run.CodeRunValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": err.Error(),
	})
}

// statusRecorder 捕获响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// instrument 为每个请求记录计数与时延指标。
func instrument(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(r.URL.Path, r.Method, recorder.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
