package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diero-hl/agentnet/internal/agent"
	xerrors "github.com/diero-hl/agentnet/internal/errors"
	"github.com/diero-hl/agentnet/internal/executor"
	"github.com/diero-hl/agentnet/internal/observability/metrics"
	"github.com/diero-hl/agentnet/internal/payment"
	"github.com/diero-hl/agentnet/internal/permit"
	"github.com/diero-hl/agentnet/internal/reputation"
	"github.com/diero-hl/agentnet/internal/task"
	"github.com/diero-hl/agentnet/pkg/logger"
)

// apiKeyHeader 携带代理的 API Key。注册时下发，仅此一次。
const apiKeyHeader = "X-API-Key"

// Server 暴露市场的 REST 接口：代理目录、任务、支付与信誉。
type Server struct {
	addr       string
	agents     *agent.Service
	tasks      *task.Service
	payments   *payment.Service
	reputation *reputation.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, agents *agent.Service, tasks *task.Service,
	payments *payment.Service, rep *reputation.Service) *Server {
	return &Server{addr: addr, agents: agents, tasks: tasks, payments: payments, reputation: rep}
}

// Handler 返回完整路由，便于测试时直接挂到 httptest。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/stats", s.handleAgentStats)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/v1/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}/key", s.handleAgentKey)

	mux.HandleFunc("POST /api/v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("POST /api/v1/tasks/execute", s.handleExecuteTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/v1/tasks/{id}/status", s.handleUpdateTaskStatus)

	mux.HandleFunc("POST /api/v1/payments", s.handleCreatePayment)
	mux.HandleFunc("GET /api/v1/payments", s.handleListPayments)
	mux.HandleFunc("GET /api/v1/payments/stats", s.handlePaymentStats)
	mux.HandleFunc("POST /api/v1/payments/permit/verify", s.handleVerifyPermit)
	mux.HandleFunc("GET /api/v1/payments/{id}", s.handleGetPayment)
	mux.HandleFunc("POST /api/v1/payments/{id}/verify", s.handleVerifyPayment)

	mux.HandleFunc("GET /api/v1/reputation", s.handleListReputation)
	mux.HandleFunc("GET /api/v1/reputation/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/v1/reputation/{agentID}", s.handleGetReputation)

	return instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Named("api").InfoContext(ctx, "API 服务已启动", "addr", s.addr)

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

// ---- 代理目录 ----

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agent.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	registered, apiKey, err := s.agents.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.reputation != nil {
		if err := s.reputation.Ensure(r.Context(), registered.ID); err != nil {
			logger.Named("api").WarnContext(r.Context(), "初始化信誉档案失败",
				"agent_id", registered.ID, "error", err)
		}
	}

	// API Key 仅在注册响应里出现一次，之后只保存哈希。
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":   registered,
		"api_key": apiKey,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := agent.ListFilter{
		Capability: query.Get("capability"),
		Search:     query.Get("search"),
		Status:     agent.Status(query.Get("status")),
	}
	agents, err := s.agents.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.agents.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	found, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := requireAPIKey(w, r)
	if !ok {
		return
	}
	var update agent.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	updated, err := s.agents.Update(r.Context(), r.PathValue("id"), apiKey, update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAgentKey(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := requireAPIKey(w, r)
	if !ok {
		return
	}
	privateKey, err := s.agents.PrivateKey(r.Context(), r.PathValue("id"), apiKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"private_key": privateKey})
}

// ---- 任务 ----

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := requireAPIKey(w, r)
	if !ok {
		return
	}
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	// 只有发起方本人能以自己的名义提交任务。
	if err := s.agents.Authenticate(r.Context(), req.RequesterAgentID, apiKey); err != nil {
		writeError(w, err)
		return
	}
	submitted, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 4)
	if status := query.Get("status"); status != "" {
		opts = append(opts, task.WithStatuses(task.Status(status)))
	}
	if agentID := query.Get("agent_id"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if taskType := query.Get("task_type"); taskType != "" {
		opts = append(opts, task.WithTaskType(taskType))
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(offset))
		}
	}

	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req task.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	result, proofHash, err := s.tasks.ExecuteSync(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":     result,
		"proof_hash": proofHash,
	})
}

func (s *Server) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status    task.Status     `json:"status"`
		Result    executor.Result `json:"result"`
		ProofHash string          `json:"proof_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	updated, err := s.tasks.UpdateStatus(r.Context(), r.PathValue("id"), req.Status, req.Result, req.ProofHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ---- 支付 ----

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	created, err := s.payments.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := payment.ListFilter{
		Status:  payment.Status(query.Get("status")),
		AgentID: query.Get("agent_id"),
		TaskID:  query.Get("task_id"),
	}
	payments, err := s.payments.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments, "count": len(payments)})
}

func (s *Server) handlePaymentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.payments.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	found, err := s.payments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// handleVerifyPermit 对 EIP-2612 授权做链上校验。
// 失败响应带 machine-readable 的 reason 字段，方便签名方定位问题。
func (s *Server) handleVerifyPermit(w http.ResponseWriter, r *http.Request) {
	var req permit.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "请求体解析失败",
			"reason": "missing_parameters",
		})
		return
	}
	verification, err := s.payments.VerifyPermit(r.Context(), req)
	if err != nil {
		writeJSON(w, permitStatusOf(err), map[string]string{
			"error":  errorMessage(err),
			"reason": permit.ReasonOf(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxRef string `json:"tx_ref"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	verified, err := s.payments.MarkVerified(r.Context(), r.PathValue("id"), req.TxRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verified)
}

// ---- 信誉 ----

func (s *Server) handleListReputation(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.reputation.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reputation": profiles, "count": len(profiles)})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.reputation.Leaderboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": board})
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	profile, err := s.reputation.Get(r.Context(), r.PathValue("agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ---- 基础设施 ----

// requireAPIKey 读取请求头里的 API Key。缺失时返回 401。
func requireAPIKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "API key required",
			"code":  string(xerrors.CodeUnauthorized),
		})
		return "", false
	}
	return apiKey, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误类型映射为 HTTP 响应。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusOf(code), map[string]string{
		"error": errorMessage(err),
		"code":  string(code),
	})
}

func errorMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, payment.CodePaymentDuplicate,
		task.CodeTaskConflict, task.CodeTaskTerminal:
		return http.StatusConflict
	case xerrors.CodeUnauthorized:
		return http.StatusForbidden
	case xerrors.CodeInvalidArgument,
		task.CodeTaskValidation,
		payment.CodePaymentValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// permitStatusOf 把授权校验错误映射为 HTTP 状态码。
func permitStatusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case permit.CodeMissingParameters, permit.CodeInsufficientBalance,
		permit.CodeExpired:
		return http.StatusBadRequest
	case permit.CodeOwnerMismatch, permit.CodeInvalidSignature:
		return http.StatusForbidden
	case permit.CodeDuplicate:
		return http.StatusConflict
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
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

// instrument 为每个请求记录访问日志和延迟指标。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(pattern, r.Method, recorder.status, duration)
		logger.Named("api").InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds())
	})
}
