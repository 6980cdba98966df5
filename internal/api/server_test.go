package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/diero-hl/agentnet/internal/agent"
	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/executor"
	"github.com/diero-hl/agentnet/internal/payment"
	"github.com/diero-hl/agentnet/internal/reputation"
	"github.com/diero-hl/agentnet/internal/task"
)

type echoRunner struct{}

func (echoRunner) Execute(_ context.Context, taskType, input string) executor.Result {
	return executor.Result{
		"status": "completed",
		"output": fmt.Sprintf("%s done", taskType),
		"input":  input,
	}
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	bus := event.NewBus()
	rep := reputation.NewService(reputation.NewMemoryStore())
	bus.SubscribeTask(rep)
	bus.SubscribePayment(rep)

	agents := agent.NewService(agent.NewMemoryStore(), nil)
	tasks := task.NewService(task.NewMemoryStore(), nil, echoRunner{}, bus)
	payments := payment.NewService(payment.NewMemoryStore(), nil, bus)

	server := NewServer(":0", agents, tasks, payments, rep)
	return server.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func registerAgent(t *testing.T, handler http.Handler, name, wallet string) (string, string) {
	t.Helper()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/agents", "", map[string]any{
		"name":           name,
		"wallet_address": wallet,
		"capabilities":   []string{"contract_analysis"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Agent  agent.Agent `json:"agent"`
		APIKey string      `json:"api_key"`
	}
	decodeBody(t, rec, &resp)
	if resp.APIKey == "" {
		t.Fatalf("expected api_key in registration response")
	}
	return resp.Agent.ID, resp.APIKey
}

func TestAgentRegistrationAndAuth(t *testing.T) {
	handler := newTestHandler(t)

	agentID, apiKey := registerAgent(t, handler, "analyzer", "0x00000000000000000000000000000000000000aa")

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/agents/"+agentID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get agent: status %d", rec.Code)
	}

	update := map[string]any{"description": "analyzes contracts"}
	if rec := doRequest(t, handler, http.MethodPatch, "/api/v1/agents/"+agentID, "", update); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api key, got %d", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodPatch, "/api/v1/agents/"+agentID, "a2a_wrong", update); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong api key, got %d", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodPatch, "/api/v1/agents/"+agentID, apiKey, update); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid api key, got %d body %s", rec.Code, rec.Body.String())
	}

	if rec := doRequest(t, handler, http.MethodGet, "/api/v1/agents/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", rec.Code)
	}
}

func TestTaskSubmissionFlow(t *testing.T) {
	handler := newTestHandler(t)

	requesterID, apiKey := registerAgent(t, handler, "requester", "0x00000000000000000000000000000000000000bb")
	targetID, _ := registerAgent(t, handler, "worker", "0x00000000000000000000000000000000000000cc")

	submit := map[string]any{
		"requester_agent_id": requesterID,
		"target_agent_id":    targetID,
		"task_type":          "token_lookup",
		"payload":            map[string]any{"input": "0xToken"},
	}
	if rec := doRequest(t, handler, http.MethodPost, "/api/v1/tasks", "", submit); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api key, got %d", rec.Code)
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/tasks", apiKey, submit)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status %d body %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	decodeBody(t, rec, &created)
	if created.Status != task.StatusPending {
		t.Fatalf("expected pending task, got %s", created.Status)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/tasks?status=pending&agent_id="+requesterID, "", nil)
	var listing struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &listing)
	if listing.Count != 1 {
		t.Fatalf("expected 1 pending task, got %d", listing.Count)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/tasks/execute", "", map[string]any{
		"task_id":   created.ID,
		"task_type": "token_lookup",
		"input":     "0xToken",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: status %d body %s", rec.Code, rec.Body.String())
	}
	var executed struct {
		ProofHash string          `json:"proof_hash"`
		Result    executor.Result `json:"result"`
	}
	decodeBody(t, rec, &executed)
	if len(executed.ProofHash) != 66 || executed.ProofHash[:2] != "0x" {
		t.Fatalf("unexpected proof hash %q", executed.ProofHash)
	}
	// 执行响应只携带 result 与 proof_hash 两个字段。
	var raw map[string]json.RawMessage
	decodeBody(t, rec, &raw)
	if len(raw) != 2 {
		t.Fatalf("execute response must carry exactly result and proof_hash, got %v", raw)
	}
	for _, key := range []string{"result", "proof_hash"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("execute response missing %s: %v", key, raw)
		}
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/tasks/"+created.ID, "", nil)
	var finished task.Task
	decodeBody(t, rec, &finished)
	if finished.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", finished.Status)
	}

	// 执行完成的任务会给目标代理加分。
	rec = doRequest(t, handler, http.MethodGet, "/api/v1/reputation/"+targetID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reputation: status %d", rec.Code)
	}
	var profile reputation.Reputation
	decodeBody(t, rec, &profile)
	if profile.Score != "51.00" || profile.TasksCompleted != 1 {
		t.Fatalf("unexpected reputation: %+v", profile)
	}
}

func TestPaymentLifecycle(t *testing.T) {
	handler := newTestHandler(t)

	payerID, _ := registerAgent(t, handler, "payer", "0x00000000000000000000000000000000000000dd")
	payeeID, _ := registerAgent(t, handler, "payee", "0x00000000000000000000000000000000000000ee")

	create := map[string]any{
		"from_agent_id":    payerID,
		"to_agent_id":      payeeID,
		"amount":           "1.25",
		"payment_method":   payment.MethodGaslessPermit,
		"permit_signature": "0xsig-one",
	}
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/payments", "", create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create payment: status %d body %s", rec.Code, rec.Body.String())
	}
	var created payment.Payment
	decodeBody(t, rec, &created)
	if created.Status != payment.StatusSigned {
		t.Fatalf("expected signed, got %s", created.Status)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/payments/"+created.ID+"/verify", "", map[string]any{
		"tx_ref": "0xsettled",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify payment: status %d body %s", rec.Code, rec.Body.String())
	}
	var verified payment.Payment
	decodeBody(t, rec, &verified)
	if verified.Status != payment.StatusVerified || verified.TxRef != "0xsettled" {
		t.Fatalf("unexpected verified payment: %+v", verified)
	}

	// 核验通过后，收款方的累计收入随之更新。
	rec = doRequest(t, handler, http.MethodGet, "/api/v1/reputation/"+payeeID, "", nil)
	var profile reputation.Reputation
	decodeBody(t, rec, &profile)
	if profile.TotalEarned != "1.25000000" {
		t.Fatalf("expected earnings 1.25000000, got %s", profile.TotalEarned)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/payments/stats", "", nil)
	var stats payment.PaymentStats
	decodeBody(t, rec, &stats)
	if stats.Total != 1 || stats.TotalAmount != "1.25" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	handler := newTestHandler(t)

	if rec := doRequest(t, handler, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodGet, "/api/v1/nothing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", rec.Code)
	}
}
