package agentnet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterAgentStoresCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req RegisterAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agent":   Agent{ID: "agent-1", Name: req.Name},
			"api_key": "a2a_demo",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	registered, err := client.RegisterAgent(context.Background(), RegisterAgentRequest{Name: "demo"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.ID != "agent-1" {
		t.Fatalf("unexpected agent id: %s", registered.ID)
	}
	if client.APIKey() != "a2a_demo" || client.AgentID() != "agent-1" {
		t.Fatalf("credentials not stored: key=%q id=%q", client.APIKey(), client.AgentID())
	}
}

func TestSubmitTaskRequiresAPIKey(t *testing.T) {
	taskSubmitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get(apiKeyHeader) != "a2a_key" {
			t.Fatalf("expected api key header, got %q", r.Header.Get(apiKeyHeader))
		}
		taskSubmitted = true
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	// 未配置 API key 时直接拒绝，不发请求。
	if _, err := client.SubmitTask(context.Background(), SubmitTaskRequest{TargetAgentID: "t", TaskType: "x"}); err == nil {
		t.Fatal("expected error without api key")
	}

	client.UseCredentials("agent-1", "a2a_key")
	created, err := client.SubmitTask(context.Background(), SubmitTaskRequest{TargetAgentID: "t", TaskType: "x"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if created.ID != "task-1" || !taskSubmitted {
		t.Fatalf("task was not submitted: %+v", created)
	}
}

func TestPermitVerificationErrorCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/permit/verify" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":  "Duplicate permit: this signature was already verified",
			"reason": "duplicate_permit",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	v := 27
	_, err = client.VerifyPermit(context.Background(), VerifyPermitRequest{
		Owner: "0xaa", Spender: "0xbb", Value: "1", Deadline: "9999999999",
		V: &v, R: "0x01", S: "0x02", FromAgentID: "agent-1",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Reason != "duplicate_permit" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "Task not found",
			"code":  "TASK_NOT_FOUND",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetTask(context.Background(), "task-404")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
}
