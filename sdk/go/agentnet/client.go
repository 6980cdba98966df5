// Package agentnet provides a Go client for the agentnet marketplace REST API.
// It covers agent registration, task delegation, gasless USDC settlement and
// reputation queries.
package agentnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// apiKeyHeader carries the agent API key issued at registration time.
const apiKeyHeader = "X-API-Key"

// Client wraps the HTTP interactions with the agentnet REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu      sync.RWMutex
	agentID string
	apiKey  string
}

// Agent mirrors the directory entry returned by the server.
type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	WalletAddress string   `json:"wallet_address"`
	Capabilities  []string `json:"capabilities"`
	Status        string   `json:"status"`
	Description   string   `json:"description"`
	EndpointURL   string   `json:"endpoint_url"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

// RegisterAgentRequest is the payload for agent registration. PrivateKey is
// optional; when present the server encrypts and custodies it.
type RegisterAgentRequest struct {
	Name          string   `json:"name"`
	WalletAddress string   `json:"wallet_address,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Description   string   `json:"description,omitempty"`
	EndpointURL   string   `json:"endpoint_url,omitempty"`
	PrivateKey    string   `json:"private_key,omitempty"`
}

// Task mirrors the marketplace task record.
type Task struct {
	ID               string         `json:"id"`
	RequesterAgentID string         `json:"requester_agent_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	TaskType         string         `json:"task_type"`
	Payload          map[string]any `json:"payload,omitempty"`
	Status           string         `json:"status"`
	Result           map[string]any `json:"result,omitempty"`
	ProofHash        string         `json:"proof_hash,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// SubmitTaskRequest is the payload for task delegation.
type SubmitTaskRequest struct {
	RequesterAgentID string         `json:"requester_agent_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	TaskType         string         `json:"task_type"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// ExecutionReceipt is returned by the synchronous execute endpoint.
type ExecutionReceipt struct {
	Result    map[string]any `json:"result"`
	ProofHash string         `json:"proof_hash"`
}

// Payment mirrors the settlement record.
type Payment struct {
	ID              string      `json:"id"`
	TaskID          string      `json:"task_id,omitempty"`
	FromAgentID     string      `json:"from_agent_id"`
	ToAgentID       string      `json:"to_agent_id"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency"`
	Status          string      `json:"status"`
	TxRef           string      `json:"tx_ref,omitempty"`
	Network         string      `json:"network"`
	PaymentMethod   string      `json:"payment_method"`
	PermitSignature string      `json:"permit_signature,omitempty"`
	VerifiedAt      int64       `json:"verified_at,omitempty"`
	CreatedAt       int64       `json:"created_at"`
}

// CreatePaymentRequest is the payload for recording a payment.
type CreatePaymentRequest struct {
	TaskID          string `json:"task_id,omitempty"`
	FromAgentID     string `json:"from_agent_id"`
	ToAgentID       string `json:"to_agent_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency,omitempty"`
	Network         string `json:"network,omitempty"`
	PaymentMethod   string `json:"payment_method,omitempty"`
	PermitSignature string `json:"permit_signature,omitempty"`
	PermitDeadline  int64  `json:"permit_deadline,omitempty"`
	PermitNonce     string `json:"permit_nonce,omitempty"`
	PermitV         int    `json:"permit_v,omitempty"`
	PermitR         string `json:"permit_r,omitempty"`
	PermitS         string `json:"permit_s,omitempty"`
}

// VerifyPermitRequest carries the EIP-2612 permit parameters for on-chain
// verification. All numeric fields travel as decimal strings.
type VerifyPermitRequest struct {
	Owner       string `json:"owner"`
	Spender     string `json:"spender"`
	Value       string `json:"value"`
	Deadline    string `json:"deadline"`
	V           *int   `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
	FromAgentID string `json:"from_agent_id"`
}

// PermitVerification is the receipt for a successful permit verification.
type PermitVerification struct {
	Valid             bool        `json:"valid"`
	SignatureVerified bool        `json:"signature_verified"`
	Owner             string      `json:"owner"`
	Spender           string      `json:"spender"`
	AmountUSDC        json.Number `json:"amount_usdc"`
	BalanceUSDC       json.Number `json:"balance_usdc"`
	Nonce             string      `json:"nonce"`
	Deadline          int64       `json:"deadline"`
	PermitHash        string      `json:"permit_hash"`
	Chain             string      `json:"chain"`
	Token             string      `json:"token"`
	Gasless           bool        `json:"gasless"`
}

// Reputation mirrors the per-agent reputation profile.
type Reputation struct {
	AgentID        string      `json:"agent_id"`
	Score          json.Number `json:"score"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
	TotalEarned    json.Number `json:"total_earned"`
	LastUpdated    int64       `json:"last_updated"`
}

// APIError represents server side validation or internal errors. Reason is
// only populated by the permit verification endpoint.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Reason     string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("agentnet api error (%d): %s - %s", e.StatusCode, e.Reason, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("agentnet api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentnet api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agentnet API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RegisterAgent creates a directory entry and stores the issued API key for
// subsequent authenticated calls. The key is only ever returned here.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	var resp struct {
		Agent  Agent  `json:"agent"`
		APIKey string `json:"api_key"`
	}
	if err := c.post(ctx, "/api/v1/agents", req, &resp, false); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.agentID = resp.Agent.ID
	c.apiKey = resp.APIKey
	c.mu.Unlock()
	return &resp.Agent, nil
}

// UseCredentials configures the client with a previously issued API key.
func (c *Client) UseCredentials(agentID, apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
	c.apiKey = apiKey
}

// AgentID returns the agent identity the client acts as.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// APIKey returns the stored API key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// GetAgent fetches a directory entry by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var found Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &found); err != nil {
		return nil, err
	}
	return &found, nil
}

// FindAgents lists agents matching the given capability.
func (c *Client) FindAgents(ctx context.Context, capability string) ([]Agent, error) {
	endpoint := "/api/v1/agents"
	if capability != "" {
		endpoint += "?capability=" + url.QueryEscape(capability)
	}
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// SubmitTask delegates a task to a target agent. Requires credentials.
func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*Task, error) {
	if req.RequesterAgentID == "" {
		req.RequesterAgentID = c.AgentID()
	}
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", req, &created, true); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var found Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &found); err != nil {
		return nil, err
	}
	return &found, nil
}

// ExecuteTask runs a task synchronously and returns the execution receipt.
func (c *Client) ExecuteTask(ctx context.Context, taskID, taskType, input string) (*ExecutionReceipt, error) {
	payload := map[string]string{
		"task_id":   taskID,
		"task_type": taskType,
		"input":     input,
	}
	var receipt ExecutionReceipt
	if err := c.post(ctx, "/api/v1/tasks/execute", payload, &receipt, false); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// WaitForTask polls until the task reaches a terminal status.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		found, err := c.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if found.Status == "completed" || found.Status == "failed" {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreatePayment records a payment between two agents.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	if req.FromAgentID == "" {
		req.FromAgentID = c.AgentID()
	}
	var created Payment
	if err := c.post(ctx, "/api/v1/payments", req, &created, false); err != nil {
		return nil, err
	}
	return &created, nil
}

// VerifyPermit asks the server to verify an EIP-2612 permit on chain.
func (c *Client) VerifyPermit(ctx context.Context, req VerifyPermitRequest) (*PermitVerification, error) {
	var verification PermitVerification
	if err := c.post(ctx, "/api/v1/payments/permit/verify", req, &verification, false); err != nil {
		return nil, err
	}
	return &verification, nil
}

// VerifyPayment marks a payment as settled, crediting the payee.
func (c *Client) VerifyPayment(ctx context.Context, paymentID, txRef string) (*Payment, error) {
	payload := map[string]string{"tx_ref": txRef}
	var verified Payment
	endpoint := "/api/v1/payments/" + url.PathEscape(paymentID) + "/verify"
	if err := c.post(ctx, endpoint, payload, &verified, false); err != nil {
		return nil, err
	}
	return &verified, nil
}

// GetReputation fetches an agent's reputation profile.
func (c *Client) GetReputation(ctx context.Context, agentID string) (*Reputation, error) {
	var profile Reputation
	if err := c.get(ctx, "/api/v1/reputation/"+url.PathEscape(agentID), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Leaderboard fetches the reputation leaderboard.
func (c *Client) Leaderboard(ctx context.Context) ([]Reputation, error) {
	var resp struct {
		Leaderboard []Reputation `json:"leaderboard"`
	}
	if err := c.get(ctx, "/api/v1/reputation/leaderboard", &resp); err != nil {
		return nil, err
	}
	return resp.Leaderboard, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		key := c.APIKey()
		if key == "" {
			return nil, errors.New("agentnet: api key is not set")
		}
		req.Header.Set(apiKeyHeader, key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
