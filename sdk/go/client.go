// Package taskmeshsdk is a minimal HTTP client for a taskmesh node. The
// federation gateway uses it as its peer transport; agent programs can use it
// directly.
package taskmeshsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskmesh/internal/domain"
	"taskmesh/internal/federation"
)

// Client talks to one node.
type Client struct {
	BaseURL         string
	AgentID         string
	BearerToken     string
	FederationToken string
	HTTPClient      *http.Client
	Timeout         time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PublishTaskRequest is the body of POST /tasks.
type PublishTaskRequest struct {
	Complexity int      `json:"complexity"`
	Categories []string `json:"categories"`
	Context    string   `json:"context,omitempty"`
	TTLHours   int      `json:"ttl_hours,omitempty"`
}

// PublishTaskResult reports the stored task plus what publication triggered:
// a merge into an equivalent task, or a dialog cell forming around it.
type PublishTaskResult struct {
	Task       domain.Task  `json:"task"`
	MergedInto *domain.Task `json:"merged_into,omitempty"`
	DialogID   string       `json:"dialog_id,omitempty"`
}

// PublishTask publishes a task on the node.
func (c *Client) PublishTask(ctx context.Context, req PublishTaskRequest) (PublishTaskResult, error) {
	var resp PublishTaskResult
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

// RankedTask pairs a task with its match score. The score is zero when the
// listing was not ranked for an agent.
type RankedTask struct {
	Task  domain.Task `json:"task"`
	Score float64     `json:"score"`
}

// ListTasks lists published tasks, optionally ranked for an agent and
// filtered by categories.
func (c *Client) ListTasks(ctx context.Context, agentID string, categories []string) ([]RankedTask, error) {
	endpoint := "tasks"
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if len(categories) > 0 {
		q.Set("categories", strings.Join(categories, ","))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []RankedTask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ClaimTask claims a published task. A lost race surfaces as a 409 APIError.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/claim", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// SolutionResult reports the resolved task and the reputation outcome.
type SolutionResult struct {
	Task            domain.Task `json:"task"`
	Accepted        bool        `json:"accepted"`
	ReputationDelta float64     `json:"reputation_delta"`
}

// SubmitSolution submits the claimant's solution.
func (c *Client) SubmitSolution(ctx context.Context, taskID, content string) (SolutionResult, error) {
	body := map[string]any{"content": content}
	var resp SolutionResult
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("tasks/%s/solution", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// AgentUpsert is the body of PUT /agents/{agent_id}.
type AgentUpsert struct {
	Skills        []domain.Skill `json:"skills"`
	MaxComplexity int            `json:"max_complexity"`
	AvailableFrom int            `json:"available_from,omitempty"`
	AvailableTo   int            `json:"available_to,omitempty"`
}

// UpsertAgent registers or updates an agent profile.
func (c *Client) UpsertAgent(ctx context.Context, agentID string, req AgentUpsert) (domain.AgentProfile, error) {
	var resp domain.AgentProfile
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("agents/%s", url.PathEscape(agentID)), req, &resp)
	return resp, err
}

// Agent fetches an agent profile.
func (c *Client) Agent(ctx context.Context, agentID string) (domain.AgentProfile, error) {
	var resp domain.AgentProfile
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agents/%s", url.PathEscape(agentID)), nil, &resp)
	return resp, err
}

// ConnectRequest is the federation handshake body.
type ConnectRequest struct {
	NodeID            string   `json:"node_id"`
	PublicKey         string   `json:"public_key"`
	PeerURL           string   `json:"peer_url"`
	Mode              string   `json:"mode"`
	Categories        []string `json:"categories,omitempty"`
	ComplexityCeiling int      `json:"complexity_ceiling"`
	CapabilitySummary string   `json:"capability_summary,omitempty"`
}

// ConnectResponse carries the registered peer record and the bearer token for
// subsequent federation calls.
type ConnectResponse struct {
	Agent domain.FederatedAgent `json:"agent"`
	Token string                `json:"token"`
}

// NodeInfo identifies a peer node.
type NodeInfo struct {
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key"`
}

// Info fetches the peer's identity, used before the handshake.
func (c *Client) Info(ctx context.Context) (NodeInfo, error) {
	var resp NodeInfo
	err := c.do(ctx, http.MethodGet, "federation/info", nil, &resp)
	return resp, err
}

// Connect performs the federation handshake against the peer node.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	var resp ConnectResponse
	err := c.do(ctx, http.MethodPost, "federation/connect", req, &resp)
	return resp, err
}

// Ready marks a federated peer as ready for exchange.
func (c *Client) Ready(ctx context.Context, peerID string) (domain.FederatedAgent, error) {
	var resp domain.FederatedAgent
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("federation/agents/%s/ready", url.PathEscape(peerID)), nil, &resp)
	return resp, err
}

// FederationStatus lists the node's peers and their connection state.
func (c *Client) FederationStatus(ctx context.Context) ([]domain.FederatedAgent, error) {
	var resp struct {
		Items []domain.FederatedAgent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "federation/status", nil, &resp)
	return resp.Items, err
}

// PullTasks fetches the peer's shareable tasks as a signed envelope.
func (c *Client) PullTasks(ctx context.Context) (federation.Envelope, error) {
	var resp federation.Envelope
	err := c.do(ctx, http.MethodGet, "federation/tasks", nil, &resp)
	return resp, err
}

// PushTasks delivers a signed envelope of tasks to the peer.
func (c *Client) PushTasks(ctx context.Context, env federation.Envelope) error {
	return c.do(ctx, http.MethodPost, "federation/tasks", env, nil)
}

// PushSolution flows a solution for a peer-originated task back to it.
func (c *Client) PushSolution(ctx context.Context, env federation.Envelope) error {
	return c.do(ctx, http.MethodPost, "federation/solutions", env, nil)
}

// Health probes the node.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.FederationToken != "":
		req.Header.Set("X-Federation-Token", c.FederationToken)
	case c.AgentID != "":
		req.Header.Set("X-Agent-ID", c.AgentID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
