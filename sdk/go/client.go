package pulselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Pulseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job is the reconciled view of one job.
type Job struct {
	JobID     string   `json:"jobId"`
	Title     string   `json:"title,omitempty"`
	Owner     string   `json:"owner,omitempty"`
	State     string   `json:"state"`
	Progress  *float64 `json:"progress,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	UpdatedAt string   `json:"updatedAt"`
}

// Report is a partial update; nil fields are left untouched.
type Report struct {
	JobID    string   `json:"jobId"`
	Title    *string  `json:"title,omitempty"`
	Owner    *string  `json:"owner,omitempty"`
	State    *string  `json:"state,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Detail   *string  `json:"detail,omitempty"`
}

// Status is the rendered job list.
type Status struct {
	Text string `json:"text"`
	Jobs []Job  `json:"jobs"`
}

// Call is one tool invocation seen by the hooks.
type Call struct {
	Agent     string         `json:"agent,omitempty"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	StartedAt string         `json:"startedAt"`
	Outcome   string         `json:"outcome,omitempty"`
}

// Agent pairs an agent's reported job with its recent tool activity.
type Agent struct {
	Identity string `json:"identity"`
	Job      *Job   `json:"job,omitempty"`
	Activity *struct {
		LastTool   string `json:"lastTool"`
		LastSeenAt string `json:"lastSeenAt"`
		Recent     []Call `json:"recent"`
	} `json:"activity,omitempty"`
}

// Agents is the per-agent view.
type Agents struct {
	Text   string  `json:"text"`
	Agents []Agent `json:"agents"`
	Recent []Call  `json:"recent"`
}

// ToolResult describes a finished tool call.
type ToolResult struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	ToolName   string `json:"toolName"`
	Error      string `json:"error,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Tick is the outcome of one scheduler tick.
type Tick struct {
	Skipped   bool   `json:"skipped"`
	Published bool   `json:"published"`
	Sent      bool   `json:"sent"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	SendError string `json:"sendError,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Report applies a partial update to a job.
func (c *Client) Report(ctx context.Context, r Report) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tools/report", r, &resp)
	return resp.Job, err
}

// Status returns the rendered job list.
func (c *Client) Status(ctx context.Context, includeCompleted bool) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodPost, "v0/tools/status", map[string]any{"includeCompleted": includeCompleted}, &resp)
	return resp, err
}

// Agents returns the per-agent view.
func (c *Client) Agents(ctx context.Context) (Agents, error) {
	var resp Agents
	err := c.do(ctx, http.MethodPost, "v0/tools/agents", nil, &resp)
	return resp, err
}

// Reset discards every job. The server refuses unless confirm is true.
func (c *Client) Reset(ctx context.Context, confirm bool) error {
	return c.do(ctx, http.MethodPost, "v0/tools/reset", map[string]any{"confirm": confirm}, nil)
}

// CallStarted notifies the server that agent is about to run tool.
func (c *Client) CallStarted(ctx context.Context, agentID, tool string, params map[string]any) error {
	body := map[string]any{
		"agentId":  agentID,
		"toolName": tool,
		"params":   params,
	}
	return c.do(ctx, http.MethodPost, "v0/hooks/before-tool-call", body, nil)
}

// CallFinished notifies the server that a tool call returned.
func (c *Client) CallFinished(ctx context.Context, r ToolResult) error {
	return c.do(ctx, http.MethodPost, "v0/hooks/tool-result", r, nil)
}

// Preview renders the briefing without publishing.
func (c *Client) Preview(ctx context.Context) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	err := c.do(ctx, http.MethodGet, "v0/briefing/preview", nil, &resp)
	return resp.Text, err
}

// Tick runs one scheduler tick on the server.
func (c *Client) Tick(ctx context.Context) (Tick, error) {
	var resp Tick
	err := c.do(ctx, http.MethodPost, "v0/briefing/tick", nil, &resp)
	return resp, err
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
