package campaignflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal campaignflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Synchronous campaign runs can take
// minutes, so the default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// Brief is the campaign request.
type Brief struct {
	Topic       string       `json:"topic"`
	Destination string       `json:"destination"`
	Origin      string       `json:"origin,omitempty"`
	Audience    string       `json:"audience,omitempty"`
	Tone        string       `json:"tone,omitempty"`
	Language    string       `json:"language,omitempty"`
	DepartFrom  string       `json:"depart_from,omitempty"`
	DepartTo    string       `json:"depart_to,omitempty"`
	Filters     BriefFilters `json:"filters,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

type BriefFilters struct {
	MaxPrice   float64 `json:"max_price,omitempty"`
	DirectOnly bool    `json:"direct_only,omitempty"`
	Currency   string  `json:"currency,omitempty"`
}

// StageAttempt is one entry of a workflow trace.
type StageAttempt struct {
	ID               string    `json:"id"`
	Stage            string    `json:"stage"`
	Sequence         int       `json:"sequence"`
	Retry            int       `json:"retry"`
	QualityIteration int       `json:"quality_iteration"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	Success          bool      `json:"success"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	Error            string    `json:"error,omitempty"`
	QualityScore     *float64  `json:"quality_score,omitempty"`
	RetriesExhausted bool      `json:"retries_exhausted,omitempty"`
	Cancelled        bool      `json:"cancelled,omitempty"`
	Gate             *struct {
		Passed    bool    `json:"passed"`
		Retry     bool    `json:"retry"`
		Escalate  bool    `json:"escalate"`
		Threshold float64 `json:"threshold"`
	} `json:"gate,omitempty"`
}

// Report is the final result of a synchronous run (partial).
type Report struct {
	WorkflowID string         `json:"workflow_id"`
	Status     string         `json:"status"`
	Artifacts  map[string]any `json:"artifacts"`
	Trace      []StageAttempt `json:"trace"`
	Summary    map[string]any `json:"summary"`
	Error      *struct {
		Stage   string `json:"stage"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type RunResult struct {
	WorkflowID string  `json:"workflow_id"`
	Status     string  `json:"status"`
	Report     *Report `json:"report,omitempty"`
}

type Workflow struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Brief        Brief          `json:"brief"`
	ActorID      string         `json:"actor_id"`
	StartedAt    string         `json:"started_at"`
	FinishedAt   string         `json:"finished_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	Summary      map[string]any `json:"summary,omitempty"`
}

// Done reports whether the workflow reached a terminal status.
func (w Workflow) Done() bool {
	switch w.Status {
	case "succeeded", "failed", "cancelled":
		return true
	}
	return false
}

type Artifact struct {
	Key       string `json:"key"`
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	Value     any    `json:"value"`
	UpdatedAt string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type EventsQuery struct {
	WorkflowID string
	Type       string
	Limit      int
	Cursor     string
}

// RunCampaign runs a campaign and blocks until its report is available.
func (c *Client) RunCampaign(ctx context.Context, brief Brief) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "v0/campaigns", map[string]any{"brief": brief, "wait": true}, &resp)
	return resp, err
}

// SubmitCampaign starts a campaign in the background and returns its workflow id.
func (c *Client) SubmitCampaign(ctx context.Context, brief Brief) (string, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "v0/campaigns", map[string]any{"brief": brief}, &resp)
	return resp.WorkflowID, err
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WaitForWorkflow polls until the workflow is finished or ctx is done.
func (c *Client) WaitForWorkflow(ctx context.Context, id string, every time.Duration) (Workflow, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		w, err := c.GetWorkflow(ctx, id)
		if err != nil || w.Done() {
			return w, err
		}
		select {
		case <-ctx.Done():
			return w, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Trace returns the stage attempts of a workflow in execution order.
func (c *Client) Trace(ctx context.Context, id string) ([]StageAttempt, error) {
	var resp struct {
		Items []StageAttempt `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id)+"/trace", nil, &resp)
	return resp.Items, err
}

func (c *Client) Artifacts(ctx context.Context, id string) ([]Artifact, error) {
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id)+"/artifacts", nil, &resp)
	return resp.Items, err
}

func (c *Client) CancelWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "v0/workflows/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, EventsQuery{Limit: limit})
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, q EventsQuery) (PaginatedEvents, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.WorkflowID != "" {
		params.Set("workflow_id", q.WorkflowID)
	}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	endpoint := "v0/events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
