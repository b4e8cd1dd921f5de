package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"campaignflow/internal/pipeline"
)

const (
	defaultBaseURL = "https://api.mjml.io"
	defaultTimeout = 15 * time.Second
)

type APIConfig struct {
	BaseURL    string
	AppID      string
	Secret     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// APIClient compiles MJML through the MJML HTTP API.
type APIClient struct {
	baseURL string
	appID   string
	secret  string
	http    *http.Client
}

// NewAPIClient returns nil when no credentials are configured.
func NewAPIClient(cfg APIConfig) *APIClient {
	if cfg.AppID == "" || cfg.Secret == "" {
		return nil
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &APIClient{baseURL: base, appID: cfg.AppID, secret: cfg.Secret, http: hc}
}

type renderRequest struct {
	MJML string `json:"mjml"`
}

type renderResponse struct {
	HTML   string `json:"html"`
	Errors []struct {
		Line    int    `json:"line"`
		Message string `json:"message"`
		TagName string `json:"tagName"`
	} `json:"errors"`
	Message string `json:"message"`
}

// Render posts src and returns the compiled HTML.
func (c *APIClient) Render(ctx context.Context, src string) (string, error) {
	data, err := json.Marshal(renderRequest{MJML: src})
	if err != nil {
		return "", pipeline.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/render", bytes.NewReader(data))
	if err != nil {
		return "", pipeline.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.appID, c.secret)
	res, err := c.http.Do(req)
	if err != nil {
		return "", pipeline.Transient(fmt.Errorf("mjml request: %w", err))
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", pipeline.Transient(fmt.Errorf("read mjml response: %w", err))
	}
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return "", pipeline.Transient(fmt.Errorf("mjml api status %d", res.StatusCode))
	}
	var decoded renderResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", pipeline.Transient(fmt.Errorf("decode mjml response: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", pipeline.Permanent(fmt.Errorf("mjml api status %d: %s", res.StatusCode, decoded.Message))
	}
	if len(decoded.Errors) > 0 {
		msgs := make([]string, len(decoded.Errors))
		for i, e := range decoded.Errors {
			msgs[i] = fmt.Sprintf("line %d <%s>: %s", e.Line, e.TagName, e.Message)
		}
		return "", pipeline.Permanent(fmt.Errorf("mjml: %s", strings.Join(msgs, "; ")))
	}
	if decoded.HTML == "" {
		return "", pipeline.Transient(fmt.Errorf("mjml api returned empty html"))
	}
	return decoded.HTML, nil
}
