package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignflow/internal/campaign"
	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	})
	return string(body)
}

type captured struct {
	mu   sync.Mutex
	body string
}

func (c *captured) set(s string) {
	c.mu.Lock()
	c.body = s
	c.mu.Unlock()
}

func (c *captured) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)
	return c
}

func TestGenerateContent(t *testing.T) {
	var prompt captured
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		prompt.set(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion("```json\n{\"subject\":\"Lisbon from 180 EUR\",\"body\":\"Go.\",\"cta\":\"Book\"}\n```"))
	})
	got, err := c.GenerateContent(context.Background(), domain.Brief{Topic: "Spring", Destination: "Lisbon", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "Lisbon from 180 EUR", got.Subject)
	assert.Equal(t, "en", got.Language)
	assert.Contains(t, prompt.get(), "Destination: Lisbon")
	assert.Contains(t, prompt.get(), `"response_format"`)
	assert.Contains(t, prompt.get(), `"json_object"`)
}

func TestReviseIncludesFeedback(t *testing.T) {
	var prompt captured
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		prompt.set(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`{"subject":"Better","body":"b","cta":"Go"}`))
	})
	_, err := c.Revise(context.Background(), domain.Brief{Topic: "t", Destination: "d"},
		campaign.Content{Subject: "Old"},
		pipeline.Feedback{Iteration: 1, Score: 55, Threshold: 70, Issues: []string{"subject too vague"}})
	require.NoError(t, err)
	assert.Contains(t, prompt.get(), "subject too vague")
	assert.Contains(t, prompt.get(), "Old")
}

func TestScoreQuality(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion(`{"score":82.5,"dimensions":{"clarity":90},"issues":["long preheader"]}`))
	})
	rep, err := c.ScoreQuality(context.Background(), campaign.ScoreInput{HTML: "<html></html>"})
	require.NoError(t, err)
	assert.Equal(t, 82.5, rep.Score)
	assert.Equal(t, 90.0, rep.Dimensions["clarity"])
	assert.Equal(t, []string{"long preheader"}, rep.Issues)
}

func TestErrorClassification(t *testing.T) {
	cases := map[int]pipeline.ErrorKind{
		http.StatusTooManyRequests:     pipeline.KindTransient,
		http.StatusServiceUnavailable:  pipeline.KindTransient,
		http.StatusUnauthorized:        pipeline.KindInternal,
		http.StatusInternalServerError: pipeline.KindTransient,
	}
	for status, want := range cases {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"error"}}`)
		})
		_, err := c.GenerateContent(context.Background(), domain.Brief{Topic: "t", Destination: "d"})
		require.Error(t, err)
		assert.Equal(t, want, pipeline.Classify(err), "status %d", status)
		assert.Equal(t, int32(1), calls.Load(), "sdk retries must be disabled")
	}
}

func TestMalformedCompletionIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completion("I cannot help with that."))
	})
	_, err := c.ScoreQuality(context.Background(), campaign.ScoreInput{})
	require.Error(t, err)
	assert.Equal(t, pipeline.KindTransient, pipeline.Classify(err))
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
