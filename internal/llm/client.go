package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campaignflow/internal/campaign"
	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	defaultTimeout     = 60 * time.Second
	defaultBurst       = 2
	scoreTemperature   = 0.2
)

type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float64
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client generates and scores campaign copy with an OpenAI-compatible chat
// completions API. It implements campaign.ContentGenerator and
// campaign.QualityScorer.
type Client struct {
	api         openai.Client
	model       string
	temperature float64
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		// Retries belong to the pipeline's retry policy.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:         openai.NewClient(opts...),
		model:       model,
		temperature: temperature,
		limiter:     rate.NewLimiter(limit, defaultBurst),
		logger:      logger,
	}, nil
}

var (
	_ campaign.ContentGenerator = (*Client)(nil)
	_ campaign.QualityScorer    = (*Client)(nil)
)

func (c *Client) GenerateContent(ctx context.Context, b domain.Brief) (campaign.Content, error) {
	var out campaign.Content
	if err := c.completeJSON(ctx, contentSystemPrompt, contentUserPrompt(b), c.temperature, &out); err != nil {
		return campaign.Content{}, fmt.Errorf("generate content: %w", err)
	}
	if out.Language == "" {
		out.Language = b.Language
	}
	return out, nil
}

func (c *Client) Revise(ctx context.Context, b domain.Brief, prior campaign.Content, fb pipeline.Feedback) (campaign.Content, error) {
	var out campaign.Content
	if err := c.completeJSON(ctx, contentSystemPrompt, reviseUserPrompt(b, prior, fb), c.temperature, &out); err != nil {
		return campaign.Content{}, fmt.Errorf("revise content: %w", err)
	}
	if out.Language == "" {
		out.Language = prior.Language
	}
	return out, nil
}

func (c *Client) ScoreQuality(ctx context.Context, in campaign.ScoreInput) (campaign.QualityReport, error) {
	var out campaign.QualityReport
	if err := c.completeJSON(ctx, scoreSystemPrompt, scoreUserPrompt(in), scoreTemperature, &out); err != nil {
		return campaign.QualityReport{}, fmt.Errorf("score quality: %w", err)
	}
	return out, nil
}

func (c *Client) completeJSON(ctx context.Context, system, user string, temperature float64, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	started := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return classify(err)
	}
	c.logger.Debug("chat completion",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int64("total_tokens", resp.Usage.TotalTokens))
	if len(resp.Choices) == 0 {
		return pipeline.Transient(errors.New("completion returned no choices"))
	}
	raw := extractJSON(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return pipeline.Transient(fmt.Errorf("decode completion: %w", err))
	}
	return nil
}

// classify maps API status codes onto pipeline error kinds.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return pipeline.Transient(err)
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return pipeline.Transient(err)
		default:
			return pipeline.Permanent(err)
		}
	}
	return err
}

// extractJSON trims prose and code fences around the first JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}
