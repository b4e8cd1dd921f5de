package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"campaignflow/internal/campaign"
	"campaignflow/internal/pipeline"
)

const (
	defaultBaseURL   = "https://api.figma.com"
	defaultTimeout   = 10 * time.Second
	defaultCacheSize = 128
	defaultCacheTTL  = time.Hour
	defaultLimit     = 5
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	CacheSize  int
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client searches the design-asset store. It implements campaign.AssetSearcher.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   *expirable.LRU[string, []campaign.Asset]
	logger  *zap.Logger
}

var _ campaign.AssetSearcher = (*Client)(nil)

func New(cfg Config) *Client {
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
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    hc,
		cache:   expirable.NewLRU[string, []campaign.Asset](size, nil, ttl),
		logger:  logger,
	}
}

type searchResponse struct {
	Assets []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"assets"`
}

// SearchAssets returns assets matching q. No match is an empty slice, not an error.
func (c *Client) SearchAssets(ctx context.Context, q campaign.AssetQuery) ([]campaign.Asset, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	params := url.Values{}
	params.Set("q", strings.TrimSpace(q.Query))
	if q.Slot != "" {
		params.Set("slot", q.Slot)
	}
	params.Set("limit", strconv.Itoa(limit))
	key := params.Encode()
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/assets/search?"+key, nil)
	if err != nil {
		return nil, pipeline.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Figma-Token", c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("asset search: %w", err))
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNotFound:
		c.cache.Add(key, []campaign.Asset{})
		return []campaign.Asset{}, nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, pipeline.Transient(fmt.Errorf("asset store status %d", res.StatusCode))
	case res.StatusCode < 200 || res.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, pipeline.Permanent(fmt.Errorf("asset store status %d: %s", res.StatusCode, strings.TrimSpace(string(msg))))
	}
	var decoded searchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, pipeline.Transient(fmt.Errorf("decode asset search: %w", err))
	}
	out := make([]campaign.Asset, 0, len(decoded.Assets))
	for _, a := range decoded.Assets {
		if a.URL == "" {
			continue
		}
		out = append(out, campaign.Asset{ID: a.ID, Name: a.Name, URL: a.URL, Slot: q.Slot, Width: a.Width, Height: a.Height})
		if len(out) == limit {
			break
		}
	}
	c.cache.Add(key, out)
	c.logger.Debug("asset search", zap.String("slot", q.Slot), zap.String("query", q.Query), zap.Int("results", len(out)))
	return out, nil
}
