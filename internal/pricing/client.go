package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"campaignflow/internal/campaign"
	"campaignflow/internal/pipeline"
)

const (
	defaultBaseURL   = "https://api.travelpayouts.com"
	defaultTimeout   = 10 * time.Second
	defaultCacheSize = 256
	defaultCacheTTL  = 15 * time.Minute
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

// Client queries the flight-pricing REST API. It implements campaign.PricingClient.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   *expirable.LRU[string, []campaign.Price]
	logger  *zap.Logger
}

var _ campaign.PricingClient = (*Client)(nil)

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
		cache:   expirable.NewLRU[string, []campaign.Price](size, nil, ttl),
		logger:  logger,
	}
}

type priceEntry struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	DepartDate  string  `json:"depart_date"`
	ReturnDate  string  `json:"return_date"`
	Price       float64 `json:"price"`
	Airline     string  `json:"airline"`
	Transfers   int     `json:"transfers"`
	Link        string  `json:"link"`
}

type pricesResponse struct {
	Success  bool         `json:"success"`
	Currency string       `json:"currency"`
	Data     []priceEntry `json:"data"`
	Error    string       `json:"error"`
}

// GetPrices returns fares for q. An empty result is reported as
// campaign.ErrNoFlights and an unresolvable city as campaign.ErrUnknownRoute;
// 429 and 5xx responses are transient.
func (c *Client) GetPrices(ctx context.Context, q campaign.PriceQuery) ([]campaign.Price, error) {
	origin, ok := NormalizeIATA(q.Origin)
	if !ok {
		return nil, pipeline.Validation(fmt.Errorf("%w: origin %q is not a known city or IATA code", campaign.ErrUnknownRoute, q.Origin))
	}
	dest, ok := NormalizeIATA(q.Destination)
	if !ok {
		return nil, pipeline.Validation(fmt.Errorf("%w: destination %q is not a known city or IATA code", campaign.ErrUnknownRoute, q.Destination))
	}
	params := url.Values{}
	params.Set("origin", origin)
	params.Set("destination", dest)
	if q.DepartMonth != "" {
		params.Set("depart_date", q.DepartMonth)
	}
	if q.Currency != "" {
		params.Set("currency", strings.ToLower(q.Currency))
	}
	if q.DirectOnly {
		params.Set("direct", "true")
	}
	key := params.Encode()
	if cached, ok := c.cache.Get(key); ok {
		if len(cached) == 0 {
			return nil, campaign.ErrNoFlights
		}
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/prices/cheap?"+key, nil)
	if err != nil {
		return nil, pipeline.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-Access-Token", c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("pricing request: %w", err))
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("read pricing response: %w", err))
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		c.cache.Add(key, nil)
		return nil, campaign.ErrNoFlights
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, pipeline.Transient(fmt.Errorf("pricing api status %d", res.StatusCode))
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return nil, pipeline.Permanent(fmt.Errorf("pricing api status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded pricesResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, pipeline.Transient(fmt.Errorf("decode pricing response: %w", err))
	}
	if !decoded.Success && decoded.Error != "" {
		return nil, pipeline.Permanent(fmt.Errorf("pricing api: %s", decoded.Error))
	}
	currency := strings.ToUpper(decoded.Currency)
	if currency == "" {
		currency = strings.ToUpper(q.Currency)
	}
	out := make([]campaign.Price, 0, len(decoded.Data))
	for _, e := range decoded.Data {
		out = append(out, campaign.Price{
			Origin:      e.Origin,
			Destination: e.Destination,
			DepartDate:  e.DepartDate,
			ReturnDate:  e.ReturnDate,
			Amount:      e.Price,
			Currency:    currency,
			Airline:     e.Airline,
			Transfers:   e.Transfers,
			Link:        e.Link,
		})
	}
	c.cache.Add(key, out)
	c.logger.Debug("pricing lookup",
		zap.String("origin", origin),
		zap.String("destination", dest),
		zap.String("month", q.DepartMonth),
		zap.Int("fares", len(out)))
	if len(out) == 0 {
		return nil, campaign.ErrNoFlights
	}
	return out, nil
}
