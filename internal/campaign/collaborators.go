package campaign

import (
	"context"
	"errors"
	"time"

	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

// ErrNoFlights reports that the pricing API has no fares for a route. It is an
// expected empty result, not a failure.
var ErrNoFlights = errors.New("no flights available")

// ErrUnknownRoute reports that the origin or destination cannot be resolved to
// an airport code. The pricing stage omits fares instead of failing.
var ErrUnknownRoute = errors.New("route cannot be priced")

// Content is the email copy produced by the content stage.
type Content struct {
	Subject   string `json:"subject"`
	Preheader string `json:"preheader"`
	Headline  string `json:"headline"`
	Body      string `json:"body"`
	CTA       string `json:"cta"`
	Language  string `json:"language,omitempty"`
}

type ContentGenerator interface {
	GenerateContent(ctx context.Context, brief domain.Brief) (Content, error)
	// Revise rewrites prior so that it addresses the quality feedback.
	Revise(ctx context.Context, brief domain.Brief, prior Content, fb pipeline.Feedback) (Content, error)
}

type PriceQuery struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	DepartMonth string  `json:"depart_month,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	DirectOnly  bool    `json:"direct_only,omitempty"`
	MaxPrice    float64 `json:"max_price,omitempty"`
}

type Price struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	DepartDate  string  `json:"depart_date"`
	ReturnDate  string  `json:"return_date,omitempty"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Airline     string  `json:"airline,omitempty"`
	Transfers   int     `json:"transfers"`
	Link        string  `json:"link,omitempty"`
}

// Prices is the artifact of the pricing stage. Items is empty, never nil, when
// no fares were found.
type Prices struct {
	Origin       string   `json:"origin"`
	Destination  string   `json:"destination"`
	Currency     string   `json:"currency,omitempty"`
	Items        []Price  `json:"prices"`
	Cheapest     *Price   `json:"cheapest,omitempty"`
	Unavailable  []string `json:"unavailable_windows,omitempty"`
	Notes        []string `json:"notes,omitempty"`
	CheckedAtUTC string   `json:"checked_at"`
}

type PricingClient interface {
	GetPrices(ctx context.Context, q PriceQuery) ([]Price, error)
}

type AssetQuery struct {
	Slot  string `json:"slot"`
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type Asset struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Slot   string `json:"slot,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Design is the artifact of the design stage: one asset per filled slot.
type Design struct {
	Assets  map[string]Asset `json:"assets"`
	Missing []string         `json:"missing,omitempty"`
	Notes   []string         `json:"notes,omitempty"`
}

type AssetSearcher interface {
	SearchAssets(ctx context.Context, q AssetQuery) ([]Asset, error)
}

type RenderInput struct {
	WorkflowID string       `json:"workflow_id"`
	Brief      domain.Brief `json:"brief"`
	Content    Content      `json:"content"`
	Prices     Prices       `json:"prices"`
	Design     Design       `json:"design"`
}

type Rendered struct {
	HTML string `json:"html"`
	MJML string `json:"mjml"`
}

type Renderer interface {
	Render(ctx context.Context, in RenderInput) (Rendered, error)
}

type ScoreInput struct {
	Brief   domain.Brief `json:"brief"`
	Content Content      `json:"content"`
	HTML    string       `json:"html"`
}

// QualityReport is the scorer's verdict on a rendered email.
type QualityReport struct {
	Score           float64            `json:"score"`
	Dimensions      map[string]float64 `json:"dimensions,omitempty"`
	Issues          []string           `json:"issues,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Iteration       int                `json:"iteration"`
}

type QualityScorer interface {
	ScoreQuality(ctx context.Context, in ScoreInput) (QualityReport, error)
}

type PublishInput struct {
	WorkflowID string   `json:"workflow_id"`
	Content    Content  `json:"content"`
	Rendered   Rendered `json:"rendered"`
	Design     Design   `json:"design"`
}

type Publication struct {
	URL         string    `json:"url"`
	Files       []string  `json:"files"`
	PublishedAt time.Time `json:"published_at"`
}

type Publisher interface {
	Publish(ctx context.Context, in PublishInput) (Publication, error)
}

// Deps bundles the collaborators the specialist stages call.
type Deps struct {
	Content   ContentGenerator
	Pricing   PricingClient
	Assets    AssetSearcher
	Renderer  Renderer
	Scorer    QualityScorer
	Publisher Publisher
	Now       func() time.Time
}
