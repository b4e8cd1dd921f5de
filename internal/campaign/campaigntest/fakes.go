// Package campaigntest provides in-memory collaborators for exercising the
// campaign pipeline without network access.
package campaigntest

import (
	"context"
	"errors"
	"sync"
	"time"

	"campaignflow/internal/campaign"
	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

// Content returns canned copy. Block, when set, holds every call until it is
// closed or the context ends.
type Content struct {
	Block chan struct{}

	mu        sync.Mutex
	generated int
	revised   int
}

func (c *Content) wait(ctx context.Context) error {
	if c.Block == nil {
		return nil
	}
	select {
	case <-c.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Content) GenerateContent(ctx context.Context, b domain.Brief) (campaign.Content, error) {
	if err := c.wait(ctx); err != nil {
		return campaign.Content{}, err
	}
	c.mu.Lock()
	c.generated++
	c.mu.Unlock()
	return campaign.Content{
		Subject:  "Fly to " + b.Destination,
		Headline: b.Topic,
		Body:     "Fares are low this season.\nBook now.",
		CTA:      "Book",
		Language: "en",
	}, nil
}

func (c *Content) Revise(ctx context.Context, _ domain.Brief, prior campaign.Content, _ pipeline.Feedback) (campaign.Content, error) {
	if err := c.wait(ctx); err != nil {
		return campaign.Content{}, err
	}
	c.mu.Lock()
	c.revised++
	c.mu.Unlock()
	prior.Subject += " (revised)"
	return prior, nil
}

func (c *Content) Revisions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revised
}

// NoFlightsDestination makes Pricing report no flights.
const NoFlightsDestination = "XXX"

type Pricing struct{}

func (Pricing) GetPrices(_ context.Context, q campaign.PriceQuery) ([]campaign.Price, error) {
	if q.Destination == NoFlightsDestination {
		return nil, campaign.ErrNoFlights
	}
	month := q.DepartMonth
	if month == "" {
		month = "2024-04"
	}
	return []campaign.Price{
		{Origin: q.Origin, Destination: q.Destination, DepartDate: month + "-10", Amount: 199, Currency: "EUR", Link: "https://fly.example.com/a"},
		{Origin: q.Origin, Destination: q.Destination, DepartDate: month + "-18", Amount: 259, Currency: "EUR", Transfers: 1},
	}, nil
}

type Assets struct{}

func (Assets) SearchAssets(_ context.Context, q campaign.AssetQuery) ([]campaign.Asset, error) {
	return []campaign.Asset{{ID: q.Slot, Name: q.Query, URL: "https://cdn.example.com/" + q.Slot + ".png", Slot: q.Slot}}, nil
}

type Renderer struct{}

func (Renderer) Render(_ context.Context, in campaign.RenderInput) (campaign.Rendered, error) {
	return campaign.Rendered{HTML: "<html><body>" + in.Content.Subject + "</body></html>", MJML: "<mjml></mjml>"}, nil
}

// Scorer returns Scores in order and repeats the last one. Zero scores default to 90.
type Scorer struct {
	Scores []float64

	mu    sync.Mutex
	calls int
}

func (s *Scorer) ScoreQuality(context.Context, campaign.ScoreInput) (campaign.QualityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score := 90.0
	if n := len(s.Scores); n > 0 {
		score = s.Scores[min(s.calls, n-1)]
	}
	s.calls++
	r := campaign.QualityReport{Score: score, Dimensions: map[string]float64{"clarity": score}}
	if score < 70 {
		r.Issues = []string{"subject is generic"}
		r.Recommendations = []string{"mention the cheapest fare"}
	}
	return r, nil
}

type Publisher struct {
	mu   sync.Mutex
	runs []string
}

func (p *Publisher) Publish(_ context.Context, in campaign.PublishInput) (campaign.Publication, error) {
	if in.Rendered.HTML == "" {
		return campaign.Publication{}, pipeline.Validation(errors.New("empty html"))
	}
	p.mu.Lock()
	p.runs = append(p.runs, in.WorkflowID)
	p.mu.Unlock()
	return campaign.Publication{
		URL:         "file:///out/" + in.WorkflowID + "/index.html",
		Files:       []string{"/out/" + in.WorkflowID + "/index.html"},
		PublishedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (p *Publisher) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.runs...)
}

// Deps wires the fakes into campaign.Deps. scores drives the quality stage.
func Deps(scores ...float64) (campaign.Deps, *Content, *Publisher) {
	content := &Content{}
	pub := &Publisher{}
	return campaign.Deps{
		Content:   content,
		Pricing:   Pricing{},
		Assets:    Assets{},
		Renderer:  Renderer{},
		Scorer:    &Scorer{Scores: scores},
		Publisher: pub,
		Now:       func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) },
	}, content, pub
}

// Brief returns a valid brief for the fakes.
func Brief() domain.Brief {
	return domain.Brief{
		Topic:       "Spring fares to Lisbon",
		Destination: "LIS",
		Origin:      "MOW",
		DepartFrom:  "2024-04-01",
		DepartTo:    "2024-04-30",
	}
}
