package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"campaignflow/internal/campaign"
	"campaignflow/internal/config"
	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeContent struct {
	mu       sync.Mutex
	revised  []pipeline.Feedback
	failures int
}

func (f *fakeContent) GenerateContent(_ context.Context, b domain.Brief) (campaign.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return campaign.Content{}, errors.New("502 bad gateway")
	}
	return campaign.Content{
		Subject:  "Fly to " + b.Destination,
		Headline: b.Topic,
		Body:     "Book now.",
		CTA:      "Book",
	}, nil
}

func (f *fakeContent) Revise(_ context.Context, _ domain.Brief, prior campaign.Content, fb pipeline.Feedback) (campaign.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revised = append(f.revised, fb)
	prior.Subject = fmt.Sprintf("%s (rev %d)", prior.Subject, fb.Iteration)
	return prior, nil
}

type fakePricing struct {
	mu      sync.Mutex
	queries []campaign.PriceQuery
}

func (f *fakePricing) GetPrices(_ context.Context, q campaign.PriceQuery) ([]campaign.Price, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if q.Destination == "XXX" {
		return nil, campaign.ErrNoFlights
	}
	if q.Destination == "Batumi" {
		return nil, pipeline.Validation(fmt.Errorf("%w: destination %q is not a known city or IATA code", campaign.ErrUnknownRoute, q.Destination))
	}
	return []campaign.Price{
		{Origin: q.Origin, Destination: q.Destination, DepartDate: q.DepartMonth + "-10", Amount: 240, Currency: "EUR", Transfers: 1},
		{Origin: q.Origin, Destination: q.Destination, DepartDate: q.DepartMonth + "-12", Amount: 180, Currency: "EUR"},
	}, nil
}

type fakeAssets struct{}

func (fakeAssets) SearchAssets(_ context.Context, q campaign.AssetQuery) ([]campaign.Asset, error) {
	if q.Slot == "footer" {
		return nil, nil
	}
	return []campaign.Asset{{ID: q.Slot + "-1", Name: q.Query, URL: "https://cdn.example.com/" + q.Slot + ".png"}}, nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, in campaign.RenderInput) (campaign.Rendered, error) {
	return campaign.Rendered{HTML: "<html>" + in.Content.Subject + "</html>", MJML: "<mjml></mjml>"}, nil
}

type fakeScorer struct {
	mu     sync.Mutex
	scores []float64
	calls  int
}

func (f *fakeScorer) ScoreQuality(context.Context, campaign.ScoreInput) (campaign.QualityReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.scores[len(f.scores)-1]
	if f.calls < len(f.scores) {
		s = f.scores[f.calls]
	}
	f.calls++
	r := campaign.QualityReport{Score: s}
	if s < 70 {
		r.Issues = []string{"subject lacks urgency"}
		r.Recommendations = []string{"mention the fare"}
	}
	return r, nil
}

type fakePublisher struct {
	published []campaign.PublishInput
}

func (f *fakePublisher) Publish(_ context.Context, in campaign.PublishInput) (campaign.Publication, error) {
	f.published = append(f.published, in)
	return campaign.Publication{URL: "file:///out/" + in.WorkflowID + "/index.html"}, nil
}

type fixture struct {
	content   *fakeContent
	pricing   *fakePricing
	scorer    *fakeScorer
	publisher *fakePublisher
	coord     *pipeline.Coordinator
}

func newFixture(t *testing.T, scores ...float64) *fixture {
	t.Helper()
	if len(scores) == 0 {
		scores = []float64{88}
	}
	f := &fixture{
		content:   &fakeContent{},
		pricing:   &fakePricing{},
		scorer:    &fakeScorer{scores: scores},
		publisher: &fakePublisher{},
	}
	stages, err := campaign.Pipeline(config.Default(), campaign.Deps{
		Content:   f.content,
		Pricing:   f.pricing,
		Assets:    fakeAssets{},
		Renderer:  fakeRenderer{},
		Scorer:    f.scorer,
		Publisher: f.publisher,
		Now:       func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	f.coord, err = pipeline.NewCoordinator(stages,
		pipeline.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)
	return f
}

func lisbonBrief() domain.Brief {
	return domain.Brief{
		Topic:       "Spring fares to Lisbon",
		Destination: "LIS",
		Origin:      "MOW",
		DepartFrom:  "2024-04-01",
		DepartTo:    "2024-05-15",
		Filters:     domain.BriefFilters{Currency: "EUR"},
	}
}

func stageRecords(trace []domain.StageExecutionRecord, stage string) []domain.StageExecutionRecord {
	var out []domain.StageExecutionRecord
	for _, r := range trace {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

func TestCampaignPipelineSucceeds(t *testing.T) {
	f := newFixture(t)
	r := f.coord.Run(context.Background(), lisbonBrief())

	require.Equal(t, domain.StatusSucceeded, r.Status, "error: %v", r.Error)
	assert.Equal(t, []string{"content", "pricing", "design", "quality", "delivery"}, r.Summary.StagesRun)
	assert.Len(t, r.Trace, 5)

	prices, ok := r.Artifacts[campaign.KeyPrices].(campaign.Prices)
	require.True(t, ok)
	require.Len(t, prices.Items, 4)
	require.NotNil(t, prices.Cheapest)
	assert.Equal(t, 180.0, prices.Cheapest.Amount)
	assert.Len(t, f.pricing.queries, 2)

	design := r.Artifacts[campaign.KeyDesign].(campaign.Design)
	assert.Contains(t, design.Assets, "hero")
	assert.Equal(t, []string{"footer"}, design.Missing)

	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, r.WorkflowID, f.publisher.published[0].WorkflowID)
	assert.Contains(t, r.Artifacts, campaign.KeyPublication)
}

func TestNoFlightsIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	b := lisbonBrief()
	b.Destination = "XXX"
	r := f.coord.Run(context.Background(), b)

	require.Equal(t, domain.StatusSucceeded, r.Status)
	recs := stageRecords(r.Trace, campaign.StagePricing)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, 0, recs[0].Retry)

	prices := r.Artifacts[campaign.KeyPrices].(campaign.Prices)
	assert.NotNil(t, prices.Items)
	assert.Empty(t, prices.Items)
	assert.Nil(t, prices.Cheapest)
	assert.NotEmpty(t, prices.Notes)
	assert.Equal(t, []string{"2024-04", "2024-05"}, prices.Unavailable)
	assert.Equal(t, "design", r.Trace[2].Stage)
}

func TestUnroutableDestinationOmitsFares(t *testing.T) {
	f := newFixture(t)
	b := lisbonBrief()
	b.Destination = "Batumi"
	r := f.coord.Run(context.Background(), b)

	require.Equal(t, domain.StatusSucceeded, r.Status)
	recs := stageRecords(r.Trace, campaign.StagePricing)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)

	prices := r.Artifacts[campaign.KeyPrices].(campaign.Prices)
	assert.Empty(t, prices.Items)
	assert.Nil(t, prices.Cheapest)
	require.Len(t, prices.Notes, 1)
	assert.Contains(t, prices.Notes[0], "Batumi")
	assert.Contains(t, r.Artifacts, campaign.KeyPublication)
}

func TestMalformedBriefFailsImmediately(t *testing.T) {
	f := newFixture(t)
	b := lisbonBrief()
	b.Topic = ""
	r := f.coord.Run(context.Background(), b)

	require.Equal(t, domain.StatusFailed, r.Status)
	require.Len(t, r.Trace, 1)
	assert.Equal(t, 0, r.Summary.TotalRetries)
	require.NotNil(t, r.Error)
	assert.Equal(t, pipeline.KindValidation, r.Error.Kind)
	assert.Contains(t, r.Error.Message, "topic")
	assert.Empty(t, f.publisher.published)
}

func TestQualityRetryRevisesContent(t *testing.T) {
	f := newFixture(t, 55, 91)
	r := f.coord.Run(context.Background(), lisbonBrief())

	require.Equal(t, domain.StatusSucceeded, r.Status)
	require.Len(t, f.content.revised, 1)
	assert.Equal(t, 1, f.content.revised[0].Iteration)
	assert.Equal(t, []string{"subject lacks urgency"}, f.content.revised[0].Issues)

	final := r.Artifacts[campaign.KeyFinalContent].(campaign.Content)
	assert.True(t, strings.HasSuffix(final.Subject, "(rev 1)"))
	original := r.Artifacts[campaign.KeyContent].(campaign.Content)
	assert.Equal(t, "Fly to LIS", original.Subject)
	report := r.Artifacts[campaign.KeyQualityReport].(campaign.QualityReport)
	assert.Equal(t, 2, report.Iteration)
	assert.Equal(t, 1, r.Summary.IssuesResolved)
}

func TestQualityEscalationBlocksDelivery(t *testing.T) {
	f := newFixture(t, 40)
	r := f.coord.Run(context.Background(), lisbonBrief())

	require.Equal(t, domain.StatusFailed, r.Status)
	assert.Len(t, stageRecords(r.Trace, campaign.StageQuality), 3)
	assert.Empty(t, stageRecords(r.Trace, campaign.StageDelivery))
	assert.Empty(t, f.publisher.published)
	assert.Equal(t, pipeline.KindQuality, r.Error.Kind)
}

func TestContentTransientFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.content.failures = 2
	r := f.coord.Run(context.Background(), lisbonBrief())

	require.Equal(t, domain.StatusSucceeded, r.Status)
	recs := stageRecords(r.Trace, campaign.StageContent)
	require.Len(t, recs, 3)
	assert.True(t, recs[2].Success)
}

func TestPipelineRejectsMisconfiguredStages(t *testing.T) {
	deps := campaign.Deps{
		Content: &fakeContent{}, Pricing: &fakePricing{}, Assets: fakeAssets{},
		Renderer: fakeRenderer{}, Scorer: &fakeScorer{scores: []float64{90}}, Publisher: &fakePublisher{},
	}
	cfg := config.Default()
	cfg.Pipeline.Stages[3].Gated = false
	_, err := campaign.Pipeline(cfg, deps)
	assert.ErrorContains(t, err, "must be gated")

	cfg = config.Default()
	cfg.Pipeline.Stages = append(cfg.Pipeline.Stages, config.StageConfig{Name: "sms"})
	_, err = campaign.Pipeline(cfg, deps)
	assert.ErrorContains(t, err, "unknown stage")

	deps.Publisher = nil
	_, err = campaign.Pipeline(config.Default(), deps)
	assert.ErrorContains(t, err, "publisher")
}

func TestValidateBrief(t *testing.T) {
	ok := lisbonBrief()
	assert.NoError(t, campaign.ValidateBrief(ok))

	bad := ok
	bad.DepartTo = "2024-03-01"
	assert.ErrorContains(t, campaign.ValidateBrief(bad), "depart_to")

	bad = ok
	bad.Filters.Currency = "euro"
	err := campaign.ValidateBrief(bad)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindValidation, pipeline.Classify(err))
	assert.Contains(t, err.Error(), "currency")

	bad = ok
	bad.Destination = ""
	assert.ErrorContains(t, campaign.ValidateBrief(bad), "destination")
}
