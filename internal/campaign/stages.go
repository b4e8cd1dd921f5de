package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"campaignflow/internal/config"
	"campaignflow/internal/pipeline"
)

// Stage names.
const (
	StageContent  = "content"
	StagePricing  = "pricing"
	StageDesign   = "design"
	StageQuality  = "quality"
	StageDelivery = "delivery"
)

// Artifact keys.
const (
	KeyContent       = "content"
	KeyPrices        = "prices"
	KeyDesign        = "design"
	KeyFinalContent  = "final_content"
	KeyRendered      = "rendered"
	KeyQualityReport = "quality_report"
	KeyPublication   = "publication"
)

const fanOutLimit = 4

type builder func(d Deps) (pipeline.StageDefinition, error)

var builders = map[string]builder{
	StageContent:  contentStage,
	StagePricing:  pricingStage,
	StageDesign:   designStage,
	StageQuality:  qualityStage,
	StageDelivery: deliveryStage,
}

// Pipeline builds the ordered stage definitions listed in cfg.
func Pipeline(cfg *config.Config, d Deps) ([]pipeline.StageDefinition, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	out := make([]pipeline.StageDefinition, 0, len(cfg.Pipeline.Stages))
	for _, sc := range cfg.Pipeline.Stages {
		build, ok := builders[sc.Name]
		if !ok {
			return nil, fmt.Errorf("unknown stage %s", sc.Name)
		}
		def, err := build(d)
		if err != nil {
			return nil, err
		}
		if sc.Gated != def.Gated {
			if def.Gated {
				return nil, fmt.Errorf("stage %s must be gated", sc.Name)
			}
			return nil, fmt.Errorf("stage %s reports no quality score and cannot be gated", sc.Name)
		}
		def.MaxRetries = sc.MaxRetries
		def.BackoffBase = sc.BackoffBase()
		def.BackoffMax = sc.BackoffMax()
		def.Timeout = sc.Timeout()
		def.Threshold = sc.Threshold
		def.MaxQualityIterations = sc.MaxQualityIterations
		def.HardFloor = sc.HardFloor
		out = append(out, def)
	}
	return out, nil
}

func contentStage(d Deps) (pipeline.StageDefinition, error) {
	if d.Content == nil {
		return pipeline.StageDefinition{}, fmt.Errorf("stage %s requires a content generator", StageContent)
	}
	return pipeline.StageDefinition{
		Name: StageContent,
		Validate: func(wc *pipeline.WorkflowContext) error {
			return ValidateBrief(wc.Brief())
		},
		Execute: func(ctx context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			c, err := d.Content.GenerateContent(ctx, wc.Brief())
			if err != nil {
				return pipeline.StageOutput{}, err
			}
			if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.Body) == "" {
				return pipeline.StageOutput{}, pipeline.Transient(errors.New("generated content has no subject or body"))
			}
			return pipeline.StageOutput{Artifacts: map[string]any{KeyContent: c}}, nil
		},
	}, nil
}

func pricingStage(d Deps) (pipeline.StageDefinition, error) {
	if d.Pricing == nil {
		return pipeline.StageDefinition{}, fmt.Errorf("stage %s requires a pricing client", StagePricing)
	}
	return pipeline.StageDefinition{
		Name: StagePricing,
		Execute: func(ctx context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			b := wc.Brief()
			prices := Prices{
				Origin:       b.Origin,
				Destination:  b.Destination,
				Currency:     b.Filters.Currency,
				Items:        []Price{},
				CheckedAtUTC: d.Now().UTC().Format(time.RFC3339),
			}
			if strings.TrimSpace(b.Origin) == "" {
				prices.Notes = append(prices.Notes, "brief has no origin; fares omitted")
				return pricesOutput(prices), nil
			}

			windows := departWindows(b)
			found := make([][]Price, len(windows))
			empty := make([]bool, len(windows))
			unroutable := make([]error, len(windows))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(fanOutLimit)
			for i, w := range windows {
				g.Go(func() error {
					items, err := d.Pricing.GetPrices(gctx, PriceQuery{
						Origin:      b.Origin,
						Destination: b.Destination,
						DepartMonth: w,
						Currency:    b.Filters.Currency,
						DirectOnly:  b.Filters.DirectOnly,
						MaxPrice:    b.Filters.MaxPrice,
					})
					if errors.Is(err, ErrNoFlights) {
						empty[i] = true
						return nil
					}
					if errors.Is(err, ErrUnknownRoute) {
						unroutable[i] = err
						return nil
					}
					if err != nil {
						return fmt.Errorf("prices %s->%s %s: %w", b.Origin, b.Destination, windowLabel(w), err)
					}
					found[i] = items
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return pipeline.StageOutput{}, err
			}
			for _, err := range unroutable {
				if err != nil {
					prices.Notes = append(prices.Notes, fmt.Sprintf("fares omitted: %v", err))
					return pricesOutput(prices), nil
				}
			}

			for i, w := range windows {
				if empty[i] {
					prices.Unavailable = append(prices.Unavailable, windowLabel(w))
				}
				for _, p := range found[i] {
					if b.Filters.MaxPrice > 0 && p.Amount > b.Filters.MaxPrice {
						continue
					}
					if b.Filters.DirectOnly && p.Transfers > 0 {
						continue
					}
					prices.Items = append(prices.Items, p)
				}
			}
			sort.SliceStable(prices.Items, func(i, j int) bool { return prices.Items[i].Amount < prices.Items[j].Amount })
			if len(prices.Items) > 0 {
				cheapest := prices.Items[0]
				prices.Cheapest = &cheapest
				if prices.Currency == "" {
					prices.Currency = cheapest.Currency
				}
			} else {
				prices.Notes = append(prices.Notes, fmt.Sprintf("no flights available for %s->%s; promote the destination without fares", b.Origin, b.Destination))
			}
			return pricesOutput(prices), nil
		},
	}, nil
}

func pricesOutput(p Prices) pipeline.StageOutput {
	return pipeline.StageOutput{
		Artifacts:       map[string]any{KeyPrices: p},
		Recommendations: p.Notes,
	}
}

func windowLabel(w string) string {
	if w == "" {
		return "any"
	}
	return w
}

type assetSlot struct {
	slot  string
	query string
}

func designSlots(topic, destination string) []assetSlot {
	return []assetSlot{
		{slot: "hero", query: strings.TrimSpace(destination + " hero")},
		{slot: "offer", query: strings.TrimSpace(topic)},
		{slot: "footer", query: "brand footer"},
	}
}

func designStage(d Deps) (pipeline.StageDefinition, error) {
	if d.Assets == nil {
		return pipeline.StageDefinition{}, fmt.Errorf("stage %s requires an asset searcher", StageDesign)
	}
	return pipeline.StageDefinition{
		Name: StageDesign,
		Execute: func(ctx context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			b := wc.Brief()
			design := Design{Assets: map[string]Asset{}}
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(fanOutLimit)
			for _, s := range designSlots(b.Topic, b.Destination) {
				g.Go(func() error {
					found, err := d.Assets.SearchAssets(gctx, AssetQuery{Slot: s.slot, Query: s.query, Limit: 1})
					if err != nil {
						return fmt.Errorf("assets for %s: %w", s.slot, err)
					}
					mu.Lock()
					defer mu.Unlock()
					if len(found) == 0 {
						design.Missing = append(design.Missing, s.slot)
						return nil
					}
					a := found[0]
					a.Slot = s.slot
					design.Assets[s.slot] = a
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return pipeline.StageOutput{}, err
			}
			sort.Strings(design.Missing)
			for _, slot := range design.Missing {
				design.Notes = append(design.Notes, fmt.Sprintf("no asset found for %s slot; template placeholder used", slot))
			}
			return pipeline.StageOutput{
				Artifacts:       map[string]any{KeyDesign: design},
				Recommendations: design.Notes,
			}, nil
		},
	}, nil
}

func qualityStage(d Deps) (pipeline.StageDefinition, error) {
	switch {
	case d.Renderer == nil:
		return pipeline.StageDefinition{}, fmt.Errorf("stage %s requires a renderer", StageQuality)
	case d.Scorer == nil:
		return pipeline.StageDefinition{}, fmt.Errorf("stage %s requires a quality scorer", StageQuality)
	case d.Content == nil:
		return pipeline.StageDefinition{}, fmt.Errorf("stage %s requires a content generator", StageQuality)
	}
	return pipeline.StageDefinition{
		Name:  StageQuality,
		Gated: true,
		Validate: func(wc *pipeline.WorkflowContext) error {
			if _, ok := pipeline.ArtifactAs[Content](wc, KeyContent); !ok {
				return pipeline.Validationf("%s artifact is missing", KeyContent)
			}
			return nil
		},
		Execute: func(ctx context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			b := wc.Brief()
			content, ok := pipeline.ArtifactAs[Content](wc, KeyFinalContent)
			if !ok {
				content, _ = pipeline.ArtifactAs[Content](wc, KeyContent)
			}
			if fb, ok := wc.LatestFeedback(StageQuality); ok {
				revised, err := d.Content.Revise(ctx, b, content, fb)
				if err != nil {
					return pipeline.StageOutput{}, fmt.Errorf("revise content: %w", err)
				}
				content = revised
			}
			prices, _ := pipeline.ArtifactAs[Prices](wc, KeyPrices)
			design, _ := pipeline.ArtifactAs[Design](wc, KeyDesign)
			rendered, err := d.Renderer.Render(ctx, RenderInput{
				WorkflowID: wc.ID(),
				Brief:      b,
				Content:    content,
				Prices:     prices,
				Design:     design,
			})
			if err != nil {
				return pipeline.StageOutput{}, fmt.Errorf("render: %w", err)
			}
			report, err := d.Scorer.ScoreQuality(ctx, ScoreInput{Brief: b, Content: content, HTML: rendered.HTML})
			if err != nil {
				return pipeline.StageOutput{}, fmt.Errorf("score quality: %w", err)
			}
			report.Iteration = len(wc.Feedback(StageQuality)) + 1
			return pipeline.StageOutput{
				Artifacts: map[string]any{
					KeyFinalContent:  content,
					KeyRendered:      rendered,
					KeyQualityReport: report,
				},
				QualityScore:    pipeline.Score(report.Score),
				Issues:          report.Issues,
				Recommendations: report.Recommendations,
			}, nil
		},
	}, nil
}

func deliveryStage(d Deps) (pipeline.StageDefinition, error) {
	if d.Publisher == nil {
		return pipeline.StageDefinition{}, fmt.Errorf("stage %s requires a publisher", StageDelivery)
	}
	return pipeline.StageDefinition{
		Name: StageDelivery,
		Validate: func(wc *pipeline.WorkflowContext) error {
			if _, ok := pipeline.ArtifactAs[QualityReport](wc, KeyQualityReport); !ok {
				return pipeline.Validationf("delivery requires a passed %s stage", StageQuality)
			}
			if _, ok := pipeline.ArtifactAs[Rendered](wc, KeyRendered); !ok {
				return pipeline.Validationf("%s artifact is missing", KeyRendered)
			}
			return nil
		},
		Execute: func(ctx context.Context, wc *pipeline.WorkflowContext) (pipeline.StageOutput, error) {
			rendered, _ := pipeline.ArtifactAs[Rendered](wc, KeyRendered)
			content, _ := pipeline.ArtifactAs[Content](wc, KeyFinalContent)
			design, _ := pipeline.ArtifactAs[Design](wc, KeyDesign)
			pub, err := d.Publisher.Publish(ctx, PublishInput{
				WorkflowID: wc.ID(),
				Content:    content,
				Rendered:   rendered,
				Design:     design,
			})
			if err != nil {
				return pipeline.StageOutput{}, fmt.Errorf("publish: %w", err)
			}
			return pipeline.StageOutput{Artifacts: map[string]any{KeyPublication: pub}}, nil
		},
	}, nil
}
