package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"campaignflow/internal/campaign"
	"campaignflow/internal/pipeline"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const maxFares = 5

var funcs = map[string]any{
	"esc":   html.EscapeString,
	"money": money,
}

var (
	mjmlTemplate = template.Must(template.New("email.mjml.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/email.mjml.tmpl"))
	htmlTemplate = htmltemplate.Must(htmltemplate.New("email.html.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/email.html.tmpl"))
)

func money(amount float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.0f", amount)
	}
	return fmt.Sprintf("%.0f %s", amount, currency)
}

// view is the data handed to both templates.
type view struct {
	Lang       string
	Content    campaign.Content
	Paragraphs []string
	Fares      []campaign.Price
	CTAURL     string
	Hero       *campaign.Asset
	Offer      *campaign.Asset
	Footer     *campaign.Asset
}

func newView(in campaign.RenderInput) view {
	v := view{
		Lang:    in.Content.Language,
		Content: in.Content,
		CTAURL:  "#",
	}
	if v.Lang == "" {
		v.Lang = "en"
	}
	for _, p := range strings.Split(in.Content.Body, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			v.Paragraphs = append(v.Paragraphs, p)
		}
	}
	v.Fares = in.Prices.Items
	if len(v.Fares) > maxFares {
		v.Fares = v.Fares[:maxFares]
	}
	if in.Prices.Cheapest != nil && in.Prices.Cheapest.Link != "" {
		v.CTAURL = in.Prices.Cheapest.Link
	}
	slot := func(name string) *campaign.Asset {
		if a, ok := in.Design.Assets[name]; ok {
			return &a
		}
		return nil
	}
	v.Hero, v.Offer, v.Footer = slot("hero"), slot("offer"), slot("footer")
	return v
}

// BuildMJML renders the MJML source for in.
func BuildMJML(in campaign.RenderInput) (string, error) {
	var buf bytes.Buffer
	if err := mjmlTemplate.Execute(&buf, newView(in)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildHTML renders a self-contained HTML email without the MJML service.
func BuildHTML(in campaign.RenderInput) (string, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, newView(in)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Renderer implements campaign.Renderer. With an API client the MJML source is
// compiled remotely; otherwise the built-in HTML template is used.
type Renderer struct {
	api    *APIClient
	logger *zap.Logger
}

var _ campaign.Renderer = (*Renderer)(nil)

func NewRenderer(api *APIClient, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{api: api, logger: logger}
}

func (r *Renderer) Render(ctx context.Context, in campaign.RenderInput) (campaign.Rendered, error) {
	if strings.TrimSpace(in.Content.Subject) == "" {
		return campaign.Rendered{}, pipeline.Validationf("render: content has no subject")
	}
	src, err := BuildMJML(in)
	if err != nil {
		return campaign.Rendered{}, pipeline.Permanent(fmt.Errorf("build mjml: %w", err))
	}
	if r.api == nil {
		out, err := BuildHTML(in)
		if err != nil {
			return campaign.Rendered{}, pipeline.Permanent(fmt.Errorf("build html: %w", err))
		}
		return campaign.Rendered{HTML: out, MJML: src}, nil
	}
	out, err := r.api.Render(ctx, src)
	if err != nil {
		return campaign.Rendered{}, err
	}
	r.logger.Debug("mjml rendered", zap.String("workflow_id", in.WorkflowID), zap.Int("bytes", len(out)))
	return campaign.Rendered{HTML: out, MJML: src}, nil
}
