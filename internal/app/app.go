package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"campaignflow/internal/assets"
	"campaignflow/internal/campaign"
	"campaignflow/internal/config"
	"campaignflow/internal/db"
	"campaignflow/internal/engine"
	"campaignflow/internal/llm"
	"campaignflow/internal/metrics"
	"campaignflow/internal/migrate"
	"campaignflow/internal/pricing"
	"campaignflow/internal/publish"
	"campaignflow/internal/render"
)

// Credentials are secrets for the external collaborators. They never live in
// campaignflow.yml.
type Credentials struct {
	OpenAIKey    string
	PricingToken string
	FigmaToken   string
	MJMLAppID    string
	MJMLSecret   string
}

var ErrMissingLLMKey = errors.New("CAMPAIGNFLOW_OPENAI_API_KEY is not set")

// BuildDeps constructs the production collaborators described by cfg.
func BuildDeps(cfg *config.Config, creds Credentials, workspace string, logger *zap.Logger) (campaign.Deps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(creds.OpenAIKey) == "" {
		return campaign.Deps{}, ErrMissingLLMKey
	}
	model, err := llm.New(llm.Config{
		APIKey:            creds.OpenAIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Logger:            logger.Named("llm"),
	})
	if err != nil {
		return campaign.Deps{}, fmt.Errorf("llm client: %w", err)
	}
	if creds.PricingToken == "" {
		logger.Warn("CAMPAIGNFLOW_PRICING_API_KEY is not set; flight price lookups will likely be rejected")
	}
	mjml := render.NewAPIClient(render.APIConfig{
		BaseURL: cfg.Render.BaseURL,
		AppID:   creds.MJMLAppID,
		Secret:  creds.MJMLSecret,
		Timeout: cfg.Render.Timeout(),
	})
	if mjml == nil {
		logger.Info("MJML credentials not set; using the built-in HTML renderer")
	}
	out := cfg.Publish.OutputDir
	if !filepath.IsAbs(out) {
		out = filepath.Join(workspace, out)
	}
	return campaign.Deps{
		Content: model,
		Pricing: pricing.New(pricing.Config{
			BaseURL:   cfg.Pricing.BaseURL,
			Token:     creds.PricingToken,
			Timeout:   cfg.Pricing.Timeout(),
			CacheSize: cfg.Pricing.CacheSize,
			CacheTTL:  cfg.Pricing.CacheTTL(),
			Logger:    logger.Named("pricing"),
		}),
		Assets: assets.New(assets.Config{
			BaseURL:   cfg.Assets.BaseURL,
			Token:     creds.FigmaToken,
			Timeout:   cfg.Assets.Timeout(),
			CacheSize: cfg.Assets.CacheSize,
			CacheTTL:  cfg.Assets.CacheTTL(),
			Logger:    logger.Named("assets"),
		}),
		Renderer:  render.NewRenderer(mjml, logger.Named("render")),
		Scorer:    model,
		Publisher: publish.New(afero.NewOsFs(), out),
	}, nil
}

type Options struct {
	Workspace   string
	Config      *config.Config
	Credentials Credentials
	Logger      *zap.Logger
	// Deps replaces the production collaborators when set.
	Deps *campaign.Deps
}

// App is an opened workspace: migrated database, configuration and engine.
type App struct {
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Workspace string
}

// Open opens the workspace database, applies migrations and wires the engine.
// Without an explicit config, campaignflow.yml is read when present and the
// built-in defaults are used otherwise.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(workspace); err != nil {
			return nil, err
		}
		if cfg == nil {
			cfg = config.Default()
		}
	}
	var deps campaign.Deps
	if opts.Deps != nil {
		deps = *opts.Deps
	} else {
		var err error
		if deps, err = BuildDeps(cfg, opts.Credentials, workspace, logger); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m := metrics.New()
	eng := engine.New(conn, cfg, deps)
	eng.Logger = logger
	eng.Metrics = m
	return &App{DB: conn, Config: cfg, Engine: eng, Metrics: m, Logger: logger, Workspace: workspace}, nil
}

// OpenStore opens the workspace without building collaborators, for read-only
// commands that never run a pipeline.
func OpenStore(ctx context.Context, workspace string, logger *zap.Logger) (*App, error) {
	return Open(ctx, Options{Workspace: workspace, Logger: logger, Deps: &campaign.Deps{}})
}

func (a *App) Close() error {
	return a.DB.Close()
}
