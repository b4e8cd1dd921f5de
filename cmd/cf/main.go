package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"campaignflow/internal/app"
	"campaignflow/internal/campaign"
	"campaignflow/internal/config"
	"campaignflow/internal/db"
	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
	"campaignflow/internal/repo"
	"campaignflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Campaignflow CLI",
	Long: `Campaignflow turns a campaign brief into a published travel email.
A run hands the brief through five stages: content, pricing, design, quality
and delivery. Transient failures are retried with backoff, the quality stage
scores the draft and sends it back to content until it clears the threshold,
and every attempt is recorded in the workspace database.
- Workspace: a directory holding campaignflow.yml and .campaignflow/ (the database).
- Workflow: one run of the pipeline for one brief; inspect it with 'cf workflow'.
- Event log: diary of changes, view with 'cf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

// exitError carries a message that has already been reported to the user.
type exitError struct{ msg string }

func (e exitError) Error() string { return e.msg }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAMPAIGNFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create campaignflow.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(map[string]string{"config": path, "database": db.Path(workspace)})
				}
				fmt.Printf("Wrote %s\nDatabase at %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd() *cobra.Command {
	var briefPath, outDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a campaign pipeline for a brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			if briefPath == "" {
				return fmt.Errorf("--brief required")
			}
			brief, err := readBrief(briefPath)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			if outDir != "" {
				cfg.Publish.OutputDir = outDir
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			a, err := app.Open(cmd.Context(), app.Options{
				Workspace:   workspace,
				Config:      cfg,
				Credentials: credentials(),
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.Engine.RunCampaign(cmd.Context(), brief, viper.GetString("actor-id"))
			if report.WorkflowID == "" && err != nil {
				return err
			}
			if perr := printReport(report); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if !report.Succeeded() {
				return exitError{msg: fmt.Sprintf("workflow %s %s", report.WorkflowID, report.Status)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&briefPath, "brief", "", "brief file (JSON or YAML)")
	cmd.Flags().StringVar(&outDir, "out", "", "publish directory (overrides publish.output_dir)")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowTraceCmd())
	wf.AddCommand(workflowArtifactsCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListWorkflows(ctx, repo.WorkflowFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Topic", "Destination", "Score", "Started"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Status, w.Brief.Topic, w.Brief.Destination, formatScore(w.QualityScore), w.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max workflows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
}

func workflowTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <id>",
		Short: "Show stage attempts in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				trace, err := a.Engine.Trace(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trace)
				}
				printTrace(trace)
				return nil
			})
		},
	}
}

func workflowArtifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <id>",
		Short: "Show the artifacts a workflow produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Artifacts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Key", "Stage", "Attempt", "Updated", "Bytes"})
				for _, art := range items {
					tw.AppendRow(table.Row{art.Key, art.Stage, art.Attempt, art.UpdatedAt, len(art.ValueJSON)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, workflowID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, repo.EventFilters{Limit: n, Type: evtType, WorkflowID: workflowID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Workflow", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.WorkflowID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", file)
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "config path (default: workspace campaignflow.yml)")
	cfgCmd.AddCommand(validate)
	return cfgCmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				key, secret, err := a.Engine.CreateAPIKey(ctx, actor, name, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s created for %s\n%s\nStore it now; it is not shown again.\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id"), viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("API key %s deleted\n", args[0])
				return nil
			})
		},
	})
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt_secret"),
				AllowLegacyActorHeader: allowLegacy,
				AllowDevLogin:          devLogin,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("CAMPAIGNFLOW_JWT_SECRET is required for bearer auth")
			}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs CAMPAIGNFLOW_JWT_SECRET to sign tokens")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace:   viper.GetString("workspace"),
				Credentials: credentials(),
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			if n, err := a.Engine.RecoverInterrupted(ctx); err != nil {
				return err
			} else if n > 0 {
				logger.Warn("marked interrupted workflows as failed", zap.Int64("count", n))
			}

			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			if d := server.NewWebhookDispatcher(a.Engine, logger.Named("webhooks")); d != nil {
				go d.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Campaignflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			a.Engine.CancelAll()
			waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return a.Engine.Wait(waitCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor", false, "accept the X-Actor-Id header without authentication")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated dev login endpoint")
	return cmd
}

// --- helpers ---

func credentials() app.Credentials {
	return app.Credentials{
		OpenAIKey:    viper.GetString("openai_api_key"),
		PricingToken: viper.GetString("pricing_api_key"),
		FigmaToken:   viper.GetString("figma_token"),
		MJMLAppID:    viper.GetString("mjml_app_id"),
		MJMLSecret:   viper.GetString("mjml_secret"),
	}
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// withStore opens the workspace for commands that never run a pipeline.
func withStore(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.OpenStore(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// readBrief loads a brief from a JSON or YAML file. Keys follow the JSON field
// names in both formats.
func readBrief(path string) (domain.Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Brief{}, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.Brief{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if raw == nil {
		return domain.Brief{}, fmt.Errorf("%s is empty", path)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return domain.Brief{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	var brief domain.Brief
	if err := json.Unmarshal(b, &brief); err != nil {
		return domain.Brief{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return brief, nil
}

func printReport(r pipeline.Report) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("Workflow %s: %s\n", r.WorkflowID, r.Status)
	printTrace(r.Trace)
	s := r.Summary
	fmt.Printf("Attempts %d, retries %d, quality %s, %dms\n", s.TotalAttempts, s.TotalRetries, formatScore(s.QualityScore), s.DurationMS)
	if r.Error != nil {
		fmt.Printf("Failed at %s (%s): %s\n", r.Error.Stage, r.Error.Kind, r.Error.Message)
	}
	if pub, ok := r.Artifacts[campaign.KeyPublication].(campaign.Publication); ok && pub.URL != "" {
		fmt.Println("Published:", pub.URL)
	}
	return nil
}

func printTrace(trace []domain.StageExecutionRecord) {
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Stage", "Iter", "Retry", "Result", "Score", "Gate", "Duration"})
	for _, rec := range trace {
		result := "ok"
		switch {
		case rec.Cancelled:
			result = "cancelled"
		case !rec.Success:
			result = rec.ErrorKind
		}
		gate := ""
		if rec.Gate != nil {
			switch {
			case rec.Gate.Passed:
				gate = "passed"
			case rec.Gate.Escalate:
				gate = "escalated"
			case rec.Gate.Retry:
				gate = "revise"
			}
		}
		tw.AppendRow(table.Row{rec.Sequence, rec.Stage, rec.QualityIteration, rec.Retry, result, formatScore(rec.QualityScore), gate, rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond)})
	}
	tw.Render()
}

func formatScore(s *float64) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f", *s)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
