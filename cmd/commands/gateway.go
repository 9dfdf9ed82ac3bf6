package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/zerg-ai/zerg/internal/agentrun"
	"github.com/zerg-ai/zerg/internal/config"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/gateway"
	"github.com/zerg-ai/zerg/internal/llm"
	"github.com/zerg-ai/zerg/internal/pricing"
	"github.com/zerg-ai/zerg/internal/scheduler"
	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/tools"
	"github.com/zerg-ai/zerg/internal/triggers"
	"github.com/zerg-ai/zerg/internal/workflow"
)

// supportedConnectors are the connector types surfaced to agents in
// context injection.
var supportedConnectors = []string{"email", "github", "slack", "notify"}

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the Zerg gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runGateway,
	}
}

func runGateway(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()

	cfg := config.Load()
	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Port = cmd.Int("port")
	}
	if cfg.JWTSecret == "" && !cfg.AuthDisabled {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	box, err := secrets.NewBox(cfg.FernetSecret)
	if err != nil {
		return fmt.Errorf("credential box: %w", err)
	}

	bus := events.NewBus(1024)
	defer bus.Close()

	catalog, err := pricing.Load(cfg.PricingCatalogPath)
	if err != nil {
		logger.Warn("pricing catalog unavailable, costs stay null", "error", err)
	}

	builder := tools.NewBuilder()
	builder.Register("http_get", tools.NewHTTPGetTool())
	builder.Register("notify", tools.NewNotifyTool(bus))
	builder.Register("current_time", tools.NewCurrentTimeTool(nil))
	if search, err := tools.NewSearchTool(ctx); err != nil {
		logger.Warn("web search tool unavailable", "error", err)
	} else {
		builder.Register("search_web", search)
	}
	tools.DiscoverMCP(ctx, builder, cfg.MCPServers, logger)
	registry := builder.Build()
	logger.Info("tools loaded", "count", len(registry.Names()))

	runner := agentrun.New(agentrun.Options{
		Store:     st,
		Bus:       bus,
		Registry:  registry,
		Factory:   llm.NewFactory(&cfg),
		Catalog:   catalog,
		Box:       box,
		Stream:    cfg.LLMTokenStream,
		Supported: supportedConnectors,
		Logger:    logger,
	})

	engine := workflow.NewEngine(st, bus, registry, runner, nil, logger)
	quotas := scheduler.NewQuotas(st, &cfg, nil, logger)
	tasks := scheduler.NewTaskRunner(st, runner, scheduler.NewRunLock(), quotas, logger)

	sched := scheduler.New(st, bus, tasks, nil, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	gmailAPI := triggers.NewGmailClient(cfg.GoogleClientID, cfg.GoogleClientSecret)
	gmail := triggers.NewGmailIngress(st, bus, box, gmailAPI, logger)
	if cfg.PubSubTopic != "" {
		renewer := triggers.NewWatchRenewer(st, box, gmailAPI, cfg.PubSubTopic, nil, logger)
		go renewer.Run(ctx)
	}

	server := gateway.NewServer(gateway.Options{
		Config:  &cfg,
		Store:   st,
		Bus:     bus,
		Box:     box,
		Tasks:   tasks,
		Quotas:  quotas,
		Sched:   sched,
		Engine:  engine,
		Webhook: triggers.NewWebhook(st, bus, nil, logger),
		Gmail:   gmail,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
