package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfhttp "github.com/NowSquare/Agent-AI-sub001/internal/adapter/http"
	"github.com/NowSquare/Agent-AI-sub001/internal/adapter/litellm"
	cfmcp "github.com/NowSquare/Agent-AI-sub001/internal/adapter/mcp"
	cfnats "github.com/NowSquare/Agent-AI-sub001/internal/adapter/nats"
	"github.com/NowSquare/Agent-AI-sub001/internal/adapter/natskv"
	cfotel "github.com/NowSquare/Agent-AI-sub001/internal/adapter/otel"
	"github.com/NowSquare/Agent-AI-sub001/internal/adapter/postgres"
	"github.com/NowSquare/Agent-AI-sub001/internal/adapter/ristretto"
	"github.com/NowSquare/Agent-AI-sub001/internal/adapter/tiered"
	"github.com/NowSquare/Agent-AI-sub001/internal/adapter/ws"
	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/logger"
	"github.com/NowSquare/Agent-AI-sub001/internal/middleware"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/notifier"
	"github.com/NowSquare/Agent-AI-sub001/internal/resilience"
	"github.com/NowSquare/Agent-AI-sub001/internal/secrets"
	"github.com/NowSquare/Agent-AI-sub001/internal/service"
	"github.com/NowSquare/Agent-AI-sub001/internal/workpool"
)

const (
	serviceVersion   = "0.1.0"
	webhookSecretEnv = "AGENTAI_WEBHOOK_INBOUND_SECRET"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"mcp_enabled", cfg.MCP.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	otelShutdown, err := cfotel.Setup(ctx, cfg.OTel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := cfnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// Inbound dedupe and idempotency replays share one tiered cache.
	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, max(cfg.Cache.DedupeTTL, cfg.Idempotency.TTL))
	if err != nil {
		return fmt.Errorf("cache bucket: %w", err)
	}
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()
	appCache := tiered.New(l1, natskv.New(kv), cfg.Cache.L1TTL)

	vault, err := secrets.NewVault(secrets.WithDefaults(
		secrets.EnvLoader(webhookSecretEnv),
		map[string]string{webhookSecretEnv: cfg.Webhook.InboundSecret},
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	vault.ReloadOn(ctx, syscall.SIGHUP)

	// --- Capabilities ---

	llmClient := litellm.NewClient(cfg.LiteLLM)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout).
		WithIgnore(litellm.IsHealthNeutral).
		OnStateChange(func(from, to string) {
			slog.Warn("litellm circuit breaker", "from", from, "to", to)
		}))
	provider := litellm.NewCapabilityProvider(llmClient, cfg.LiteLLM)

	// --- Services ---

	hub := ws.NewHub(cfg.Server.CORSOrigin)
	store := postgres.NewStore(pool)

	signer, err := service.NewLinkSigner(cfg.Links)
	if err != nil {
		return fmt.Errorf("links: %w", err)
	}
	notifySvc := service.NewNotificationService(buildNotifiers(cfg.SMTP), nil)
	actionSvc := service.NewActionService(store, signer, service.NewQueueDispatcher(queue), notifySvc,
		queue, hub, metrics, cfg.Routing, cfg.Actions)
	delibSvc := service.NewDeliberationService(provider, store, hub,
		workpool.NewPool(cfg.Deliberation.MaxParallel), metrics, cfg.Deliberation)
	memorySvc := service.NewMemoryService(store, queue, metrics, cfg.Memory)
	inboundSvc := service.NewInboundService(delibSvc, actionSvc, memorySvc, notifySvc, appCache, cfg.Cache.DedupeTTL)
	auditSvc := service.NewAuditService(store)

	cancelInbound, err := inboundSvc.StartSubscriber(ctx, queue)
	if err != nil {
		return fmt.Errorf("inbound subscriber: %w", err)
	}
	defer cancelInbound()

	cancelResults, err := actionSvc.StartResultSubscriber(ctx, queue)
	if err != nil {
		return fmt.Errorf("result subscriber: %w", err)
	}
	defer cancelResults()

	if cfg.Actions.SweepInterval > 0 {
		actionSvc.StartSweeper(ctx, cfg.Actions.SweepInterval)
	}

	// --- MCP ---

	var mcpSrv *cfmcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = cfmcp.NewServer(cfmcp.ServerConfig{
			Addr:    ":" + cfg.MCP.Port,
			Name:    cfg.Logging.Service,
			Version: serviceVersion,
			APIKey:  cfg.MCP.APIKey,
		}, cfmcp.ServerDeps{Steps: auditSvc, Actions: actionSvc})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	// --- HTTP ---

	linkLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	go linkLimiter.RunCleanup(ctx, cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)

	handlers := &cfhttp.Handlers{
		Inbound:  inboundSvc,
		Actions:  actionSvc,
		Audit:    auditSvc,
		Memories: memorySvc,
		Queue:    queue,
	}

	r := chi.NewRouter()
	r.Use(cfotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))

	r.Get("/health", cfhttp.Health(healthChecks(pool.Ping, queue, llmClient)...))
	r.Get("/ws", hub.HandleWS)

	cfhttp.MountRoutes(r, handlers, cfhttp.RouteConfig{
		WebhookSecret:    vault.Lookup(webhookSecretEnv),
		WebhookTolerance: cfg.Webhook.Tolerance,
		IdempotencyStore: appCache,
		IdempotencyTTL:   cfg.Idempotency.TTL,
		LinkLimiter:      linkLimiter,
		APIKey:           cfg.Server.APIKey,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous inbound requests wait for the full deliberation.
		WriteTimeout: cfg.Deliberation.Deadline + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			slog.Warn("mcp shutdown", "error", err)
		}
	}
	if err := queue.Drain(); err != nil {
		slog.Warn("nats drain", "error", err)
	}
	return nil
}

// buildNotifiers returns the email notifier when SMTP is configured.
func buildNotifiers(cfg config.SMTP) []notifier.Notifier {
	if cfg.Host == "" {
		slog.Warn("smtp not configured, confirmation mails are disabled")
		return nil
	}
	n, err := notifier.New("email", map[string]string{
		"host":     cfg.Host,
		"port":     strconv.Itoa(cfg.Port),
		"username": cfg.Username,
		"password": cfg.Password,
		"from":     cfg.From,
	})
	if err != nil {
		slog.Error("email notifier", "error", err)
		return nil
	}
	return []notifier.Notifier{n}
}

type natsStatus interface {
	IsConnected() bool
}

type llmHealth interface {
	Health(ctx context.Context) (bool, error)
}

// healthChecks reports postgres and NATS as critical. LiteLLM only degrades
// the status since deliberation retries and fails per message.
func healthChecks(ping func(context.Context) error, nc natsStatus, llm llmHealth) []cfhttp.HealthCheck {
	return []cfhttp.HealthCheck{
		{Name: "postgres", Critical: true, Check: ping},
		{Name: "nats", Critical: true, Check: func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}},
		{Name: "litellm", Check: func(ctx context.Context) error {
			ok, err := llm.Health(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("unhealthy")
			}
			return nil
		}},
	}
}
