// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/carrierdesk/notify/internal/config"
	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/phone"
	"github.com/carrierdesk/notify/internal/pkg/ctxlog"
	"github.com/carrierdesk/notify/internal/pkg/httputil"
	"github.com/carrierdesk/notify/internal/pkg/metrics"
	"github.com/carrierdesk/notify/internal/pkg/postgres"
	"github.com/carrierdesk/notify/internal/queue"
	"github.com/carrierdesk/notify/internal/queue/discord"
	"github.com/carrierdesk/notify/internal/queue/email"
	queuepostgres "github.com/carrierdesk/notify/internal/queue/postgres"
	"github.com/carrierdesk/notify/internal/queue/whatsapp"
	"github.com/carrierdesk/notify/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// defaultPriorities maps well-known message types to their default priority.
// Unlisted types queue as normal.
var defaultPriorities = map[string]domain.Priority{
	"payment_failed":   domain.PriorityCritical,
	"delivery_failed":  domain.PriorityCritical,
	"out_for_delivery": domain.PriorityHigh,
	"order_shipped":    domain.PriorityHigh,
	"order_confirmed":  domain.PriorityNormal,
	"order_update":     domain.PriorityNormal,
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	scheduler     *cron.Cron
	dispatcher    *queue.Dispatcher
	aggregator    *queue.Aggregator
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Database.MigrationsPath != "" {
		if err := postgres.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.Scheduler.Enabled {
		if err := app.setupScheduler(); err != nil {
			db.Close()
			metricsCancel()
			return nil, fmt.Errorf("setup scheduler: %w", err)
		}
	}

	return app, nil
}

// Run starts the HTTP servers and the embedded scheduler.
func (a *App) Run() error {
	if a.scheduler != nil {
		a.scheduler.Start()
		a.logger.Info("scheduler started",
			"drain", a.config.Scheduler.DrainSpec,
			"digest", a.config.Scheduler.DigestSpec,
		)
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop triggering new runs first; wait for the in-flight one.
	if a.scheduler != nil {
		stopCtx := a.scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Dispatcher returns the queue dispatcher. Used in tests to trigger drains
// directly.
func (a *App) Dispatcher() *queue.Dispatcher {
	return a.dispatcher
}

// Aggregator returns the digest aggregator.
func (a *App) Aggregator() *queue.Aggregator {
	return a.aggregator
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo queue.Repository, limiter *queue.Limiter) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := repo.QueueStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordQueueStats(stats)

			for _, ch := range limiter.Channels() {
				state, err := limiter.State(ctx, ch, time.Now())
				if err != nil {
					slog.Error("failed to get window state", "channel", ch, "error", err)
					continue
				}
				queue.RecordWindowState(state)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	repo := queuepostgres.NewRepository(a.db)
	instances := queuepostgres.NewInstanceRepository(a.db)

	normalizer := phone.NewNormalizer(phoneRule(a.config.Phone))

	service := queue.NewService(repo, normalizer, defaultPriorities, a.config.Queue.MaxAttempts)
	tracker := queue.NewTracker(repo)
	limiter := queue.NewLimiter(repo, rateLimitConfigs(a.config.RateLimits))

	senders, err := a.buildSenders(instances)
	if err != nil {
		return nil, err
	}

	backoff := queue.BackoffPolicy{
		Base:   a.config.Queue.BackoffBase,
		Cap:    a.config.Queue.BackoffCap,
		Jitter: a.config.Queue.BackoffJitter,
	}

	a.dispatcher = queue.NewDispatcher(queue.DispatcherConfig{
		FetchLimit:         a.config.Queue.FetchLimit,
		InstanceRetryDelay: a.config.Queue.InstanceRetryDelay,
	}, repo, limiter, backoff, senders...)

	a.aggregator = queue.NewAggregator(queue.AggregatorConfig{
		MaxPreviewItems: a.config.Digest.MaxPreviewItems,
		PreviewLength:   a.config.Digest.PreviewLength,
	}, repo, senders...)

	handler := queue.NewHandler(service, tracker, a.dispatcher, a.aggregator, limiter, instances)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.APITokenMiddleware(a.config.Auth.APIToken))
		handler.RegisterRoutes(r)
	})

	go a.collectQueueMetrics(ctx, repo, limiter)

	return r, nil
}

func (a *App) buildSenders(instances queue.InstanceSource) ([]queue.Sender, error) {
	var senders []queue.Sender

	if a.config.Channels.WhatsApp.Enabled {
		senders = append(senders, whatsapp.NewSender(whatsapp.Config{
			Timeout: a.config.Channels.WhatsApp.Timeout,
		}, instances))
	}

	if a.config.Channels.Discord.Enabled {
		senders = append(senders, discord.NewSender(discord.Config{
			WebhookURL: a.config.Channels.Discord.WebhookURL,
			Username:   a.config.Channels.Discord.Username,
			Timeout:    a.config.Channels.Discord.Timeout,
		}))
	}

	if a.config.Channels.Email.Enabled {
		emailSender, err := email.NewSender(email.Config{
			SMTPHost:     a.config.Channels.Email.SMTPHost,
			SMTPPort:     a.config.Channels.Email.SMTPPort,
			SMTPUser:     a.config.Channels.Email.SMTPUser,
			SMTPPassword: a.config.Channels.Email.SMTPPassword,
			FromAddress:  a.config.Channels.Email.FromAddress,
			SubjectLine:  a.config.Channels.Email.SubjectLine,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		senders = append(senders, emailSender)
	}

	slog.Info("channel senders configured",
		"whatsapp", a.config.Channels.WhatsApp.Enabled,
		"discord", a.config.Channels.Discord.Enabled,
		"email", a.config.Channels.Email.Enabled,
	)

	return senders, nil
}

func (a *App) setupScheduler() error {
	a.scheduler = cron.New()

	if _, err := a.scheduler.AddFunc(a.config.Scheduler.DrainSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := a.dispatcher.DrainOnce(ctx); err != nil {
			slog.Error("scheduled drain failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("add drain job: %w", err)
	}

	if _, err := a.scheduler.AddFunc(a.config.Scheduler.DigestSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := a.aggregator.RunOnce(ctx); err != nil {
			slog.Error("scheduled digest failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("add digest job: %w", err)
	}

	return nil
}

func phoneRule(cfg config.PhoneConfig) phone.Rule {
	if cfg.CountryCode == "" {
		return phone.DefaultRule()
	}
	rule := phone.Rule{
		CountryCode:       cfg.CountryCode,
		MinDigits:         cfg.MinDigits,
		MaxDigits:         cfg.MaxDigits,
		LongMobileDigits:  cfg.LongMobileDigits,
		MobilePrefixIndex: cfg.MobilePrefixIndex,
	}
	if cfg.MobilePrefix != "" {
		rule.MobilePrefix = cfg.MobilePrefix[0]
	}
	return rule
}

func rateLimitConfigs(entries []config.RateLimitEntry) []domain.RateLimitConfig {
	configs := make([]domain.RateLimitConfig, 0, len(entries))
	for _, e := range entries {
		configs = append(configs, domain.RateLimitConfig{
			Channel:              domain.Channel(e.Channel),
			MaxPerMinute:         e.MaxPerMinute,
			MaxPerHour:           e.MaxPerHour,
			MinDelayBetweenSends: e.MinDelayBetweenSends,
			SendWindowStart:      e.SendWindowStart,
			SendWindowEnd:        e.SendWindowEnd,
			RespectSendWindow:    e.RespectSendWindow,
		})
	}
	return configs
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
