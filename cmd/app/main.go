package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/report-scheduler/internal/analytics"
	"github.com/Harvey-AU/report-scheduler/internal/api"
	"github.com/Harvey-AU/report-scheduler/internal/auth"
	"github.com/Harvey-AU/report-scheduler/internal/cache"
	"github.com/Harvey-AU/report-scheduler/internal/coordinator"
	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/delivery"
	"github.com/Harvey-AU/report-scheduler/internal/lock"
	"github.com/Harvey-AU/report-scheduler/internal/loops"
	"github.com/Harvey-AU/report-scheduler/internal/notifications"
	"github.com/Harvey-AU/report-scheduler/internal/observability"
	"github.com/Harvey-AU/report-scheduler/internal/render"
	"github.com/Harvey-AU/report-scheduler/internal/scheduler"
	"github.com/Harvey-AU/report-scheduler/internal/storage"
	"github.com/Harvey-AU/report-scheduler/internal/tokens"
)

const serviceName = "report-scheduler"

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                 string // HTTP port to listen on
	Env                  string // Environment (development/production)
	SentryDSN            string
	LogLevel             string
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool

	DatabaseDirectURL string

	PollInterval   time.Duration
	MaxConcurrency int
	BatchSize      int
	RunTimeout     time.Duration
	RunLockTTL     time.Duration
	PauseThreshold int

	LockBackend string // db or redis
	RedisURL    string

	AnalyticsMode      string
	AnalyticsRateLimit float64

	Tokens tokens.Config

	CacheMaxEntries int
	CacheTTL        time.Duration

	Storage storage.Config

	MailTransport        string
	SMTP                 delivery.SMTPConfig
	LoopsAPIKey          string
	LoopsTransactionalID string
	ChromePath           string

	SlackWebhookURL string
	AppURL          string
	WebhookSecret   string

	RateLimit float64
	RateBurst int
}

func loadConfig() *Config {
	return &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvBool("OBSERVABILITY_ENABLED", true),
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),

		DatabaseDirectURL: os.Getenv("DATABASE_DIRECT_URL"),

		PollInterval:   getEnvDuration("SCHEDULER_POLL_INTERVAL", time.Minute),
		MaxConcurrency: getEnvInt("SCHEDULER_MAX_CONCURRENCY", 5),
		BatchSize:      getEnvInt("SCHEDULER_BATCH_SIZE", 50),
		RunTimeout:     getEnvDuration("RUN_TIMEOUT", 5*time.Minute),
		RunLockTTL:     getEnvDuration("RUN_LOCK_TTL", 10*time.Minute),
		PauseThreshold: getEnvInt("PAUSE_THRESHOLD", 3),

		LockBackend: getEnvWithDefault("LOCK_BACKEND", "db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		AnalyticsMode:      getEnvWithDefault("ANALYTICS_MODE", analytics.ModeGA4),
		AnalyticsRateLimit: getEnvFloat("ANALYTICS_RATE_LIMIT", 5),

		Tokens: tokens.Config{
			ClientID:      os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret:  os.Getenv("GOOGLE_CLIENT_SECRET"),
			TokenURL:      os.Getenv("OAUTH_TOKEN_URL"),
			EncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),
		},

		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1000),
		CacheTTL:        getEnvDuration("CACHE_TTL", 5*time.Minute),

		Storage: storage.Config{
			Backend:            getEnvWithDefault("STORAGE_BACKEND", storage.BackendLocal),
			LocalDir:           os.Getenv("STORAGE_LOCAL_DIR"),
			S3Bucket:           os.Getenv("S3_BUCKET"),
			SupabaseURL:        os.Getenv("SUPABASE_URL"),
			SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
			SupabaseBucket:     os.Getenv("SUPABASE_STORAGE_BUCKET"),
		},

		MailTransport: getEnvWithDefault("MAIL_TRANSPORT", "smtp"),
		SMTP: delivery.SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnvWithDefault("MAIL_FROM", "reports@localhost"),
		},
		LoopsAPIKey:          os.Getenv("LOOPS_API_KEY"),
		LoopsTransactionalID: os.Getenv("LOOPS_TRANSACTIONAL_ID"),
		ChromePath:           os.Getenv("CHROME_PATH"),

		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		AppURL:          getEnvWithDefault("APP_URL", "http://localhost:8080"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),

		RateLimit: getEnvFloat("API_RATE_LIMIT", 20),
		RateBurst: getEnvInt("API_RATE_BURST", 10),
	}
}

func main() {
	// .env.local takes priority for development
	_ = godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsProviders, metricsSrv := setupObservability(ctx, config)
	if obsProviders != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obsProviders.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
			}
		}()
	}

	pgDB, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	log.Info().Msg("Connected to PostgreSQL database")

	if err := obsProviders.RegisterDBStats(pgDB.GetDB(), "reports"); err != nil {
		log.Warn().Err(err).Msg("Failed to register database pool metrics")
	}

	locker, err := newLocker(ctx, config, pgDB)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Str("backend", config.LockBackend).Msg("Failed to initialise run lock")
	}

	cipher, err := tokens.NewCipher(config.Tokens.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("TOKEN_ENCRYPTION_KEY is invalid")
	}
	resolver := tokens.NewResolver(
		pgDB,
		tokens.NewOAuthRefresher(config.Tokens.TokenURL, config.Tokens.ClientID, config.Tokens.ClientSecret),
		cipher,
		cache.NewInMemoryCache[*tokens.Credential](config.CacheMaxEntries, config.CacheTTL),
	)

	analyticsClient, err := analytics.NewClient(config.AnalyticsMode, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise analytics client")
	}

	renderer, err := render.NewRenderer(render.NewChromePDFPrinter(config.ChromePath, 0))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse report templates")
	}

	blobs, err := storage.New(ctx, config.Storage)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Str("backend", config.Storage.Backend).Msg("Failed to initialise report storage")
	}

	transport, err := newMailTransport(config)
	if err != nil {
		log.Fatal().Err(err).Str("transport", config.MailTransport).Msg("Failed to initialise mail transport")
	}

	schedules := cache.NewInMemoryCache[*db.Schedule](config.CacheMaxEntries, config.CacheTTL)

	coord := coordinator.New(coordinator.Config{
		PauseThreshold: config.PauseThreshold,
		LockTTL:        config.RunLockTTL,
		RunTimeout:     config.RunTimeout,
	}, coordinator.Deps{
		Store:      pgDB,
		Locker:     locker,
		Tokens:     resolver,
		Fetcher:    analytics.NewFetcher(analyticsClient, config.AnalyticsRateLimit),
		Renderer:   renderer,
		Dispatcher: delivery.NewDispatcher(blobs, pgDB, transport, config.SMTP.From),
		Notifier:   notifications.New(config.SlackWebhookURL, config.AppURL),
		Schedules:  schedules,
	})

	loop := scheduler.New(pgDB, coord, scheduler.Config{
		PollInterval:   config.PollInterval,
		MaxConcurrency: config.MaxConcurrency,
		BatchSize:      config.BatchSize,
		StaleAfter:     config.RunLockTTL,
	})
	loop.Start(ctx)
	scheduler.StartChangeListener(ctx, pgDB.GetConfig().ConnectionString(), config.DatabaseDirectURL, loop)

	authConfig, err := auth.NewConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load auth configuration")
	}
	if config.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set, fulfilment webhook will return 503")
	}

	apiHandler := api.NewHandler(pgDB, coord, auth.NewSupabaseAuthClient(authConfig), schedules, blobs, config.WebhookSecret)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	limiter := api.NewRateLimiter(config.RateLimit, config.RateBurst)
	go sweepRateLimiter(ctx, limiter)

	// Outermost last
	var handler http.Handler = mux
	handler = api.RateLimitMiddleware(limiter)(handler)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CrossOriginProtectionMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", config.Port).Str("health", fmt.Sprintf("http://localhost:%s/health", config.Port)).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-serverErr:
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server error")
		}
	}

	shutdown(server, metricsSrv, loop, coord, pgDB)
	log.Info().Msg("Server stopped")
}

// shutdown stops accepting requests, stops polling, waits for in-flight
// runs and then closes the database
func shutdown(server, metricsSrv *http.Server, loop *scheduler.Loop, coord *coordinator.Coordinator, pgDB *db.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := loop.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Scheduler loop did not drain before shutdown deadline")
	}
	if err := coord.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("Operator-triggered runs still in flight at shutdown")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
		}
	}

	if err := pgDB.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

func setupObservability(ctx context.Context, config *Config) (*observability.Providers, *http.Server) {
	if !config.ObservabilityEnabled {
		return nil, nil
	}

	providers, err := observability.Init(ctx, observability.Config{
		Enabled:        true,
		ServiceName:    serviceName,
		Environment:    config.Env,
		OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
		OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
		OTLPInsecure:   config.OTLPInsecure,
		MetricsAddress: config.MetricsAddr,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
		return nil, nil
	}

	if providers.MetricsHandler == nil || config.MetricsAddr == "" {
		return providers, nil
	}

	metricsSrv := &http.Server{
		Addr:              config.MetricsAddr,
		Handler:           providers.MetricsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return providers, metricsSrv
}

func newLocker(ctx context.Context, config *Config, pgDB *db.DB) (lock.Locker, error) {
	switch config.LockBackend {
	case "db", "":
		return db.NewScheduleLocker(pgDB), nil
	case "redis":
		if config.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis lock backend")
		}
		client, err := lock.NewRedisClient(ctx, config.RedisURL)
		if err != nil {
			return nil, err
		}
		return lock.NewRedisLocker(client), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", config.LockBackend)
	}
}

func newMailTransport(config *Config) (delivery.MailTransport, error) {
	switch config.MailTransport {
	case "smtp", "":
		if config.SMTP.Host == "" {
			return nil, errors.New("SMTP_HOST is required for the smtp mail transport")
		}
		return delivery.NewSMTPTransport(config.SMTP), nil
	case "log":
		return delivery.LogTransport{}, nil
	case "loops":
		if config.LoopsAPIKey == "" || config.LoopsTransactionalID == "" {
			return nil, errors.New("LOOPS_API_KEY and LOOPS_TRANSACTIONAL_ID are required for the loops mail transport")
		}
		return delivery.NewLoopsTransport(loops.New(config.LoopsAPIKey, ""), config.LoopsTransactionalID), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", config.MailTransport)
	}
}

func sweepRateLimiter(ctx context.Context, limiter *api.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("Swept idle rate limiters")
			}
		}
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
		return defaultValue
	}
	return result
}

// getEnvDuration accepts Go durations ("90s", "5m")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || result <= 0 {
		log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	return result
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}

		headers[key] = strings.TrimSpace(parts[1])
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}

	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}
