// Package app assembles the engine from its parts: stores, queue backend,
// OAuth providers, trigger engine, dispatcher and the HTTP server. Every
// dependency is constructed here and injected; nothing reaches for globals.
package app

import (
	"context"
	"os"
	"strings"
	"time"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/httpclient"
	"integration-engine/internal/common/logging"
	"integration-engine/internal/config"
	"integration-engine/internal/crypto"
	"integration-engine/internal/dispatch"
	"integration-engine/internal/gateway"
	"integration-engine/internal/locks"
	"integration-engine/internal/oauth"
	"integration-engine/internal/redis"
	"integration-engine/internal/server"
	"integration-engine/internal/storage"
	"integration-engine/internal/transform"
	"integration-engine/internal/triggers"
)

// App owns the long-lived components and their shutdown order.
type App struct {
	server     *server.Server
	dispatcher *dispatch.Dispatcher
	scheduler  *triggers.Scheduler
	redis      *redis.Client
	postgres   *storage.PostgresStore
	logger     logging.Logger
}

// New wires the full engine from configuration. Postgres stores are used when
// DATABASE_URL is set, the in-memory store otherwise; the queue backend and
// OAuth state store follow QUEUE_BACKEND and Redis availability.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	app := &App{logger: logger}

	// Redis is wired when the queue backend needs it or REDIS_ENABLED asks
	// for it
	if cfg.QueueBackend == "redis" || cfg.RedisEnabled {
		client, err := redis.NewClient(&redis.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			return nil, err
		}
		app.redis = client
		logger.Info("Redis connected",
			logging.Field{Key: "address", Value: cfg.RedisAddress},
		)
	}

	var (
		connections   storage.ConnectionStore
		subscriptions storage.SubscriptionStore
		failures      storage.FailureStore
		states        storage.OAuthStateStore
	)

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.postgres = pg
		connections, subscriptions, failures = pg, pg, pg
		logger.Info("Postgres connected")
	} else {
		memory := storage.NewMemoryStore()
		connections, subscriptions, failures = memory, memory, memory
		states = memory
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if app.redis != nil {
		states = storage.NewRedisStateStore(app.redis)
	}
	if states == nil {
		states = storage.NewMemoryStore()
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		app.Close()
		return nil, err
	}
	connections = storage.NewEncryptedConnectionStore(connections, encryptor)

	var lockManager locks.Manager
	if app.redis != nil {
		lockManager = locks.NewRedsyncManager(app.redis)
	} else {
		lockManager = locks.NewLocalManager()
	}

	queue, err := buildQueue(cfg, app.redis)
	if err != nil {
		app.Close()
		return nil, err
	}

	httpClient := httpclient.New()

	providers := oauth.NewProviderRegistry()
	if err := registerProvidersFromEnv(providers); err != nil {
		app.Close()
		return nil, err
	}

	oauthManager := oauth.NewManager(oauth.ManagerConfig{
		Providers:   providers,
		Issuer:      oauth.NewStateIssuer(cfg.StateSigningSecret, cfg.OAuthStateTTL),
		States:      states,
		Connections: connections,
		Locks:       lockManager,
		HTTPClient:  httpClient,
		Logger:      logger,
		StateTTL:    cfg.OAuthStateTTL,
	})

	evaluator := transform.NewEvaluator(transform.NewDefaultRegistry(configSource()))

	dispatcher := dispatch.NewDispatcher(queue, dispatch.NewExecutorTable(), failures, dispatch.DispatcherConfig{
		Workers:     cfg.DispatchWorkers,
		MaxAttempts: cfg.DispatchMaxAttempts,
		Backoff:     cfg.DispatchBackoff,
		Timeout:     cfg.DispatchTimeout,
	}, logger)
	app.dispatcher = dispatcher

	engine := triggers.NewEngine(subscriptions, evaluator, dispatcher, logger)

	// Executors are registered after the engine exists so internal events
	// can route back through it
	dispatcher.RegisterExecutor(dispatch.NewHTTPDeliveryExecutor(httpClient, oauthManager, logger))
	dispatcher.RegisterExecutor(dispatch.NewInternalEventExecutor(engine))

	app.scheduler = triggers.NewScheduler(dispatcher, logger)
	schedules, err := cfg.Schedules()
	if err != nil {
		app.Close()
		return nil, err
	}
	for _, entry := range schedules {
		if err := app.scheduler.AddSchedule(entry.Cron, entry.EventType, entry.Data); err != nil {
			app.Close()
			return nil, err
		}
	}

	gw := gateway.New(subscriptions, connections, gateway.NewSchemeRegistry(), logger)
	handlers := server.NewHandlers(gw, engine, oauthManager, failures, cfg.OAuthResultURL, logger)
	app.server = server.New(cfg, handlers, logger)

	return app, nil
}

// Run starts the dispatcher, scheduler and HTTP server, blocking until the
// server stops.
func (a *App) Run(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	a.scheduler.Start()
	return a.server.Start()
}

// Shutdown stops intake first, then drains the dispatcher.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.scheduler.Stop()
	a.dispatcher.Stop()
	a.Close()
	return err
}

// Close releases connections without draining. Safe to call repeatedly.
func (a *App) Close() {
	if a.postgres != nil {
		a.postgres.Close()
		a.postgres = nil
	}
	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}
}

func buildQueue(cfg *config.Config, redisClient *redis.Client) (dispatch.Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return dispatch.NewMemoryQueue(1024), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.ValidationError("redis queue backend requires a Redis connection")
		}
		return dispatch.NewRedisQueue(redisClient, cfg.DispatchQueue), nil
	case "amqp":
		return dispatch.NewAMQPQueue(cfg.AMQPURL, cfg.DispatchQueue)
	default:
		return nil, errors.ValidationError("unsupported queue backend " + cfg.QueueBackend)
	}
}

// registerProvidersFromEnv reads OAUTH_PROVIDERS, a comma-separated list of
// service ids, and for each id the OAUTH_<ID>_* variables:
// CLIENT_ID, CLIENT_SECRET, AUTH_URL, TOKEN_URL, REDIRECT_URL, SCOPES.
func registerProvidersFromEnv(registry *oauth.ProviderRegistry) error {
	raw := os.Getenv("OAUTH_PROVIDERS")
	if raw == "" {
		return nil
	}

	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		prefix := "OAUTH_" + strings.ToUpper(id) + "_"

		provider := &oauth.Provider{
			ID:               id,
			ClientID:         os.Getenv(prefix + "CLIENT_ID"),
			ClientSecret:     os.Getenv(prefix + "CLIENT_SECRET"),
			AuthorizationURL: os.Getenv(prefix + "AUTH_URL"),
			TokenURL:         os.Getenv(prefix + "TOKEN_URL"),
			RedirectURL:      os.Getenv(prefix + "REDIRECT_URL"),
		}
		if scopes := os.Getenv(prefix + "SCOPES"); scopes != "" {
			provider.Scopes = strings.Split(scopes, " ")
		}
		if err := registry.Register(provider); err != nil {
			return err
		}
	}
	return nil
}

// configSource exposes a small static configuration tree to mapping
// expressions through the config() function.
func configSource() transform.ConfigSource {
	source := transform.MapConfigSource{}
	if name := os.Getenv("APP_NAME"); name != "" {
		source["app.name"] = name
	}
	if env := os.Getenv("APP_ENV"); env != "" {
		source["app.env"] = env
	}
	source["app.time_format"] = time.RFC3339
	return source
}
