package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casual-simulation/casualos-sub007/pkg/billing"
	"github.com/casual-simulation/casualos-sub007/pkg/config"
	"github.com/casual-simulation/casualos-sub007/pkg/crud"
	"github.com/casual-simulation/casualos-sub007/pkg/dispatch"
	"github.com/casual-simulation/casualos-sub007/pkg/hardening"
	"github.com/casual-simulation/casualos-sub007/pkg/httpx"
	"github.com/casual-simulation/casualos-sub007/pkg/metrics"
	"github.com/casual-simulation/casualos-sub007/pkg/origin"
	"github.com/casual-simulation/casualos-sub007/pkg/procedure"
	"github.com/casual-simulation/casualos-sub007/pkg/ratelimit"
	"github.com/casual-simulation/casualos-sub007/pkg/realtime"
	"github.com/casual-simulation/casualos-sub007/pkg/records"
	"github.com/casual-simulation/casualos-sub007/pkg/session"
	"github.com/casual-simulation/casualos-sub007/pkg/socket"
	"github.com/casual-simulation/casualos-sub007/pkg/store"
	"github.com/casual-simulation/casualos-sub007/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const serviceName = "records-dispatch"

type serverDB interface {
	store.DB
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (serverDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (serverDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	listenFn        = listenUntilSignal
)

func main() {
	if err := runServer(os.Args[1:], initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("server: %v", err)
	}
}

func runServer(
	args []string,
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
) error {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	addr := flags.String("addr", config.Env("ADDR", ":8080"), "listen address")
	configPath := flags.String("config", config.Env("CONFIG_FILE", ""), "path to a YAML config file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	file, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	file.ApplyEnv()

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var db serverDB
	if store.PostgresConfigured() {
		if openDB == nil {
			return errors.New("db open function required")
		}
		if db, err = openDB(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()
		if config.EnvBool("MIGRATE_ON_START", false) {
			n, err := store.Migrate(ctx, db, store.Migrations(), log.Printf)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Printf("applied %d migrations", n)
		}
	}

	var redisClient *redis.Client
	if openRedis != nil {
		redisClient, err = openRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient, "records:")

	sessionSecret := config.Env("SESSION_SECRET", "")
	webhookSecret := config.Env("STRIPE_WEBHOOK_SECRET", "")
	if err := hardening.ValidateProduction(hardening.Deployment{
		Service:            serviceName,
		Environment:        config.Env("ENVIRONMENT", config.Env("APP_ENV", "")),
		Lax:                !config.EnvBool("STRICT_PROD_SECURITY", true),
		DatabaseConfigured: db != nil,
		DatabaseTLS:        config.EnvBool("DATABASE_REQUIRE_TLS", false),
		RedisConfigured:    redisClient != nil,
		RedisTLS:           config.EnvBool("REDIS_REQUIRE_TLS", false),
		RedisSkipVerify:    config.EnvBool("REDIS_TLS_INSECURE", false) || config.EnvBool("REDIS_ALLOW_INSECURE_TLS", false),
		Origins: map[string][]string{
			"account": file.Origins.Account,
			"api":     file.Origins.API,
		},
		SocketPatterns: file.Origins.Socket,
		Secrets: map[string]string{
			"SESSION_SECRET":        sessionSecret,
			"STRIPE_WEBHOOK_SECRET": webhookSecret,
		},
	}); err != nil {
		return err
	}

	window := config.EnvDuration("RATE_LIMIT_WINDOW_SEC", 60, time.Second)
	if window <= 0 {
		window = time.Minute
	}
	limiter := newLimiter(config.Env("RATE_LIMIT_BACKEND", ""), redisClient, window)
	rateLimit := 0
	if config.EnvBool("RATE_LIMIT_ENABLED", true) {
		rateLimit = config.EnvInt("RATE_LIMIT_PER_WINDOW", 600)
	}

	var sessions session.Validator
	if sessionSecret != "" {
		sessions = session.NewHS256Validator(sessionSecret, config.Env("SESSION_ISSUER", ""), cache)
	} else {
		log.Printf("SESSION_SECRET is not set; session keys are ignored")
	}

	var publisher billing.Publisher
	if brokers := config.EnvList("KAFKA_BROKERS"); len(brokers) > 0 {
		kp, err := billing.NewKafkaPublisher(billing.KafkaConfig{Brokers: brokers, Topic: config.Env("BILLING_TOPIC", "stripe-events")})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kp.Close()
		publisher = kp
	}

	stores := records.NewMemoryStores()
	var domains origin.DomainVerifier
	if db != nil {
		stores = records.NewPostgresStores(db)
		domains = store.NewDomainVerifier(db, cache, config.EnvDuration("DOMAIN_CACHE_TTL_SEC", 300, time.Second))
	}
	var features crud.Features = crud.AllowAll{}
	if len(file.Tiers) > 0 {
		features = file.Tiers
	}
	resources, err := records.New(records.Config{
		Stores:   stores,
		Records:  crud.NewMemoryRecords(file.Records),
		Features: features,
	})
	if err != nil {
		return err
	}
	registry := procedure.NewRegistry()
	registry.RegisterAll(records.Procedures(resources)...)

	views, err := loadViews()
	if err != nil {
		return err
	}
	m := metrics.NewRegistry()
	trusted := httpx.ParseProxies(config.Env("TRUSTED_PROXY_CIDRS", ""))
	dispatcher, err := dispatch.New(dispatch.Config{
		Registry:  registry,
		Origins:   origin.NewChecker(file.Origins.Account, file.Origins.API, domains, nil),
		Limiter:   limiter,
		RateLimit: rateLimit,
		Sessions:  sessions,
		Billing: &billing.Service{
			Verifier:  &billing.Verifier{Secret: webhookSecret},
			Publisher: publisher,
		},
		Uploads:        config.StaticHeaders(file.Uploads.Headers),
		Views:          views,
		Scopes:         file.Scopes,
		TrustedProxies: trusted,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	sockets := socket.NewRegistry()
	hub := realtime.NewHub(realtime.HubConfig{
		Messenger:     sockets,
		Sessions:      sessions,
		Uploads:       cache,
		UploadBaseURL: file.Uploads.BaseURL,
		UploadTTL:     file.Uploads.TTL,
	})
	socketDispatcher, err := socket.New(socket.Config{
		HTTP:             dispatcher,
		Realtime:         hub,
		Messenger:        sockets,
		Client:           telemetry.InstrumentClient(&http.Client{Timeout: file.Downloads.Timeout}),
		DownloadPrefixes: file.Downloads.Prefixes,
		DownloadTimeout:  file.Downloads.Timeout,
		Metrics:          m,
	})
	if err != nil {
		return err
	}

	maxBody := int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{"status": "ok", "service": serviceName, "procedures": registry.Len(), "sockets": sockets.Count()})
	})
	r.Handle("/metrics", m.Handler())
	r.Handle(config.Env("SOCKET_PATH", "/websocket"), &socket.Server{
		Dispatcher:     socketDispatcher,
		Registry:       sockets,
		OriginPatterns: file.Origins.Socket,
		TrustedProxies: trusted,
		ReadLimit:      maxBody,
		WriteTimeout:   config.EnvDuration("SOCKET_WRITE_TIMEOUT_SEC", 10, time.Second),
		QueueSize:      config.EnvInt("SOCKET_QUEUE_SIZE", 64),
		Metrics:        m,
	})
	r.With(httpx.LimitBody(maxBody)).Handle("/*", dispatcher)

	log.Printf("%s listening on %s (%d procedures, %d routes)", serviceName, *addr, registry.Len(), dispatcher.Routes().Len())
	server := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: config.EnvDuration("HTTP_READ_HEADER_TIMEOUT_SEC", 5, time.Second),
		ReadTimeout:       config.EnvDuration("HTTP_READ_TIMEOUT_SEC", 15, time.Second),
		WriteTimeout:      config.EnvDuration("HTTP_WRITE_TIMEOUT_SEC", 120, time.Second),
		IdleTimeout:       config.EnvDuration("HTTP_IDLE_TIMEOUT_SEC", 120, time.Second),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func newLimiter(backend string, client *redis.Client, window time.Duration) ratelimit.Limiter {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "bucket":
		return ratelimit.NewTokenBucket(window)
	case "memory":
		return ratelimit.NewInMemory(window)
	}
	if client != nil {
		return ratelimit.NewRedis(client, window)
	}
	return ratelimit.NewInMemory(window)
}

// listenUntilSignal serves until SIGINT or SIGTERM, then drains in-flight
// requests.
func listenUntilSignal(server *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.EnvDuration("SHUTDOWN_TIMEOUT_SEC", 15, time.Second))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
