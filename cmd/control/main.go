package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"killswitch/pkg/admin"
	"killswitch/pkg/auth"
	"killswitch/pkg/config"
	"killswitch/pkg/entitlement"
	"killswitch/pkg/installs"
	"killswitch/pkg/metrics"
	"killswitch/pkg/ratelimit"
	"killswitch/pkg/settings"
	"killswitch/pkg/store"
	"killswitch/pkg/telemetry"
	"killswitch/pkg/tts"
)

const serviceName = "killswitch-control"

// Server carries every collaborator a handler may touch. It is built once at
// startup and shared by all requests.
type Server struct {
	Settings    settings.Store
	Installs    installs.Registry
	Admin       *admin.Service
	Validator   *auth.Validator
	Metrics     *metrics.Registry
	TTS         *tts.Client
	Entitlement *entitlement.Resolver

	Limiter             ratelimit.Limiter
	RateLimitPerMinute  int
	CORSAllowedOrigins  []string
	MaxRequestBodyBytes int64

	// TrustForwardedHeaders takes the client address from X-Forwarded-For
	// and friends. Only enable it behind a proxy that overwrites them.
	TrustForwardedHeaders bool
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openBackendFn   func(context.Context, config.Config) (*store.Backend, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runControl(initTelemetryFn, openBackendFn, listenFn); err != nil {
		logFatalf("control: %v", err)
	}
}

func runControl(
	initTelemetry func(context.Context, telemetry.Options) (func(context.Context) error, error),
	openBackend func(context.Context, config.Config) (*store.Backend, error),
	listen func(*http.Server) error,
) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openBackend == nil {
		openBackend = func(ctx context.Context, cfg config.Config) (*store.Backend, error) {
			return store.Open(ctx, cfg.StoreOptions())
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return serveUntilSignal(server, cfg.ShutdownTimeout) }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, cfg.TelemetryOptions())
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	s := newServer(cfg, backend, limiter)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
	log.Printf("control listening on %s store=%s", cfg.Addr, backend.Driver)
	return listen(server)
}

func newServer(cfg config.Config, backend *store.Backend, limiter ratelimit.Limiter) *Server {
	return &Server{
		Settings: backend.Settings,
		Installs: backend.Installs,
		Admin: &admin.Service{
			Settings:         backend.Settings,
			Installs:         backend.Installs,
			Audit:            backend.Audit,
			DefaultListLimit: cfg.InstallListDefault,
		},
		Validator: auth.NewValidator(cfg.AdminKey),
		Metrics:   metrics.NewRegistry(),
		TTS: &tts.Client{
			BaseURL:        cfg.TTS.BaseURL,
			APIKey:         cfg.TTS.APIKey,
			DefaultVoiceID: cfg.TTS.DefaultVoiceID,
			DefaultModelID: cfg.TTS.DefaultModelID,
			HTTP:           telemetry.InstrumentClient(nil, cfg.TTS.Timeout),
		},
		Entitlement: &entitlement.Resolver{
			BaseURL:    cfg.Entitlement.StripeBaseURL,
			SecretKey:  cfg.Entitlement.StripeSecretKey,
			PriceTiers: cfg.Entitlement.PriceTiers,
			TierOrder:  cfg.Entitlement.TierOrder,
			HTTP:       telemetry.InstrumentClient(nil, cfg.Entitlement.Timeout),
		},
		Limiter:               limiter,
		RateLimitPerMinute:    cfg.RateLimitPerMinute,
		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		MaxRequestBodyBytes:   cfg.MaxRequestBodyBytes,
	}
}

// newLimiter prefers Redis so limits hold across replicas. Without
// REDIS_ADDR each process counts on its own.
func newLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, func(), error) {
	if cfg.Redis.Addr == "" {
		return ratelimit.NewInMemory(time.Minute), func() {}, nil
	}
	client, err := store.NewRedis(ctx, cfg.RedisOptions())
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedis(client, time.Minute), closeRedis(client), nil
}

func closeRedis(client *redis.Client) func() {
	return func() { _ = client.Close() }
}

func serveUntilSignal(server *http.Server, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Printf("control shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
