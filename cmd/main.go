package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"broker-relay/handler"
	"broker-relay/internal/attribution"
	"broker-relay/internal/integrations/paramstore"
	"broker-relay/internal/integrations/telegram"
	"broker-relay/internal/integrations/tracker"
	"broker-relay/internal/ratelimit"
	"broker-relay/internal/registry"
	"broker-relay/internal/repository"
	"broker-relay/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: envLogLevel("LOG_LEVEL")}))
	slog.SetDefault(logger)

	paramPrefix := mustEnv("PARAM_PREFIX")
	sessionTable := os.Getenv("SESSION_TABLE")
	redisURL := os.Getenv("REDIS_URL")
	trackerURL := os.Getenv("TRACKER_URL")
	allowedOrigin := os.Getenv("ALLOWED_ORIGIN")
	httpAddr := envString("HTTP_ADDR", ":8080")
	rateLimitMax := envInt("RATE_LIMIT_MAX", ratelimit.DefaultMax)
	rateLimitWindow := envDuration("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow)
	retention := envDuration("SESSION_RETENTION", registry.DefaultRetention)
	sweepInterval := envDuration("SWEEP_INTERVAL", registry.DefaultSweepInterval)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", telegram.MaxMessageLength)
	providerTimeout := envDuration("PROVIDER_TIMEOUT", 10*time.Second)
	insecureCookies := envBool("INSECURE_COOKIES")
	lambdaMode := os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	var (
		store    usecase.SessionStore
		sweeper  *registry.Registry
		limiter  usecase.Limiter
		rdb      *redis.Client
		attrOpts = []attribution.Option{attribution.WithLogger(logger)}
	)

	if sessionTable != "" {
		store, err = repository.New(awsdynamodb.NewFromConfig(cfg), sessionTable,
			repository.WithRetention(retention), repository.WithLogger(logger))
		if err != nil {
			slog.Error("failed to create session repository", "err", err)
			os.Exit(1)
		}
		slog.Info("using DynamoDB session store", "table", sessionTable)
	} else {
		sweeper = registry.New(registry.WithRetention(retention), registry.WithLogger(logger))
		store = sweeper
		slog.Info("using in-memory session store")
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		limiter, err = ratelimit.NewRedis(rdb, rateLimitMax, rateLimitWindow)
		if err != nil {
			slog.Error("failed to create rate limiter", "err", err)
			os.Exit(1)
		}
	} else {
		limiter = ratelimit.NewMemory(rateLimitMax, rateLimitWindow)
	}

	if trackerURL != "" {
		trackerClient, err := tracker.NewClient(trackerURL)
		if err != nil {
			slog.Error("failed to create tracker client", "err", err)
			os.Exit(1)
		}
		attrOpts = append(attrOpts, attribution.WithTracker(trackerClient))
	}
	attrService := attribution.NewService(attrOpts...)

	telegramClient, err := telegram.NewClient(ssmClient, paramPrefix, telegram.WithTimeout(providerTimeout))
	if err != nil {
		slog.Error("failed to create Telegram client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	settings, err := usecase.NewSettings(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create settings", "err", err)
		os.Exit(1)
	}
	relay, err := usecase.NewRelayService(store, telegramClient, limiter, settings, maxMessageLen, logger)
	if err != nil {
		slog.Error("failed to create relay service", "err", err)
		os.Exit(1)
	}
	leads, err := usecase.NewLeadService(telegramClient, limiter, settings, attrService, logger)
	if err != nil {
		slog.Error("failed to create lead service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	handlerOpts := []handler.Option{handler.WithLogger(logger), handler.WithAllowedOrigin(allowedOrigin)}
	if insecureCookies {
		handlerOpts = append(handlerOpts, handler.WithInsecureCookies())
	}
	h, err := handler.NewHandler(relay, leads, attrService, handlerOpts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if lambdaMode {
		if sweeper != nil {
			go func() { _ = sweeper.Run(ctx, sweepInterval) }()
		}
		lambda.Start(h.Handle)
		return
	}

	if err := serve(ctx, h, httpAddr, sweeper, sweepInterval); err != nil {
		slog.Error("server stopped", "err", err)
	}
	attrService.Wait()
	if rdb != nil {
		_ = rdb.Close()
	}
}

// serve runs the HTTP server and the session sweeper until ctx is cancelled.
func serve(ctx context.Context, h http.Handler, addr string, sweeper *registry.Registry, sweepInterval time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if sweeper != nil {
		g.Go(func() error {
			return sweeper.Run(ctx, sweepInterval)
		})
	}
	return g.Wait()
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

func envLogLevel(key string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv(key))); err != nil {
		return slog.LevelInfo
	}
	return level
}
