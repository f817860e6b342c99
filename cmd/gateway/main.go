// Package main is a minimal HTTP entry point wiring the llmux Router core
// to an OpenAI-compatible /v1/chat/completions endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	llmux "github.com/blueberrycongee/llmux"
	"github.com/blueberrycongee/llmux/internal/config"
	"github.com/blueberrycongee/llmux/internal/observability"
	"github.com/blueberrycongee/llmux/internal/streaming"
	"github.com/blueberrycongee/llmux/routers"
)

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

func jsonEncode(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func main() {
	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger: config hasn't been loaded yet, so cfg.Logging
	// (which would otherwise pick the level/format) isn't available.
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(bootLogger)

	cfgManager, err := config.NewManager(*configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      parseLogLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor())
	slog.SetDefault(logger.Slog())
	logger.Info("starting llmux gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if watchErr := cfgManager.Watch(ctx); watchErr != nil {
		logger.Warn("config hot-reload disabled", "error", watchErr)
	}

	client, err := llmux.New(buildClientOptions(cfg, logger)...)
	if err != nil {
		return fmt.Errorf("create llmux client: %w", err)
	}
	defer func() { _ = client.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/chat/completions", chatCompletionsHandler(client, logger))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var httpHandler http.Handler = observability.RequestIDMiddleware(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down gateway...")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// chatCompletionsHandler translates HTTP requests into Client calls,
// forwarding streamed responses as SSE when the caller asks for stream: true.
func chatCompletionsHandler(client *llmux.Client, logger *observability.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req llmux.ChatRequest
		if err := jsonDecode(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Stream {
			streamChatCompletion(w, r, client, &req, logger)
			return
		}

		resp, err := client.ChatCompletion(r.Context(), &req)
		if err != nil {
			writeLLMError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := jsonEncode(w, resp); err != nil {
			logger.Error("encode response", "error", err)
		}
	}
}

func streamChatCompletion(w http.ResponseWriter, r *http.Request, client *llmux.Client, req *llmux.ChatRequest, logger *observability.Logger) {
	forwarder, err := streaming.NewForwarder(r.Context(), w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	stream, err := client.ChatCompletionStream(r.Context(), req)
	if err != nil {
		writeLLMError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	// Recv already returns io.EOF at the end of a well-formed stream, and
	// a mid-stream upstream failure ends it with a terminal error instead
	// (see StreamReader) — the forwarder passes either straight through.
	// RedactedError scrubs the error text in case an upstream error body
	// echoed back an Authorization header or API key.
	if err := forwarder.Forward(stream); err != nil && err != io.EOF {
		logger.RedactedError("forward stream", "error", err)
	}
}

func writeLLMError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	http.Error(w, err.Error(), status)
}

// buildClientOptions converts config.Config to llmux.Option slice.
func buildClientOptions(cfg *config.Config, logger *observability.Logger) []llmux.Option {
	opts := make([]llmux.Option, 0, len(cfg.Providers)+6)

	opts = append(opts, llmux.WithLogger(logger.Slog()))

	for _, provCfg := range cfg.Providers {
		opts = append(opts, llmux.WithProvider(llmux.ProviderConfig{
			Name:    provCfg.Name,
			Type:    provCfg.Type,
			APIKey:  provCfg.APIKey,
			BaseURL: provCfg.BaseURL,
			Models:  provCfg.Models,
		}))
	}

	opts = append(opts, llmux.WithRouterStrategy(mapRoutingStrategy(cfg.Routing.Strategy)))

	if cfg.Routing.CooldownPeriod > 0 {
		opts = append(opts, llmux.WithCooldown(cfg.Routing.CooldownPeriod))
	}
	if cfg.Server.WriteTimeout > 0 {
		opts = append(opts, llmux.WithTimeout(cfg.Server.WriteTimeout))
	}

	opts = append(opts,
		llmux.WithRetry(int(cfg.Routing.RetryCount), cfg.Routing.RetryBackoff),
		llmux.WithFallback(cfg.Routing.FallbackEnabled),
	)

	if cfg.PricingFile != "" {
		opts = append(opts, llmux.WithPricingFile(cfg.PricingFile))
	}

	if cfg.Routing.Distributed && cfg.Cache.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Cache.Redis.Addr,
			Password:     cfg.Cache.Redis.Password,
			DB:           cfg.Cache.Redis.DB,
			DialTimeout:  cfg.Cache.Redis.DialTimeout,
			ReadTimeout:  cfg.Cache.Redis.ReadTimeout,
			WriteTimeout: cfg.Cache.Redis.WriteTimeout,
			PoolSize:     cfg.Cache.Redis.PoolSize,
			MinIdleConns: cfg.Cache.Redis.MinIdleConns,
			MaxRetries:   cfg.Cache.Redis.MaxRetries,
		})

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pingCancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("distributed routing unavailable, falling back to local stats", "error", err)
		} else {
			opts = append(opts, llmux.WithStatsStore(routers.NewRedisStatsStore(redisClient)))
			logger.Info("distributed routing enabled", "redis_addr", cfg.Cache.Redis.Addr)
		}
	}

	if cfg.RateLimit.Enabled {
		windowSize := cfg.RateLimit.WindowSize
		if windowSize == 0 {
			windowSize = time.Minute
		}
		opts = append(opts, llmux.WithRateLimiterConfig(llmux.RateLimiterConfig{
			Enabled:     cfg.RateLimit.Enabled,
			RPMLimit:    cfg.RateLimit.RequestsPerMinute,
			TPMLimit:    cfg.RateLimit.TokensPerMinute,
			WindowSize:  windowSize,
			KeyStrategy: mapKeyStrategy(cfg.RateLimit.KeyStrategy),
		}))
	}

	return opts
}

// parseLogLevel maps config.LoggingConfig.Level to a slog.Level,
// defaulting to Info for an empty or unrecognized value.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func mapKeyStrategy(strategy string) llmux.RateLimitKeyStrategy {
	switch strategy {
	case "user":
		return llmux.RateLimitKeyByUser
	case "model":
		return llmux.RateLimitKeyByModel
	case "api_key_model":
		return llmux.RateLimitKeyByAPIKeyAndModel
	default:
		return llmux.RateLimitKeyByAPIKey
	}
}

func mapRoutingStrategy(strategy string) llmux.Strategy {
	switch strings.ToLower(strategy) {
	case "round-robin", "roundrobin":
		return llmux.StrategyRoundRobin
	case "lowest-latency", "latency":
		return llmux.StrategyLowestLatency
	case "least-busy", "leastbusy":
		return llmux.StrategyLeastBusy
	case "lowest-tpm-rpm", "tpm-rpm":
		return llmux.StrategyLowestTPMRPM
	case "lowest-cost", "cost":
		return llmux.StrategyLowestCost
	case "tag-based", "tagbased":
		return llmux.StrategyTagBased
	default:
		return llmux.StrategyShuffle
	}
}
