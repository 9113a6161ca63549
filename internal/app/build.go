package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/aileg"
	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/breaker"
	"github.com/ent0n29/voicerelay/internal/calllog"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/health"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/jitter"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/outbound"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Relay    *relay.Service
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// Cleanup should be called on shutdown to release external resources (DB, cache).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	callLog, err := withRetry(ctx, cfg.MaxRetryAttempts, cfg.RetryDelay, logger, "call log", func() (calllog.Logger, error) {
		return calllog.New(ctx, cfg.DatabaseURL)
	})
	if err != nil {
		return nil, fmt.Errorf("call log init failed: %w", err)
	}
	logger.Info("call log ready", "mode", calllog.Mode(callLog))

	var cache *store.Cache
	if strings.TrimSpace(cfg.ValkeyURL) != "" {
		cache, err = withRetry(ctx, cfg.MaxRetryAttempts, cfg.RetryDelay, logger, "valkey", func() (*store.Cache, error) {
			return store.NewCache(ctx, cfg.ValkeyURL, cfg.ValkeyPassword, cfg.ValkeyDB, cfg.SessionInactivityTimeout)
		})
		if err != nil {
			_ = callLog.Close()
			return nil, fmt.Errorf("valkey init failed: %w", err)
		}
	}

	hub := httpapi.NewObserverHub(0)
	sinks := outbound.MultiSink{hub}
	if cache != nil {
		sinks = append(sinks, cache)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:   cfg.BreakerThreshold,
		OpenTimeout: cfg.BreakerTimeout,
	})
	breakers.SetTransitionHook(func(provider string, from, to breaker.State) {
		metrics.SetBreakerState(provider, string(to))
		logger.Warn("circuit breaker transition", "provider", provider, "from", from, "to", to)
	})

	registry := session.NewRegistry(session.RegistryConfig{
		ActivityTimeout: cfg.SessionInactivityTimeout,
		MaxCallDuration: cfg.MaxCallDuration,
	}, callLog, logger)
	if cache != nil {
		registry.SetMirror(cache)
	}
	registry.SetExpireHook(func(callID, reason string, _ session.CallMetrics) {
		metrics.CountCallEvent("expired_" + reason)
		logger.Info("call expired by janitor", "call_id", callID, "reason", reason)
	})

	connector := aileg.NewElevenLabsConnector(aileg.Config{
		Provider:       cfg.AIProvider,
		WSBaseURL:      cfg.AIWSBaseURL,
		APIKey:         cfg.AIAPIKey,
		DefaultAgentID: cfg.AIDefaultAgentID,
		ConnectTimeout: cfg.AIConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	})

	relaySvc, err := relay.NewService(relay.Options{
		Registry:  registry,
		Breakers:  breakers,
		Connector: connector,
		Metrics:   metrics,
		Sink:      sinks,
		Logger:    logger,
		Defaults:  callDefaults(cfg),
	})
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		_ = callLog.Close()
		return nil, err
	}

	ready := func(ctx context.Context) error {
		if cache == nil {
			return nil
		}
		return cache.Ping(ctx)
	}

	deps := httpapi.Deps{
		Relay:   relaySvc,
		Calls:   registry,
		CallLog: callLog,
		Hub:     hub,
		Metrics: metrics,
		Logger:  logger,
		Ready:   ready,
	}
	if cache != nil {
		deps.ClusterCalls = cache.ActiveCallCount
	}
	api := httpapi.New(cfg, deps)

	cleanup := func() error {
		var errs []error
		if cache != nil {
			cache.Close()
		}
		if err := callLog.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Relay:    relaySvc,
		Metrics:  metrics,
		Logger:   logger,
		Cleanup:  cleanup,
	}, nil
}

// callDefaults maps process configuration onto the per-call defaults.
func callDefaults(cfg config.Config) relay.CallConfig {
	c := relay.DefaultCallConfig()
	if strings.TrimSpace(cfg.AIDefaultAgentID) != "" {
		c.Target = aileg.AgentID(strings.TrimSpace(cfg.AIDefaultAgentID))
	}
	c.Format = audio.MuLaw8k
	c.Jitter = jitter.Config{
		Enabled:       cfg.JitterEnabled,
		ChunkDuration: cfg.ChunkDuration,
		InitialBuffer: cfg.InitialBuffer,
		MaintainAhead: cfg.MaintainAhead,
		MaxBuffer:     cfg.MaxBuffer,
		Policy:        jitter.OverflowPolicy(cfg.OverflowPolicy),
	}
	c.Health = health.Config{
		PingInterval:         cfg.PingInterval,
		ConnectionTimeout:    cfg.ConnectionTimeout,
		ActivityTimeout:      cfg.ActivityTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.ReconnectBackoff,
		MaxLatency:           cfg.MaxLatency,
		MinQuality:           health.Quality(cfg.MinQuality),
	}
	c.Queue = outbound.Config{
		QueueSize:            cfg.QueueSize,
		Expiration:           cfg.QueueExpiration,
		Batching:             cfg.QueueBatching,
		BatchSize:            cfg.QueueBatchSize,
		BatchTimeout:         cfg.QueueBatchTimeout,
		Compression:          cfg.QueueCompression,
		CompressionThreshold: cfg.QueueCompressionThreshold,
		MaxMessageSize:       cfg.QueueMaxMessageSize,
	}
	c.DSP = audio.Flags{
		Gain:             cfg.Gain,
		NoiseReduction:   cfg.NoiseReduction,
		EchoCancellation: cfg.EchoCancellation,
		VAD:              cfg.VAD,
	}
	c.AutoFallback = cfg.AutoFallback
	c.MaxAIRetries = cfg.MaxAIRetries
	c.RetryDelay = cfg.RetryDelay
	if cfg.WriteTimeout > 0 {
		c.WriteTimeout = cfg.WriteTimeout
	}
	return c
}

// withRetry retries store initialization on transient startup failures.
func withRetry[T any](ctx context.Context, attempts int, delay time.Duration, logger *slog.Logger, name string, fn func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	var err error
	for i := 1; i <= attempts; i++ {
		var v T
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if i == attempts {
			break
		}
		logger.Warn("store init failed; retrying", "store", name, "attempt", i, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, err
}
