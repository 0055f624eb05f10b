// Package app wires configuration into a runnable gateway.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/adapterpool"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/gateway"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/stt"
	"github.com/ent0n29/voicegate/internal/synthcache"
	"github.com/ent0n29/voicegate/internal/tts"
)

// Services selects which gateways a process runs.
type Services struct {
	STT bool
	TTS bool
}

type BuildResult struct {
	Config   config.Config
	API      *gateway.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics

	// Cleanup closes shared and pooled adapters. Call it after the HTTP
	// server has drained.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, services Services, logger *zap.Logger) (*BuildResult, error) {
	if !services.STT && !services.TTS {
		return nil, errors.New("no service selected")
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	sessions := session.NewManager(cfg.ConnectionRetention)
	sessions.SetCloseHook(func(c *session.Conn) {
		metrics.ActiveConnections.WithLabelValues(c.Service).Set(float64(sessions.ActiveCount(c.Service)))
	})

	deps := gateway.Deps{
		Logger:   logger,
		Metrics:  metrics,
		Sessions: sessions,
	}
	var closers []func() error

	if services.STT {
		factory, err := stt.NewFactory(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("stt provider init failed: %w", err)
		}
		pool, err := adapterpool.New[stt.Adapter](cfg.AdapterScope, cfg.AdapterPoolSize, factory, logger)
		if err != nil {
			return nil, err
		}
		deps.STT = pool
		closers = append(closers, pool.Close)
		logger.Info("stt service configured",
			zap.String("provider", stt.NormalizeProvider(cfg.STTProvider)),
			zap.String("adapter_scope", cfg.AdapterScope))
	}

	if services.TTS {
		factory, err := tts.NewFactory(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("tts provider init failed: %w", err)
		}
		pool, err := adapterpool.New[tts.Adapter](cfg.AdapterScope, cfg.AdapterPoolSize, factory, logger)
		if err != nil {
			return nil, err
		}
		deps.TTS = pool
		closers = append(closers, pool.Close)

		store, err := buildCacheStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("synthesis cache init failed: %w", err)
		}
		deps.Cache = synthcache.New(store, cfg.CacheBlockSize, logger, metrics)
		logger.Info("tts service configured",
			zap.String("provider", cfg.TTSProvider),
			zap.String("adapter_scope", cfg.AdapterScope),
			zap.String("cache_backend", cfg.CacheBackend))
	}

	api := gateway.New(cfg, deps)

	cleanup := func() error {
		var errs []error
		for _, c := range closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// buildCacheStore returns nil when caching is off.
func buildCacheStore(cfg config.Config) (synthcache.Store, error) {
	switch cfg.CacheBackend {
	case config.CacheOff:
		return nil, nil
	case config.CacheS3:
		client := synthcache.NewS3Client(synthcache.S3Config{
			Region:          cfg.CacheS3Region,
			Endpoint:        cfg.CacheS3Endpoint,
			AccessKeyID:     cfg.CacheS3AccessKeyID,
			SecretAccessKey: cfg.CacheS3SecretKey,
		})
		return synthcache.NewS3Store(client, cfg.CacheS3Bucket, cfg.CacheS3Prefix), nil
	default:
		return synthcache.NewLocalStore(cfg.CacheDir)
	}
}
