package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/app"
	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/logging"
)

const janitorInterval = 30 * time.Second

// loadConfig reads the optional dotenv file, then the environment, then
// applies flag overrides.
func loadConfig() (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

func serve(ctx context.Context, services app.Services) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	res, err := app.Build(runCtx, cfg, services, logger)
	if err != nil {
		return err
	}
	res.Sessions.StartJanitor(runCtx, janitorInterval)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(runCtx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.Bool("stt", services.STT),
			zap.Bool("tts", services.TTS))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err, ok := <-listenErr:
		if ok && err != nil {
			runCancel()
			_ = res.Cleanup()
			return fmt.Errorf("listen error: %w", err)
		}
	case <-ctx.Done():
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := res.Cleanup(); err != nil {
		logger.Warn("adapter cleanup failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
