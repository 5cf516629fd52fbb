package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	whisperweb "github.com/snarg/whisper-web"
	"github.com/snarg/whisper-web/internal/api"
	"github.com/snarg/whisper-web/internal/config"
	"github.com/snarg/whisper-web/internal/engine"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.ModelsDir, "models-dir", "", "whisper models directory (overrides MODELS_DIR)")
	flag.StringVar(&overrides.UploadDir, "upload-dir", "", "upload scratch directory (overrides UPLOAD_DIR)")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("whisper-web starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Upload scratch directory
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("failed to create upload directory")
	}

	// Engine discovery
	engineLog := log.With().Str("component", "engine").Logger()
	locator := engine.NewLocator(cfg.EnginePath, cfg.EngineDir, cfg.ModelsDir)
	if loc, ok := locator.Locate(); ok {
		engineLog.Info().Str("path", loc.Path).Str("platform", loc.Platform).Msg("whisper.cpp found")
	} else {
		engineLog.Warn().Msg("whisper.cpp not found; transcription requests will fail until it is installed")
	}

	// Models watcher (observability only; best-effort)
	watchLog := log.With().Str("component", "models").Logger()
	if err := engine.WatchModels(ctx, locator, watchLog); err != nil {
		watchLog.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("models watcher disabled")
	}

	runner := &engine.Runner{
		Launcher: engine.NewLauncher(locator, engineLog),
		Stall:    cfg.StallTimeout,
		Log:      engineLog,
	}

	// Embedded browser UI
	webFS, err := fs.Sub(whisperweb.WebFiles, "web")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open embedded web assets")
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, runner, locator, webFS, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("whisper-web stopped")
}
