package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/app"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/logging"
)

type runDeps struct {
	loadEnv   func() error
	loadCfg   func() (config.Config, error)
	newLogger func(level, format string) (*zap.Logger, error)
	build     func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.BuildResult, error)
	listen    func(network, addr string) (net.Listener, error)
	signals   func() (<-chan os.Signal, func())
}

func defaultRunDeps() runDeps {
	return runDeps{
		loadEnv:   func() error { return godotenv.Load() },
		loadCfg:   config.Load,
		newLogger: logging.New,
		build:     app.Build,
		listen:    net.Listen,
		signals: func() (<-chan os.Signal, func()) {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			return ch, func() { signal.Stop(ch) }
		},
	}
}

func main() {
	if err := runMain(context.Background(), defaultRunDeps()); err != nil {
		log.Fatalf("callbridge: %v", err)
	}
}

func runMain(ctx context.Context, deps runDeps) error {
	if err := deps.loadEnv(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv load failed: %v", err)
	}

	cfg, err := deps.loadCfg()
	if err != nil {
		return err
	}
	logger, err := deps.newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	built, err := deps.build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	logger.Info("voice setup",
		zap.String("intake_mode", cfg.IntakeMode),
		zap.String("tts_provider", built.Voice.Provider),
		zap.String("tts_detail", built.Voice.Detail),
		zap.String("speech_model", cfg.SpeechModel),
	)

	ln, err := deps.listen("tcp", cfg.BindAddr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh, stopSignals := deps.signals()
	defer stopSignals()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigDone := make(chan os.Signal, 1)
	go func() { sigDone <- built.Shutdown.Run(runCtx, sigCh) }()

	select {
	case err, ok := <-serveErr:
		if ok && err != nil {
			return err
		}
		return nil
	case sig := <-sigDone:
		if sig != nil {
			logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		} else {
			built.Shutdown.Trigger("context cancelled")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	res, err := built.Shutdown.Wait(shutdownCtx)
	if err != nil {
		logger.Warn("drain did not finish in time", zap.Error(err))
	} else {
		logger.Info("streams drained", zap.Int("closed", res.Closed), zap.Int("failed", res.Failed))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
