// Command streamd serves resumable chat completion streams over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/resumable-stream-go/config"
	"github.com/ggoodman/resumable-stream-go/httpapi"
	"github.com/ggoodman/resumable-stream-go/internal/logctx"
	"github.com/ggoodman/resumable-stream-go/stack"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("err", err.Error()))
		os.Exit(1)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)
	if envErr != nil {
		log.Debug("no .env file loaded; using process environment", slog.String("err", envErr.Error()))
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	s, err := stack.New(ctx, cfg, stack.WithLogger(log))
	if err != nil {
		return err
	}

	handler := httpapi.New(s.Gateway,
		httpapi.WithLogger(log),
		httpapi.WithStatus(func() httpapi.Status {
			return httpapi.Status{Mode: string(s.Mode), Active: s.Controller.Active()}
		}),
	)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", srv.Addr), slog.String("mode", string(s.Mode)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Runs are stopped first so open responses receive their terminal frame
	// and drain before the backends go away.
	if err := s.Controller.Shutdown(shutdownCtx); err != nil {
		log.Warn("controller shutdown", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.String("err", err.Error()))
	}
	if err := s.Close(shutdownCtx); err != nil {
		log.Warn("stack close", slog.String("err", err.Error()))
	}
	return serveErr
}
