// Command transitroutes serves the transit routes API: users register, sign
// in, and manage saved routes whose schedules are looked up from
// transit.land.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/andrew-d/transitroutes/internal/db"
	"github.com/andrew-d/transitroutes/internal/schedule"
	"github.com/andrew-d/transitroutes/listenx"
	"github.com/andrew-d/transitroutes/pwhash"
)

func main() {
	fl, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		os.Exit(2)
	}

	dotenv, err := readEnvFile(fl.EnvFile, fl.EnvFileSet)
	if err != nil {
		fatal(slog.Default(), "failed to load env file", errAttr(err))
	}
	cfg, err := loadConfig(fl, envLookup(os.Getenv, dotenv))
	if err != nil {
		fatal(slog.Default(), "failed to load config", errAttr(err))
	}

	logger := slog.New(loggerHandler(cfg))
	slog.SetDefault(logger)

	if cfg.Transitland.APIKey == "" {
		logger.Warn("no transit.land API key configured; schedules will be empty",
			"env", envAPIKey)
	}

	database, err := db.NewDB(logger.With(slog.String("component", "db")), cfg.DB)
	if err != nil {
		fatal(logger, "failed to open database", "path", cfg.DB, errAttr(err))
	}
	defer database.Close()

	lookup, err := schedule.New(schedule.Config{
		BaseURL:   cfg.Transitland.BaseURL,
		APIKey:    cfg.Transitland.APIKey,
		Timeout:   cfg.Transitland.Timeout,
		CacheSize: cfg.Transitland.CacheSize,
		CacheTTL:  cfg.Transitland.CacheTTL,
		Logger:    logger.With(slog.String("component", "schedule")),
	})
	if err != nil {
		fatal(logger, "failed to create schedule client", errAttr(err))
	}

	srv, err := newServer(serverOptions{
		Logger:          logger,
		DB:              database,
		Hasher:          pwhash.New(cfg.Password.Time, cfg.Password.MemoryKiB, cfg.Password.Threads),
		Schedule:        lookup,
		SessionLifetime: cfg.Session.Lifetime,
		SecureCookie:    cfg.Session.SecureCookie,
	})
	if err != nil {
		fatal(logger, "failed to create server", errAttr(err))
	}

	ln, err := listenx.Listen(cfg.Listen)
	if err != nil {
		fatal(logger, "failed to listen", "addr", cfg.Listen, errAttr(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cleanersDone := make(chan struct{})
	go func() {
		defer close(cleanersDone)
		srv.runCleaners(ctx)
	}()

	httpSrv := &http.Server{
		Handler:           srv.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	defer logger.Info("transitroutes finished")

	logger.Info("transitroutes listening, press Ctrl+C to stop",
		"addr", ln.Addr().String())
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			cancel()
			<-cleanersDone
			fatal(logger, "error starting server", errAttr(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	// Try a graceful shutdown then a hard one.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down gracefully", errAttr(err))
		if err := httpSrv.Close(); err != nil {
			logger.Error("error during hard shutdown", errAttr(err))
		}
	}
	<-cleanersDone
}

func loggerHandler(cfg *config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.slogLevel()}
	if !cfg.Dev {
		return slog.NewJSONHandler(os.Stderr, opts)
	}

	opts.AddSource = true
	opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		// Only keep the file name of the source location.
		if a.Key == slog.SourceKey {
			if source, ok := a.Value.Any().(*slog.Source); ok {
				source.File = filepath.Base(source.File)
			}
		}
		return a
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

func fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error("fatal error: "+msg, args...)
	os.Exit(1)
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}

	return slog.String("error", err.Error())
}
