package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"contentengine/internal/bootstrap"
	"contentengine/internal/config"
	"contentengine/internal/ratelimit"
	"contentengine/internal/servicetoken"
	"contentengine/internal/util"
	"contentengine/pkg/blueprint"
	"contentengine/pkg/lifecycle"
	"contentengine/services/worker/internal/server"
)

// buildDeps is replaced in tests.
var buildDeps = bootstrap.Build

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $CONTENTENGINE_CONFIG or ./config.yaml)")
	once := flag.Bool("once", false, "run a single publishing pass and exit")
	flag.Parse()

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr).With("service", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, *once, logger)
	stop()
	if err != nil {
		logger.Error("worker failed", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

// run owns the dependency graph; every return path closes it.
func run(ctx context.Context, cfg config.FileConfig, once bool, logger *slog.Logger) error {
	deps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("failed to close dependencies", "err", err)
		}
	}()

	if once {
		res, err := deps.Worker.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("worker pass: %w", err)
		}
		logPass(logger, res)
		return nil
	}

	httpServer, err := newServer(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Worker.Port,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runTicker(gctx, deps.Worker, cfg.Worker.Interval, logger)
	})
	if cfg.Worker.Queue.Enabled && deps.Queue != nil {
		g.Go(func() error {
			deps.Queue.Start(gctx, cfg.Worker.Queue.Concurrency, deps.RunJob)
			<-gctx.Done()
			return nil
		})
	}
	if cfg.Blueprints.Watch {
		g.Go(func() error {
			return blueprint.Watch(gctx, deps.Blueprints, logger)
		})
	}
	g.Go(func() error {
		logger.Info("worker server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newServer(cfg config.FileConfig, deps *bootstrap.Deps, logger *slog.Logger) (*server.Server, error) {
	auth := cfg.Worker.Auth
	srvCfg := server.Config{
		Worker: deps.Worker,
		Usage:  deps.Ledger,
		Logger: logger,
	}
	if deps.Queue != nil {
		srvCfg.Jobs = deps.Queue
	}
	if len(auth.PublicKeys) > 0 {
		verifier, err := servicetoken.NewVerifier(servicetoken.VerifierConfig{
			PublicKeys:     auth.PublicKeys,
			Audience:       auth.Audience,
			AllowedIssuers: auth.AllowedIssuers,
		})
		if err != nil {
			return nil, fmt.Errorf("init token verifier: %w", err)
		}
		srvCfg.Verifier = verifier
	}
	if auth.RateLimit > 0 && deps.Redis != nil {
		limiter, err := ratelimit.NewFixedWindowLimiter(deps.Redis, cfg.Redis.Prefix+":ratelimit:internal", auth.RateLimit, auth.RateWindow)
		if err != nil {
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		srvCfg.Limiter = limiter
	}
	return server.New(srvCfg)
}

// runTicker runs a publishing pass immediately and then every interval.
// Store errors are logged; the next tick tries again.
func runTicker(ctx context.Context, w *lifecycle.Worker, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := w.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("worker pass failed", "err", err)
		case err == nil && (res.Due > 0 || res.Reaped > 0):
			logPass(logger, res)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func logPass(logger *slog.Logger, res lifecycle.PassResult) {
	logger.Info("worker pass complete",
		"due", res.Due,
		"posted", res.Posted,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"reaped", res.Reaped,
	)
}
