package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"contentengine/internal/bootstrap"
	"contentengine/internal/config"
	"contentengine/pkg/domain"
	"contentengine/pkg/lifecycle"
	"contentengine/pkg/store"
)

type brokenStore struct {
	store.ContentStore
}

func (brokenStore) ListDue(context.Context, time.Time, int) ([]domain.ContentItem, error) {
	return nil, errors.New("database is down")
}

func testConfig(t *testing.T) config.FileConfig {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg := config.FileConfig{LogLevel: "error"}
	cfg.Blueprints.Dirs = []string{"../../../../blueprints"}
	cfg.Store.Driver = "memory"
	cfg.Usage = config.UsageConfig{Backend: "memory", Account: "default", DailyCallLimit: 10, MonthlyBudget: "1.00"}
	cfg.Redis.Addr = srv.Addr()
	cfg.LLM.Provider = "scripted"
	cfg.Publisher.Kind = "log"
	return cfg
}

// captureDeps records the graph run builds and lets the test rewire it.
func captureDeps(t *testing.T, rewire func(*bootstrap.Deps)) **bootstrap.Deps {
	t.Helper()
	var built *bootstrap.Deps
	prev := buildDeps
	buildDeps = func(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) (*bootstrap.Deps, error) {
		deps, err := bootstrap.Build(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if rewire != nil {
			rewire(deps)
		}
		built = deps
		return deps, nil
	}
	t.Cleanup(func() { buildDeps = prev })
	return &built
}

func TestRunOnceFailureClosesDeps(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	built := captureDeps(t, func(d *bootstrap.Deps) {
		d.Worker = lifecycle.NewWorker(brokenStore{d.Store}, d.Publisher, lifecycle.WorkerConfig{}, lifecycle.WithLogger(logger))
	})

	err := run(context.Background(), testConfig(t), true, logger)
	if err == nil {
		t.Fatalf("expected worker pass error")
	}
	if *built == nil {
		t.Fatalf("deps were not built")
	}
	if err := (*built).Redis.Ping(context.Background()).Err(); !errors.Is(err, redis.ErrClosed) {
		t.Fatalf("redis client still open after failed pass: %v", err)
	}
}

func TestRunOncePublishesDueItems(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var item domain.ContentItem
	built := captureDeps(t, func(d *bootstrap.Deps) {
		ctx := context.Background()
		draft, err := d.Manager.CreateDraft(ctx, domain.ContentItem{Body: "## Problem\nbody", Pillar: "what_building", Framework: "STF"}, "test")
		if err != nil {
			t.Fatalf("create draft: %v", err)
		}
		if item, err = d.Manager.Schedule(ctx, draft.ID, time.Now(), "test"); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	})

	if err := run(context.Background(), testConfig(t), true, logger); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got, err := (*built).Store.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPosted || got.ExternalPostID == "" {
		t.Fatalf("due item not posted: %+v", got)
	}
	if err := (*built).Redis.Ping(context.Background()).Err(); !errors.Is(err, redis.ErrClosed) {
		t.Fatalf("redis client still open after run: %v", err)
	}
}
