// Package bootstrap turns a loaded configuration into the runtime graph
// shared by contentctl and the worker service: store, ledger, blueprints,
// publisher, notifier and, on demand, the generation orchestrator.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"contentengine/internal/config"
	"contentengine/pkg/ai"
	"contentengine/pkg/blueprint"
	"contentengine/pkg/contextsource"
	"contentengine/pkg/events"
	"contentengine/pkg/generation"
	"contentengine/pkg/lifecycle"
	"contentengine/pkg/publish"
	"contentengine/pkg/queue"
	"contentengine/pkg/storage"
	"contentengine/pkg/store"
	"contentengine/pkg/usage"
)

// Deps is the wired application. Close releases connections.
type Deps struct {
	Config     config.FileConfig
	Logger     *slog.Logger
	Blueprints *blueprint.Store
	Store      store.ContentStore
	Ledger     usage.Ledger
	Objects    storage.ObjectStore
	Publisher  publish.Publisher
	Notifier   events.Notifier
	Manager    *lifecycle.Manager
	Worker     *lifecycle.Worker
	Redis      *redis.Client
	Queue      *queue.RedisJobQueue

	db      *gorm.DB
	closers []func() error

	orchOnce sync.Once
	orch     *generation.Orchestrator
	orchErr  error
}

// OpenBlueprints loads the configured blueprint directories.
func OpenBlueprints(cfg config.FileConfig) (*blueprint.Store, error) {
	return blueprint.Open(cfg.Blueprints.Dirs...)
}

// Build wires every component except the LLM provider, which is created
// lazily by Orchestrator so read-only commands never need credentials.
func Build(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) (*Deps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deps{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	var err error
	if d.Blueprints, err = OpenBlueprints(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		d.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		d.closers = append(d.closers, d.Redis.Close)
	}
	if err := d.openStore(); err != nil {
		return nil, err
	}
	if err := d.openLedger(); err != nil {
		return nil, err
	}
	if err := d.openPublisher(ctx); err != nil {
		return nil, err
	}
	d.Notifier = events.Nop{}
	if url := strings.TrimSpace(cfg.Events.AMQPURL); url != "" {
		n, err := events.NewAMQPNotifier(url, cfg.Events.Exchange)
		if err != nil {
			return nil, err
		}
		d.Notifier = n
		d.closers = append(d.closers, n.Close)
	}

	lcOpts := []lifecycle.Option{lifecycle.WithLogger(logger), lifecycle.WithNotifier(d.Notifier)}
	d.Manager = lifecycle.NewManager(d.Store, d.Publisher, lcOpts...)
	d.Worker = lifecycle.NewWorker(d.Store, d.Publisher, lifecycle.WorkerConfig{
		BatchSize: cfg.Worker.BatchSize,
		ClaimTTL:  cfg.Worker.ClaimTTL,
	}, lcOpts...)

	if d.Redis != nil {
		q := cfg.Worker.Queue
		d.Queue, err = queue.NewRedisJobQueueWithClient(d.Redis, queue.RedisQueueConfig{
			Stream:     q.Stream,
			Group:      q.Group,
			MaxRetries: q.MaxRetries,
			RetryDelay: q.RetryDelay,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}
	ok = true
	return d, nil
}

func (d *Deps) openStore() error {
	switch d.Config.Store.Driver {
	case "memory":
		d.Store = store.NewMemoryStore()
		return nil
	case "postgres":
		db, err := store.OpenPostgres(d.Config.Store.DatabaseURL)
		if err != nil {
			return err
		}
		d.db = db
		d.closers = append(d.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		d.Store, err = store.NewGormStore(db)
		return err
	}
	return fmt.Errorf("unknown store driver %q", d.Config.Store.Driver)
}

func (d *Deps) openLedger() error {
	limits := d.Config.Limits()
	opts := []usage.Option{usage.WithLogger(d.Logger)}
	var err error
	switch d.Config.Usage.Backend {
	case "memory":
		d.Ledger, err = usage.NewMemoryLedger(limits, opts...)
	case "postgres":
		if d.db == nil {
			return errors.New("postgres usage ledger requires the postgres store")
		}
		d.Ledger, err = usage.NewGormLedger(d.db, limits, opts...)
	case "redis":
		if d.Redis == nil {
			return errors.New("redis usage ledger requires redis.addr")
		}
		d.Ledger, err = usage.NewRedisLedger(d.Redis, d.Config.Redis.Prefix+":usage", limits, opts...)
	default:
		err = fmt.Errorf("unknown usage backend %q", d.Config.Usage.Backend)
	}
	return err
}

func (d *Deps) openPublisher(ctx context.Context) error {
	if d.Config.ObjectStore.Endpoint != "" {
		objects, err := storage.NewMinioStore(ctx, d.Config.ObjectStore)
		if err != nil {
			return err
		}
		d.Objects = objects
	}
	pub, err := publish.New(d.Config.Publisher, d.Objects, d.Logger)
	if err != nil {
		return err
	}
	d.Publisher = pub
	return nil
}

// Orchestrator builds the generation orchestrator on first use.
func (d *Deps) Orchestrator() (*generation.Orchestrator, error) {
	d.orchOnce.Do(func() {
		gen, err := ai.New(d.Config.LLM.Config)
		if err != nil {
			d.orchErr = fmt.Errorf("llm provider: %w", err)
			return
		}
		in, out := d.Config.Prices()
		d.orch = generation.New(gen, d.Ledger, d.Blueprints, d.Manager, generation.Config{
			MaxAttempts: d.Config.Generation.MaxAttempts,
			MaxTokens:   d.Config.LLM.MaxTokens,
			Pricing:     generation.Pricing{InputPerMTok: in, OutputPerMTok: out},
		}, d.Logger)
	})
	return d.orch, d.orchErr
}

// ContextSource returns the configured notes directory source.
func (d *Deps) ContextSource() (contextsource.Source, error) {
	dir := strings.TrimSpace(d.Config.Generation.ContextDir)
	if dir == "" {
		return nil, errors.New("generation.contextDir is not configured")
	}
	src := contextsource.NewFileSource(dir)
	if d.Config.Generation.ContextMaxItems > 0 {
		src.MaxItems = d.Config.Generation.ContextMaxItems
	}
	return src, nil
}

func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
