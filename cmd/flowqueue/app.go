package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tcmartin/flowqueue/pkg/config"
	"github.com/tcmartin/flowqueue/pkg/discovery"
	"github.com/tcmartin/flowqueue/pkg/flow"
	"github.com/tcmartin/flowqueue/pkg/handlers"
	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/notify"
	"github.com/tcmartin/flowqueue/pkg/queue"
	"github.com/tcmartin/flowqueue/pkg/realtime"
	"github.com/tcmartin/flowqueue/pkg/storage"
	"github.com/tcmartin/flowqueue/pkg/utils"
	"github.com/tcmartin/flowqueue/pkg/webhooks"
)

// App represents the flowqueue application
type App struct {
	config    *config.Config
	logger    logging.Logger
	provider  storage.Provider
	queue     queue.Queue
	registry  handlers.Registry
	watcher   *discovery.Watcher
	processor *flow.Processor
	workers   []*queue.Worker
	server    *realtime.Server

	workerCtx    context.Context
	workerCancel context.CancelFunc
}

// NewApp creates a new application instance
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := logging.NewLogger(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	provider, err := newStorageProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	q, err := newQueue(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := handlers.NewRegistry()

	// Load handler scripts and plugins before workers start leasing
	loader := discovery.NewLoader(registry, logger)
	loaded := loader.LoadDirs(cfg.Handlers.Directories)
	logger.Info("loaded handlers", logging.F("count", loaded))

	if cfg.Handlers.PluginsDirectory != "" {
		scanner := discovery.NewPluginScanner(registry, logger)
		results, err := scanner.Scan(cfg.Handlers.PluginsDirectory)
		if err != nil {
			logger.Warn("plugin scan failed", logging.F("error", err.Error()))
		}
		for _, r := range results {
			if r.Err != nil {
				logger.Warn("skipped plugin",
					logging.F("plugin", r.Name),
					logging.F("error", r.Err.Error()))
			}
		}
	}

	var watcher *discovery.Watcher
	if cfg.Handlers.Watch {
		debounce := time.Duration(cfg.Handlers.DebounceMS) * time.Millisecond
		if debounce <= 0 {
			debounce = discovery.DefaultDebounce
		}
		watcher, err = discovery.NewWatcher(registry, cfg.Handlers.Directories, debounce, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start handler watcher: %w", err)
		}
		watcher.Start()
	}

	bus := notify.NewBus()
	service := flow.NewService(q, provider, logger)

	dispatcher := webhooks.NewDispatcher(provider.GetSubscriptionStore(), q, webhooks.DispatcherOptions{
		DeliveryQueue: cfg.Webhooks.DeliveryQueue,
		Attempts:      cfg.Webhooks.Attempts,
		Backoff:       time.Duration(cfg.Webhooks.BackoffSeconds) * time.Second,
	}, logger)

	deliveryWorker := webhooks.NewDeliveryWorker(utils.NewHTTPClient(), webhooks.DeliveryOptions{
		Timeout: time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second,
		Retries: cfg.Webhooks.Retries,
	}, logger)
	if err := registry.Register(deliveryWorker.Descriptor()); err != nil {
		return nil, fmt.Errorf("failed to register delivery handler: %w", err)
	}

	processor := flow.NewProcessor(q, service, bus, dispatcher, cfg.Webhooks.DeliveryQueue, logger)
	processor.Start(cfg.Queue.Queues)

	var workers []*queue.Worker
	for _, queueName := range cfg.Queue.Queues {
		workers = append(workers, queue.NewWorker(q, registry, queueName, cfg.Queue.Concurrency, logger))
	}
	workers = append(workers, queue.NewWorker(q, registry, cfg.Webhooks.DeliveryQueue, cfg.Queue.Concurrency, logger))

	server := realtime.NewServer(cfg, bus, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())

	return &App{
		config:       cfg,
		logger:       logger,
		provider:     provider,
		queue:        q,
		registry:     registry,
		watcher:      watcher,
		processor:    processor,
		workers:      workers,
		server:       server,
		workerCtx:    workerCtx,
		workerCancel: workerCancel,
	}, nil
}

// newStorageProvider builds the storage provider named by the configuration.
func newStorageProvider(cfg *config.Config, logger logging.Logger) (storage.Provider, error) {
	switch cfg.Storage.Type {
	case "memory", "":
		logger.Info("using in-memory storage provider")
		return storage.NewProvider(storage.ProviderConfig{Type: storage.MemoryProviderType})
	case "postgres", "postgresql":
		logger.Info("using postgres storage provider",
			logging.F("host", cfg.Storage.Postgres.Host),
			logging.F("database", cfg.Storage.Postgres.Database))
		return storage.NewProvider(storage.ProviderConfig{
			Type: storage.PostgreSQLProviderType,
			PostgreSQL: &storage.PostgreSQLProviderConfig{
				Host:     cfg.Storage.Postgres.Host,
				Port:     cfg.Storage.Postgres.Port,
				User:     cfg.Storage.Postgres.User,
				Password: cfg.Storage.Postgres.Password,
				Database: cfg.Storage.Postgres.Database,
				SSLMode:  cfg.Storage.Postgres.SSLMode,
			},
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// newQueue builds the queue substrate named by the configuration.
func newQueue(cfg *config.Config, logger logging.Logger) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case "memory", "":
		logger.Info("using in-memory queue substrate")
		return queue.NewMemoryQueue(), nil
	case "redis":
		logger.Info("using redis queue substrate", logging.F("addr", cfg.Redis.Addr))
		return queue.NewRedisQueue(queue.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Queue.Type)
	}
}

// Start starts the application
func (a *App) Start() error {
	fmt.Printf("Starting %s version %s\n", AppName, AppVersion)
	for _, w := range a.workers {
		w.Start(a.workerCtx)
	}
	return a.server.Start()
}

// Stop stops the application gracefully
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil {
		return err
	}

	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.logger.Warn("failed to close handler watcher", logging.F("error", err.Error()))
		}
	}

	a.processor.Stop()
	a.workerCancel()
	for _, w := range a.workers {
		w.Wait()
	}

	if err := a.queue.Close(); err != nil {
		a.logger.Warn("failed to close queue", logging.F("error", err.Error()))
	}
	if err := a.provider.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
