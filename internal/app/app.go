// Package app initializes and holds long-lived services, acting as a dependency
// injection container for the CLI commands and the service binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/api"
	"github.com/JakeFAU/opendata-harvester/internal/archive"
	"github.com/JakeFAU/opendata-harvester/internal/clock/system"
	"github.com/JakeFAU/opendata-harvester/internal/config"
	"github.com/JakeFAU/opendata-harvester/internal/content"
	"github.com/JakeFAU/opendata-harvester/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/opendata-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/hash/sha256"
	"github.com/JakeFAU/opendata-harvester/internal/id/uuid"
	"github.com/JakeFAU/opendata-harvester/internal/lease"
	"github.com/JakeFAU/opendata-harvester/internal/metrics"
	"github.com/JakeFAU/opendata-harvester/internal/plan"
	"github.com/JakeFAU/opendata-harvester/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/opendata-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/opendata-harvester/internal/storage/gcs"
	"github.com/JakeFAU/opendata-harvester/internal/storage/local"
	"github.com/JakeFAU/opendata-harvester/internal/storage/memory"
	"github.com/JakeFAU/opendata-harvester/internal/storage/postgres"
	"github.com/JakeFAU/opendata-harvester/internal/store"
	"github.com/JakeFAU/opendata-harvester/internal/worker"
)

// Store is everything the app needs from the coordination store.
type Store interface {
	harvest.CoordinationStore
	store.QueryRepository
}

// App holds the shared, long-lived services for one process.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   Store
	clock   harvest.Clock
	ids     harvest.IDGenerator
	closers []func() error

	uploader *archive.Uploader
}

// Option customizes New.
type Option func(*App)

// WithStore injects a coordination store instead of building one from config.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithClock overrides the system clock.
func WithClock(c harvest.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New builds the App. With an empty db.dsn an in-memory store is used, which
// only lives as long as the process.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.store != nil {
		return a, nil
	}

	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, using in-memory store")
		a.store = memory.NewStore(a.clock, a.ids, cfg.Lease.RetryBudget)
		return a, nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
		RetryBudget:     cfg.Lease.RetryBudget,
	}, a.ids)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	if err := pg.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("connected to postgres")
	a.store = pg
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the coordination store.
func (a *App) Store() Store { return a.store }

// Clock returns the process clock.
func (a *App) Clock() harvest.Clock { return a.clock }

// PlanGenerator builds a generator over the store.
func (a *App) PlanGenerator() *plan.Generator {
	return plan.NewGenerator(a.store, a.clock, a.logger)
}

// PlanRequest builds the plan request from configuration.
func (a *App) PlanRequest() (plan.Request, error) {
	start, end, err := a.cfg.PlanRange()
	if err != nil {
		return plan.Request{}, err
	}
	return plan.Request{
		Start:         start,
		End:           end,
		Environment:   a.cfg.Plan.Environment,
		ConfigVersion: a.cfg.Plan.ConfigVersion,
		Catalog:       a.cfg.Catalog,
	}, nil
}

// Reaper builds the lease reaper.
func (a *App) Reaper() *lease.Reaper {
	return lease.NewReaper(a.store, a.cfg.Lease.ReapInterval, a.logger)
}

// Archive builds the configured archive backend. It returns a nil Archive when
// archiving is disabled or credentials are unavailable.
func (a *App) Archive(ctx context.Context) (harvest.Archive, error) {
	switch a.cfg.Archive.Provider {
	case config.ArchiveGCS:
		client, err := gcs.NewClient(ctx, a.cfg.Archive.CredentialsFile)
		if err != nil {
			if errors.Is(err, harvest.ErrNoArchiveCredentials) {
				a.logger.Warn("gcs credentials unavailable, uploads will be skipped", zap.Error(err))
				return nil, nil
			}
			return nil, err
		}
		arch, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, arch.Close)
		return arch, nil
	case config.ArchiveLocal:
		arch, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return arch, nil
	default:
		return nil, nil
	}
}

// Publisher builds the Pub/Sub publisher, or returns nil when no topic is set.
func (a *App) Publisher(ctx context.Context) (harvest.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		return nil, nil
	}
	client, err := pubsubpublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, err
	}
	pub := pubsubpublisher.New(client, a.cfg.PubSub.Topic)
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

// Uploader returns the archival uploader, building it and its clients on the
// first call.
func (a *App) Uploader(ctx context.Context) (*archive.Uploader, error) {
	if a.uploader != nil {
		return a.uploader, nil
	}
	arch, err := a.Archive(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	a.uploader = archive.NewUploader(a.store, arch, pub, archive.Config{
		BatchSize:   a.cfg.Archive.BatchSize,
		Interval:    a.cfg.Archive.Interval,
		MaxAttempts: a.cfg.Archive.MaxAttempts,
		BaseDelay:   a.cfg.Archive.BaseDelay,
		Topic:       a.cfg.PubSub.Topic,
	}, a.logger)
	return a.uploader, nil
}

// Fetcher builds the remote API client.
func (a *App) Fetcher() (*collyfetcher.Fetcher, error) {
	headers := make(http.Header, len(a.cfg.API.Headers))
	for k, v := range a.cfg.API.Headers {
		headers.Set(k, v)
	}
	f, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:      a.cfg.API.BaseURL,
		UserAgent:    a.cfg.API.UserAgent,
		Timeout:      a.cfg.API.Timeout,
		MaxBodyBytes: a.cfg.API.MaxBodyBytes,
		Headers:      headers,
	})
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}
	return f, nil
}

// RunOptions select what a Dispatcher runs alongside its workers.
type RunOptions struct {
	RunID        string
	UntilDrained bool
	WithReaper   bool
	WithUploader bool
}

// Dispatcher wires a worker fleet sharing one limiter and one summary.
func (a *App) Dispatcher(ctx context.Context, opts RunOptions, fetcher harvest.Fetcher) (*dispatcher.Dispatcher, error) {
	if opts.RunID == "" {
		id, err := a.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		opts.RunID = id
	}
	if fetcher == nil {
		f, err := a.Fetcher()
		if err != nil {
			return nil, err
		}
		fetcher = f
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxInFlight:       int64(a.cfg.Worker.ConcurrencyCeiling),
		RequestsPerSecond: a.cfg.Worker.RequestsPerSecond,
		Burst:             a.cfg.Worker.Burst,
	})
	summary := harvest.NewSummaryRecorder(opts.RunID, a.clock.Now())
	ingester := content.NewStore(a.store, sha256.New(), content.NewNormalizer(a.cfg.Content.VolatileKeys), a.logger)
	retry := harvest.NewExponentialRetryPolicy(a.cfg.Retry.MaxAttempts, a.cfg.Retry.BaseDelay, a.cfg.Retry.MaxDelay)
	logger := a.logger.With(zap.String("run_id", opts.RunID))

	workers := make([]dispatcher.Runner, 0, a.cfg.Worker.Count)
	for i := 0; i < a.cfg.Worker.Count; i++ {
		workers = append(workers, worker.New(worker.Deps{
			Claims:  a.store,
			Results: a.store,
			Fetcher: fetcher,
			Content: ingester,
			Limiter: limiter,
			Retry:   retry,
			IDs:     a.ids,
			Summary: summary,
			Catalog: a.cfg.Catalog,
		}, worker.Config{
			ID:                fmt.Sprintf("%s-w%d", shortID(opts.RunID), i),
			BatchSize:         a.cfg.Worker.BatchSize,
			LeaseDuration:     a.cfg.Lease.Duration,
			HeartbeatInterval: a.cfg.Lease.HeartbeatInterval,
			IdleWait:          a.cfg.Worker.IdleWait,
			ExitWhenDrained:   opts.UntilDrained,
		}, logger))
	}

	var background []dispatcher.Runner
	if opts.WithReaper {
		background = append(background, a.Reaper())
	}
	if opts.WithUploader {
		uploader, err := a.Uploader(ctx)
		if err != nil {
			return nil, err
		}
		background = append(background, uploader)
	}

	return dispatcher.New(dispatcher.Config{
		Workers:    workers,
		Background: background,
		Summary:    summary,
		Counter:    a.store,
		Clock:      a.clock,
	}, logger), nil
}

// APIServer builds the HTTP query server.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.store, api.Options{APIKey: a.cfg.Server.APIKey}, a.logger)
}

// HTTPServer wraps the query API in an http.Server listening on server.port.
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close releases every resource the App opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close resource failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
