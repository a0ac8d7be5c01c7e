// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/drivesync/internal/config"
	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/core/classifier"
	db "github.com/markdave123-py/drivesync/internal/core/database"
	"github.com/markdave123-py/drivesync/internal/core/graph"
	"github.com/markdave123-py/drivesync/internal/core/ingestion_engine"
	"github.com/markdave123-py/drivesync/internal/core/kvstore"
	"github.com/markdave123-py/drivesync/internal/core/llm"
	"github.com/markdave123-py/drivesync/internal/core/localindex"
	"github.com/markdave123-py/drivesync/internal/core/notify"
	objectclient "github.com/markdave123-py/drivesync/internal/core/object-client"
	"github.com/markdave123-py/drivesync/internal/core/scheduler"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/core/subscriptions"
	"github.com/markdave123-py/drivesync/internal/services"
)

// dispatchTimeout bounds how long a webhook waits for room in the sync queue.
const dispatchTimeout = 2 * time.Second

type App struct {
	Config *config.Config
	Logger *slog.Logger

	KV      core.KVStore
	Index   core.IndexClient
	Archive core.ObjectClient
	Graph   *graph.Client

	Tenants *state.TenantStore
	Tracker *state.Tracker
	Cursors *state.CursorStore
	Mirror  *state.SubscriptionStore

	Subscriptions *subscriptions.Manager
	Queue         *ingestion_engine.LargeFileQueue
	Orchestrator  *ingestion_engine.Orchestrator
	Syncer        *ingestion_engine.DriveSyncer
	Router        *notify.Router

	TenantService    *services.TenantService
	RetentionService *services.RetentionService
	SearchService    *services.SearchService

	scheduler *scheduler.Scheduler
	closers   []func() error
}

// NewApp opens every backend selected by cfg and wires the pipeline. Nothing
// runs until Start.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()
	var err error

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var pg *db.DatabaseClient
	if cfg.IndexBackend == config.IndexPgvector || cfg.StateBackend == config.StatePostgres {
		if pg, err = db.NewDatabaseClient(appCtx, cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		logger.Info("database initialized and ready")
	}

	switch cfg.StateBackend {
	case config.StatePostgres:
		a.KV = db.NewKVStore(pg)
	default:
		bdg, err := kvstore.OpenBadger(cfg.BadgerPath, false, logger)
		if err != nil {
			return nil, err
		}
		a.KV = bdg
		a.closers = append(a.closers, bdg.Close)
	}

	switch cfg.IndexBackend {
	case config.IndexSQLite:
		idx, err := localindex.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.Index = idx
		a.closers = append(a.closers, idx.Close)
	default:
		a.Index = db.NewIndexClient(pg)
	}

	if cfg.ArchiveBucket != "" {
		s3, err := objectclient.NewS3Client(appCtx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Archive = s3
		logger.Info("object client initialized and ready", "bucket", cfg.ArchiveBucket)
	}

	embedder, err := a.newEmbedder(appCtx)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}

	a.Graph, err = graph.NewClient(ctx, graph.Config{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		BaseURL:      cfg.GraphBaseURL,
		RPS:          cfg.GraphRPS,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.Tenants = state.NewTenantStore(a.KV)
	a.Tracker = state.NewTracker(a.KV)
	a.Cursors = state.NewCursorStore(a.KV)
	a.Mirror = state.NewSubscriptionStore(a.KV)

	states := notify.ClientStateConfig{
		Secret: cfg.WebhookClientState,
		Prefix: cfg.ClientStatePrefix,
		Suffix: cfg.ClientStateSuffix,
	}
	a.Subscriptions = subscriptions.NewManager(a.Graph, a.Mirror, subscriptions.Config{
		NotificationURL: cfg.NotificationURL(),
		States:          states,
	}, logger)

	ingCfg := ingestion_engine.ConfigFrom(cfg)
	a.Queue, err = ingestion_engine.NewLargeFileQueue(a.KV, cfg.Pipeline.QueueWorkers, cfg.Pipeline.LargeFileTimeout, logger)
	if err != nil {
		return nil, err
	}

	useReadability := false
	a.Orchestrator, err = ingestion_engine.NewOrchestrator(ingestion_engine.Deps{
		Index:      a.Index,
		Tracker:    a.Tracker,
		Downloader: a.Graph,
		Extractor:  ingestion_engine.NewDocconvExtractor(useReadability),
		Embedder:   embedder,
		Classifier: classifier.New(classifier.ThresholdsFrom(cfg.Pipeline)),
		Archive:    a.Archive,
		Queue:      a.Queue,
		Logger:     logger,
	}, ingCfg)
	if err != nil {
		return nil, err
	}

	a.Syncer = ingestion_engine.NewDriveSyncer(graph.NewDeltaResolver(a.Graph, a.Cursors), a.Cursors, a.Orchestrator, logger)
	a.Queue.SetHandler(a.Orchestrator.ProcessJob, a.Syncer.OnJobFailed)

	a.Router = notify.NewRouter(states, notify.DispatchFunc(a.dispatch), logger)

	a.TenantService = services.NewTenantService(services.TenantDeps{
		Tenants:       a.Tenants,
		Tracker:       a.Tracker,
		Cursors:       a.Cursors,
		Subscriptions: a.Subscriptions,
		Index:         a.Index,
		Archive:       a.Archive,
		Syncs:         a.Syncer,
		Logger:        logger,
	})
	a.RetentionService = services.NewRetentionService(a.Tenants, a.Index, a.Archive, logger)
	a.SearchService = services.NewSearchService(a.Index, embedder, logger)

	a.scheduler = scheduler.New(logger,
		scheduler.Task{
			Name:       "subscription-renewal",
			Interval:   cfg.RenewalInterval,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := a.Subscriptions.RenewDue(ctx)
				return err
			},
		},
		scheduler.Task{
			Name:     "retention",
			Interval: cfg.RetentionInterval,
			Run: func(ctx context.Context) error {
				_, err := a.RetentionService.Sweep(ctx)
				return err
			},
		},
	)
	ready = true
	return a, nil
}

// dispatch registers the tenant on first sight and queues a sync of the drive.
func (a *App) dispatch(ctx context.Context, tenantID, driveID string) error {
	if _, err := a.Tenants.Get(ctx, tenantID); err != nil {
		return fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	return a.Syncer.Enqueue(ctx, ingestion_engine.SyncJob{TenantID: tenantID, DriveID: driveID})
}

// Start runs the sync workers, the large-file queue and, with schedule set,
// the renewal and retention timers.
func (a *App) Start(ctx context.Context, schedule bool) {
	a.Queue.Start(ctx)
	a.Syncer.Start(ctx, a.Config.SyncWorkers)
	if schedule {
		a.scheduler.Start(ctx)
	}
}

func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	var errs []error
	// reverse open order
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("closing backends", "err", err)
	}
}

func (a *App) newEmbedder(ctx context.Context) (core.EmbeddingProvider, error) {
	cfg, logger := a.Config, a.Logger
	var (
		inner core.EmbeddingProvider
		err   error
	)
	switch cfg.EmbedProvider {
	case config.EmbedOpenAI:
		model := cfg.EmbedModel
		if model == config.DefaultGeminiEmbedModel {
			model = ""
		}
		inner, err = llm.NewOpenAIEmbedder(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			APIVersion: cfg.OpenAIAPIVersion,
			Model:      model,
			Dim:        cfg.EmbedDim,
		}, logger)
	default:
		var g *llm.GeminiEmbedder
		if g, err = llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim); err == nil {
			inner = g
			a.closers = append(a.closers, g.Close)
		}
	}
	if err != nil {
		return nil, err
	}
	return llm.NewResilient(inner, llm.ResilientConfig{
		Timeout:     cfg.EmbedTimeout,
		MaxAttempts: cfg.EmbedMaxAttempts,
		Fallback:    cfg.EmbedFallback,
		Dim:         cfg.EmbedDim,
	}, logger), nil
}
