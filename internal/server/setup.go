package server

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/api"
	"github.com/JakeFAU/crashtriage/internal/buglink"
	"github.com/JakeFAU/crashtriage/internal/capability"
	"github.com/JakeFAU/crashtriage/internal/claim"
	"github.com/JakeFAU/crashtriage/internal/clock/system"
	"github.com/JakeFAU/crashtriage/internal/dispatcher"
	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/events/sinks"
	"github.com/JakeFAU/crashtriage/internal/hash/sha256"
	"github.com/JakeFAU/crashtriage/internal/history"
	"github.com/JakeFAU/crashtriage/internal/id/uuid"
	"github.com/JakeFAU/crashtriage/internal/ingest"
	"github.com/JakeFAU/crashtriage/internal/metrics"
	"github.com/JakeFAU/crashtriage/internal/pending"
	"github.com/JakeFAU/crashtriage/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/crashtriage/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crashtriage/internal/publisher/pubsub"
	"github.com/JakeFAU/crashtriage/internal/retest"
	"github.com/JakeFAU/crashtriage/internal/runner"
	gcsstorage "github.com/JakeFAU/crashtriage/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crashtriage/internal/storage/local"
	memorystorage "github.com/JakeFAU/crashtriage/internal/storage/memory"
	pgstore "github.com/JakeFAU/crashtriage/internal/storage/postgres"
	"github.com/JakeFAU/crashtriage/internal/triage"
	"github.com/JakeFAU/crashtriage/internal/worker"
)

func setupStore(ctx context.Context, app *App) error {
	if app.store != nil {
		return nil
	}
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database.dsn configured, using in-memory record store")
		app.store = memorystorage.NewStore()
		return nil
	}
	store, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		Schema:          app.cfg.Database.Schema,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	app.onClose("postgres", func(context.Context) error {
		store.Close()
		return nil
	})
	if app.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		app.logger.Info("record store schema migrated", zap.String("schema", app.cfg.Database.Schema))
	}
	app.store = store
	app.ready = store.Ping
	app.logger.Info("postgres record store initialized", zap.String("schema", app.cfg.Database.Schema))
	return nil
}

// setupArchive returns nil when archiving is disabled.
func setupArchive(ctx context.Context, app *App) (triage.BlobStore, error) {
	if !app.cfg.Storage.Archive {
		app.logger.Info("raw result archive disabled")
		return nil, nil
	}
	switch app.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.onClose("gcs", func(context.Context) error { return store.Close() })
		app.logger.Info("using GCS archive", zap.String("bucket", app.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local archive", zap.String("path", app.cfg.Storage.Local.BaseDir))
		return store, nil
	default:
		app.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (triage.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	app.onClose("pubsub", func(context.Context) error { return pub.Close() })
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("signature_topic", app.cfg.PubSub.SignatureTopic),
		zap.String("retest_topic", app.cfg.PubSub.RetestTopic),
	)
	return pub, nil
}

// setupEvents returns nil when the event hub is disabled.
func setupEvents(ctx context.Context, app *App, pub triage.Publisher) (events.Emitter, error) {
	if !app.cfg.Events.Enabled {
		app.logger.Info("dispatch events disabled")
		return nil, nil
	}
	prom, err := sinks.NewPrometheusSink(app.registry)
	if err != nil {
		return nil, err
	}
	sinkList := []events.Sink{prom}
	if app.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("events")))
	}
	topics := sinks.Topics{
		Signatures: app.cfg.PubSub.SignatureTopic,
		Retests:    app.cfg.PubSub.RetestTopic,
	}
	if topics.Signatures != "" || topics.Retests != "" {
		sinkList = append(sinkList, sinks.NewPublisherSink(pub, topics, app.logger.Named("events_publisher")))
	}
	hubCfg := events.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Events.MaxBatchWait,
		SinkTimeout:    app.cfg.Events.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		OnDrop:         func(stage events.Stage) { metrics.ObserveEventDrop(string(stage)) },
		Logger:         app.logger.Named("event_hub"),
	}
	app.hub = events.NewHub(hubCfg, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.hub, nil
}

// components are the domain services shared by both modes.
type components struct {
	ids      triage.IDGenerator
	clock    triage.Clock
	workers  *capability.Index
	pending  *pending.Index
	claimer  *claim.Claimer
	history  *history.Aggregator
	ingester *ingest.Ingester
	filter   *buglink.Filter
	linker   *buglink.Linker
	retester *retest.Dispatcher
}

func newComponents(app *App, archive triage.BlobStore, emitter events.Emitter) components {
	store := app.store
	ids := uuid.New()
	clock := system.New()
	pendingIdx := pending.New(store)
	caps := capability.New(store)
	historyCfg := history.Config{
		MaxAttempts: app.cfg.History.MaxAttempts,
		Backoff:     app.cfg.History.Backoff,
		MaxBackoff:  app.cfg.History.MaxBackoff,
	}
	agg := history.New(store, sha256.New(), historyCfg, emitter, app.logger.Named("history"))
	return components{
		ids:     ids,
		clock:   clock,
		workers: caps,
		pending: pendingIdx,
		claimer: claim.New(pendingIdx, store, claim.Config{
			MaxAttempts: app.cfg.Claim.MaxAttempts,
			Timeout:     app.cfg.Claim.Timeout,
			Backoff:     app.cfg.Claim.Backoff,
		}, claim.WithEmitter(emitter), claim.WithClock(clock), claim.WithLogger(app.logger.Named("claim"))),
		history: agg,
		ingester: ingest.New(store, agg, archive, ids, ingest.Config{
			ArchivePrefix: app.cfg.Storage.Prefix,
			ContentType:   app.cfg.Storage.ContentType,
		}, emitter, app.logger.Named("ingest")),
		filter: buglink.NewFilter(store),
		linker: buglink.NewLinker(store, historyCfg.Policy(), app.logger.Named("buglink")),
		retester: retest.New(caps, store, ids, retest.Config{
			Versions:      app.cfg.Retest.Versions,
			CPUMaxVersion: app.cfg.Retest.CPUMaxVersion,
		}, emitter, app.logger.Named("retest")),
	}
}

func (c components) services(app *App) api.Services {
	svc := api.Services{
		Store:    app.store,
		Workers:  c.workers,
		Pending:  c.pending,
		Claimer:  c.claimer,
		Ingester: c.ingester,
		History:  c.history,
		Filter:   c.filter,
		Linker:   c.linker,
		Retester: c.retester,
		Ready:    app.ready,
	}
	if app.cfg.RateLimit.Enabled {
		svc.Limiter = ratelimit.New(ratelimit.Config{
			RPS:   app.cfg.RateLimit.RPS,
			Burst: app.cfg.RateLimit.Burst,
		})
		app.logger.Info("claim rate limiter enabled",
			zap.Float64("rps", app.cfg.RateLimit.RPS),
			zap.Int("burst", app.cfg.RateLimit.Burst),
		)
	}
	return svc
}

func setupWorkers(app *App, c components) *dispatcher.Dispatcher {
	wc := app.cfg.Worker
	hostname := wc.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "localhost"
		}
	}
	cmd := runner.NewCommand(wc.Command, wc.Args, wc.RunTimeout, app.logger.Named("runner"))
	if wc.MaxOutputBytes > 0 {
		cmd.MaxOutput = wc.MaxOutputBytes
	}
	var opts []worker.Option
	if app.cfg.RateLimit.Enabled {
		opts = append(opts, worker.WithThrottle(ratelimit.New(ratelimit.Config{
			RPS:   app.cfg.RateLimit.RPS,
			Burst: app.cfg.RateLimit.Burst,
		})))
	}

	workers := make([]dispatcher.Runnable, 0, wc.Concurrency)
	for i := range wc.Concurrency {
		id := fmt.Sprintf("%s-%s-%d", wc.IDPrefix, hostname, i)
		workers = append(workers, worker.New(app.store, c.claimer, cmd, c.ingester, c.clock, worker.Config{
			ID:                id,
			Hostname:          hostname,
			Capability:        wc.Capability(),
			PollInterval:      wc.PollInterval,
			HeartbeatInterval: wc.HeartbeatInterval,
		}, app.logger.Named("worker"), opts...))
	}
	app.logger.Info("worker pool configured",
		zap.Int("concurrency", wc.Concurrency),
		zap.Stringer("capability", wc.Capability()),
		zap.String("command", wc.Command),
	)
	return dispatcher.New(workers, app.logger.Named("dispatcher"))
}
