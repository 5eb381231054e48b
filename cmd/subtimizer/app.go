package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	internalnats "github.com/wehubfusion/subtimizer/internal/nats"
	"github.com/wehubfusion/subtimizer/pkg/alert"
	"github.com/wehubfusion/subtimizer/pkg/concurrency"
	"github.com/wehubfusion/subtimizer/pkg/dispatch"
	"github.com/wehubfusion/subtimizer/pkg/events"
	"github.com/wehubfusion/subtimizer/pkg/job"
	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"github.com/wehubfusion/subtimizer/pkg/local"
	"github.com/wehubfusion/subtimizer/pkg/metrics"
	"github.com/wehubfusion/subtimizer/pkg/runner"
	"github.com/wehubfusion/subtimizer/pkg/slurm"
	"github.com/wehubfusion/subtimizer/pkg/stage"
	"github.com/wehubfusion/subtimizer/pkg/status"
	"github.com/wehubfusion/subtimizer/pkg/storage"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const flushTimeout = 5 * time.Second

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}

// app holds the process-wide collaborators of a stage run.
type app struct {
	opts      *globalOptions
	logger    *zap.Logger
	ledger    *ledger.Ledger
	stages    *stage.Config
	scheduler job.Scheduler
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	publisher events.Publisher
	reporter  alert.Reporter
	archive   *storage.Archive
	closers   []func() error
}

// newApp connects everything opts asks for. Call Close when done.
func newApp(ctx context.Context, opts *globalOptions) (a *app, err error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger, err := newLogger(opts.LogLevel)
	if err != nil {
		return nil, err
	}

	undo := concurrency.SetMaxProcs(logger.Named("cpu"))
	a = &app{
		opts:      opts,
		logger:    logger,
		publisher: events.Nop{},
		reporter:  alert.Nop{},
		registry:  prometheus.NewRegistry(),
	}
	a.closers = append(a.closers, func() error {
		// Sync fails on terminals; nothing to do about it.
		_ = logger.Sync()
		return nil
	}, func() error {
		undo()
		return nil
	})
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	if a.stages, err = stage.LoadConfig(opts.ConfigPath); err != nil {
		return a, err
	}
	if a.ledger, err = ledger.Open(opts.LedgerPath); err != nil {
		return a, err
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	switch opts.Scheduler {
	case SchedulerLocal:
		sched := local.New(local.WithLogger(logger.Named("local")))
		a.scheduler = sched
		a.closers = append(a.closers, sched.Close)
	default:
		a.scheduler = slurm.New(slurm.WithLogger(logger.Named("slurm")))
	}

	if opts.NATSURL != "" {
		cfg := internalnats.DefaultConnectionConfig(opts.NATSURL)
		cfg.Subject = opts.NATSSubject
		conn, err := internalnats.Connect(ctx, cfg, logger.Named("nats"))
		if err != nil {
			return a, fmt.Errorf("connect to NATS: %w", err)
		}
		pub := events.NewNATSPublisher(conn, cfg.Subject, cfg.PublishMaxRetries, logger.Named("events"))
		a.publisher = pub
		a.closers = append(a.closers, func() error {
			return multierr.Combine(pub.Flush(flushTimeout), internalnats.Close(conn))
		})
	}

	if opts.SentryDSN != "" {
		s, err := alert.NewSentry(alert.Config{
			DSN:         opts.SentryDSN,
			Environment: opts.Environment,
			Release:     "subtimizer@" + version,
		}, logger.Named("alert"))
		if err != nil {
			return a, err
		}
		a.reporter = s
		a.closers = append(a.closers, func() error {
			if !s.Flush(flushTimeout) {
				return fmt.Errorf("sentry: events still queued after %s", flushTimeout)
			}
			return nil
		})
	}

	if opts.ArchiveContainer != "" {
		store, err := storage.NewAzureBlobStore(os.Getenv(azureConnectionEnv), opts.ArchiveContainer, logger.Named("storage"))
		if err != nil {
			return a, err
		}
		a.archive = storage.NewArchive(store, DefaultArchiveRoot, logger.Named("archive"))
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// newRunner builds a runner for one stage run.
func (a *app) newRunner(cfg *concurrency.Config) (*runner.Runner, error) {
	dispatchOpts := []dispatch.Option{
		dispatch.WithBreaker(concurrency.NewCircuitBreaker(int64(cfg.BreakerThreshold), cfg.BreakerReset)),
	}
	if cfg.JobTimeout > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithWaitTimeout(cfg.JobTimeout))
	}
	opts := []runner.Option{
		runner.WithLogger(a.logger.Named("runner")),
		runner.WithLedger(a.ledger),
		runner.WithPublisher(a.publisher),
		runner.WithRecorder(a.metrics),
		runner.WithReporter(a.reporter),
		runner.WithDispatchOptions(dispatchOpts...),
	}
	if a.opts.OTLPEndpoint != "" {
		tc := runner.DefaultTracingConfig("subtimizer")
		tc.ServiceVersion = version
		tc.OTLPEndpoint = a.opts.OTLPEndpoint
		if a.opts.Environment != "" {
			tc.Environment = a.opts.Environment
		}
		opts = append(opts, runner.WithTracingConfig(tc))
	}
	return runner.New(cfg.MaxJobs, opts...)
}

// runStage runs one stage over the selected work items and writes the
// summary to out. Failed items are reported through the summary; the error
// covers configuration problems, ledger failures and cancellation.
func (a *app) runStage(ctx context.Context, out io.Writer, name string, params map[string]string, ro *runOptions) (summary ledger.Summary, err error) {
	def, err := a.stages.Stage(name)
	if err != nil {
		return summary, err
	}
	ro.Complete(def, a.opts.Scheduler)
	cfg, err := ro.Config()
	if err != nil {
		return summary, err
	}

	items, err := workitem.Load(ro.File)
	if err != nil {
		return summary, err
	}
	selected, err := ro.Select(items)
	if err != nil {
		return summary, err
	}

	adapter, err := stage.NewAdapter(def, a.scheduler,
		stage.WithParams(params),
		stage.WithHandleOptions(job.WithPollInterval(cfg.PollInterval, cfg.MaxPollInterval)),
		stage.WithLogger(a.logger.Named("stage")))
	if err != nil {
		return summary, err
	}

	r, err := a.newRunner(cfg)
	if err != nil {
		return summary, err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	a.logger.Info("Running stage",
		zap.String("stage", name),
		zap.String("file", ro.File),
		zap.Int("selected", len(selected)),
		zap.Int("total", len(items)),
		zap.Stringer("config", cfg))

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopStatus := context.WithCancel(gctx)
	if a.opts.StatusAddr != "" {
		srv := status.New(a.ledger, a.registry, a.logger.Named("status"))
		g.Go(func() error {
			return srv.ListenAndServe(runCtx, a.opts.StatusAddr)
		})
	}
	g.Go(func() error {
		defer stopStatus()
		var runErr error
		summary, runErr = r.Run(runCtx, runner.Request{
			Stage:    name,
			Launcher: adapter,
			Items:    selected,
			Mode:     cfg.Mode,
			Resume:   ro.Resume,
		})
		return runErr
	})
	err = g.Wait()

	if summary.RunID != "" {
		if rerr := summary.Render(out); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		a.archiveRun(ctx, summary)
	}
	return summary, err
}

// archiveRun uploads the ledger; failures are logged, not fatal.
func (a *app) archiveRun(ctx context.Context, summary ledger.Summary) {
	if a.archive == nil {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if _, err := a.archive.Store(archiveCtx, a.ledger, summary); err != nil {
		a.logger.Warn("Failed to archive ledger", zap.String("runID", summary.RunID), zap.Error(err))
	}
}
