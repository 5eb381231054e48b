package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/wehubfusion/subtimizer/pkg/concurrency"
	"github.com/wehubfusion/subtimizer/pkg/stage"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultLedgerPath  = "subtimizer-ledger.jsonl"
	DefaultNATSSubject = "subtimizer"
	DefaultArchiveRoot = "subtimizer"

	SchedulerSLURM = "slurm"
	SchedulerLocal = "local"

	azureConnectionEnv = "AZURE_STORAGE_CONNECTION_STRING"
)

// globalOptions are shared by every command.
type globalOptions struct {
	LedgerPath  string
	ConfigPath  string
	Scheduler   string
	LogLevel    string
	Environment string
	//
	// Observability and side channels; each is off when empty.
	//
	StatusAddr       string
	NATSURL          string
	NATSSubject      string
	OTLPEndpoint     string
	SentryDSN        string
	ArchiveContainer string
}

func newGlobalOptions() *globalOptions {
	return &globalOptions{
		LedgerPath:  DefaultLedgerPath,
		Scheduler:   SchedulerSLURM,
		LogLevel:    "info",
		Environment: os.Getenv("SUBTIMIZER_ENVIRONMENT"),
		NATSSubject: DefaultNATSSubject,
	}
}

// AddFlags binds the options to persistent flags.
func (o *globalOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.LedgerPath, "ledger", o.LedgerPath,
		"Run ledger file (JSON lines). Created when missing.")
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath,
		"Stage definition YAML merged over the built-in stages.")
	fs.StringVar(&o.Scheduler, "scheduler", o.Scheduler,
		"Where jobs run: slurm or local.")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel,
		"Log level (debug, info, warn, error).")
	fs.StringVar(&o.Environment, "environment", o.Environment,
		"Deployment environment reported to tracing and alerting.")
	fs.StringVar(&o.StatusAddr, "status-addr", o.StatusAddr,
		"Serve /healthz, /summary and /metrics on this address while running.")
	fs.StringVar(&o.NATSURL, "nats-url", o.NATSURL,
		"Publish run events to this NATS server.")
	fs.StringVar(&o.NATSSubject, "nats-subject", o.NATSSubject,
		"Subject prefix for run events.")
	fs.StringVar(&o.OTLPEndpoint, "otlp-endpoint", o.OTLPEndpoint,
		"Export traces to this OTLP/HTTP endpoint (host:port).")
	fs.StringVar(&o.SentryDSN, "sentry-dsn", o.SentryDSN,
		"Report failed items to Sentry.")
	fs.StringVar(&o.ArchiveContainer, "archive-container", o.ArchiveContainer,
		"Archive the ledger to this Azure Blob container after each run (needs "+azureConnectionEnv+").")
}

// Validate checks values that do not depend on the command.
func (o *globalOptions) Validate() error {
	if o.LedgerPath == "" {
		return fmt.Errorf("invalid value for flag %q: must not be empty", "ledger")
	}
	switch o.Scheduler {
	case SchedulerSLURM, SchedulerLocal:
	default:
		return fmt.Errorf("invalid value %q for flag %q: want slurm or local", o.Scheduler, "scheduler")
	}
	if _, err := zapcore.ParseLevel(o.LogLevel); err != nil {
		return fmt.Errorf("invalid value %q for flag %q: %w", o.LogLevel, "log-level", err)
	}
	if o.ArchiveContainer != "" && os.Getenv(azureConnectionEnv) == "" {
		return fmt.Errorf("flag %q requires %s", "archive-container", azureConnectionEnv)
	}
	return nil
}

// runOptions configure one stage run. Defaults come from
// concurrency.LoadConfig, so SUBTIMIZER_* variables apply unless a flag is
// given.
type runOptions struct {
	File            string
	MaxJobs         int
	Start           int
	End             int
	Mode            string
	Resume          bool
	JobTimeout      time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	cfg *concurrency.Config
	fs  *pflag.FlagSet
}

func newRunOptions() *runOptions {
	cfg := concurrency.LoadConfig()
	return &runOptions{
		MaxJobs:         cfg.MaxJobs,
		Start:           1,
		Mode:            string(cfg.Mode),
		JobTimeout:      cfg.JobTimeout,
		PollInterval:    cfg.PollInterval,
		MaxPollInterval: cfg.MaxPollInterval,
		cfg:             cfg,
	}
}

// AddFlags binds the options to the command's local flags.
func (o *runOptions) AddFlags(fs *pflag.FlagSet) {
	o.fs = fs
	fs.StringVarP(&o.File, "file", "f", o.File,
		"Work list: one complex name per line.")
	fs.IntVarP(&o.MaxJobs, "max-jobs", "n", o.MaxJobs,
		"Maximum jobs in flight.")
	fs.IntVar(&o.Start, "start", o.Start,
		"First item to run (1-based, inclusive).")
	fs.IntVar(&o.End, "end", o.End,
		"Last item to run (1-based, inclusive). Default: last.")
	fs.StringVar(&o.Mode, "mode", o.Mode,
		"batch: waves of max-jobs with a barrier; parallel: sliding window.")
	fs.BoolVar(&o.Resume, "resume", o.Resume,
		"Skip items the ledger records as succeeded and re-poll jobs left running by a cancelled run.")
	fs.DurationVar(&o.JobTimeout, "job-timeout", o.JobTimeout,
		"Warn when a job is still active after this long, then keep polling. 0 waits silently.")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval,
		"Initial delay between status polls.")
	fs.DurationVar(&o.MaxPollInterval, "max-poll-interval", o.MaxPollInterval,
		"Upper bound for the growing delay between status polls.")
}

// Complete applies the stage's own concurrency default when neither the
// flag nor the environment chose one. For the local scheduler that default
// is also capped at the CPUs available.
func (o *runOptions) Complete(def stage.Definition, scheduler string) {
	maxJobsSet := o.fs != nil && o.fs.Changed("max-jobs")
	if !maxJobsSet && os.Getenv("SUBTIMIZER_MAX_JOBS") == "" {
		if def.MaxJobs > 0 {
			o.MaxJobs = def.MaxJobs
		}
		if scheduler == SchedulerLocal {
			o.MaxJobs = concurrency.LocalJobLimit(o.MaxJobs)
		}
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = o.PollInterval
	}
}

// Select applies the --start/--end window; without --end it runs to the
// last item.
func (o *runOptions) Select(items []workitem.Item) ([]workitem.Item, error) {
	if o.fs != nil && o.fs.Changed("end") {
		return workitem.Select(items, o.Start, o.End)
	}
	return workitem.SelectFrom(items, o.Start)
}

// Config returns the validated run configuration.
func (o *runOptions) Config() (*concurrency.Config, error) {
	if o.File == "" {
		return nil, fmt.Errorf("flag %q is required", "file")
	}
	mode, err := concurrency.ParseMode(o.Mode)
	if err != nil {
		return nil, err
	}
	cfg := *o.cfg
	cfg.MaxJobs = o.MaxJobs
	cfg.Mode = mode
	cfg.JobTimeout = o.JobTimeout
	cfg.PollInterval = o.PollInterval
	cfg.MaxPollInterval = o.MaxPollInterval
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
