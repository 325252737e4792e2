package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/objectfs/objectsync/internal/circuit"
	"github.com/objectfs/objectsync/internal/config"
	"github.com/objectfs/objectsync/internal/engine"
	"github.com/objectfs/objectsync/internal/filter"
	"github.com/objectfs/objectsync/internal/listfile"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/internal/metrics"
	"github.com/objectfs/objectsync/internal/progress"
	"github.com/objectfs/objectsync/internal/stats"
	"github.com/objectfs/objectsync/internal/storage/s3"
	"github.com/objectfs/objectsync/pkg/api"
	"github.com/objectfs/objectsync/pkg/status"
	"github.com/objectfs/objectsync/pkg/types"
)

func syncFlags() []cli.Flag {
	return []cli.Flag{
		newConfigFlag(),
		&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Usage: "source location (path, file://, s3://bucket/prefix, memory://name)"},
		&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "target location"},
		&cli.StringFlag{Name: "job-id", Usage: "job identifier (default random)"},
		&cli.StringFlag{Name: "list-file", Usage: "sync only the identifiers listed in this file"},
		&cli.BoolFlag{Name: "raw-list", Usage: "take each list file line verbatim"},
		&cli.StringSliceFlag{Name: "filter", Usage: "filter to apply, as name or name:key=value,key=value (repeatable)"},

		&cli.IntFlag{Name: "query-threads", Usage: "concurrent listing threads"},
		&cli.IntFlag{Name: "sync-threads", Usage: "concurrent transfer threads"},
		&cli.IntFlag{Name: "queue-size", Usage: "objects queued between discovery and transfer"},
		&cli.IntFlag{Name: "max-retries", Usage: "retries of a transient failure per object"},
		&cli.Float64Flag{Name: "objects-per-second", Usage: "transfer rate limit in objects"},
		&cli.Int64Flag{Name: "bytes-per-second", Usage: "transfer rate limit in bytes"},

		&cli.BoolFlag{Name: "no-recursive", Usage: "do not descend into directories"},
		&cli.BoolFlag{Name: "no-verify", Usage: "do not read transferred objects back"},
		&cli.BoolFlag{Name: "verify-only", Usage: "only verify; never copy"},
		&cli.BoolFlag{Name: "force", Usage: "copy objects already recorded as done"},
		&cli.BoolFlag{Name: "delete-source", Usage: "delete each source object once it is copied and verified"},
		&cli.BoolFlag{Name: "detect-deleted", Usage: "flag records whose source object is gone"},
		&cli.BoolFlag{Name: "estimate", Usage: "count the source first to report progress"},
		&cli.BoolFlag{Name: "enhanced-details", Usage: "record checksums, target mtime and retention"},

		&cli.StringFlag{Name: "store-driver", Usage: "progress store driver (memory, sqlite3, postgres)"},
		&cli.StringFlag{Name: "store-dsn", Usage: "progress store data source name"},
		&cli.StringFlag{Name: "listen", Usage: "serve the control API on this address"},
		&cli.BoolFlag{Name: "metrics", Usage: "expose Prometheus metrics"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
		&cli.StringFlag{Name: "log-format", Usage: "json or console"},
	}
}

// loadConfig loads the file and environment configuration and applies the
// command line on top.
func loadConfig(c *cli.Context) (*config.Configuration, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	strFlags := map[string]*string{
		"source":       &cfg.Job.Source,
		"target":       &cfg.Job.Target,
		"job-id":       &cfg.Job.ID,
		"list-file":    &cfg.Job.ListFile,
		"store-driver": &cfg.Store.Driver,
		"store-dsn":    &cfg.Store.DSN,
		"listen":       &cfg.Server.Listen,
		"log-level":    &cfg.Logging.Level,
		"log-format":   &cfg.Logging.Format,
	}
	for name, dst := range strFlags {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}

	intFlags := map[string]*int{
		"query-threads": &cfg.Options.QueryThreads,
		"sync-threads":  &cfg.Options.SyncThreads,
		"queue-size":    &cfg.Options.QueueSize,
		"max-retries":   &cfg.Options.MaxRetries,
	}
	for name, dst := range intFlags {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	boolFlags := map[string]*bool{
		"raw-list":         &cfg.Job.RawList,
		"verify-only":      &cfg.Options.VerifyOnly,
		"force":            &cfg.Options.Force,
		"delete-source":    &cfg.Options.DeleteSource,
		"detect-deleted":   &cfg.Options.DetectDeleted,
		"estimate":         &cfg.Options.Estimate,
		"enhanced-details": &cfg.Options.EnhancedDetails,
		"metrics":          &cfg.Metrics.Enabled,
	}
	for name, dst := range boolFlags {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}
	if c.IsSet("no-recursive") {
		cfg.Options.Recursive = !c.Bool("no-recursive")
	}
	if c.IsSet("no-verify") {
		cfg.Options.Verify = !c.Bool("no-verify")
	}
	if c.IsSet("objects-per-second") {
		cfg.Options.ObjectsPerSecond = c.Float64("objects-per-second")
	}
	if c.IsSet("bytes-per-second") {
		cfg.Options.BytesPerSecond = c.Int64("bytes-per-second")
	}

	if c.IsSet("filter") {
		specs := make([]filter.Spec, 0, len(c.StringSlice("filter")))
		for _, arg := range c.StringSlice("filter") {
			spec, err := parseFilterSpec(arg)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		cfg.Job.Filters = specs
	}

	// the store keeps enhanced columns only when the engine produces them
	cfg.Store.EnhancedDetails = cfg.Options.EnhancedDetails
	return cfg, nil
}

// parseFilterSpec parses "name" or "name:key=value,key=value".
func parseFilterSpec(arg string) (filter.Spec, error) {
	name, opts, _ := strings.Cut(arg, ":")
	spec := filter.Spec{Name: strings.TrimSpace(name)}
	if spec.Name == "" {
		return spec, fmt.Errorf("filter %q has no name", arg)
	}
	if opts == "" {
		return spec, nil
	}
	spec.Options = make(map[string]string)
	for _, kv := range strings.Split(opts, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return spec, fmt.Errorf("filter %q: option %q is not key=value", spec.Name, kv)
		}
		spec.Options[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return spec, nil
}

func (r *runner) runSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}

	log := logger.New(cfg.Logging, "objectsync")
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	run, err := r.assemble(ctx, cfg, log)
	if err != nil {
		return cli.Exit(err.Error(), exitFatal)
	}
	defer run.close(log)

	tracker := status.NewTracker(status.DefaultTrackerConfig())
	if cfg.Server.Listen != "" {
		stopServer := r.serve(cfg, tracker, run, log)
		defer stopServer()
	} else if run.collector.Enabled() {
		if err := run.collector.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server not started")
		}
	}

	runErr := tracker.Run(ctx, run.job)
	result := run.job.Progress()
	fmt.Fprint(r.stdout, stats.Summary(result))

	switch {
	case runErr != nil:
		return cli.Exit("sync failed: "+runErr.Error(), exitFatal)
	case result.ObjectsFailed > 0:
		return cli.Exit(fmt.Sprintf("%d objects failed", result.ObjectsFailed), exitPartial)
	}
	return nil
}

// syncRun is everything a sync owns and must release.
type syncRun struct {
	job       *engine.Job
	source    types.Storage
	target    types.Storage
	filters   []types.Filter
	store     progress.Store
	list      *listfile.Reader
	collector *metrics.Collector
	breakers  *circuit.Manager
}

func (r *runner) assemble(ctx context.Context, cfg *config.Configuration, log *logger.Logger) (run *syncRun, err error) {
	run = &syncRun{breakers: circuit.NewManager(circuit.DefaultConfig())}
	defer func() {
		if err != nil {
			run.close(log)
		}
	}()

	if run.source, err = r.storages.Open(ctx, cfg.Job.Source, cfg.SourceStorage, log.WithField("role", "source")); err != nil {
		return run, err
	}
	targetOpts := cfg.TargetStorage
	targetOpts.Create = true
	if run.target, err = r.storages.Open(ctx, cfg.Job.Target, targetOpts, log.WithField("role", "target")); err != nil {
		return run, err
	}
	for _, st := range []types.Storage{run.source, run.target} {
		if s, ok := st.(*s3.Storage); ok {
			run.breakers.Register(s.Breaker())
		}
	}

	if run.filters, err = r.filters.Build(cfg.Job.Filters, log); err != nil {
		return run, err
	}
	if run.store, err = progress.Open(ctx, cfg.Store, log); err != nil {
		return run, err
	}
	if cfg.Job.ListFile != "" {
		if run.list, err = listfile.Open(cfg.Job.ListFile, cfg.Job.RawList); err != nil {
			return run, err
		}
	}
	if run.collector, err = metrics.NewCollector(&cfg.Metrics, log); err != nil {
		return run, err
	}

	jobCfg := engine.Config{
		ID:      cfg.Job.ID,
		Source:  run.source,
		Target:  run.target,
		List:    run.list,
		Filters: run.filters,
		Store:   run.store,
		Options: cfg.Options,
		Stats:   stats.DefaultConfig(),
		Logger:  log,
	}
	if run.collector.Enabled() {
		jobCfg.Metrics = run.collector
	}
	run.job, err = engine.New(jobCfg)
	return run, err
}

func (s *syncRun) close(log *logger.Logger) {
	type closer struct {
		name string
		fn   func() error
	}
	var closers []closer
	if s.list != nil {
		closers = append(closers, closer{"list file", s.list.Close})
	}
	if s.filters != nil {
		closers = append(closers, closer{"filters", func() error { return filter.CloseAll(s.filters) }})
	}
	if s.store != nil {
		closers = append(closers, closer{"progress store", s.store.Close})
	}
	if s.source != nil {
		closers = append(closers, closer{"source", s.source.Close})
	}
	if s.target != nil {
		closers = append(closers, closer{"target", s.target.Close})
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			log.Warn().Err(err).Str("resource", c.name).Msg("close failed")
		}
	}
}

// serve starts the control API and returns a function that shuts it down.
func (r *runner) serve(cfg *config.Configuration, tracker *status.Tracker, run *syncRun, log *logger.Logger) func() {
	opts := []api.Option{api.WithBreakers(run.breakers), api.WithLogger(log)}
	for role, st := range map[string]types.Storage{"source": run.source, "target": run.target} {
		if s, ok := st.(*s3.Storage); ok {
			opts = append(opts, api.WithStorage(role, s))
		}
	}
	if run.collector.Enabled() {
		opts = append(opts, api.WithMetrics(run.collector.Handler()))
	}
	server := api.NewServer(api.ServerConfig{
		Address:      cfg.Server.Listen,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}, tracker, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Start(ctx); err != nil {
			log.Error().Err(err).Msg("control API failed")
		}
	}()

	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(cfg.Server.ShutdownTimeout):
			log.Warn().Msg("control API did not shut down in time")
		}
	}
}
