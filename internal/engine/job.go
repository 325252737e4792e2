// Package engine runs sync jobs: it feeds enumerated objects through a
// bounded queue to a resizable transfer pool, which copies each object
// through the filter chain, verifies it, and persists every state change to
// the progress store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/objectfs/objectsync/internal/enumerate"
	"github.com/objectfs/objectsync/internal/filter"
	"github.com/objectfs/objectsync/internal/listfile"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/internal/metrics"
	"github.com/objectfs/objectsync/internal/progress"
	"github.com/objectfs/objectsync/internal/stats"
	"github.com/objectfs/objectsync/internal/storage"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
	"github.com/objectfs/objectsync/pkg/types"
)

// Metrics receives engine and storage telemetry. *metrics.Collector
// implements it.
type Metrics interface {
	storage.Observer
	RecordObject(outcome string, bytes int64, d time.Duration)
	RecordRetry()
	SetActiveTransfers(n int64)
	SetQueueDepth(n int)
}

// Config assembles a job.
type Config struct {
	// ID identifies the job; a random UUID is used when empty.
	ID string

	Source types.Storage
	Target types.Storage
	// List, when set, replaces the source enumeration with the entries of a
	// list file. The caller closes it.
	List *listfile.Reader

	Filters []types.Filter
	Store   progress.Store
	Options Options
	Stats   stats.Config
	Metrics Metrics
	Logger  *logger.Logger
}

// Job owns one run. Control methods are safe to call from any goroutine.
type Job struct {
	id      string
	source  types.Storage
	target  types.Storage
	list    *listfile.Reader
	filters []types.Filter
	store   progress.Store
	metrics Metrics
	stats   *stats.Aggregator
	logger  *logger.Logger
	now     func() time.Time

	mu    sync.Mutex
	opts  Options
	state string
	pool  *pool

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	gate     *gate

	runErrOnce sync.Once
	runErr     error
	abort      context.CancelFunc

	chain       *filter.Chain
	verifier    *filter.Verifier
	retryer     *retry.Retryer
	objects     *rate.Limiter
	bytes       *rate.Limiter
	queue       chan *types.ObjectContext
	inflight    *inflight
	outstanding *outstanding
	retries     sync.WaitGroup

	seenMu     sync.Mutex
	seen       map[string]struct{}
	enumFailed atomic.Bool
}

// New validates cfg and creates a job in the pending state.
func New(cfg Config) (*Job, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.NewConfigurationError("job requires a source storage")
	case cfg.Target == nil:
		return nil, errors.NewConfigurationError("job requires a target storage")
	case cfg.Store == nil:
		return nil, errors.NewConfigurationError("job requires a progress store")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	j := &Job{
		id:      cfg.ID,
		source:  cfg.Source,
		target:  cfg.Target,
		list:    cfg.List,
		filters: cfg.Filters,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		stats:   stats.New(cfg.Stats),
		logger:  cfg.Logger.WithField("job_id", cfg.ID),
		now:     time.Now,
		opts:    cfg.Options,
		state:   types.RunStatePending,
		stopCh:  make(chan struct{}),
		gate:    newGate(),
	}
	if j.metrics == nil {
		j.metrics = nopMetrics{}
	} else {
		j.source = storage.Instrument(j.source, "source", j.metrics)
		j.target = storage.Instrument(j.target, "target", j.metrics)
	}
	return j, nil
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// State returns the run state.
func (j *Job) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s string) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
	j.logger.Info().Str("state", s).Msg("job state changed")
}

// Progress returns a snapshot of the run.
func (j *Job) Progress() types.RunStats {
	s := j.stats.Snapshot()
	s.JobID = j.id
	s.State = j.State()
	if err := j.err(); err != nil {
		s.RunError = err.Error()
	}
	return s
}

// Run executes the job once. Object failures are counted, not returned; the
// error is the fatal condition that ended the run, if any.
func (j *Job) Run(ctx context.Context) error {
	if !j.started.CompareAndSwap(false, true) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "job has already run").WithContext("job_id", j.id)
	}
	j.mu.Lock()
	opts := j.opts
	j.mu.Unlock()

	j.stats.Start()
	if j.stopping() {
		return j.finish()
	}
	j.setState(types.RunStateRunning)

	if err := j.configure(ctx, opts); err != nil {
		j.setRunError(err)
		return j.finish()
	}

	workCtx, abort := context.WithCancel(ctx)
	defer abort()
	j.abort = abort

	var background sync.WaitGroup
	telemetryCtx, stopTelemetry := context.WithCancel(workCtx)
	background.Add(1)
	go func() {
		defer background.Done()
		j.stats.Run(telemetryCtx)
	}()
	if opts.ProgressInterval > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			j.logProgress(telemetryCtx, opts.ProgressInterval)
		}()
	}

	discoverCtx, stopDiscovery := context.WithCancel(workCtx)
	defer stopDiscovery()
	go func() {
		select {
		case <-j.stopCh:
			stopDiscovery()
		case <-discoverCtx.Done():
		}
	}()
	if opts.Estimate && j.list == nil {
		background.Add(1)
		go func() {
			defer background.Done()
			j.estimate(discoverCtx, opts)
		}()
	}

	j.mu.Lock()
	j.pool = newPool(func() bool { return j.step(workCtx) })
	j.pool.resize(j.opts.SyncThreads)
	j.sizeStorages(j.opts.SyncThreads)
	j.mu.Unlock()

	enumErr := j.discover(discoverCtx, opts)
	j.outstanding.seal()
	j.pool.wait()
	j.retries.Wait()

	if enumErr != nil && !j.stopping() && workCtx.Err() == nil {
		j.setRunError(fmt.Errorf("enumerating source: %w", enumErr))
	}
	if enumErr == nil && ctx.Err() == nil && !j.stopping() && j.err() == nil {
		j.reconcile(workCtx, opts)
	}
	if ctx.Err() != nil {
		// cancellation by the caller ends the run like Stop
		j.stopOnce.Do(func() { close(j.stopCh) })
	}

	stopTelemetry()
	background.Wait()
	return j.finish()
}

func (j *Job) configure(ctx context.Context, opts Options) error {
	if err := j.source.Configure(ctx, j.source, j.filters, j.target); err != nil {
		return fmt.Errorf("configuring source %s: %w", j.source.Name(), err)
	}
	if err := j.target.Configure(ctx, j.source, j.filters, j.target); err != nil {
		return fmt.Errorf("configuring target %s: %w", j.target.Name(), err)
	}

	target := filter.NewTargetFilter(j.target, filter.TargetOptions{
		Force:           opts.Force,
		EnhancedDetails: opts.EnhancedDetails,
		Verify:          opts.verifying(),
	}, j.logger)
	j.chain = filter.NewChain(j.filters, target, j.logger)
	j.verifier = filter.NewVerifier(filter.VerifyOptions{
		FullRead:            opts.FullRead,
		UseMetadataChecksum: opts.UseMetadataChecksum,
		MtimeTolerance:      opts.MtimeTolerance,
	})
	j.retryer = retry.New(opts.Retry)
	j.objects = newObjectLimiter(opts.ObjectsPerSecond)
	j.bytes = newByteLimiter(opts.BytesPerSecond)
	j.queue = make(chan *types.ObjectContext, opts.QueueSize)
	j.inflight = newInflight()
	j.outstanding = newOutstanding()
	if opts.DetectDeleted {
		j.seen = make(map[string]struct{})
	}
	return nil
}

func (j *Job) finish() error {
	j.stats.Freeze()
	err := j.err()
	switch {
	case err != nil:
		j.setState(types.RunStateFailed)
		j.logger.Error().Err(err).Msg("job aborted")
	case j.stopping():
		j.setState(types.RunStateStopped)
	default:
		j.setState(types.RunStateCompleted)
	}
	return err
}

// discover enumerates the source into the queue. Directories are only
// descended into; they never reach the transfer side.
func (j *Job) discover(ctx context.Context, opts Options) error {
	en := enumerate.New(enumerate.Options{
		QueryThreads: opts.QueryThreads,
		Recursive:    opts.Recursive,
		Tracker:      j.stats,
		OnError:      j.enumerationFailed,
	}, j.logger)

	return en.Run(ctx, enumerate.Source{Storage: j.source, List: j.list}, func(ctx context.Context, s types.ObjectSummary) error {
		if s.Directory {
			return nil
		}
		if j.seen != nil {
			j.seenMu.Lock()
			j.seen[s.Identifier] = struct{}{}
			j.seenMu.Unlock()
		}
		j.outstanding.add()
		select {
		case j.queue <- types.NewObjectContext(s):
			j.metrics.SetQueueDepth(len(j.queue))
			return nil
		case <-ctx.Done():
			j.outstanding.finish()
			return ctx.Err()
		}
	})
}

func (j *Job) enumerationFailed(s types.ObjectSummary, err error) {
	j.enumFailed.Store(true)
	j.stats.ObjectFailed(s.Identifier, err.Error())
	j.metrics.RecordObject(metrics.OutcomeFailed, 0, 0)
}

// estimate counts the source with its own enumeration. The totals are
// telemetry only.
func (j *Job) estimate(ctx context.Context, opts Options) {
	var objects, bytes atomic.Int64
	en := enumerate.New(enumerate.Options{QueryThreads: opts.QueryThreads, Recursive: opts.Recursive}, j.logger)
	err := en.Run(ctx, enumerate.Source{Storage: j.source}, func(_ context.Context, s types.ObjectSummary) error {
		if !s.Directory {
			objects.Add(1)
			bytes.Add(s.Size)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Warn().Err(err).Msg("estimation failed")
		}
		return
	}
	j.stats.SetEstimate(objects.Load(), bytes.Load())
	j.logger.Info().Int64("objects", objects.Load()).Int64("bytes", bytes.Load()).Msg("estimation complete")
}

// reconcile flags records whose source id was not seen. Only a complete
// recursive walk of the storage root qualifies.
func (j *Job) reconcile(ctx context.Context, opts Options) {
	if j.seen == nil || j.list != nil || !opts.Recursive || j.enumFailed.Load() {
		return
	}
	var missing []string
	err := j.store.Each(ctx, progress.FilterAll, func(rec *types.SyncRecord) error {
		if rec.SourceDeleted || rec.Directory {
			return nil
		}
		if _, ok := j.seen[rec.SourceID]; !ok {
			missing = append(missing, rec.SourceID)
		}
		return nil
	})
	if err == nil && len(missing) > 0 {
		err = j.store.MarkSourceDeleted(ctx, missing)
	}
	if err != nil {
		j.setRunError(errors.NewStoreUnavailable("flagging deleted source objects", err))
		return
	}
	if len(missing) > 0 {
		j.logger.Info().Int("count", len(missing)).Msg("flagged records deleted from source")
	}
}

func (j *Job) logProgress(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := j.Progress()
			j.logger.Info().
				Int64("objects_complete", s.ObjectsComplete).
				Int64("objects_failed", s.ObjectsFailed).
				Int64("objects_skipped", s.ObjectsSkipped+s.ObjectsCopySkipped).
				Str("bytes_complete", stats.FormatBytes(s.BytesComplete)).
				Float64("objects_per_second", s.ObjectRate).
				Int64("active_transfers", s.ActiveTransfer).
				Msg("progress")
		}
	}
}

// Pause stops workers from taking new objects. Objects in flight finish.
func (j *Job) Pause() error {
	if err := j.control("pause"); err != nil {
		return err
	}
	if j.gate.pause() {
		j.stats.Pause()
		j.setState(types.RunStatePaused)
	}
	return nil
}

// Resume reopens the gate closed by Pause.
func (j *Job) Resume() error {
	if err := j.control("resume"); err != nil {
		return err
	}
	if j.gate.resume() {
		j.stats.Resume()
		j.setState(types.RunStateRunning)
	}
	return nil
}

// Stop ends discovery and new dequeues. Objects in flight finish; queued
// objects are dropped unprocessed and picked up by the next run.
func (j *Job) Stop() error {
	switch j.State() {
	case types.RunStateCompleted, types.RunStateStopped, types.RunStateFailed:
		return errors.NewError(errors.ErrCodeInvalidState, "job is not running").WithContext("job_id", j.id)
	}
	j.stopOnce.Do(func() {
		close(j.stopCh)
		if j.gate.resume() {
			j.stats.Resume()
		}
		if j.started.Load() {
			j.setState(types.RunStateStopping)
		} else {
			j.setState(types.RunStateStopped)
		}
	})
	return nil
}

// SetThreadCount resizes the transfer pool now. The query thread count takes
// effect on the next run.
func (j *Job) SetThreadCount(query, sync int) error {
	if query < 1 || sync < 1 {
		return invalid("thread counts must be at least 1, got query=%d sync=%d", query, sync)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opts.QueryThreads = query
	j.opts.SyncThreads = sync
	if j.pool != nil {
		j.pool.resize(sync)
		j.sizeStorages(sync)
	}
	j.logger.Info().Int("query_threads", query).Int("sync_threads", sync).Msg("thread counts changed")
	return nil
}

// ConcurrencyAware is a storage whose client resources follow the sync
// thread count.
type ConcurrencyAware interface {
	SetConcurrency(n int) error
}

func (j *Job) sizeStorages(n int) {
	for _, st := range []types.Storage{j.source, j.target} {
		ca, ok := storage.Unwrap(st).(ConcurrencyAware)
		if !ok {
			continue
		}
		if err := ca.SetConcurrency(n); err != nil {
			j.logger.Warn().Err(err).Str("storage", st.Name()).Int("concurrency", n).Msg("resizing storage clients failed")
		}
	}
}

// Threads returns the configured query and sync thread counts.
func (j *Job) Threads() (query, sync int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.opts.QueryThreads, j.opts.SyncThreads
}

func (j *Job) control(op string) error {
	switch j.State() {
	case types.RunStateRunning, types.RunStatePaused:
		return nil
	}
	return errors.NewError(errors.ErrCodeInvalidState, fmt.Sprintf("cannot %s a job that is %s", op, j.State())).
		WithContext("job_id", j.id)
}

func (j *Job) stopping() bool {
	select {
	case <-j.stopCh:
		return true
	default:
		return false
	}
}

// setRunError records the first fatal error and cancels all work.
func (j *Job) setRunError(err error) {
	j.runErrOnce.Do(func() {
		j.mu.Lock()
		j.runErr = err
		j.mu.Unlock()
		if j.abort != nil {
			j.abort()
		}
	})
}

func (j *Job) err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runErr
}

type nopMetrics struct{}

func (nopMetrics) ObserveStorage(string, string, time.Duration, error) {}
func (nopMetrics) RecordObject(string, int64, time.Duration)           {}
func (nopMetrics) RecordRetry()                                        {}
func (nopMetrics) SetActiveTransfers(int64)                            {}
func (nopMetrics) SetQueueDepth(int)                                   {}
