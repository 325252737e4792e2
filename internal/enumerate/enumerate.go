// Package enumerate walks a source storage, or replays a list file against
// it, and hands every object and directory it finds to a callback.
//
// Directories are emitted before their children are requested. Children are
// listed on demand by QueryThreads workers that pull directories from an
// unbounded work list, so a callback that blocks (for example on a full
// transfer queue) never stops the list from growing and the walk cannot
// deadlock against a bounded consumer.
package enumerate

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/objectsync/internal/listfile"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// EmitFunc receives each summary. Returning types.ErrStopIteration ends the
// walk cleanly; any other error aborts it.
type EmitFunc func(ctx context.Context, summary types.ObjectSummary) error

// Source is what to enumerate: the storage root, or the entries of List
// resolved through Storage.Stat when List is set.
type Source struct {
	Storage types.Storage
	List    *listfile.Reader
}

// Tracker is told when a listing or stat call starts and ends.
type Tracker interface {
	DiscoveryStarted()
	DiscoveryDone()
}

// Options configures an Engine.
type Options struct {
	QueryThreads int
	Recursive    bool

	// OnError receives a directory whose children could not be listed, or a
	// list-file entry that could not be parsed or resolved. The walk goes on.
	OnError func(summary types.ObjectSummary, err error)

	Tracker Tracker
}

// Engine runs enumerations. It holds no per-run state and may be reused.
type Engine struct {
	opts   Options
	logger *logger.Logger
}

func New(opts Options, log *logger.Logger) *Engine {
	if opts.QueryThreads <= 0 {
		opts.QueryThreads = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{opts: opts, logger: log.WithField("component", "enumerate")}
}

type run struct {
	*Engine
	src     Source
	emit    EmitFunc
	work    *workList
	stopped atomic.Bool
}

// Run enumerates src, calling emit from up to QueryThreads goroutines at
// once. It returns when every reachable directory has been listed, emit
// stopped the walk, or ctx is done.
func (e *Engine) Run(ctx context.Context, src Source, emit EmitFunc) error {
	if src.Storage == nil {
		return errors.NewConfigurationError("enumeration requires a source storage")
	}
	r := &run{Engine: e, src: src, emit: emit, work: newWorkList()}

	g, gctx := errgroup.WithContext(ctx)
	stopWatch := context.AfterFunc(gctx, r.work.close)
	defer stopWatch()

	for i := 0; i < e.opts.QueryThreads; i++ {
		g.Go(func() error { return r.worker(gctx) })
	}
	g.Go(func() error {
		defer r.work.done()
		if src.List != nil {
			return r.replay(gctx)
		}
		e.track(true)
		err := src.Storage.AllObjects(gctx, func(s types.ObjectSummary) error { return r.visit(gctx, s) })
		e.track(false)
		if err != nil && !r.stopped.Load() {
			return fmt.Errorf("listing source root: %w", err)
		}
		return nil
	})

	err := g.Wait()
	var ee *emitError
	switch {
	case err == nil || stderr.Is(err, types.ErrStopIteration):
		return ctx.Err()
	case stderr.As(err, &ee):
		return ee.err
	}
	return err
}

func (e *Engine) track(start bool) {
	if e.opts.Tracker == nil {
		return
	}
	if start {
		e.opts.Tracker.DiscoveryStarted()
	} else {
		e.opts.Tracker.DiscoveryDone()
	}
}

func (e *Engine) report(s types.ObjectSummary, err error) {
	e.logger.Warn().Err(err).Str("source_id", s.Identifier).Msg("enumeration error")
	if e.opts.OnError != nil {
		e.opts.OnError(s, err)
	}
}

// visit emits s and queues it for listing when it is a directory.
func (r *run) visit(ctx context.Context, s types.ObjectSummary) error {
	if r.stopped.Load() {
		return types.ErrStopIteration
	}
	if err := r.emit(ctx, s); err != nil {
		if stderr.Is(err, types.ErrStopIteration) {
			r.stop()
			return err
		}
		return &emitError{err: err}
	}
	if s.Directory && r.opts.Recursive {
		r.work.push(s)
	}
	return nil
}

func (r *run) stop() {
	r.stopped.Store(true)
	r.work.close()
}

func (r *run) worker(ctx context.Context) error {
	for {
		dir, ok := r.work.pop()
		if !ok {
			return nil
		}
		r.track(true)
		err := r.src.Storage.Children(ctx, dir, func(s types.ObjectSummary) error { return r.visit(ctx, s) })
		r.track(false)
		r.work.done()

		switch {
		case err == nil:
		case r.stopped.Load() || ctx.Err() != nil:
			return nil
		case isEmitError(err):
			return err
		default:
			r.report(dir, fmt.Errorf("listing children of %s: %w", dir.Identifier, err))
		}
	}
}

// emitError marks failures that came from the callback rather than the
// storage, which abort the run instead of failing one directory.
type emitError struct{ err error }

func (e *emitError) Error() string { return e.err.Error() }
func (e *emitError) Unwrap() error { return e.err }

func isEmitError(err error) bool {
	var ee *emitError
	return stderr.As(err, &ee)
}

// replay resolves list-file entries with up to QueryThreads concurrent Stat
// calls. Reading stays sequential so the file is consumed lazily.
func (r *run) replay(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(r.opts.QueryThreads))
	g, gctx := errgroup.WithContext(ctx)
	var readErr error
	for !r.stopped.Load() {
		entry, err := r.src.List.Next(gctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *listfile.ParseError
			if stderr.As(err, &pe) {
				r.report(types.ObjectSummary{Identifier: pe.Text, ListFileLine: pe.Text},
					errors.NewError(errors.ErrCodeListParse, pe.Error()).WithCause(err))
				continue
			}
			readErr = err
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return r.resolve(gctx, entry)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if readErr != nil && ctx.Err() == nil {
		return fmt.Errorf("reading list file: %w", readErr)
	}
	return nil
}

func (r *run) resolve(ctx context.Context, entry listfile.Entry) error {
	r.track(true)
	s, err := r.src.Storage.Stat(ctx, entry.Identifier)
	r.track(false)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.report(types.ObjectSummary{Identifier: entry.Identifier, ListFileRow: entry.Fields, ListFileLine: entry.Line}, err)
		return nil
	}
	s.ListFileRow = entry.Fields
	s.ListFileLine = entry.Line
	if err := r.visit(ctx, s); err != nil {
		if stderr.Is(err, types.ErrStopIteration) {
			return nil
		}
		return err
	}
	return nil
}

// workList is an unbounded FIFO of directories. pending counts queued and
// in-progress items plus the root producer; the list drains when it hits
// zero.
type workList struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []types.ObjectSummary
	pending int
	closed  bool
}

func newWorkList() *workList {
	w := &workList{pending: 1}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *workList) push(s types.ObjectSummary) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.items = append(w.items, s)
	w.pending++
	w.cond.Signal()
}

func (w *workList) pop() (types.ObjectSummary, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.items) == 0 {
		if w.closed || w.pending == 0 {
			return types.ObjectSummary{}, false
		}
		w.cond.Wait()
	}
	s := w.items[0]
	w.items[0] = types.ObjectSummary{}
	w.items = w.items[1:]
	return s, true
}

func (w *workList) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending--
	if w.pending == 0 {
		w.cond.Broadcast()
	}
}

func (w *workList) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.items = nil
	w.cond.Broadcast()
}
