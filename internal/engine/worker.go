package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/objectfs/objectsync/internal/filter"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/internal/metrics"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
	"github.com/objectfs/objectsync/pkg/types"
)

// step takes one object off the queue. It returns false once the queue is
// drained for good or the run is aborted.
func (j *Job) step(ctx context.Context) bool {
	wake := j.pool.wakeup()
	if !j.stopping() {
		select {
		case <-j.gate.open():
		case <-j.stopCh:
		case <-wake:
			return true
		case <-ctx.Done():
			return false
		}
	}

	select {
	case oc := <-j.queue:
		j.metrics.SetQueueDepth(len(j.queue))
		// a pause may have landed while this worker sat on an empty queue
		if !j.stopping() {
			select {
			case <-j.gate.open():
			case <-j.stopCh:
			case <-ctx.Done():
				return false
			}
		}
		j.handle(ctx, oc)
		return true
	case <-j.outstanding.done:
		return false
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// handle runs one attempt for oc and routes it to an outcome or back to the
// queue.
func (j *Job) handle(ctx context.Context, oc *types.ObjectContext) {
	if j.stopping() {
		j.outstanding.finish()
		return
	}
	if j.objects != nil {
		if err := j.objects.Wait(ctx); err != nil {
			j.outstanding.finish()
			return
		}
	}

	j.stats.TransferStarted()
	j.metrics.SetActiveTransfers(j.stats.Snapshot().ActiveTransfer)
	requeue := j.process(ctx, oc)
	j.stats.TransferDone()
	j.metrics.SetActiveTransfers(j.stats.Snapshot().ActiveTransfer)

	if requeue {
		j.requeue(ctx, oc)
		return
	}
	j.outstanding.finish()
}

// attempt carries per-attempt state through process.
type attempt struct {
	oc       *types.ObjectContext
	log      *logger.Logger
	start    time.Time
	copied   bool
	verified bool
}

// process returns true when oc should be retried.
func (j *Job) process(ctx context.Context, oc *types.ObjectContext) bool {
	id := oc.SourceID()
	a := &attempt{oc: oc, log: j.logger.WithField("source_id", id), start: j.now()}

	release, err := j.inflight.acquire(ctx, id)
	if err != nil {
		return false
	}
	defer release()

	rec, err := j.store.Get(ctx, id)
	if err != nil {
		j.setRunError(errors.NewStoreUnavailable("reading progress record for "+id, err))
		return false
	}
	oc.Record = rec
	if rec != nil && oc.TargetID == "" {
		oc.TargetID = rec.TargetID
	}

	obj, err := j.source.LoadObject(ctx, id)
	if err != nil {
		return j.failed(ctx, a, fmt.Errorf("loading source object: %w", err))
	}
	oc.Object = obj
	defer func() {
		obj.Close()
		oc.Object = nil
	}()
	if err := throttle(ctx, obj, j.bytes); err != nil {
		return j.failed(ctx, a, err)
	}

	opts := j.options()
	if j.needsCopy(opts, rec, obj) {
		skipped, err := j.copy(ctx, a)
		if err != nil {
			return j.failed(ctx, a, err)
		}
		if skipped {
			return false
		}
	} else {
		if rec != nil {
			oc.Status = rec.Status
		}
		a.log.Debug().Str("status", string(oc.Status)).Msg("copy phase not needed")
	}

	if opts.verifying() && oc.Status != types.StatusVerified {
		if err := j.verify(ctx, a); err != nil {
			return j.failed(ctx, a, err)
		}
	}

	j.succeeded(ctx, a, opts)
	return false
}

func (j *Job) options() Options {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.opts
}

// needsCopy skips objects the store lists as done unless forced or the
// source changed since.
func (j *Job) needsCopy(opts Options, rec *types.SyncRecord, obj *types.SyncObject) bool {
	if opts.VerifyOnly {
		return false
	}
	if rec == nil || !rec.Status.IsSuccess() || opts.Force {
		return true
	}
	mtime := obj.Metadata().ModTime.Truncate(time.Second)
	return mtime.After(rec.Mtime)
}

// copy runs the forward chain. skipped is true when a filter or the target
// node decided the object needs no write; the outcome is then final.
func (j *Job) copy(ctx context.Context, a *attempt) (skipped bool, err error) {
	oc := a.oc
	prior := oc.Record
	oc.Status = types.StatusInTransfer
	oc.Error = ""
	if err := j.persist(ctx, oc); err != nil {
		return false, err
	}

	skipped, err = j.chain.Forward(ctx, oc)
	if err != nil {
		return false, err
	}
	if skipped {
		oc.Status = types.StatusSkipped
		if prior != nil && prior.Status.IsSuccess() {
			oc.Status = prior.Status
		}
		if err := j.persist(ctx, oc); err != nil {
			return false, err
		}
		size := oc.Object.Metadata().ContentLength
		j.stats.ObjectSkipped(size)
		j.metrics.RecordObject(metrics.OutcomeSkipped, size, j.now().Sub(a.start))
		a.log.Debug().Str("status", string(oc.Status)).Msg("object skipped")
		return true, nil
	}

	oc.Status = types.StatusTransferred
	if err := j.persist(ctx, oc); err != nil {
		return false, err
	}
	a.copied = true
	a.log.Debug().Str("target_id", oc.TargetID).Msg("object transferred")
	return false, nil
}

// verify reads the object back through the reverse chain and compares it
// with the source.
func (j *Job) verify(ctx context.Context, a *attempt) error {
	oc := a.oc
	oc.Status = types.StatusVerifying
	if err := j.persist(ctx, oc); err != nil {
		return err
	}

	target, err := j.chain.Reverse(ctx, oc)
	if err != nil {
		return err
	}
	defer target.Close()

	res, err := j.verifier.Verify(ctx, oc.Object, target)
	oc.SourceMD5, oc.TargetMD5 = res.SourceMD5, res.TargetMD5
	if err != nil {
		return err
	}

	oc.Status = types.StatusVerified
	oc.Error = ""
	if err := j.persist(ctx, oc); err != nil {
		return err
	}
	a.verified = true
	a.log.Debug().Msg("object verified")
	return nil
}

func (j *Job) succeeded(ctx context.Context, a *attempt, opts Options) {
	oc := a.oc
	md := oc.Object.Metadata()
	elapsed := j.now().Sub(a.start)

	switch {
	case a.copied:
		bytes := oc.Object.BytesRead()
		if bytes == 0 {
			bytes = md.ContentLength
		}
		j.stats.ObjectComplete(bytes)
		outcome := metrics.OutcomeTransferred
		if a.verified {
			outcome = metrics.OutcomeVerified
		}
		j.metrics.RecordObject(outcome, bytes, elapsed)
	default:
		j.stats.ObjectCopySkipped(md.ContentLength)
		j.metrics.RecordObject(metrics.OutcomeCopySkipped, md.ContentLength, elapsed)
	}

	if opts.DeleteSource && (a.copied || a.verified) {
		j.deleteSource(ctx, a)
	}
}

func (j *Job) deleteSource(ctx context.Context, a *attempt) {
	oc := a.oc
	if err := j.source.Delete(ctx, oc.SourceID(), oc.Object); err != nil {
		a.log.Warn().Err(err).Msg("deleting source object failed")
		return
	}
	if err := j.store.MarkSourceDeleted(ctx, []string{oc.SourceID()}); err != nil {
		j.setRunError(errors.NewStoreUnavailable("flagging deleted source object "+oc.SourceID(), err))
		return
	}
	a.log.Debug().Msg("source object deleted")
}

// failed classifies err and persists the outcome. It returns true when the
// object should go back to the queue.
func (j *Job) failed(ctx context.Context, a *attempt, err error) bool {
	oc := a.oc
	log := a.log.With().Str("status", string(oc.Status)).Logger()

	if ctx.Err() != nil {
		// the run is ending; the record keeps its last state for resume
		log.Debug().Err(err).Msg("attempt interrupted")
		return false
	}

	class := retry.Classify(err)
	if class == retry.Fatal {
		j.setRunError(err)
		return false
	}

	oc.Error = err.Error()
	if class == retry.Transient && oc.RetryCount < j.options().MaxRetries {
		oc.RetryCount++
		oc.Status = types.StatusRetryQueue
		if perr := j.persist(ctx, oc); perr != nil {
			j.setRunError(perr)
			return false
		}
		j.stats.Retry()
		j.metrics.RecordRetry()
		if j.stopping() {
			log.Info().Err(err).Msg("transient failure while stopping, left for the next run")
			return false
		}
		log.Warn().Err(err).Int("retry_count", oc.RetryCount).Msg("transient failure, retrying")
		return true
	}

	oc.Status = types.StatusError
	if isMismatch(err) {
		oc.Status = types.StatusVerifyFailed
	}
	if perr := j.persist(ctx, oc); perr != nil {
		j.setRunError(perr)
		return false
	}
	j.stats.ObjectFailed(oc.SourceID(), oc.Error)
	j.metrics.RecordObject(metrics.OutcomeFailed, 0, j.now().Sub(a.start))
	log.Error().Err(err).Str("class", class.String()).Int("retry_count", oc.RetryCount).Msg("object failed")
	return false
}

func isMismatch(err error) bool {
	se, ok := errors.As(err)
	return ok && se.Code == errors.ErrCodeVerifyMismatch
}

// requeue waits out the backoff without holding a worker, then puts oc back
// on the queue. The object keeps its outstanding slot throughout.
func (j *Job) requeue(ctx context.Context, oc *types.ObjectContext) {
	delay := j.retryer.Delay(oc.RetryCount)
	j.retries.Add(1)
	go func() {
		defer j.retries.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-j.stopCh:
			j.outstanding.finish()
			return
		case <-ctx.Done():
			j.outstanding.finish()
			return
		}
		select {
		case j.queue <- oc:
			j.metrics.SetQueueDepth(len(j.queue))
		case <-j.stopCh:
			j.outstanding.finish()
		case <-ctx.Done():
			j.outstanding.finish()
		}
	}()
}

// persist writes the projection of oc, inserting on first sight and
// otherwise updating only the changed columns. Failures are fatal.
func (j *Job) persist(ctx context.Context, oc *types.ObjectContext) error {
	opts := j.options()
	rec := oc.Projection(j.now())
	if v, ok := oc.Property(filter.PropTargetRetentionEnd); ok {
		if t, ok := v.(time.Time); ok {
			rec.TargetRetentionEnd = t
		}
	}

	var err error
	if oc.Record == nil {
		err = j.store.Insert(ctx, rec)
	} else if changes := rec.Changes(oc.Record, opts.EnhancedDetails); len(changes) > 0 {
		err = j.store.Update(ctx, rec.SourceID, changes)
	}
	if err != nil {
		return errors.NewStoreUnavailable(fmt.Sprintf("persisting %s as %s", rec.SourceID, rec.Status), err)
	}
	oc.Record = rec
	return nil
}
