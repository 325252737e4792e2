package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// TargetOptions tunes the terminal node.
type TargetOptions struct {
	// Force rewrites objects even when the target already matches.
	Force bool
	// EnhancedDetails captures target mtime and retention for the record.
	EnhancedDetails bool
	// Verify means a reverse pass will follow, so target details are
	// captured there instead of by an extra load after create.
	Verify bool
}

// TargetFilter is the terminal link: it writes the object to the target
// storage and, in reverse, reads it back.
type TargetFilter struct {
	target types.Storage
	opts   TargetOptions
	logger *logger.Logger
}

// NewTargetFilter creates the terminal node for target.
func NewTargetFilter(target types.Storage, opts TargetOptions, log *logger.Logger) *TargetFilter {
	if log == nil {
		log = logger.Nop()
	}
	return &TargetFilter{target: target, opts: opts, logger: log}
}

func (t *TargetFilter) Name() string { return "target" }

func (t *TargetFilter) resolve(oc *types.ObjectContext) string {
	if oc.TargetID == "" && oc.Record != nil {
		oc.TargetID = oc.Record.TargetID
	}
	if oc.TargetID == "" {
		oc.TargetID = t.target.Identifier(oc.Object.RelativePath(), oc.Object.Directory())
	}
	return oc.TargetID
}

func (t *TargetFilter) capture(oc *types.ObjectContext, obj *types.SyncObject) {
	if !t.opts.EnhancedDetails {
		return
	}
	md := obj.Metadata()
	oc.TargetMtime = md.ModTime.Truncate(time.Second)
	if md.RetentionEndTime != nil {
		oc.SetProperty(PropTargetRetentionEnd, *md.RetentionEndTime)
	}
}

// PropTargetRetentionEnd carries the target retention end time.
const PropTargetRetentionEnd = "target.retentionEnd"

func (t *TargetFilter) Filter(ctx context.Context, oc *types.ObjectContext) error {
	obj := oc.Object
	id := t.resolve(oc)
	log := t.logger.With().Str("source_id", oc.SourceID()).Str("target_id", id).Logger()

	existing, err := t.target.LoadObject(ctx, id)
	if errors.IsNotFound(err) {
		log.Debug().Msg("creating object in target")
		newID, err := t.target.CreateObject(ctx, obj)
		if err != nil {
			return fmt.Errorf("creating %s in %s: %w", id, t.target.Name(), err)
		}
		oc.TargetID = newID
		if t.opts.EnhancedDetails && !t.opts.Verify {
			if created, err := t.target.LoadObject(ctx, newID); err == nil {
				t.capture(oc, created)
				created.Close()
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s from %s: %w", id, t.target.Name(), err)
	}
	defer existing.Close()
	t.capture(oc, existing)

	if !t.opts.Force && upToDate(obj, existing) {
		log.Debug().Msg("target is up to date")
		return types.ErrSkipObject
	}

	log.Debug().Msg("updating object in target")
	if err := t.target.UpdateObject(ctx, id, obj); err != nil {
		return fmt.Errorf("updating %s in %s: %w", id, t.target.Name(), err)
	}
	return nil
}

// upToDate reports whether the target already holds the source object. A
// transformed stream never counts since the stored form differs.
func upToDate(source, target *types.SyncObject) bool {
	if source.Transformed() {
		return false
	}
	sm, tm := source.Metadata(), target.Metadata()
	if sm.Directory != tm.Directory {
		return false
	}
	if sm.Directory {
		return true
	}
	return sm.ContentLength == tm.ContentLength &&
		!sm.ModTime.IsZero() &&
		sm.ModTime.Truncate(time.Second).Equal(tm.ModTime.Truncate(time.Second))
}

func (t *TargetFilter) ReverseFilter(ctx context.Context, oc *types.ObjectContext, _ *types.SyncObject) (*types.SyncObject, error) {
	id := t.resolve(oc)
	obj, err := t.target.LoadObject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading back %s from %s: %w", id, t.target.Name(), err)
	}
	t.capture(oc, obj)
	return obj, nil
}

var _ types.Filter = (*TargetFilter)(nil)
