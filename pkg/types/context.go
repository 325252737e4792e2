package types

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrChainExhausted is returned when Next is called past the last filter.
var ErrChainExhausted = errors.New("filter chain exhausted")

// ObjectContext is the per-object task envelope. It is owned by the worker
// currently processing it; only the property map is safe for concurrent use.
type ObjectContext struct {
	Summary    ObjectSummary
	Object     *SyncObject
	TargetID   string
	Status     ObjectStatus
	RetryCount int

	// Record is the last state known to be persisted, nil before the first
	// write.
	Record *SyncRecord

	Error       string
	SourceMD5   string
	TargetMD5   string
	TargetMtime time.Time

	propMu     sync.RWMutex
	properties map[string]any

	filters []Filter
	cursor  int
}

// NewObjectContext creates a context in the Discovered state.
func NewObjectContext(summary ObjectSummary) *ObjectContext {
	return &ObjectContext{Summary: summary, Status: StatusDiscovered, cursor: -1}
}

// SourceID returns the source identifier the context is keyed by.
func (oc *ObjectContext) SourceID() string { return oc.Summary.Identifier }

// Property returns a filter-scoped value.
func (oc *ObjectContext) Property(key string) (any, bool) {
	oc.propMu.RLock()
	defer oc.propMu.RUnlock()
	v, ok := oc.properties[key]
	return v, ok
}

// SetProperty stores a filter-scoped value.
func (oc *ObjectContext) SetProperty(key string, value any) {
	oc.propMu.Lock()
	defer oc.propMu.Unlock()
	if oc.properties == nil {
		oc.properties = make(map[string]any)
	}
	oc.properties[key] = value
}

// Bind attaches a filter sequence and resets the cursor before the first
// link.
func (oc *ObjectContext) Bind(filters []Filter) {
	oc.filters = filters
	oc.cursor = -1
}

// Cursor returns the index of the filter currently running, -1 before the
// pass starts.
func (oc *ObjectContext) Cursor() int { return oc.cursor }

// SetCursor moves the cursor; the reverse pass uses it to walk backwards.
func (oc *ObjectContext) SetCursor(i int) { oc.cursor = i }

// ReachedEnd reports whether the forward pass got to the last filter.
func (oc *ObjectContext) ReachedEnd() bool {
	return len(oc.filters) > 0 && oc.cursor == len(oc.filters)-1
}

// Next advances the cursor and runs the next filter.
func (oc *ObjectContext) Next(ctx context.Context) error {
	if oc.cursor+1 >= len(oc.filters) {
		return ErrChainExhausted
	}
	oc.cursor++
	return oc.filters[oc.cursor].Filter(ctx, oc)
}

// Projection builds the record for the current state, carrying forward what
// the previous record held. now stamps the timestamp column owned by the
// current status.
func (oc *ObjectContext) Projection(now time.Time) *SyncRecord {
	rec := oc.Record.Clone()
	if rec == nil {
		rec = &SyncRecord{SourceID: oc.SourceID()}
	}
	rec.TargetID = oc.TargetID
	rec.Status = oc.Status
	rec.RetryCount = oc.RetryCount
	rec.Directory = oc.Summary.Directory
	rec.Size = oc.Summary.Size

	if obj := oc.Object; obj != nil {
		md := obj.Metadata()
		rec.Directory = md.Directory
		rec.Size = md.ContentLength
		rec.Mtime = md.ModTime.Truncate(time.Second)
		if md.RetentionEndTime != nil {
			rec.SourceRetentionEnd = *md.RetentionEndTime
		}
	}

	switch oc.Status {
	case StatusInTransfer:
		rec.TransferStart = now
	case StatusTransferred:
		rec.TransferComplete = now
	case StatusVerifying:
		rec.VerifyStart = now
	case StatusVerified, StatusVerifyFailed:
		rec.VerifyComplete = now
	}

	if oc.Error != "" {
		rec.ErrorMessage = oc.Error
		if rec.FirstErrorMessage == "" {
			rec.FirstErrorMessage = oc.Error
		}
	}
	if oc.SourceMD5 != "" {
		rec.SourceMD5 = oc.SourceMD5
	}
	if oc.TargetMD5 != "" {
		rec.TargetMD5 = oc.TargetMD5
	}
	if !oc.TargetMtime.IsZero() {
		rec.TargetMtime = oc.TargetMtime
	}
	return rec
}
