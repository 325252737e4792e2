package types

import (
	"context"
	"errors"
)

var (
	// ErrSkipObject is returned by a filter that deliberately stops the
	// forward pass for the current object.
	ErrSkipObject = errors.New("object skipped by filter")

	// ErrReverseUnsupported is returned by a filter whose transform cannot be
	// undone, so verification through it is impossible.
	ErrReverseUnsupported = errors.New("reverse filter not supported")

	// ErrStopIteration may be returned from a SummaryFunc to end a listing
	// early without reporting an error.
	ErrStopIteration = errors.New("stop iteration")
)

// SummaryFunc receives listed objects one at a time. Returning an error stops
// the listing and the error is returned by the listing call, except for
// ErrStopIteration which ends it cleanly.
type SummaryFunc func(ObjectSummary) error

// Storage is the contract every backend implements.
type Storage interface {
	// Name returns a short backend name used in logs and metrics.
	Name() string

	// Configure validates the plugin against the rest of the job before any
	// object is processed. Errors returned here abort the run.
	Configure(ctx context.Context, source Storage, filters []Filter, target Storage) error

	// AllObjects lists the top level of the storage root.
	AllObjects(ctx context.Context, fn SummaryFunc) error

	// Children lists the direct children of a directory summary.
	Children(ctx context.Context, parent ObjectSummary, fn SummaryFunc) error

	// Stat resolves a single identifier, used when replaying a list file.
	Stat(ctx context.Context, identifier string) (ObjectSummary, error)

	// LoadObject returns the object with a lazily opened stream. A missing
	// object yields an error matching errors.ErrObjectNotFound.
	LoadObject(ctx context.Context, identifier string) (*SyncObject, error)

	// CreateObject writes a new object and returns its identifier.
	CreateObject(ctx context.Context, obj *SyncObject) (string, error)

	// UpdateObject overwrites the object at identifier.
	UpdateObject(ctx context.Context, identifier string, obj *SyncObject) error

	// Delete removes the object at identifier.
	Delete(ctx context.Context, identifier string, obj *SyncObject) error

	// Identifier maps a portable relative path to a backend identifier.
	Identifier(relativePath string, directory bool) string

	// RelativePath is the inverse of Identifier.
	RelativePath(identifier string, directory bool) string

	Close() error
}

// Filter is the contract every per-object transform implements.
type Filter interface {
	Name() string

	// Filter applies the forward transform and continues the pass with
	// oc.Next. Returning without calling Next short-circuits the object.
	Filter(ctx context.Context, oc *ObjectContext) error

	// ReverseFilter undoes the forward transform on an object read back from
	// the target. target is what the later links recovered; the terminal
	// node receives nil and loads it.
	ReverseFilter(ctx context.Context, oc *ObjectContext, target *SyncObject) (*SyncObject, error)
}
