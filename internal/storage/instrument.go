package storage

import (
	"context"
	"time"

	"github.com/objectfs/objectsync/pkg/types"
)

// Observer receives the outcome of every storage call.
type Observer interface {
	ObserveStorage(backend, op string, d time.Duration, err error)
}

// Instrumented reports each call on the wrapped backend to an Observer.
type Instrumented struct {
	types.Storage
	role     string
	observer Observer
}

// Instrument wraps st so its calls are reported under role ("source" or
// "target"). A nil observer returns st unchanged.
func Instrument(st types.Storage, role string, observer Observer) types.Storage {
	if observer == nil || st == nil {
		return st
	}
	return &Instrumented{Storage: st, role: role, observer: observer}
}

// Unwrap returns the backend below any instrumentation.
func Unwrap(st types.Storage) types.Storage {
	for {
		i, ok := st.(*Instrumented)
		if !ok {
			return st
		}
		st = i.Storage
	}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.observer.ObserveStorage(i.role+":"+i.Storage.Name(), op, time.Since(start), err)
}

// Configure hands the plugin the unwrapped peers so it can recognise its
// own kind.
func (i *Instrumented) Configure(ctx context.Context, source types.Storage, filters []types.Filter, target types.Storage) error {
	return i.Storage.Configure(ctx, Unwrap(source), filters, Unwrap(target))
}

// Listing durations include the time fn spends blocked downstream.
func (i *Instrumented) AllObjects(ctx context.Context, fn types.SummaryFunc) error {
	start := time.Now()
	err := i.Storage.AllObjects(ctx, fn)
	i.observe("list", start, err)
	return err
}

func (i *Instrumented) Children(ctx context.Context, parent types.ObjectSummary, fn types.SummaryFunc) error {
	start := time.Now()
	err := i.Storage.Children(ctx, parent, fn)
	i.observe("list", start, err)
	return err
}

func (i *Instrumented) Stat(ctx context.Context, identifier string) (types.ObjectSummary, error) {
	start := time.Now()
	sum, err := i.Storage.Stat(ctx, identifier)
	i.observe("stat", start, err)
	return sum, err
}

func (i *Instrumented) LoadObject(ctx context.Context, identifier string) (*types.SyncObject, error) {
	start := time.Now()
	obj, err := i.Storage.LoadObject(ctx, identifier)
	i.observe("load", start, err)
	return obj, err
}

func (i *Instrumented) CreateObject(ctx context.Context, obj *types.SyncObject) (string, error) {
	start := time.Now()
	id, err := i.Storage.CreateObject(ctx, obj)
	i.observe("create", start, err)
	return id, err
}

func (i *Instrumented) UpdateObject(ctx context.Context, identifier string, obj *types.SyncObject) error {
	start := time.Now()
	err := i.Storage.UpdateObject(ctx, identifier, obj)
	i.observe("update", start, err)
	return err
}

func (i *Instrumented) Delete(ctx context.Context, identifier string, obj *types.SyncObject) error {
	start := time.Now()
	err := i.Storage.Delete(ctx, identifier, obj)
	i.observe("delete", start, err)
	return err
}
