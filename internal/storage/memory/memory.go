// Package memory is an in-process storage backend. It keeps whole objects in
// a map and is used for tests, dry runs and as a scratch target.
package memory

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// Op names a storage operation for fault injection.
type Op string

const (
	OpList   Op = "list"
	OpStat   Op = "stat"
	OpLoad   Op = "load"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type entry struct {
	meta *types.ObjectMetadata
	data []byte
}

type fault struct {
	err       error
	remaining int
}

// Storage is a map-backed types.Storage. Identifiers are slash separated
// relative paths without a leading slash.
type Storage struct {
	name string

	mu      sync.RWMutex
	objects map[string]*entry
	faults  map[string]*fault
	latency time.Duration

	loads   atomic.Int64
	creates atomic.Int64
	updates atomic.Int64
	deletes atomic.Int64
}

// New creates an empty storage.
func New(name string) *Storage {
	if name == "" {
		name = "memory"
	}
	return &Storage{
		name:    name,
		objects: make(map[string]*entry),
		faults:  make(map[string]*fault),
	}
}

func clean(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}

func parentOf(id string) string {
	dir := path.Dir(id)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// Put stores data at relPath, creating parent directories.
func (s *Storage) Put(relPath string, data []byte, meta *types.ObjectMetadata) {
	id := clean(relPath)
	m := meta.Clone()
	m.Directory = false
	m.ContentLength = int64(len(data))
	if m.ModTime.IsZero() {
		m.ModTime = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirsLocked(parentOf(id))
	s.objects[id] = &entry{meta: m, data: bytes.Clone(data)}
}

// PutDirectory creates a directory and its parents.
func (s *Storage) PutDirectory(relPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirsLocked(clean(relPath))
}

func (s *Storage) mkdirsLocked(id string) {
	for id != "" {
		if _, ok := s.objects[id]; ok {
			return
		}
		s.objects[id] = &entry{meta: &types.ObjectMetadata{Directory: true, ModTime: time.Now().UTC()}}
		id = parentOf(id)
	}
}

// Remove drops an object without counting it as a delete.
func (s *Storage) Remove(relPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, clean(relPath))
}

// Get returns a stored object's data and metadata.
func (s *Storage) Get(relPath string) ([]byte, *types.ObjectMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[clean(relPath)]
	if !ok {
		return nil, nil, false
	}
	return bytes.Clone(e.data), e.meta.Clone(), true
}

// Len returns the number of stored entries, directories included.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// SetLatency delays every data operation by d.
func (s *Storage) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// FailNext makes the next times calls of op on id fail with err. A negative
// times fails every call. An empty id matches any identifier.
func (s *Storage) FailNext(op Op, id string, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[string(op)+"|"+id] = &fault{err: err, remaining: times}
}

func (s *Storage) injected(op Op, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{string(op) + "|" + id, string(op) + "|"} {
		f, ok := s.faults[key]
		if !ok || f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	return nil
}

func (s *Storage) wait(ctx context.Context) error {
	s.mu.RLock()
	d := s.latency
	s.mu.RUnlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loads returns how many objects were loaded.
func (s *Storage) Loads() int64 { return s.loads.Load() }

// Creates returns how many objects were created.
func (s *Storage) Creates() int64 { return s.creates.Load() }

// Updates returns how many objects were overwritten.
func (s *Storage) Updates() int64 { return s.updates.Load() }

// Deletes returns how many objects were deleted.
func (s *Storage) Deletes() int64 { return s.deletes.Load() }

// Writes returns creates plus updates.
func (s *Storage) Writes() int64 { return s.creates.Load() + s.updates.Load() }

func (s *Storage) Name() string { return s.name }

func (s *Storage) Configure(context.Context, types.Storage, []types.Filter, types.Storage) error {
	return nil
}

func (s *Storage) AllObjects(ctx context.Context, fn types.SummaryFunc) error {
	return s.list(ctx, "", fn)
}

func (s *Storage) Children(ctx context.Context, parent types.ObjectSummary, fn types.SummaryFunc) error {
	return s.list(ctx, clean(parent.Identifier), fn)
}

func (s *Storage) list(ctx context.Context, dir string, fn types.SummaryFunc) error {
	if err := s.injected(OpList, dir); err != nil {
		return err
	}

	// snapshot so fn can block without holding the lock
	s.mu.RLock()
	var summaries []types.ObjectSummary
	for id, e := range s.objects {
		if parentOf(id) == dir {
			summaries = append(summaries, types.ObjectSummary{
				Identifier: id,
				Directory:  e.meta.Directory,
				Size:       int64(len(e.data)),
			})
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(summaries, func(a, b types.ObjectSummary) int { return strings.Compare(a.Identifier, b.Identifier) })

	for _, sum := range summaries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(sum); err != nil {
			if stderr.Is(err, types.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Storage) Stat(_ context.Context, identifier string) (types.ObjectSummary, error) {
	id := clean(identifier)
	if err := s.injected(OpStat, id); err != nil {
		return types.ObjectSummary{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[id]
	if !ok {
		return types.ObjectSummary{}, errors.NewObjectNotFound(identifier)
	}
	return types.ObjectSummary{Identifier: id, Directory: e.meta.Directory, Size: int64(len(e.data))}, nil
}

func (s *Storage) LoadObject(ctx context.Context, identifier string) (*types.SyncObject, error) {
	id := clean(identifier)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if err := s.injected(OpLoad, id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewObjectNotFound(identifier)
	}
	s.loads.Add(1)

	data := e.data
	var opener types.StreamOpener
	if !e.meta.Directory {
		opener = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}
	return types.NewSyncObject(id, e.meta.Clone(), opener), nil
}

func (s *Storage) CreateObject(ctx context.Context, obj *types.SyncObject) (string, error) {
	id := s.Identifier(obj.RelativePath(), obj.Directory())
	if err := s.write(ctx, OpCreate, id, obj); err != nil {
		return "", err
	}
	s.creates.Add(1)
	return id, nil
}

func (s *Storage) UpdateObject(ctx context.Context, identifier string, obj *types.SyncObject) error {
	id := clean(identifier)
	if err := s.write(ctx, OpUpdate, id, obj); err != nil {
		return err
	}
	s.updates.Add(1)
	return nil
}

func (s *Storage) write(ctx context.Context, op Op, id string, obj *types.SyncObject) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.injected(op, id); err != nil {
		return err
	}

	meta := obj.Metadata().Clone()
	if meta.Directory {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.mkdirsLocked(parentOf(id))
		s.objects[id] = &entry{meta: meta}
		return nil
	}

	r, err := obj.DataStream()
	if err != nil {
		return fmt.Errorf("opening %s: %w", obj.RelativePath(), err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading %s: %w", obj.RelativePath(), err)
	}
	meta.ContentLength = int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirsLocked(parentOf(id))
	s.objects[id] = &entry{meta: meta, data: data}
	return nil
}

func (s *Storage) Delete(_ context.Context, identifier string, _ *types.SyncObject) error {
	id := clean(identifier)
	if err := s.injected(OpDelete, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return errors.NewObjectNotFound(identifier)
	}
	delete(s.objects, id)
	s.deletes.Add(1)
	return nil
}

func (s *Storage) Identifier(relativePath string, _ bool) string { return clean(relativePath) }

func (s *Storage) RelativePath(identifier string, _ bool) string { return clean(identifier) }

func (s *Storage) Close() error { return nil }

var _ types.Storage = (*Storage)(nil)
