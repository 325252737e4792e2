// Package storage resolves storage URIs to backend plugins.
//
//	/data/in, file:///data/in   local directory
//	s3://bucket/prefix          S3 bucket, optionally below a prefix
//	memory://name               in-process map, shared by name
package storage

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/internal/storage/filesystem"
	"github.com/objectfs/objectsync/internal/storage/memory"
	"github.com/objectfs/objectsync/internal/storage/s3"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// Options carries the per-backend settings from configuration. The URI
// supplies the location; these supply everything else.
type Options struct {
	Filesystem filesystem.Config `yaml:"filesystem" envPrefix:"FS_"`
	S3         s3.Config         `yaml:"s3" envPrefix:"S3_"`

	// Create allows a missing local root to be created. Set for targets.
	Create bool `yaml:"-"`
}

// Constructor opens a backend for a parsed URI.
type Constructor func(ctx context.Context, u *url.URL, opts Options, log *logger.Logger) (types.Storage, error)

// Registry maps URI schemes to constructors.
type Registry struct {
	mu     sync.RWMutex
	ctors  map[string]Constructor
	memory map[string]*memory.Storage
}

func NewRegistry() *Registry {
	return &Registry{
		ctors:  make(map[string]Constructor),
		memory: make(map[string]*memory.Storage),
	}
}

// DefaultRegistry returns a registry holding the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("file", openFilesystem)
	r.Register("s3", openS3)
	r.Register("memory", func(_ context.Context, u *url.URL, _ Options, _ *logger.Logger) (types.Storage, error) {
		return r.Memory(u.Host + u.Path), nil
	})
	return r
}

// Register adds or replaces the constructor for scheme.
func (r *Registry) Register(scheme string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[strings.ToLower(scheme)] = ctor
}

// Schemes lists the registered schemes.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.ctors))
}

// Memory returns the shared in-memory backend called name, creating it on
// first use.
func (r *Registry) Memory(name string) *memory.Storage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.memory[name]; ok {
		return m
	}
	m := memory.New("memory:" + name)
	r.memory[name] = m
	return m
}

// Open resolves uri to a backend. A URI without a scheme is a local path.
// Every failure is a configuration error.
func (r *Registry) Open(ctx context.Context, uri string, opts Options, log *logger.Logger) (types.Storage, error) {
	if log == nil {
		log = logger.Nop()
	}
	if uri == "" {
		return nil, errors.NewConfigurationError("storage location is empty")
	}
	u, err := parseURI(uri)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid storage location %q", uri)).WithCause(err)
	}

	r.mu.RLock()
	ctor, ok := r.ctors[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeUnknownPlugin, fmt.Sprintf("no storage plugin for scheme %q", u.Scheme)).
			WithDetail("available", r.Schemes())
	}

	st, err := ctor(ctx, u, opts, log)
	if err != nil {
		if se, ok := errors.As(err); ok && se.Fatal() {
			return nil, err
		}
		return nil, errors.NewConfigurationError(fmt.Sprintf("opening %s: %v", uri, err)).WithCause(err)
	}
	return st, nil
}

func parseURI(uri string) (*url.URL, error) {
	if !strings.Contains(uri, "://") {
		return &url.URL{Scheme: "file", Path: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

func openFilesystem(_ context.Context, u *url.URL, opts Options, log *logger.Logger) (types.Storage, error) {
	cfg := opts.Filesystem
	cfg.Root = u.Host + u.Path
	return filesystem.New(cfg, opts.Create, log)
}

func openS3(ctx context.Context, u *url.URL, opts Options, log *logger.Logger) (types.Storage, error) {
	cfg := opts.S3
	cfg.Bucket = u.Host
	if p := strings.Trim(u.Path, "/"); p != "" {
		cfg.Prefix = p
	}
	return s3.New(ctx, cfg, log)
}
