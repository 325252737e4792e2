package filter

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// Spec names a filter and its options as they appear in configuration.
type Spec struct {
	Name    string            `yaml:"name" json:"name"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Constructor builds a filter from its options.
type Constructor func(options map[string]string, log *logger.Logger) (types.Filter, error)

// Registry maps filter names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry holding the built-in filters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("compress", func(o map[string]string, _ *logger.Logger) (types.Filter, error) {
		return NewCompressFilter(o["level"])
	})
	r.Register("metadata", func(o map[string]string, _ *logger.Logger) (types.Filter, error) {
		return NewMetadataFilter(o)
	})
	r.Register("id-log", func(o map[string]string, _ *logger.Logger) (types.Filter, error) {
		return NewIDLogFilter(o["file"])
	})
	r.Register("content-type", func(o map[string]string, _ *logger.Logger) (types.Filter, error) {
		return NewContentTypeFilter(o["type"])
	})
	return r
}

// Register adds or replaces a constructor.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Names lists the registered filters.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.ctors))
}

// Build creates filters in order. Any failure is a configuration error and
// already built filters are closed.
func (r *Registry) Build(specs []Spec, log *logger.Logger) ([]types.Filter, error) {
	if log == nil {
		log = logger.Nop()
	}
	filters := make([]types.Filter, 0, len(specs))
	for _, spec := range specs {
		r.mu.RLock()
		ctor, ok := r.ctors[spec.Name]
		r.mu.RUnlock()
		if !ok {
			CloseAll(filters)
			return nil, errors.NewError(errors.ErrCodeUnknownPlugin, fmt.Sprintf("unknown filter %q", spec.Name)).
				WithComponent("filter")
		}
		f, err := ctor(spec.Options, log.WithField("filter", spec.Name))
		if err != nil {
			CloseAll(filters)
			return nil, errors.NewConfigurationError(fmt.Sprintf("filter %s: %v", spec.Name, err)).
				WithComponent("filter").WithCause(err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// CloseAll closes every filter that holds resources.
func CloseAll(filters []types.Filter) error {
	var first error
	for _, f := range filters {
		if c, ok := f.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
