// Package filter holds the per-object filter chain, its terminal write node,
// the verifier and the built-in filters.
//
// A chain is an immutable slice of filters. The forward pass binds the slice
// to an ObjectContext and advances its cursor one link at a time; the reverse
// pass walks the same slice backwards starting from the terminal node, which
// reads the object back from the target.
package filter

import (
	"context"
	stderr "errors"
	"fmt"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// Chain is the ordered filter sequence ending in the target node.
type Chain struct {
	links  []types.Filter
	logger *logger.Logger
}

// NewChain appends target to filters. The returned chain is safe for
// concurrent use by any number of workers.
func NewChain(filters []types.Filter, target *TargetFilter, log *logger.Logger) *Chain {
	if log == nil {
		log = logger.Nop()
	}
	links := make([]types.Filter, 0, len(filters)+1)
	links = append(links, filters...)
	links = append(links, target)
	return &Chain{links: links, logger: log}
}

// Filters returns the user filters, without the target node.
func (c *Chain) Filters() []types.Filter {
	return c.links[:len(c.links)-1]
}

// Len returns the number of links including the target node.
func (c *Chain) Len() int { return len(c.links) }

// Forward runs the forward pass. skipped is true when a filter returned
// types.ErrSkipObject or stopped the pass before the target node.
//
// Filters work on the in-flight object; the source metadata as loaded is
// restored once the pass returns so verification compares against it.
func (c *Chain) Forward(ctx context.Context, oc *types.ObjectContext) (skipped bool, err error) {
	if oc.Object == nil {
		return false, fmt.Errorf("forward %s: no object loaded", oc.SourceID())
	}
	orig := oc.Object.Metadata().Clone()
	defer oc.Object.SetMetadata(orig)

	oc.Bind(c.links)
	err = oc.Next(ctx)
	switch {
	case stderr.Is(err, types.ErrSkipObject):
		c.logger.Debug().Str("source_id", oc.SourceID()).Str("filter", c.nameAt(oc.Cursor())).Msg("object skipped by filter")
		return true, nil
	case err != nil:
		return false, err
	case !oc.ReachedEnd():
		c.logger.Debug().Str("source_id", oc.SourceID()).Str("filter", c.nameAt(oc.Cursor())).Msg("filter stopped the pass")
		return true, nil
	}
	return false, nil
}

// Reverse runs the reverse pass and returns the object as recovered from the
// target. The caller closes it.
func (c *Chain) Reverse(ctx context.Context, oc *types.ObjectContext) (*types.SyncObject, error) {
	var obj *types.SyncObject
	for i := len(c.links) - 1; i >= 0; i-- {
		oc.SetCursor(i)
		f := c.links[i]
		next, err := f.ReverseFilter(ctx, oc, obj)
		if err != nil {
			if obj != nil {
				obj.Close()
			}
			if stderr.Is(err, types.ErrReverseUnsupported) {
				return nil, errors.NewPermanentError(fmt.Sprintf("filter %s cannot be reversed", f.Name()), err).
					WithComponent("filter").WithOperation("reverse")
			}
			return nil, fmt.Errorf("reverse %s: %w", f.Name(), err)
		}
		obj = next
	}
	if obj == nil {
		return nil, fmt.Errorf("reverse %s: no object recovered", oc.SourceID())
	}
	return obj, nil
}

func (c *Chain) nameAt(i int) string {
	if i < 0 || i >= len(c.links) {
		return ""
	}
	return c.links[i].Name()
}
