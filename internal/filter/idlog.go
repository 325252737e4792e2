package filter

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/objectfs/objectsync/pkg/types"
)

// IDLogFilter appends "source,target" identifier pairs to a CSV file for
// every object the target node accepted.
type IDLogFilter struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewIDLogFilter opens path for appending.
func NewIDLogFilter(path string) (*IDLogFilter, error) {
	if path == "" {
		return nil, fmt.Errorf("id-log filter needs a file")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening id log: %w", err)
	}
	return &IDLogFilter{file: f, w: csv.NewWriter(f)}, nil
}

func (f *IDLogFilter) Name() string { return "id-log" }

func (f *IDLogFilter) Filter(ctx context.Context, oc *types.ObjectContext) error {
	if err := oc.Next(ctx); err != nil {
		return err
	}
	if !oc.ReachedEnd() {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.w.Write([]string{oc.SourceID(), oc.TargetID}); err != nil {
		return fmt.Errorf("writing id log: %w", err)
	}
	f.w.Flush()
	return f.w.Error()
}

// ReverseFilter passes through: the filter applies no transform.
func (f *IDLogFilter) ReverseFilter(_ context.Context, _ *types.ObjectContext, target *types.SyncObject) (*types.SyncObject, error) {
	return target, nil
}

// Close flushes and closes the log file.
func (f *IDLogFilter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.w.Flush()
	if err := f.w.Error(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

var _ types.Filter = (*IDLogFilter)(nil)
