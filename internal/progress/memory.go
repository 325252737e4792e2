package progress

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/objectfs/objectsync/pkg/types"
)

// MemoryStore keeps records in process memory. It is used when no database
// is configured, so resumption only works within one process.
type MemoryStore struct {
	cfg     Config
	mu      sync.RWMutex
	records map[string]*types.SyncRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.MaxErrorSize == 0 {
		cfg.MaxErrorSize = DefaultMaxErrorSize
	}
	return &MemoryStore{cfg: cfg, records: make(map[string]*types.SyncRecord)}
}

func (s *MemoryStore) Get(_ context.Context, sourceID string) (*types.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[sourceID].Clone(), nil
}

func (s *MemoryStore) Insert(_ context.Context, rec *types.SyncRecord) error {
	if rec.Status == "" {
		return fmt.Errorf("insert %s: status is required", rec.SourceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.SourceID]; ok {
		return fmt.Errorf("insert %s: record exists", rec.SourceID)
	}
	c := rec.Clone()
	c.ErrorMessage = truncate(c.ErrorMessage, s.cfg.MaxErrorSize)
	c.FirstErrorMessage = truncate(c.FirstErrorMessage, s.cfg.MaxErrorSize)
	if !s.cfg.EnhancedDetails {
		c.SourceMD5, c.TargetMD5 = "", ""
		c.TargetMtime, c.SourceRetentionEnd, c.TargetRetentionEnd = time.Time{}, time.Time{}, time.Time{}
	}
	s.records[rec.SourceID] = c
	return nil
}

func (s *MemoryStore) Update(_ context.Context, sourceID string, changes map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sourceID]
	if !ok {
		return fmt.Errorf("update %s: no such record", sourceID)
	}
	changes = maps.Clone(changes)
	truncateErrors(changes, s.cfg.MaxErrorSize)
	apply(rec, changes)
	return nil
}

func (s *MemoryStore) Each(ctx context.Context, filter Filter, fn func(*types.SyncRecord) error) error {
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.records))
	s.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		rec := s.records[id].Clone()
		s.mu.RUnlock()
		if rec == nil || !matches(rec, filter) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) MarkSourceDeleted(_ context.Context, sourceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sourceIDs {
		if rec, ok := s.records[id]; ok {
			rec.SourceDeleted = true
		}
	}
	return nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error { return nil }
