package stats

import (
	"sync"
	"time"

	"github.com/objectfs/objectsync/pkg/types"
)

// Failures is a bounded list of recent failures; the oldest entry is evicted
// first.
type Failures struct {
	mu       sync.Mutex
	capacity int
	entries  []types.FailureEntry
}

// NewFailures creates a list holding at most capacity entries. A capacity
// below one keeps nothing.
func NewFailures(capacity int) *Failures {
	return &Failures{capacity: capacity}
}

// Add appends an entry, evicting the oldest when full.
func (f *Failures) Add(identifier, message string, at time.Time) {
	if f.capacity < 1 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == f.capacity {
		copy(f.entries, f.entries[1:])
		f.entries = f.entries[:f.capacity-1]
	}
	f.entries = append(f.entries, types.FailureEntry{Identifier: identifier, Message: message, Time: at})
}

// List returns a copy of the entries, oldest first.
func (f *Failures) List() []types.FailureEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.FailureEntry(nil), f.entries...)
}

func (f *Failures) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
