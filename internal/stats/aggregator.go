// Package stats aggregates run counters and rates for progress reporting.
package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/objectsync/pkg/types"
)

// Config tunes rate windows and the failure list.
type Config struct {
	// WindowSize is the number of samples rates are computed over.
	WindowSize int `yaml:"window_size" env:"WINDOW_SIZE"`
	// SampleInterval is how often Run samples the counters.
	SampleInterval time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
	// FailureListSize bounds the recent failures list. Negative disables it.
	FailureListSize int `yaml:"failure_list_size" env:"FAILURE_LIST_SIZE"`
}

// DefaultConfig returns 20 samples taken every 500ms and 100 kept failures.
func DefaultConfig() Config {
	return Config{WindowSize: 20, SampleInterval: 500 * time.Millisecond, FailureListSize: 100}
}

// Aggregator holds a run's counters. All methods are safe for concurrent use.
// Counters only ever grow; after Freeze they stop changing.
type Aggregator struct {
	cfg   Config
	clock func() time.Time

	mu                 sync.Mutex
	objectsComplete    int64
	objectsSkipped     int64
	objectsCopySkipped int64
	objectsFailed      int64
	bytesComplete      int64
	bytesSkipped       int64
	bytesCopySkipped   int64
	retries            int64
	frozen             bool

	startTime   time.Time
	endTime     time.Time
	pausedAt    time.Time
	pausedTotal time.Duration

	activeDiscovery atomic.Int64
	activeTransfer  atomic.Int64
	estObjects      atomic.Int64
	estBytes        atomic.Int64

	objectRate *Window
	byteRate   *Window
	errorRate  *Window
	failures   *Failures
}

// New creates an aggregator. Zero config fields take defaults.
func New(cfg Config) *Aggregator {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	switch {
	case cfg.FailureListSize == 0:
		cfg.FailureListSize = def.FailureListSize
	case cfg.FailureListSize < 0:
		// negative disables the list
		cfg.FailureListSize = 0
	}
	a := &Aggregator{
		cfg:        cfg,
		clock:      time.Now,
		objectRate: NewWindow(cfg.WindowSize),
		byteRate:   NewWindow(cfg.WindowSize),
		errorRate:  NewWindow(cfg.WindowSize),
		failures:   NewFailures(cfg.FailureListSize),
	}
	a.estObjects.Store(-1)
	a.estBytes.Store(-1)
	return a
}

// SetClock replaces the time source; tests use it for deterministic rates.
func (a *Aggregator) SetClock(clock func() time.Time) {
	a.clock = clock
}

// Start marks the beginning of the run.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startTime.IsZero() {
		a.startTime = a.clock()
	}
}

// Pause stops the elapsed clock until Resume.
func (a *Aggregator) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pausedAt.IsZero() && !a.frozen {
		a.pausedAt = a.clock()
	}
}

// Resume restarts the elapsed clock.
func (a *Aggregator) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pausedAt.IsZero() {
		a.pausedTotal += a.clock().Sub(a.pausedAt)
		a.pausedAt = time.Time{}
	}
}

// Freeze fixes the end time; later increments are ignored.
func (a *Aggregator) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return
	}
	now := a.clock()
	if !a.pausedAt.IsZero() {
		a.pausedTotal += now.Sub(a.pausedAt)
		a.pausedAt = time.Time{}
	}
	a.endTime = now
	a.frozen = true
}

func (a *Aggregator) add(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.frozen {
		fn()
	}
}

// ObjectComplete counts an object written to the target.
func (a *Aggregator) ObjectComplete(bytes int64) {
	a.add(func() {
		a.objectsComplete++
		a.bytesComplete += bytes
	})
}

// ObjectCopySkipped counts an object whose copy phase was skipped.
func (a *Aggregator) ObjectCopySkipped(bytes int64) {
	a.add(func() {
		a.objectsCopySkipped++
		a.bytesCopySkipped += bytes
	})
}

// ObjectSkipped counts an object that needed no work at all.
func (a *Aggregator) ObjectSkipped(bytes int64) {
	a.add(func() {
		a.objectsSkipped++
		a.bytesSkipped += bytes
	})
}

// ObjectFailed counts a failed object and records it in the recent failures
// list. Call it once per object, not once per attempt.
func (a *Aggregator) ObjectFailed(identifier, message string) {
	a.add(func() {
		a.objectsFailed++
		a.failures.Add(identifier, message, a.clock())
	})
}

// Retry counts one re-queued attempt.
func (a *Aggregator) Retry() {
	a.add(func() { a.retries++ })
}

// DiscoveryStarted and DiscoveryDone bracket a discovery task.
func (a *Aggregator) DiscoveryStarted() { a.activeDiscovery.Add(1) }
func (a *Aggregator) DiscoveryDone()    { a.activeDiscovery.Add(-1) }

// TransferStarted and TransferDone bracket a transfer task.
func (a *Aggregator) TransferStarted() { a.activeTransfer.Add(1) }
func (a *Aggregator) TransferDone()    { a.activeTransfer.Add(-1) }

// SetEstimate publishes the totals found by the estimation pass.
func (a *Aggregator) SetEstimate(objects, bytes int64) {
	a.estObjects.Store(objects)
	a.estBytes.Store(bytes)
}

// Sample feeds the current counters into the rate windows.
func (a *Aggregator) Sample(now time.Time) {
	a.mu.Lock()
	objects := a.objectsComplete + a.objectsSkipped + a.objectsCopySkipped
	bytes := a.bytesComplete
	failed := a.objectsFailed
	a.mu.Unlock()

	a.objectRate.Add(now, objects)
	a.byteRate.Add(now, bytes)
	a.errorRate.Add(now, failed)
}

// Run samples on every SampleInterval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SampleInterval)
	defer ticker.Stop()
	a.Sample(a.clock())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sample(a.clock())
		}
	}
}

// Failures returns the recent failures, oldest first.
func (a *Aggregator) Failures() []types.FailureEntry {
	return a.failures.List()
}

// Elapsed returns run time excluding pauses.
func (a *Aggregator) Elapsed() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.elapsedLocked()
}

func (a *Aggregator) elapsedLocked() time.Duration {
	if a.startTime.IsZero() {
		return 0
	}
	end := a.endTime
	if end.IsZero() {
		end = a.clock()
	}
	paused := a.pausedTotal
	if !a.pausedAt.IsZero() {
		paused += end.Sub(a.pausedAt)
	}
	return end.Sub(a.startTime) - paused
}

// Snapshot returns the counters and rates. JobID, State and RunError are
// left for the caller.
func (a *Aggregator) Snapshot() types.RunStats {
	a.mu.Lock()
	s := types.RunStats{
		StartTime:          a.startTime,
		Elapsed:            a.elapsedLocked(),
		ObjectsComplete:    a.objectsComplete,
		ObjectsSkipped:     a.objectsSkipped,
		ObjectsCopySkipped: a.objectsCopySkipped,
		ObjectsFailed:      a.objectsFailed,
		BytesComplete:      a.bytesComplete,
		BytesSkipped:       a.bytesSkipped,
		BytesCopySkipped:   a.bytesCopySkipped,
		Retries:            a.retries,
	}
	a.mu.Unlock()

	s.EstimatedObjects = a.estObjects.Load()
	s.EstimatedBytes = a.estBytes.Load()
	s.ActiveDiscovery = a.activeDiscovery.Load()
	s.ActiveTransfer = a.activeTransfer.Load()
	s.ObjectRate = a.objectRate.Rate()
	s.ByteRate = a.byteRate.Rate()
	s.ErrorRate = a.errorRate.Rate()
	s.RecentFailures = a.failures.List()
	return s
}

// Summary renders the end-of-run report.
func Summary(s types.RunStats) string {
	var b strings.Builder
	secs := s.Elapsed.Seconds()
	fmt.Fprintf(&b, "Transferred %s in %s", FormatBytes(s.BytesComplete), s.Elapsed.Round(time.Millisecond))
	if secs > 0 {
		fmt.Fprintf(&b, " (%s/s)", FormatBytes(int64(float64(s.BytesComplete)/secs)))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Objects: %d complete, %d copy-skipped, %d skipped, %d failed, %d retries\n",
		s.ObjectsComplete, s.ObjectsCopySkipped, s.ObjectsSkipped, s.ObjectsFailed, s.Retries)
	if s.EstimatedObjects >= 0 {
		fmt.Fprintf(&b, "Estimated source: %d objects, %s\n", s.EstimatedObjects, FormatBytes(s.EstimatedBytes))
	}
	if len(s.RecentFailures) > 0 {
		fmt.Fprintf(&b, "Recent failures (%d shown):\n", len(s.RecentFailures))
		for _, f := range s.RecentFailures {
			fmt.Fprintf(&b, "  %s: %s\n", f.Identifier, f.Message)
		}
	}
	if s.RunError != "" {
		fmt.Fprintf(&b, "Run aborted: %s\n", s.RunError)
	}
	return b.String()
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
