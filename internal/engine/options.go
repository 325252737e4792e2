package engine

import (
	"fmt"
	"time"

	"github.com/objectfs/objectsync/internal/filter"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
)

// Options tunes one job. Zero values are not defaults; start from
// DefaultOptions.
type Options struct {
	// QueryThreads bounds concurrent listing and list-file Stat calls.
	QueryThreads int `yaml:"query_threads" env:"QUERY_THREADS"`
	// SyncThreads is the transfer pool size. It can be changed while the
	// job runs.
	SyncThreads int `yaml:"sync_threads" env:"SYNC_THREADS"`
	// QueueSize is the capacity of the queue between discovery and
	// transfer. Discovery blocks while it is full.
	QueueSize int  `yaml:"queue_size" env:"QUEUE_SIZE"`
	Recursive bool `yaml:"recursive" env:"RECURSIVE"`

	// Verify reads every transferred object back and compares it.
	Verify bool `yaml:"verify" env:"VERIFY"`
	// VerifyOnly skips the copy phase and only verifies.
	VerifyOnly bool `yaml:"verify_only" env:"VERIFY_ONLY"`
	// Force copies objects the progress store already lists as done and
	// rewrites targets that already match.
	Force bool `yaml:"force" env:"FORCE"`
	// DeleteSource removes each source object once it is safely copied.
	DeleteSource bool `yaml:"delete_source" env:"DELETE_SOURCE"`
	// DetectDeleted flags records whose source object was not found by a
	// complete, uninterrupted enumeration.
	DetectDeleted bool `yaml:"detect_deleted" env:"DETECT_DELETED"`
	// Estimate runs a separate counting enumeration for progress totals.
	Estimate bool `yaml:"estimate" env:"ESTIMATE"`

	// FullRead compares content digests during verification.
	FullRead            bool          `yaml:"full_read" env:"FULL_READ"`
	UseMetadataChecksum bool          `yaml:"use_metadata_checksum" env:"USE_METADATA_CHECKSUM"`
	MtimeTolerance      time.Duration `yaml:"mtime_tolerance" env:"MTIME_TOLERANCE"`
	// EnhancedDetails records checksums, target mtime and retention.
	EnhancedDetails bool `yaml:"enhanced_details" env:"ENHANCED_DETAILS"`

	// MaxRetries is how many times a transient failure is retried before
	// the object fails.
	MaxRetries int          `yaml:"max_retries" env:"MAX_RETRIES"`
	Retry      retry.Config `yaml:"retry" envPrefix:"RETRY_"`

	// ObjectsPerSecond and BytesPerSecond throttle the transfer side; zero
	// means unlimited.
	ObjectsPerSecond float64 `yaml:"objects_per_second" env:"OBJECTS_PER_SECOND"`
	BytesPerSecond   int64   `yaml:"bytes_per_second" env:"BYTES_PER_SECOND"`

	// ProgressInterval is how often a progress line is logged; zero
	// disables it.
	ProgressInterval time.Duration `yaml:"progress_interval" env:"PROGRESS_INTERVAL"`
}

// DefaultOptions returns a recursive, verifying configuration.
func DefaultOptions() Options {
	return Options{
		QueryThreads:     8,
		SyncThreads:      16,
		QueueSize:        1000,
		Recursive:        true,
		Verify:           true,
		FullRead:         true,
		MtimeTolerance:   filter.DefaultMtimeTolerance,
		MaxRetries:       3,
		Retry:            retry.DefaultConfig(),
		ProgressInterval: 30 * time.Second,
	}
}

// Validate checks the options before a job starts.
func (o Options) Validate() error {
	switch {
	case o.QueryThreads < 1:
		return invalid("query_threads must be at least 1, got %d", o.QueryThreads)
	case o.SyncThreads < 1:
		return invalid("sync_threads must be at least 1, got %d", o.SyncThreads)
	case o.QueueSize < 1:
		return invalid("queue_size must be at least 1, got %d", o.QueueSize)
	case o.MaxRetries < 0:
		return invalid("max_retries must not be negative, got %d", o.MaxRetries)
	case o.ObjectsPerSecond < 0 || o.BytesPerSecond < 0:
		return invalid("throttles must not be negative")
	case o.VerifyOnly && o.DeleteSource:
		return invalid("delete_source cannot be combined with verify_only")
	}
	return nil
}

func (o Options) verifying() bool { return o.Verify || o.VerifyOnly }

func invalid(format string, args ...any) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...)).WithComponent("engine")
}
