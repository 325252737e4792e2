// Package progress persists per-object sync state so runs can resume and be
// audited.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// Filter selects a subset of records for Each.
type Filter int

const (
	FilterAll Filter = iota
	// FilterErrors selects objects that ended in Error or VerifyFailed.
	FilterErrors
	// FilterRetries selects objects that needed at least one retry.
	FilterRetries
	// FilterDeleted selects objects flagged as deleted from the source.
	FilterDeleted
)

// ParseFilter maps a report name to a Filter.
func ParseFilter(name string) (Filter, error) {
	switch name {
	case "", "all":
		return FilterAll, nil
	case "errors":
		return FilterErrors, nil
	case "retries":
		return FilterRetries, nil
	case "deleted":
		return FilterDeleted, nil
	}
	return FilterAll, fmt.Errorf("unknown record filter %q", name)
}

// Store is a durable keyed record store. Writes for one source id come from
// one worker at a time; writes for different ids may be concurrent.
type Store interface {
	// Get returns the record for sourceID, or nil when there is none.
	Get(ctx context.Context, sourceID string) (*types.SyncRecord, error)

	// Insert writes a new record. The status is required.
	Insert(ctx context.Context, rec *types.SyncRecord) error

	// Update writes only the given columns of an existing record.
	Update(ctx context.Context, sourceID string, changes map[string]any) error

	// Each calls fn for every selected record in source id order.
	Each(ctx context.Context, filter Filter, fn func(*types.SyncRecord) error) error

	// MarkSourceDeleted flags records whose source object disappeared.
	MarkSourceDeleted(ctx context.Context, sourceIDs []string) error

	Close() error
}

// Drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DefaultMaxErrorSize is the stored length limit for error messages.
const DefaultMaxErrorSize = 2048

// Config selects and tunes the store.
type Config struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	EnhancedDetails bool          `yaml:"enhanced_details" env:"ENHANCED_DETAILS"`
	MaxErrorSize    int           `yaml:"max_error_size" env:"MAX_ERROR_SIZE"`
	PageSize        int           `yaml:"page_size" env:"PAGE_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// DefaultConfig keeps state in memory.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverMemory,
		MaxOpenConns: 4,
		MaxErrorSize: DefaultMaxErrorSize,
		PageSize:     500,
		WriteTimeout: 30 * time.Second,
	}
}

// Open creates the store described by cfg and brings its schema up to date.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(cfg), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, cfg, log)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg, log)
	}
	return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("unknown progress store driver %q", cfg.Driver))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

func truncateErrors(cols map[string]any, max int) {
	for _, k := range []string{types.ColErrorMessage, types.ColFirstErrorMessage} {
		if s, ok := cols[k].(string); ok {
			cols[k] = truncate(s, max)
		}
	}
}

func matches(rec *types.SyncRecord, filter Filter) bool {
	switch filter {
	case FilterErrors:
		return rec.Status == types.StatusError || rec.Status == types.StatusVerifyFailed
	case FilterRetries:
		return rec.RetryCount > 0
	case FilterDeleted:
		return rec.SourceDeleted
	}
	return true
}

// apply sets the named columns on rec. Unknown columns are ignored.
func apply(rec *types.SyncRecord, changes map[string]any) {
	for col, v := range changes {
		switch col {
		case types.ColTargetID:
			rec.TargetID = asString(v)
		case types.ColIsDirectory:
			rec.Directory, _ = v.(bool)
		case types.ColSize:
			rec.Size = asInt64(v)
		case types.ColMtime:
			rec.Mtime = asTime(v)
		case types.ColStatus:
			rec.Status = types.ObjectStatus(asString(v))
		case types.ColTransferStart:
			rec.TransferStart = asTime(v)
		case types.ColTransferComplete:
			rec.TransferComplete = asTime(v)
		case types.ColVerifyStart:
			rec.VerifyStart = asTime(v)
		case types.ColVerifyComplete:
			rec.VerifyComplete = asTime(v)
		case types.ColRetryCount:
			rec.RetryCount = int(asInt64(v))
		case types.ColErrorMessage:
			rec.ErrorMessage = asString(v)
		case types.ColFirstErrorMessage:
			rec.FirstErrorMessage = asString(v)
		case types.ColIsSourceDeleted:
			rec.SourceDeleted, _ = v.(bool)
		case types.ColSourceMD5:
			rec.SourceMD5 = asString(v)
		case types.ColSourceRetentionEnd:
			rec.SourceRetentionEnd = asTime(v)
		case types.ColTargetMtime:
			rec.TargetMtime = asTime(v)
		case types.ColTargetMD5:
			rec.TargetMD5 = asString(v)
		case types.ColTargetRetentionEnd:
			rec.TargetRetentionEnd = asTime(v)
		}
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case int32:
		return int64(n)
	}
	return 0
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}
