package types

import (
	"encoding/hex"
	"maps"
	"time"
)

// ObjectSummary is what enumeration yields for one object or directory.
type ObjectSummary struct {
	Identifier string `json:"identifier"`
	Directory  bool   `json:"directory"`
	Size       int64  `json:"size"`

	// ListFileRow holds every parsed field of the list-file line that
	// produced this summary, identifier first. Nil when the summary came from
	// a storage listing.
	ListFileRow  []string `json:"list_file_row,omitempty"`
	ListFileLine string   `json:"list_file_line,omitempty"`
}

// Checksum is a content digest reported by a backend or computed in flight.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     []byte `json:"value"`
}

// HexValue returns the digest hex encoded.
func (c *Checksum) HexValue() string {
	if c == nil {
		return ""
	}
	return hex.EncodeToString(c.Value)
}

// ObjectACL is a backend-neutral access control list.
type ObjectACL struct {
	Owner  string              `json:"owner,omitempty"`
	Grants map[string][]string `json:"grants,omitempty"`
}

// ObjectMetadata describes an object independently of its data.
type ObjectMetadata struct {
	ContentLength    int64             `json:"content_length"`
	ModTime          time.Time         `json:"mod_time"`
	ContentType      string            `json:"content_type,omitempty"`
	Checksum         *Checksum         `json:"checksum,omitempty"`
	Directory        bool              `json:"directory"`
	UserMetadata     map[string]string `json:"user_metadata,omitempty"`
	ACL              *ObjectACL        `json:"acl,omitempty"`
	RetentionEndTime *time.Time        `json:"retention_end_time,omitempty"`
}

// Clone returns a deep copy safe to hand to another object.
func (m *ObjectMetadata) Clone() *ObjectMetadata {
	if m == nil {
		return &ObjectMetadata{}
	}
	c := *m
	c.UserMetadata = maps.Clone(m.UserMetadata)
	if m.Checksum != nil {
		sum := Checksum{Algorithm: m.Checksum.Algorithm, Value: append([]byte(nil), m.Checksum.Value...)}
		c.Checksum = &sum
	}
	if m.ACL != nil {
		acl := ObjectACL{Owner: m.ACL.Owner, Grants: make(map[string][]string, len(m.ACL.Grants))}
		for k, v := range m.ACL.Grants {
			acl.Grants[k] = append([]string(nil), v...)
		}
		c.ACL = &acl
	}
	if m.RetentionEndTime != nil {
		t := *m.RetentionEndTime
		c.RetentionEndTime = &t
	}
	return &c
}

// ObjectStatus is the lifecycle state of one object within a run.
type ObjectStatus string

const (
	StatusDiscovered   ObjectStatus = "Discovered"
	StatusInTransfer   ObjectStatus = "InTransfer"
	StatusTransferred  ObjectStatus = "Transferred"
	StatusRetryQueue   ObjectStatus = "RetryQueue"
	StatusVerifying    ObjectStatus = "Verifying"
	StatusVerified     ObjectStatus = "Verified"
	StatusVerifyFailed ObjectStatus = "VerifyFailed"
	StatusError        ObjectStatus = "Error"
	StatusSkipped      ObjectStatus = "Skipped"
)

// IsSuccess reports whether the object reached the target intact.
func (s ObjectStatus) IsSuccess() bool {
	switch s {
	case StatusTransferred, StatusVerified, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is expected in this run.
func (s ObjectStatus) IsTerminal() bool {
	switch s {
	case StatusVerified, StatusVerifyFailed, StatusError, StatusSkipped:
		return true
	}
	return false
}

// Progress store column names.
const (
	ColSourceID           = "source_id"
	ColTargetID           = "target_id"
	ColIsDirectory        = "is_directory"
	ColSize               = "size"
	ColMtime              = "mtime"
	ColStatus             = "status"
	ColTransferStart      = "transfer_start"
	ColTransferComplete   = "transfer_complete"
	ColVerifyStart        = "verify_start"
	ColVerifyComplete     = "verify_complete"
	ColRetryCount         = "retry_count"
	ColErrorMessage       = "error_message"
	ColFirstErrorMessage  = "first_error_message"
	ColIsSourceDeleted    = "is_source_deleted"
	ColSourceMD5          = "source_md5"
	ColSourceRetentionEnd = "source_retention_end_time"
	ColTargetMtime        = "target_mtime"
	ColTargetMD5          = "target_md5"
	ColTargetRetentionEnd = "target_retention_end_time"
)

// SyncRecord is the durable state of one object, keyed by SourceID.
type SyncRecord struct {
	SourceID          string       `json:"source_id"`
	TargetID          string       `json:"target_id,omitempty"`
	Directory         bool         `json:"is_directory"`
	Size              int64        `json:"size"`
	Mtime             time.Time    `json:"mtime"`
	Status            ObjectStatus `json:"status"`
	TransferStart     time.Time    `json:"transfer_start"`
	TransferComplete  time.Time    `json:"transfer_complete"`
	VerifyStart       time.Time    `json:"verify_start"`
	VerifyComplete    time.Time    `json:"verify_complete"`
	RetryCount        int          `json:"retry_count"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	FirstErrorMessage string       `json:"first_error_message,omitempty"`
	SourceDeleted     bool         `json:"is_source_deleted"`

	SourceMD5          string    `json:"source_md5,omitempty"`
	SourceRetentionEnd time.Time `json:"source_retention_end_time"`
	TargetMtime        time.Time `json:"target_mtime"`
	TargetMD5          string    `json:"target_md5,omitempty"`
	TargetRetentionEnd time.Time `json:"target_retention_end_time"`
}

// Columns returns the record as column values. Empty strings and zero times
// map to nil. Extended columns are included only when enhanced is set.
func (r *SyncRecord) Columns(enhanced bool) map[string]any {
	cols := map[string]any{
		ColSourceID:          r.SourceID,
		ColTargetID:          nullString(r.TargetID),
		ColIsDirectory:       r.Directory,
		ColSize:              r.Size,
		ColMtime:             nullTime(r.Mtime),
		ColStatus:            string(r.Status),
		ColTransferStart:     nullTime(r.TransferStart),
		ColTransferComplete:  nullTime(r.TransferComplete),
		ColVerifyStart:       nullTime(r.VerifyStart),
		ColVerifyComplete:    nullTime(r.VerifyComplete),
		ColRetryCount:        r.RetryCount,
		ColErrorMessage:      nullString(r.ErrorMessage),
		ColFirstErrorMessage: nullString(r.FirstErrorMessage),
		ColIsSourceDeleted:   r.SourceDeleted,
	}
	if enhanced {
		cols[ColSourceMD5] = nullString(r.SourceMD5)
		cols[ColSourceRetentionEnd] = nullTime(r.SourceRetentionEnd)
		cols[ColTargetMtime] = nullTime(r.TargetMtime)
		cols[ColTargetMD5] = nullString(r.TargetMD5)
		cols[ColTargetRetentionEnd] = nullTime(r.TargetRetentionEnd)
	}
	return cols
}

// Changes returns the columns of r that differ from prev. A column that is
// nil in r is never reported, so an update built from it cannot null out a
// previously stored value. The key column is never included.
func (r *SyncRecord) Changes(prev *SyncRecord, enhanced bool) map[string]any {
	next := r.Columns(enhanced)
	delete(next, ColSourceID)
	if prev == nil {
		for k, v := range next {
			if v == nil {
				delete(next, k)
			}
		}
		return next
	}
	old := prev.Columns(enhanced)
	changes := make(map[string]any)
	for k, v := range next {
		if v == nil || valueEqual(v, old[k]) {
			continue
		}
		changes[k] = v
	}
	return changes
}

// Clone returns a copy of the record.
func (r *SyncRecord) Clone() *SyncRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func valueEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a == b
}

// FailureEntry is one element of the recent-failures list.
type FailureEntry struct {
	Identifier string    `json:"identifier"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

// Run states reported in RunStats.State.
const (
	RunStatePending   = "pending"
	RunStateRunning   = "running"
	RunStatePaused    = "paused"
	RunStateStopping  = "stopping"
	RunStateStopped   = "stopped"
	RunStateCompleted = "completed"
	RunStateFailed    = "failed"
)

// RunStats is a snapshot of a run's counters and rates.
type RunStats struct {
	JobID     string        `json:"job_id"`
	State     string        `json:"state"`
	StartTime time.Time     `json:"start_time"`
	Elapsed   time.Duration `json:"elapsed"`

	// Estimated totals are -1 until the estimation pass completes.
	EstimatedObjects int64 `json:"estimated_objects"`
	EstimatedBytes   int64 `json:"estimated_bytes"`

	ObjectsComplete    int64 `json:"objects_complete"`
	ObjectsSkipped     int64 `json:"objects_skipped"`
	ObjectsCopySkipped int64 `json:"objects_copy_skipped"`
	ObjectsFailed      int64 `json:"objects_failed"`
	BytesComplete      int64 `json:"bytes_complete"`
	BytesSkipped       int64 `json:"bytes_skipped"`
	BytesCopySkipped   int64 `json:"bytes_copy_skipped"`
	Retries            int64 `json:"retries"`

	ActiveDiscovery int64 `json:"active_discovery"`
	ActiveTransfer  int64 `json:"active_transfer"`

	ObjectRate float64 `json:"object_rate"`
	ByteRate   float64 `json:"byte_rate"`
	ErrorRate  float64 `json:"error_rate"`

	RecentFailures []FailureEntry `json:"recent_failures,omitempty"`
	RunError       string         `json:"run_error,omitempty"`
}
