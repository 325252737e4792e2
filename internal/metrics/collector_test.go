package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	syncerrors "github.com/objectfs/objectsync/pkg/errors"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "objectsync",
			Subsystem: "test",
		}
		collector, err := NewCollector(config, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.Registry() == nil {
			t.Error("collector.Registry() is nil")
		}
		if collector.operations == nil {
			t.Error("collector.operations map is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "objectsync" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "objectsync")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}
		if collector.Enabled() {
			t.Error("Enabled() = true for disabled collector")
		}
	})
}

func TestObserveStorage(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.ObserveStorage("source:s3", "load", 100*time.Millisecond, nil)
	collector.ObserveStorage("source:s3", "load", 300*time.Millisecond, syncerrors.NewObjectNotFound("a"))
	collector.ObserveStorage("source:s3", "load", 200*time.Millisecond,
		syncerrors.NewError(syncerrors.ErrCodeThrottled, "slow down"))

	operations := collector.GetMetrics()["operations"].(map[string]*OperationMetrics)
	op, ok := operations["source:s3/load"]
	if !ok {
		t.Fatal("source:s3/load not recorded")
	}
	if op.Count != 3 {
		t.Errorf("op.Count = %d, want 3", op.Count)
	}
	if op.Errors != 1 {
		t.Errorf("op.Errors = %d, want 1 (not found is not an error)", op.Errors)
	}
	if op.AvgDuration != 200*time.Millisecond {
		t.Errorf("op.AvgDuration = %v, want 200ms", op.AvgDuration)
	}

	tests := []struct {
		status string
		want   float64
	}{
		{"success", 1},
		{"not_found", 1},
		{"error", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(collector.storageCounter.WithLabelValues("source:s3", "load", tt.status))
		if got != tt.want {
			t.Errorf("storage_operations_total{status=%q} = %v, want %v", tt.status, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(collector.storageErrorCount.WithLabelValues("source:s3", "throttling")); got != 1 {
		t.Errorf("storage_errors_total{type=throttling} = %v, want 1", got)
	}
}

func TestRecordObject(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordObject(OutcomeVerified, 1024, time.Second)
	collector.RecordObject(OutcomeTransferred, 512, time.Second)
	collector.RecordObject(OutcomeCopySkipped, 4096, 0)
	collector.RecordObject(OutcomeFailed, 0, 0)
	collector.RecordRetry()
	collector.RecordRetry()
	collector.SetActiveTransfers(3)
	collector.SetQueueDepth(7)

	if got := testutil.ToFloat64(collector.bytesCounter); got != 1536 {
		t.Errorf("bytes_transferred_total = %v, want 1536", got)
	}
	if got := testutil.ToFloat64(collector.objectCounter.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Errorf("objects_total{outcome=failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.retryCounter); got != 2 {
		t.Errorf("retries_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.activeTransfers); got != 3 {
		t.Errorf("active_transfers = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.queueDepth); got != 7 {
		t.Errorf("queue_depth = %v, want 7", got)
	}
}

func TestDisabledCollectorIgnoresEverything(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	// none of these may panic on the nil metric fields
	collector.ObserveStorage("target:fs", "create", time.Millisecond, errors.New("boom"))
	collector.RecordObject(OutcomeVerified, 1, time.Millisecond)
	collector.RecordRetry()
	collector.SetActiveTransfers(1)
	collector.SetQueueDepth(1)

	if len(collector.operations) != 0 {
		t.Error("disabled collector should not track operations")
	}

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "objectsync", Labels: map[string]string{"job": "nightly"}}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordObject(OutcomeVerified, 10, time.Millisecond)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`objectsync_objects_total{job="nightly",outcome="verified"} 1`,
		`objectsync_bytes_transferred_total{job="nightly"} 10`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDebugOperationsHandler(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	rec := httptest.NewRecorder()
	collector.debugOperationsHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/operations", nil))
	if !strings.Contains(rec.Body.String(), "No operations recorded.") {
		t.Errorf("empty summary = %q", rec.Body.String())
	}

	collector.ObserveStorage("target:memory", "create", time.Millisecond, nil)
	collector.ObserveStorage("source:memory", "load", time.Millisecond, nil)

	rec = httptest.NewRecorder()
	collector.debugOperationsHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/operations", nil))
	body := rec.Body.String()
	if strings.Index(body, "source:memory/load") > strings.Index(body, "target:memory/create") {
		t.Errorf("operations not sorted:\n%s", body)
	}

	collector.ResetMetrics()
	if n := len(collector.GetMetrics()["operations"].(map[string]*OperationMetrics)); n != 0 {
		t.Errorf("after reset %d operations remain", n)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{errors.New("plain"), "other"},
		{syncerrors.NewError(syncerrors.ErrCodeConnectionTimeout, "t"), "timeout"},
		{syncerrors.NewError(syncerrors.ErrCodeAccessDenied, "d"), "permission"},
		{syncerrors.NewError(syncerrors.ErrCodeCircuitOpen, "o"), "circuit_open"},
		{syncerrors.NewError(syncerrors.ErrCodeStorageWrite, "w"), "storage"},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
