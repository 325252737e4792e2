package status

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// fakeJob runs until release is closed.
type fakeJob struct {
	id      string
	release chan struct{}
	runErr  error

	mu            sync.Mutex
	state         string
	query, sync   int
	stats         types.RunStats
	pauseErr      error
	stopRequested bool
}

func newFakeJob(id string) *fakeJob {
	return &fakeJob{id: id, release: make(chan struct{}), state: types.RunStatePending, query: 2, sync: 4}
}

func (f *fakeJob) ID() string { return f.id }

func (f *fakeJob) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeJob) setState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeJob) Progress() types.RunStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.JobID = f.id
	s.State = f.state
	return s
}

func (f *fakeJob) Pause() error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.setState(types.RunStatePaused)
	return nil
}

func (f *fakeJob) Resume() error {
	f.setState(types.RunStateRunning)
	return nil
}

func (f *fakeJob) Stop() error {
	f.mu.Lock()
	f.stopRequested = true
	f.mu.Unlock()
	f.setState(types.RunStateStopping)
	return nil
}

func (f *fakeJob) SetThreadCount(query, sync int) error {
	if query < 1 || sync < 1 {
		return errors.NewConfigurationError("thread counts must be at least 1")
	}
	f.mu.Lock()
	f.query, f.sync = query, sync
	f.mu.Unlock()
	return nil
}

func (f *fakeJob) Threads() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query, f.sync
}

func (f *fakeJob) Run(ctx context.Context) error {
	f.setState(types.RunStateRunning)
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	if f.runErr != nil {
		f.setState(types.RunStateFailed)
		return f.runErr
	}
	f.setState(types.RunStateCompleted)
	return nil
}

func startJob(t *testing.T, tracker *Tracker, job *fakeJob) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- tracker.Run(context.Background(), job) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := tracker.Get(job.ID()); err == nil && job.State() == types.RunStateRunning {
			return done
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never became active", job.ID())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTracker_RunLifecycle(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	job := newFakeJob("job-1")
	done := startJob(t, tracker, job)

	st, err := tracker.Status("job-1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != types.RunStateRunning {
		t.Errorf("Expected state running, got %s", st.State)
	}
	if st.EndTime != nil {
		t.Error("Expected no end time for an active job")
	}
	if st.QueryThreads != 2 || st.SyncThreads != 4 {
		t.Errorf("Expected threads 2/4, got %d/%d", st.QueryThreads, st.SyncThreads)
	}

	close(job.release)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := tracker.Get("job-1"); err == nil {
		t.Error("Expected finished job to leave the active set")
	}
	st, err = tracker.Status("job-1")
	if err != nil {
		t.Fatalf("Status() of finished job error = %v", err)
	}
	if st.State != types.RunStateCompleted {
		t.Errorf("Expected state completed, got %s", st.State)
	}
	if st.EndTime == nil {
		t.Error("Expected end time on finished job")
	}
	if len(tracker.GetHistory(0)) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(tracker.GetHistory(0)))
	}
}

func TestTracker_RunReturnsJobError(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	job := newFakeJob("job-err")
	job.runErr = errors.NewStoreUnavailable("progress store gone", nil)
	close(job.release)

	err := tracker.Run(context.Background(), job)
	if err != job.runErr {
		t.Errorf("Run() error = %v, want %v", err, job.runErr)
	}
	st, _ := tracker.Status("job-err")
	if st.State != types.RunStateFailed {
		t.Errorf("Expected state failed, got %s", st.State)
	}
}

func TestTracker_DuplicateRegister(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	if err := tracker.Register(newFakeJob("dup")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := tracker.Register(newFakeJob("dup"))
	se, ok := errors.As(err)
	if !ok || se.Code != errors.ErrCodeInvalidState {
		t.Errorf("Expected INVALID_STATE error, got %v", err)
	}
}

func TestTracker_NotFound(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())

	tests := []struct {
		name string
		call func() error
	}{
		{"get", func() error { _, err := tracker.Get("missing"); return err }},
		{"status", func() error { _, err := tracker.Status("missing"); return err }},
		{"pause", func() error { return tracker.Pause("missing") }},
		{"resume", func() error { return tracker.Resume("missing") }},
		{"stop", func() error { return tracker.Stop("missing") }},
		{"threads", func() error { return tracker.SetThreads("missing", 1, 1) }},
		{"subscribe", func() error { _, err := tracker.Subscribe("missing"); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			se, ok := errors.As(err)
			if !ok || se.Code != errors.ErrCodeJobNotFound {
				t.Errorf("Expected JOB_NOT_FOUND, got %v", err)
			}
			if se != nil && se.HTTPStatus != 404 {
				t.Errorf("Expected HTTP status 404, got %d", se.HTTPStatus)
			}
		})
	}
}

func TestTracker_Controls(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	job := newFakeJob("ctl")
	done := startJob(t, tracker, job)

	if err := tracker.Pause("ctl"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if job.State() != types.RunStatePaused {
		t.Errorf("Expected paused, got %s", job.State())
	}
	if err := tracker.Resume("ctl"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := tracker.SetThreads("ctl", 3, 9); err != nil {
		t.Fatalf("SetThreads() error = %v", err)
	}
	if q, s := job.Threads(); q != 3 || s != 9 {
		t.Errorf("Expected threads 3/9, got %d/%d", q, s)
	}
	if err := tracker.SetThreads("ctl", 0, 9); err == nil {
		t.Error("Expected invalid thread count to fail")
	}

	job.pauseErr = errors.NewError(errors.ErrCodeInvalidState, "cannot pause")
	if err := tracker.Pause("ctl"); err != job.pauseErr {
		t.Errorf("Expected job error to pass through, got %v", err)
	}

	if err := tracker.Stop("ctl"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !job.stopRequested {
		t.Error("Expected Stop to reach the job")
	}
	close(job.release)
	<-done
}

func TestTracker_Subscribe(t *testing.T) {
	tracker := NewTracker(DefaultTrackerConfig())
	job := newFakeJob("sub")
	done := startJob(t, tracker, job)

	updates, err := tracker.Subscribe("sub")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := tracker.Pause("sub"); err != nil {
		t.Fatal(err)
	}
	select {
	case u := <-updates:
		if u.Message != "job paused" {
			t.Errorf("Expected 'job paused', got %q", u.Message)
		}
		if u.Job.State != types.RunStatePaused {
			t.Errorf("Expected paused state in update, got %s", u.Job.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after pause")
	}

	close(job.release)
	<-done

	var last Update
	for u := range updates {
		last = u
	}
	if last.Message != "job completed" {
		t.Errorf("Expected final 'job completed' update, got %q", last.Message)
	}
}

func TestTracker_ListAndHistoryLimit(t *testing.T) {
	tracker := NewTracker(TrackerConfig{MaxHistorySize: 2})

	for i := 0; i < 3; i++ {
		job := newFakeJob(fmt.Sprintf("old-%d", i))
		close(job.release)
		if err := tracker.Run(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}
	active := newFakeJob("active")
	done := startJob(t, tracker, active)

	list := tracker.List()
	if len(list) != 3 {
		t.Fatalf("Expected 1 active + 2 history, got %d", len(list))
	}
	if list[0].ID != "active" {
		t.Errorf("Expected active job first, got %s", list[0].ID)
	}
	if list[1].ID != "old-2" || list[2].ID != "old-1" {
		t.Errorf("Expected newest history first, got %s, %s", list[1].ID, list[2].ID)
	}
	if _, err := tracker.Status("old-0"); err == nil {
		t.Error("Expected oldest entry to be evicted")
	}

	sys := tracker.GetSystemStatus()
	if sys.ActiveJobs != 1 || sys.JobsByState[types.RunStateRunning] != 1 {
		t.Errorf("Unexpected system status %+v", sys)
	}

	close(active.release)
	<-done
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		stats   types.RunStats
		pct     float64
		wantETA bool
		eta     time.Duration
	}{
		{"no estimate", types.RunStats{EstimatedObjects: -1, ObjectsComplete: 10}, 0, false, 0},
		{"half done", types.RunStats{EstimatedObjects: 100, ObjectsComplete: 40, ObjectsFailed: 10, ObjectRate: 5}, 50, true, 10 * time.Second},
		{"no rate yet", types.RunStats{EstimatedObjects: 10, ObjectsCopySkipped: 1}, 10, false, 0},
		{"overshoot", types.RunStats{EstimatedObjects: 10, ObjectsComplete: 12, ObjectRate: 1}, 100, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, eta := estimate(tt.stats)
			if pct != tt.pct {
				t.Errorf("percentage = %v, want %v", pct, tt.pct)
			}
			if (eta != nil) != tt.wantETA {
				t.Fatalf("eta = %v, wantETA %v", eta, tt.wantETA)
			}
			if eta != nil && *eta != tt.eta {
				t.Errorf("eta = %v, want %v", *eta, tt.eta)
			}
		})
	}
}
