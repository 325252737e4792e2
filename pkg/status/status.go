// Package status keeps the registry of sync jobs known to a process and
// answers progress queries about them.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// Job is the control surface of a sync job. *engine.Job implements it.
type Job interface {
	ID() string
	State() string
	Progress() types.RunStats
	Pause() error
	Resume() error
	Stop() error
	SetThreadCount(query, sync int) error
	Threads() (query, sync int)
}

// Runner is a Job that can be run by the tracker.
type Runner interface {
	Job
	Run(ctx context.Context) error
}

// JobStatus is a point-in-time view of a job
type JobStatus struct {
	ID           string         `json:"id"`
	State        string         `json:"state"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	QueryThreads int            `json:"query_threads"`
	SyncThreads  int            `json:"sync_threads"`
	Percentage   float64        `json:"percentage"`
	ETA          *time.Duration `json:"eta,omitempty"`
	Stats        types.RunStats `json:"stats"`
}

// Update is sent to subscribers when a job changes state
type Update struct {
	Job       JobStatus `json:"job"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

type entry struct {
	job       Job
	startTime time.Time

	mu          sync.Mutex
	subscribers []chan Update
}

// Tracker tracks all jobs and provides status information
type Tracker struct {
	mu         sync.RWMutex
	jobs       map[string]*entry
	history    []JobStatus
	maxHistory int
	now        func() time.Time
}

// TrackerConfig configures job tracking behavior
type TrackerConfig struct {
	MaxHistorySize int `json:"max_history_size"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 100,
	}
}

// NewTracker creates a new job tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 100
	}

	return &Tracker{
		jobs:       make(map[string]*entry),
		history:    make([]JobStatus, 0, config.MaxHistorySize),
		maxHistory: config.MaxHistorySize,
		now:        time.Now,
	}
}

// Register starts tracking job. Registering the same id twice fails.
func (t *Tracker) Register(job Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[job.ID()]; exists {
		return errors.NewError(errors.ErrCodeInvalidState, "job already registered").
			WithContext("job_id", job.ID())
	}
	t.jobs[job.ID()] = &entry{job: job, startTime: t.now()}
	return nil
}

// Run registers job, runs it to completion and moves it to history. The
// job's error is returned unchanged.
func (t *Tracker) Run(ctx context.Context, job Runner) error {
	if err := t.Register(job); err != nil {
		return err
	}
	t.notify(job.ID(), "job started")

	runErr := job.Run(ctx)

	msg := "job " + job.State()
	if runErr != nil {
		msg += ": " + runErr.Error()
	}
	t.finish(job.ID(), msg)
	return runErr
}

// finish moves a job to history and notifies its subscribers for the last
// time.
func (t *Tracker) finish(id, message string) {
	t.mu.Lock()
	e, exists := t.jobs[id]
	if !exists {
		t.mu.Unlock()
		return
	}
	st := t.statusLocked(e)
	end := t.now()
	st.EndTime = &end
	delete(t.jobs, id)
	t.history = append([]JobStatus{st}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
	t.mu.Unlock()

	e.mu.Lock()
	subscribers := e.subscribers
	e.subscribers = nil
	e.mu.Unlock()

	update := Update{Job: st, Timestamp: end, Message: message}
	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
		}
		close(ch)
	}
}

// Get returns an active job by ID
func (t *Tracker) Get(id string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, exists := t.jobs[id]
	if !exists {
		return nil, notFound(id)
	}
	return e.job, nil
}

// Status returns the status of an active or finished job.
func (t *Tracker) Status(id string) (JobStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, exists := t.jobs[id]; exists {
		return t.statusLocked(e), nil
	}
	for _, st := range t.history {
		if st.ID == id {
			return st, nil
		}
	}
	return JobStatus{}, notFound(id)
}

// List returns active jobs sorted by start time, followed by history newest
// first.
func (t *Tracker) List() []JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make([]JobStatus, 0, len(t.jobs))
	for _, e := range t.jobs {
		active = append(active, t.statusLocked(e))
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartTime.Before(active[j].StartTime) })

	return append(active, t.history...)
}

// GetHistory returns finished jobs, newest first
func (t *Tracker) GetHistory(limit int) []JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	result := make([]JobStatus, limit)
	copy(result, t.history[:limit])
	return result
}

// Pause pauses the job with the given id.
func (t *Tracker) Pause(id string) error {
	return t.control(id, "job paused", Job.Pause)
}

// Resume resumes the job with the given id.
func (t *Tracker) Resume(id string) error {
	return t.control(id, "job resumed", Job.Resume)
}

// Stop asks the job with the given id to stop.
func (t *Tracker) Stop(id string) error {
	return t.control(id, "job stopping", Job.Stop)
}

// SetThreads changes the thread counts of the job with the given id.
func (t *Tracker) SetThreads(id string, query, sync int) error {
	return t.control(id, "thread counts changed", func(j Job) error {
		return j.SetThreadCount(query, sync)
	})
}

func (t *Tracker) control(id, message string, fn func(Job) error) error {
	job, err := t.Get(id)
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	t.notify(id, message)
	return nil
}

// Subscribe returns a channel of updates for an active job. The channel is
// closed once the job finishes.
func (t *Tracker) Subscribe(id string) (<-chan Update, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, exists := t.jobs[id]
	if !exists {
		return nil, notFound(id)
	}

	ch := make(chan Update, 10)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch, nil
}

func (t *Tracker) notify(id, message string) {
	t.mu.RLock()
	e, exists := t.jobs[id]
	if !exists {
		t.mu.RUnlock()
		return
	}
	update := Update{Job: t.statusLocked(e), Timestamp: t.now(), Message: message}
	t.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- update:
		default:
			// slow subscriber, drop
		}
	}
}

// SystemStatus represents the overall process status
type SystemStatus struct {
	Timestamp   time.Time      `json:"timestamp"`
	ActiveJobs  int            `json:"active_jobs"`
	JobsByState map[string]int `json:"jobs_by_state"`
}

// GetSystemStatus summarizes active jobs by state
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := &SystemStatus{
		Timestamp:   t.now(),
		ActiveJobs:  len(t.jobs),
		JobsByState: make(map[string]int),
	}
	for _, e := range t.jobs {
		status.JobsByState[e.job.State()]++
	}
	return status
}

func (t *Tracker) statusLocked(e *entry) JobStatus {
	stats := e.job.Progress()
	query, sync := e.job.Threads()
	st := JobStatus{
		ID:           e.job.ID(),
		State:        stats.State,
		StartTime:    e.startTime,
		QueryThreads: query,
		SyncThreads:  sync,
		Stats:        stats,
	}
	st.Percentage, st.ETA = estimate(stats)
	return st
}

// estimate derives completion from the estimated totals. Both are zero
// until the estimation pass has finished.
func estimate(s types.RunStats) (float64, *time.Duration) {
	if s.EstimatedObjects <= 0 {
		return 0, nil
	}
	done := s.ObjectsComplete + s.ObjectsSkipped + s.ObjectsCopySkipped + s.ObjectsFailed
	pct := float64(done) / float64(s.EstimatedObjects) * 100
	if pct > 100 {
		pct = 100
	}

	if s.ObjectRate <= 0 || done >= s.EstimatedObjects {
		return pct, nil
	}
	remaining := s.EstimatedObjects - done
	eta := time.Duration(float64(remaining)/s.ObjectRate) * time.Second
	return pct, &eta
}

func notFound(id string) error {
	return errors.NewError(errors.ErrCodeJobNotFound, "job not found").WithContext("job_id", id)
}
