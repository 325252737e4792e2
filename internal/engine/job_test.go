package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/objectfs/objectsync/internal/filter"
	"github.com/objectfs/objectsync/internal/listfile"
	"github.com/objectfs/objectsync/internal/metrics"
	"github.com/objectfs/objectsync/internal/mock"
	"github.com/objectfs/objectsync/internal/progress"
	"github.com/objectfs/objectsync/internal/storage/memory"
	syncerrors "github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
	"github.com/objectfs/objectsync/pkg/types"
)

func testOptions() Options {
	o := DefaultOptions()
	o.QueryThreads = 2
	o.SyncThreads = 4
	o.QueueSize = 8
	o.ProgressInterval = 0
	o.Retry = retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	return o
}

// seedSource stores n objects spread over a few directories and returns
// their identifiers.
func seedSource(n int) (*memory.Storage, []string) {
	src := memory.New("source")
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("dir%d/obj%03d.bin", i%3, i)
		src.Put(id, bytes.Repeat([]byte{byte('a' + i%26)}, 10+i), nil)
		ids = append(ids, id)
	}
	return src, ids
}

type fixture struct {
	source *memory.Storage
	target *memory.Storage
	store  *progress.MemoryStore
	ids    []string
}

func newFixture(n int) *fixture {
	src, ids := seedSource(n)
	return &fixture{
		source: src,
		target: memory.New("target"),
		store:  progress.NewMemoryStore(progress.DefaultConfig()),
		ids:    ids,
	}
}

func (f *fixture) job(t *testing.T, opts Options, mutate ...func(*Config)) *Job {
	t.Helper()
	cfg := Config{Source: f.source, Target: f.target, Store: f.store, Options: opts}
	for _, m := range mutate {
		m(&cfg)
	}
	j, err := New(cfg)
	require.NoError(t, err)
	return j
}

func (f *fixture) record(t *testing.T, id string) *types.SyncRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec, "no record for %s", id)
	return rec
}

func (f *fixture) statuses(t *testing.T) map[types.ObjectStatus]int {
	t.Helper()
	out := make(map[types.ObjectStatus]int)
	err := f.store.Each(context.Background(), progress.FilterAll, func(rec *types.SyncRecord) error {
		out[rec.Status]++
		return nil
	})
	require.NoError(t, err)
	return out
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	calls    map[string]int
	retries  int
}

func newRecorder() *recorder {
	return &recorder{outcomes: make(map[string]int), calls: make(map[string]int)}
}

func (r *recorder) ObserveStorage(backend, op string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[backend+"/"+op]++
}

func (r *recorder) RecordObject(outcome string, _ int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *recorder) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recorder) SetActiveTransfers(int64) {}
func (r *recorder) SetQueueDepth(int)        {}

func (r *recorder) outcome(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[name]
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(1)

	_, err := New(Config{Target: f.target, Store: f.store, Options: testOptions()})
	assert.Error(t, err)

	opts := testOptions()
	opts.SyncThreads = 0
	_, err = New(Config{Source: f.source, Target: f.target, Store: f.store, Options: opts})
	se, ok := syncerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, syncerrors.ErrCodeConfigValidation, se.Code)

	opts = testOptions()
	opts.VerifyOnly, opts.DeleteSource = true, true
	_, err = New(Config{Source: f.source, Target: f.target, Store: f.store, Options: opts})
	assert.Error(t, err)

	j := f.job(t, testOptions())
	assert.NotEmpty(t, j.ID())
	assert.Equal(t, types.RunStatePending, j.State())
}

func TestRun_FullSync(t *testing.T) {
	f := newFixture(40)
	rec := newRecorder()
	j := f.job(t, testOptions(), func(c *Config) { c.Metrics = rec })

	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, types.RunStateCompleted, j.State())
	assert.Equal(t, map[types.ObjectStatus]int{types.StatusVerified: 40}, f.statuses(t))
	assert.Equal(t, int64(40), f.target.Creates())

	for _, id := range f.ids {
		want, _, _ := f.source.Get(id)
		got, _, ok := f.target.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, want, got, id)

		r := f.record(t, id)
		assert.Equal(t, id, r.TargetID)
		assert.Zero(t, r.RetryCount)
		assert.False(t, r.TransferComplete.IsZero())
		assert.False(t, r.VerifyComplete.IsZero())
	}

	p := j.Progress()
	assert.Equal(t, j.ID(), p.JobID)
	assert.Equal(t, int64(40), p.ObjectsComplete)
	assert.Zero(t, p.ObjectsFailed)
	assert.Empty(t, p.RunError)

	assert.Equal(t, 40, rec.outcome(metrics.OutcomeVerified))
	rec.mu.Lock()
	assert.Equal(t, 40, rec.calls["target:target/create"])
	rec.mu.Unlock()
}

func TestRun_ResumeWritesNothing(t *testing.T) {
	f := newFixture(25)
	require.NoError(t, f.job(t, testOptions()).Run(context.Background()))
	writes := f.target.Writes()

	j := f.job(t, testOptions())
	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, writes, f.target.Writes())
	p := j.Progress()
	assert.Equal(t, int64(25), p.ObjectsCopySkipped)
	assert.Zero(t, p.ObjectsComplete)
	assert.Equal(t, map[types.ObjectStatus]int{types.StatusVerified: 25}, f.statuses(t))
}

func TestRun_ChangedSourceIsCopiedAgain(t *testing.T) {
	f := newFixture(5)
	require.NoError(t, f.job(t, testOptions()).Run(context.Background()))

	id := f.ids[2]
	f.source.Put(id, []byte("changed"), &types.ObjectMetadata{ModTime: time.Now().Add(time.Hour)})

	j := f.job(t, testOptions())
	require.NoError(t, j.Run(context.Background()))

	got, _, _ := f.target.Get(id)
	assert.Equal(t, []byte("changed"), got)
	assert.Equal(t, int64(1), f.target.Updates())
	assert.Equal(t, int64(1), j.Progress().ObjectsComplete)
	assert.Equal(t, int64(4), j.Progress().ObjectsCopySkipped)
}

func TestRun_TransientFailureRetriesUpToCeiling(t *testing.T) {
	f := newFixture(3)
	bad := f.ids[1]
	f.target.FailNext(memory.OpCreate, bad, -1, syncerrors.NewTransientError("connection reset", nil))

	opts := testOptions()
	opts.MaxRetries = 2
	rec := newRecorder()
	j := f.job(t, opts, func(c *Config) { c.Metrics = rec })

	require.NoError(t, j.Run(context.Background()))

	r := f.record(t, bad)
	assert.Equal(t, types.StatusError, r.Status)
	assert.Equal(t, 2, r.RetryCount)
	assert.Contains(t, r.ErrorMessage, "connection reset")
	assert.Equal(t, r.ErrorMessage, r.FirstErrorMessage)

	p := j.Progress()
	assert.Equal(t, int64(1), p.ObjectsFailed)
	assert.Equal(t, int64(2), p.ObjectsComplete)
	assert.Equal(t, int64(2), p.Retries)
	require.Len(t, p.RecentFailures, 1)
	assert.Equal(t, bad, p.RecentFailures[0].Identifier)

	assert.Equal(t, 1, rec.outcome(metrics.OutcomeFailed))
	assert.Equal(t, 2, rec.retries)
	assert.Equal(t, types.RunStateCompleted, j.State())
}

func TestRun_TransientFailureRecovers(t *testing.T) {
	f := newFixture(3)
	id := f.ids[0]
	f.target.FailNext(memory.OpCreate, id, 1, syncerrors.NewTransientError("throttled", nil))

	j := f.job(t, testOptions())
	require.NoError(t, j.Run(context.Background()))

	r := f.record(t, id)
	assert.Equal(t, types.StatusVerified, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	assert.Contains(t, r.FirstErrorMessage, "throttled")
	assert.Equal(t, int64(3), j.Progress().ObjectsComplete)
}

func TestRun_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(4)
	id := f.ids[3]
	f.source.FailNext(memory.OpLoad, id, -1, syncerrors.NewError(syncerrors.ErrCodeAccessDenied, "access denied"))

	j := f.job(t, testOptions())
	require.NoError(t, j.Run(context.Background()))

	r := f.record(t, id)
	assert.Equal(t, types.StatusError, r.Status)
	assert.Zero(t, r.RetryCount)
	assert.Zero(t, j.Progress().Retries)
	assert.Equal(t, int64(1), j.Progress().ObjectsFailed)
	assert.Equal(t, 3, f.statuses(t)[types.StatusVerified])
}

func TestRun_VerificationMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	tamper := mock.NewMockFilter(ctrl)
	tamper.EXPECT().Name().Return("tamper").AnyTimes()
	tamper.EXPECT().Filter(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, oc *types.ObjectContext) error { return oc.Next(ctx) }).
		AnyTimes()
	tamper.EXPECT().ReverseFilter(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, oc *types.ObjectContext, target *types.SyncObject) (*types.SyncObject, error) {
			target.Close()
			return types.NewSyncObject(oc.Object.RelativePath(), oc.Object.Metadata().Clone(), func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("corrupted")), nil
			}), nil
		}).
		AnyTimes()

	f := newFixture(2)
	j := f.job(t, testOptions(), func(c *Config) { c.Filters = []types.Filter{tamper} })
	require.NoError(t, j.Run(context.Background()))

	for _, id := range f.ids {
		r := f.record(t, id)
		assert.Equal(t, types.StatusVerifyFailed, r.Status)
		assert.Zero(t, r.RetryCount)
		assert.Contains(t, r.ErrorMessage, "MD5")
	}
	assert.Equal(t, int64(2), j.Progress().ObjectsFailed)
}

func TestRun_MetadataFilterOverwritingSourceKeyVerifies(t *testing.T) {
	f := newFixture(0)
	f.source.Put("a.txt", []byte("hello"), &types.ObjectMetadata{UserMetadata: map[string]string{"owner": "alice"}})
	mf, err := filter.NewMetadataFilter(map[string]string{"owner": "sync-bot"})
	require.NoError(t, err)

	j := f.job(t, testOptions(), func(c *Config) { c.Filters = []types.Filter{mf} })
	require.NoError(t, j.Run(context.Background()))

	rec := f.record(t, "a.txt")
	assert.Equal(t, types.StatusVerified, rec.Status, rec.ErrorMessage)
	_, meta, ok := f.target.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, "sync-bot", meta.UserMetadata["owner"])
}

func TestRun_VerifyOnly(t *testing.T) {
	f := newFixture(6)
	opts := testOptions()
	opts.Verify = false
	require.NoError(t, f.job(t, opts).Run(context.Background()))
	assert.Equal(t, 6, f.statuses(t)[types.StatusTransferred])

	f.target.Put(f.ids[0], []byte("drifted"), nil)
	opts.VerifyOnly = true
	j := f.job(t, opts)
	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, types.StatusVerifyFailed, f.record(t, f.ids[0]).Status)
	assert.Equal(t, 5, f.statuses(t)[types.StatusVerified])
	assert.Equal(t, int64(6), f.target.Writes())
}

func TestRun_ConfigureFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mock.NewMockStorage(ctrl)
	src.EXPECT().Name().Return("broken").AnyTimes()
	src.EXPECT().Configure(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(syncerrors.NewConfigurationError("bucket is not set"))

	f := newFixture(0)
	j, err := New(Config{Source: src, Target: f.target, Store: f.store, Options: testOptions()})
	require.NoError(t, err)

	err = j.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is not set")
	assert.Equal(t, types.RunStateFailed, j.State())
	assert.Equal(t, err.Error(), j.Progress().RunError)
}

func TestRun_ListingFailureAbortsEnumeration(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mock.NewMockStorage(ctrl)
	src.EXPECT().Name().Return("flaky").AnyTimes()
	src.EXPECT().Configure(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	src.EXPECT().AllObjects(gomock.Any(), gomock.Any()).
		Return(syncerrors.NewError(syncerrors.ErrCodeAccessDenied, "list denied"))

	f := newFixture(0)
	j, err := New(Config{Source: src, Target: f.target, Store: f.store, Options: testOptions()})
	require.NoError(t, err)

	err = j.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list denied")
	assert.Equal(t, types.RunStateFailed, j.State())
}

type failingStore struct {
	*progress.MemoryStore
}

func (failingStore) Insert(context.Context, *types.SyncRecord) error {
	return fmt.Errorf("disk full")
}

func TestRun_StoreFailureIsFatal(t *testing.T) {
	f := newFixture(10)
	j, err := New(Config{
		Source:  f.source,
		Target:  f.target,
		Store:   failingStore{f.store},
		Options: testOptions(),
	})
	require.NoError(t, err)

	err = j.Run(context.Background())
	se, ok := syncerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, syncerrors.ErrCodeStoreUnavailable, se.Code)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, types.RunStateFailed, j.State())
}

func TestRun_AlreadyStarted(t *testing.T) {
	f := newFixture(1)
	j := f.job(t, testOptions())
	require.NoError(t, j.Run(context.Background()))

	err := j.Run(context.Background())
	se, ok := syncerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, syncerrors.ErrCodeAlreadyStarted, se.Code)
}

func TestRun_BoundedOutstanding(t *testing.T) {
	f := newFixture(200)
	f.target.SetLatency(time.Millisecond)

	opts := testOptions()
	opts.QueueSize = 5
	opts.SyncThreads = 2
	opts.QueryThreads = 2
	j := f.job(t, opts)

	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, 200, f.statuses(t)[types.StatusVerified])
	bound := int64(opts.QueueSize + opts.SyncThreads + opts.QueryThreads + 1)
	assert.LessOrEqual(t, j.outstanding.max(), bound)
	assert.Zero(t, j.outstanding.count())
}

func TestRun_PauseResumeStop(t *testing.T) {
	f := newFixture(100)
	f.source.SetLatency(10 * time.Millisecond)

	opts := testOptions()
	opts.SyncThreads = 2
	j := f.job(t, opts)

	assert.Error(t, j.Pause(), "pause before start")

	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()

	require.Eventually(t, func() bool { return j.State() == types.RunStateRunning }, 5*time.Second, time.Millisecond)

	require.NoError(t, j.Pause())
	assert.Equal(t, types.RunStatePaused, j.State())
	require.NoError(t, j.Pause(), "pause is idempotent")

	require.NoError(t, j.Resume())
	assert.Equal(t, types.RunStateRunning, j.State())

	require.NoError(t, j.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("job did not stop")
	}
	assert.Equal(t, types.RunStateStopped, j.State())
	assert.Error(t, j.Stop(), "stop after stopped")
	assert.Error(t, j.Resume(), "resume after stopped")

	// a fresh job over the same store finishes the rest
	f.source.SetLatency(0)
	next := f.job(t, opts)
	require.NoError(t, next.Run(context.Background()))
	assert.Equal(t, map[types.ObjectStatus]int{types.StatusVerified: 100}, f.statuses(t))
}

func TestRun_PauseHoldsIdleWorkers(t *testing.T) {
	f := newFixture(10)
	pr, pw := io.Pipe()
	list := listfile.NewReader(pr, true)

	opts := testOptions()
	opts.SyncThreads = 4
	j := f.job(t, opts, func(c *Config) { c.List = list })

	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()
	require.Eventually(t, func() bool { return j.State() == types.RunStateRunning }, 5*time.Second, time.Millisecond)
	// let the workers park on the empty queue
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, j.Pause())

	go pw.Write([]byte(strings.Join(f.ids, "\n") + "\n"))
	require.Eventually(t, func() bool { return j.outstanding.count() == 10 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.target.Creates(), "no target writes while paused")
	assert.Equal(t, types.RunStatePaused, j.State())

	require.NoError(t, j.Resume())
	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.Equal(t, int64(10), f.target.Creates())
	assert.Equal(t, map[types.ObjectStatus]int{types.StatusVerified: 10}, f.statuses(t))
}

func TestRun_StopWhilePaused(t *testing.T) {
	f := newFixture(50)
	f.source.SetLatency(10 * time.Millisecond)
	j := f.job(t, testOptions())

	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()
	require.Eventually(t, func() bool { return j.State() == types.RunStateRunning }, 5*time.Second, time.Millisecond)
	require.NoError(t, j.Pause())
	require.NoError(t, j.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("job did not stop")
	}
	assert.Equal(t, types.RunStateStopped, j.State())
}

func TestStop_BeforeRun(t *testing.T) {
	f := newFixture(3)
	j := f.job(t, testOptions())
	require.NoError(t, j.Stop())
	assert.Equal(t, types.RunStateStopped, j.State())

	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, types.RunStateStopped, j.State())
	assert.Zero(t, f.store.Len())
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(50)
	f.source.SetLatency(10 * time.Millisecond)
	j := f.job(t, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	require.Eventually(t, func() bool { return j.State() == types.RunStateRunning }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job did not return after cancel")
	}
	assert.Equal(t, types.RunStateStopped, j.State())
}

func TestSetThreadCount(t *testing.T) {
	f := newFixture(60)
	f.source.SetLatency(5 * time.Millisecond)
	opts := testOptions()
	opts.SyncThreads = 1
	j := f.job(t, opts)

	assert.Error(t, j.SetThreadCount(0, 1))
	require.NoError(t, j.SetThreadCount(3, 1))
	q, s := j.Threads()
	assert.Equal(t, 3, q)
	assert.Equal(t, 1, s)

	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()
	require.Eventually(t, func() bool { return j.State() == types.RunStateRunning }, 5*time.Second, time.Millisecond)

	require.NoError(t, j.SetThreadCount(3, 6))
	j.mu.Lock()
	size := j.pool.size()
	j.mu.Unlock()
	assert.Equal(t, 6, size)

	require.NoError(t, j.SetThreadCount(3, 2))
	require.NoError(t, <-done)
	assert.Equal(t, 60, f.statuses(t)[types.StatusVerified])
}

// sizedStorage records the concurrency it is asked to serve.
type sizedStorage struct {
	*memory.Storage

	mu    sync.Mutex
	sizes []int
}

func (s *sizedStorage) SetConcurrency(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, n)
	return nil
}

func (s *sizedStorage) recorded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sizes...)
}

func TestSetThreadCount_SizesStorages(t *testing.T) {
	f := newFixture(20)
	f.source.SetLatency(5 * time.Millisecond)
	target := &sizedStorage{Storage: f.target}
	opts := testOptions()
	opts.SyncThreads = 2
	j := f.job(t, opts, func(c *Config) {
		c.Target = target
		c.Metrics = newRecorder()
	})

	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()
	require.Eventually(t, func() bool { return len(target.recorded()) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, j.SetThreadCount(2, 5))
	require.NoError(t, <-done)

	assert.Equal(t, []int{2, 5}, target.recorded())
}

func TestRun_DetectDeleted(t *testing.T) {
	f := newFixture(6)
	require.NoError(t, f.job(t, testOptions()).Run(context.Background()))

	gone := f.ids[4]
	f.source.Remove(gone)

	opts := testOptions()
	opts.DetectDeleted = true
	require.NoError(t, f.job(t, opts).Run(context.Background()))

	assert.True(t, f.record(t, gone).SourceDeleted)
	assert.False(t, f.record(t, f.ids[0]).SourceDeleted)

	var deleted []string
	require.NoError(t, f.store.Each(context.Background(), progress.FilterDeleted, func(rec *types.SyncRecord) error {
		deleted = append(deleted, rec.SourceID)
		return nil
	}))
	assert.Equal(t, []string{gone}, deleted)
}

func TestRun_DetectDeletedSkippedAfterEnumerationError(t *testing.T) {
	f := newFixture(6)
	require.NoError(t, f.job(t, testOptions()).Run(context.Background()))

	f.source.Remove(f.ids[0])
	f.source.FailNext(memory.OpList, "dir1", 1, syncerrors.NewError(syncerrors.ErrCodeAccessDenied, "denied"))

	opts := testOptions()
	opts.DetectDeleted = true
	require.NoError(t, f.job(t, opts).Run(context.Background()))

	assert.False(t, f.record(t, f.ids[0]).SourceDeleted)
}

func TestRun_DeleteSource(t *testing.T) {
	f := newFixture(5)
	opts := testOptions()
	opts.DeleteSource = true

	require.NoError(t, f.job(t, opts).Run(context.Background()))

	assert.Equal(t, int64(5), f.source.Deletes())
	for _, id := range f.ids {
		_, _, ok := f.source.Get(id)
		assert.False(t, ok, id)
		_, _, ok = f.target.Get(id)
		assert.True(t, ok, id)
		assert.True(t, f.record(t, id).SourceDeleted)
	}
}

func TestRun_ListFile(t *testing.T) {
	f := newFixture(5)
	list := listfile.NewReader(strings.NewReader(f.ids[0]+"\n"+f.ids[3]+"\nnot/there.bin\n"), true)

	j := f.job(t, testOptions(), func(c *Config) { c.List = list })
	require.NoError(t, j.Run(context.Background()))

	assert.Equal(t, map[types.ObjectStatus]int{types.StatusVerified: 2}, f.statuses(t))
	assert.Equal(t, int64(2), j.Progress().ObjectsComplete)
	assert.Equal(t, int64(1), j.Progress().ObjectsFailed)
}

func TestRun_Estimate(t *testing.T) {
	f := newFixture(12)
	opts := testOptions()
	opts.Estimate = true
	j := f.job(t, opts)

	require.NoError(t, j.Run(context.Background()))

	p := j.Progress()
	assert.Equal(t, int64(12), p.EstimatedObjects)
	assert.Equal(t, int64(12), p.ObjectsComplete)
}

func TestRun_Throttled(t *testing.T) {
	f := newFixture(4)
	opts := testOptions()
	opts.ObjectsPerSecond = 1000
	opts.BytesPerSecond = 1 << 20

	j := f.job(t, opts)
	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, 4, f.statuses(t)[types.StatusVerified])
}
