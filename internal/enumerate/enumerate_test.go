package enumerate

import (
	"context"
	stderr "errors"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectsync/internal/listfile"
	"github.com/objectfs/objectsync/internal/storage/memory"
	syncerrors "github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

func seeded() *memory.Storage {
	m := memory.New("src")
	m.Put("a.txt", []byte("a"), nil)
	m.Put("b/c.txt", []byte("cc"), nil)
	m.Put("b/d/e.txt", []byte("eee"), nil)
	m.Put("b/d/f.txt", []byte("f"), nil)
	m.PutDirectory("empty")
	return m
}

type collector struct {
	mu    sync.Mutex
	order []string
	seen  map[string]types.ObjectSummary
}

func newCollector() *collector {
	return &collector{seen: make(map[string]types.ObjectSummary)}
}

func (c *collector) emit(_ context.Context, s types.ObjectSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, s.Identifier)
	c.seen[s.Identifier] = s
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.order...)
	sort.Strings(out)
	return out
}

type errorLog struct {
	mu     sync.Mutex
	ids    []string
	errors []error
}

func (l *errorLog) record(s types.ObjectSummary, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, s.Identifier)
	l.errors = append(l.errors, err)
}

func TestRun_Recursive(t *testing.T) {
	c := newCollector()
	e := New(Options{QueryThreads: 3, Recursive: true}, nil)

	require.NoError(t, e.Run(context.Background(), Source{Storage: seeded()}, c.emit))

	assert.Equal(t, []string{"a.txt", "b", "b/c.txt", "b/d", "b/d/e.txt", "b/d/f.txt", "empty"}, c.ids())
	assert.True(t, c.seen["b/d"].Directory)
	assert.Equal(t, int64(3), c.seen["b/d/e.txt"].Size)

	// a directory is always emitted before anything below it
	pos := make(map[string]int)
	for i, id := range c.order {
		pos[id] = i
	}
	for _, id := range c.order {
		if parent := path.Dir(id); parent != "." {
			assert.Less(t, pos[parent], pos[id], "%s emitted before its parent", id)
		}
	}
}

func TestRun_NonRecursive(t *testing.T) {
	c := newCollector()
	e := New(Options{QueryThreads: 2}, nil)

	require.NoError(t, e.Run(context.Background(), Source{Storage: seeded()}, c.emit))
	assert.Equal(t, []string{"a.txt", "b", "empty"}, c.ids())
}

func TestRun_StopIteration(t *testing.T) {
	var calls atomic.Int32
	e := New(Options{QueryThreads: 2, Recursive: true}, nil)

	err := e.Run(context.Background(), Source{Storage: seeded()}, func(context.Context, types.ObjectSummary) error {
		if calls.Add(1) == 2 {
			return types.ErrStopIteration
		}
		return nil
	})
	require.NoError(t, err)
	// the root listing emits sequentially, so nothing ran past the stop
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_EmitErrorAborts(t *testing.T) {
	boom := stderr.New("queue closed")
	e := New(Options{QueryThreads: 2, Recursive: true}, nil)

	err := e.Run(context.Background(), Source{Storage: seeded()}, func(_ context.Context, s types.ObjectSummary) error {
		if s.Identifier == "b/c.txt" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestRun_ChildListingFailureIsReported(t *testing.T) {
	src := seeded()
	listErr := syncerrors.NewTransientError("list", stderr.New("connection reset"))
	src.FailNext(memory.OpList, "b/d", 1, listErr)

	var log errorLog
	c := newCollector()
	e := New(Options{QueryThreads: 2, Recursive: true, OnError: log.record}, nil)

	require.NoError(t, e.Run(context.Background(), Source{Storage: src}, c.emit))

	assert.Equal(t, []string{"a.txt", "b", "b/c.txt", "b/d", "empty"}, c.ids())
	require.Len(t, log.ids, 1)
	assert.Equal(t, "b/d", log.ids[0])
	assert.ErrorIs(t, log.errors[0], listErr)
}

func TestRun_RootListingFailure(t *testing.T) {
	src := seeded()
	src.FailNext(memory.OpList, "", 1, syncerrors.NewError(syncerrors.ErrCodeAccessDenied, "denied"))

	e := New(Options{QueryThreads: 2, Recursive: true}, nil)
	err := e.Run(context.Background(), Source{Storage: src}, newCollector().emit)
	require.Error(t, err)
	se, ok := syncerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, syncerrors.ErrCodeAccessDenied, se.Code)
}

func TestRun_ListFileReplay(t *testing.T) {
	list := strings.Join([]string{
		"# header",
		"a.txt,first",
		`"b/c.txt", second`,
		`"broken`,
		"missing.txt",
		"b/d",
	}, "\n")

	var log errorLog
	c := newCollector()
	e := New(Options{QueryThreads: 2, Recursive: true, OnError: log.record}, nil)
	src := Source{Storage: seeded(), List: listfile.NewReader(strings.NewReader(list), false)}

	require.NoError(t, e.Run(context.Background(), src, c.emit))

	assert.Equal(t, []string{"a.txt", "b/c.txt", "b/d", "b/d/e.txt", "b/d/f.txt"}, c.ids())
	assert.Equal(t, []string{"a.txt", "first"}, c.seen["a.txt"].ListFileRow)
	assert.Equal(t, `"b/c.txt", second`, c.seen["b/c.txt"].ListFileLine)
	assert.Nil(t, c.seen["b/d/e.txt"].ListFileRow)

	require.Len(t, log.errors, 2)
	byID := map[string]error{}
	for i, id := range log.ids {
		byID[id] = log.errors[i]
	}

	parseErr, ok := syncerrors.As(byID[`"broken`])
	require.True(t, ok)
	assert.Equal(t, syncerrors.ErrCodeListParse, parseErr.Code)

	notFound, ok := syncerrors.As(byID["missing.txt"])
	require.True(t, ok)
	assert.Equal(t, syncerrors.ErrCodeObjectNotFound, notFound.Code)
}

func TestRun_ListFileRawMode(t *testing.T) {
	c := newCollector()
	e := New(Options{QueryThreads: 1}, nil)
	src := Source{Storage: seeded(), List: listfile.NewReader(strings.NewReader("a.txt\nb/c.txt\n"), true)}

	require.NoError(t, e.Run(context.Background(), src, c.emit))
	assert.Equal(t, []string{"a.txt", "b/c.txt"}, c.ids())
}

type gauge struct {
	cur, max atomic.Int32
}

func (g *gauge) DiscoveryStarted() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) DiscoveryDone() { g.cur.Add(-1) }

func TestRun_QueryThreadsBoundListing(t *testing.T) {
	src := memory.New("wide")
	for _, d := range []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7"} {
		for _, f := range []string{"x", "y"} {
			src.Put(d+"/"+f, []byte(f), nil)
		}
	}

	var g gauge
	c := newCollector()
	e := New(Options{QueryThreads: 3, Recursive: true, Tracker: &g}, nil)

	require.NoError(t, e.Run(context.Background(), Source{Storage: src}, c.emit))

	assert.Len(t, c.ids(), 24)
	assert.Equal(t, int32(0), g.cur.Load())
	// three workers plus the root listing
	assert.LessOrEqual(t, g.max.Load(), int32(4))
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Options{QueryThreads: 2, Recursive: true}, nil)

	err := e.Run(ctx, Source{Storage: seeded()}, func(ctx context.Context, s types.ObjectSummary) error {
		if s.Identifier == "b" {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_RequiresStorage(t *testing.T) {
	err := New(Options{}, nil).Run(context.Background(), Source{}, newCollector().emit)
	require.Error(t, err)
	se, ok := syncerrors.As(err)
	require.True(t, ok)
	assert.True(t, se.Fatal())
}
