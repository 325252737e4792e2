package memory

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

func collect(t *testing.T, list func(types.SummaryFunc) error) []types.ObjectSummary {
	t.Helper()
	var out []types.ObjectSummary
	require.NoError(t, list(func(s types.ObjectSummary) error {
		out = append(out, s)
		return nil
	}))
	return out
}

func TestListing(t *testing.T) {
	ctx := context.Background()
	s := New("")
	s.Put("a.txt", []byte("a"), nil)
	s.Put("dir/b.txt", []byte("bb"), nil)
	s.Put("dir/sub/c.txt", []byte("ccc"), nil)

	root := collect(t, func(fn types.SummaryFunc) error { return s.AllObjects(ctx, fn) })
	require.Len(t, root, 2)
	assert.Equal(t, "a.txt", root[0].Identifier)
	assert.Equal(t, int64(1), root[0].Size)
	assert.Equal(t, "dir", root[1].Identifier)
	assert.True(t, root[1].Directory)

	children := collect(t, func(fn types.SummaryFunc) error { return s.Children(ctx, root[1], fn) })
	require.Len(t, children, 2)
	assert.Equal(t, "dir/b.txt", children[0].Identifier)
	assert.Equal(t, "dir/sub", children[1].Identifier)

	n := 0
	require.NoError(t, s.AllObjects(ctx, func(types.ObjectSummary) error {
		n++
		return types.ErrStopIteration
	}))
	assert.Equal(t, 1, n)
}

func TestLoadCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	src := New("src")
	dst := New("dst")
	src.Put("x/y.bin", []byte("payload"), &types.ObjectMetadata{UserMetadata: map[string]string{"k": "v"}})

	_, err := dst.LoadObject(ctx, "x/y.bin")
	require.True(t, syncerrors.IsNotFound(err))

	obj, err := src.LoadObject(ctx, "x/y.bin")
	require.NoError(t, err)
	id, err := dst.CreateObject(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, "x/y.bin", id)
	require.NoError(t, obj.Close())

	data, meta, ok := dst.Get("x/y.bin")
	require.True(t, ok)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "v", meta.UserMetadata["k"])
	assert.Equal(t, int64(7), meta.ContentLength)

	back, err := dst.LoadObject(ctx, id)
	require.NoError(t, err)
	r, err := back.DataStream()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	obj, _ = src.LoadObject(ctx, "x/y.bin")
	require.NoError(t, dst.UpdateObject(ctx, id, obj))
	assert.Equal(t, int64(1), dst.Creates())
	assert.Equal(t, int64(1), dst.Updates())
	assert.Equal(t, int64(2), dst.Writes())

	require.NoError(t, dst.Delete(ctx, id, nil))
	assert.True(t, syncerrors.IsNotFound(dst.Delete(ctx, id, nil)))
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New("")
	s.Put("f", []byte("x"), nil)
	boom := errors.New("boom")
	s.FailNext(OpLoad, "f", 2, boom)

	for i := 0; i < 2; i++ {
		_, err := s.LoadObject(ctx, "f")
		assert.ErrorIs(t, err, boom)
	}
	_, err := s.LoadObject(ctx, "f")
	assert.NoError(t, err)

	s.FailNext(OpCreate, "", -1, boom)
	obj := types.NewSyncObject("g", nil, nil)
	for i := 0; i < 3; i++ {
		_, err := s.CreateObject(ctx, obj)
		assert.ErrorIs(t, err, boom)
	}
}

func TestIdentifierRoundTrip(t *testing.T) {
	s := New("")
	for _, p := range []string{"a", "a/b/c.txt", "/lead/slash"} {
		id := s.Identifier(p, false)
		assert.Equal(t, clean(p), s.RelativePath(id, false))
	}
}
