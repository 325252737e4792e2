package filesystem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
	"github.com/objectfs/objectsync/pkg/types"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(Config{Root: filepath.Join(t.TempDir(), "root"), PreserveMtime: true}, true, nil)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestListing(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	writeFile(t, filepath.Join(s.Root(), "b.txt"), "bb")
	writeFile(t, filepath.Join(s.Root(), "a", "c.txt"), "c")
	writeFile(t, filepath.Join(s.Root(), MetaDir, "meta", "b.txt.json"), "{}")

	var root []types.ObjectSummary
	require.NoError(t, s.AllObjects(ctx, func(sum types.ObjectSummary) error {
		root = append(root, sum)
		return nil
	}))
	require.Len(t, root, 2)
	assert.Equal(t, filepath.Join(s.Root(), "a"), root[0].Identifier)
	assert.True(t, root[0].Directory)
	assert.Equal(t, int64(2), root[1].Size)

	var children []types.ObjectSummary
	require.NoError(t, s.Children(ctx, root[0], func(sum types.ObjectSummary) error {
		children = append(children, sum)
		return nil
	}))
	require.Len(t, children, 1)
	assert.Equal(t, "a/c.txt", s.RelativePath(children[0].Identifier, false))
}

func TestWriteAndReadBack(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t)
	mtime := time.Date(2023, 7, 1, 10, 30, 0, 0, time.UTC)

	src := types.NewSyncObject("x/y/z.bin", &types.ObjectMetadata{
		ContentLength: 5,
		ModTime:       mtime,
		ContentType:   "text/plain",
		UserMetadata:  map[string]string{"k": "v"},
	}, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello")), nil
	})
	id, err := s.CreateObject(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "x", "y", "z.bin"), id)
	assert.Equal(t, id, s.Identifier("x/y/z.bin", false))

	back, err := s.LoadObject(ctx, id)
	require.NoError(t, err)
	defer back.Close()
	md := back.Metadata()
	assert.Equal(t, "x/y/z.bin", back.RelativePath())
	assert.Equal(t, int64(5), md.ContentLength)
	assert.True(t, md.ModTime.Equal(mtime))
	assert.Equal(t, "text/plain", md.ContentType)
	assert.Equal(t, map[string]string{"k": "v"}, md.UserMetadata)

	r, err := back.DataStream()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(id))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// plain overwrite drops the sidecar
	plain := types.NewSyncObject("x/y/z.bin", &types.ObjectMetadata{ModTime: mtime}, func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("bye")), nil
	})
	require.NoError(t, s.UpdateObject(ctx, id, plain))
	back2, err := s.LoadObject(ctx, "x/y/z.bin")
	require.NoError(t, err)
	assert.Empty(t, back2.Metadata().UserMetadata)
	assert.Equal(t, int64(3), back2.Metadata().ContentLength)

	require.NoError(t, s.Delete(ctx, id, nil))
	_, err = s.LoadObject(ctx, id)
	assert.True(t, syncerrors.IsNotFound(err))
	assert.Equal(t, retry.Permanent, retry.Classify(err))
}

func TestTraversalRejected(t *testing.T) {
	s := newStorage(t)
	_, err := s.Stat(context.Background(), "../../etc/passwd")
	require.Error(t, err)
	_, err = s.LoadObject(context.Background(), "/etc/passwd")
	require.Error(t, err)
	assert.Error(t, s.Delete(context.Background(), s.Root(), nil))
}

func TestConfigureOverlap(t *testing.T) {
	base := t.TempDir()
	outer, err := New(Config{Root: base}, false, nil)
	require.NoError(t, err)
	inner, err := New(Config{Root: filepath.Join(base, "inner")}, true, nil)
	require.NoError(t, err)
	other, err := New(Config{Root: t.TempDir()}, false, nil)
	require.NoError(t, err)

	err = outer.Configure(context.Background(), outer, nil, inner)
	require.Error(t, err)
	assert.Equal(t, retry.Fatal, retry.Classify(err))
	assert.NoError(t, outer.Configure(context.Background(), outer, nil, other))
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New(Config{}, false, nil)
	assert.Error(t, err)
	_, err = New(Config{Root: filepath.Join(t.TempDir(), "missing")}, false, nil)
	assert.Error(t, err)
}
