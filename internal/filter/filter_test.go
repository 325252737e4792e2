package filter

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/objectsync/internal/storage/memory"
	syncerrors "github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/retry"
	"github.com/objectfs/objectsync/pkg/types"
)

var mtime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func newContext(t *testing.T, src *memory.Storage, id string) *types.ObjectContext {
	t.Helper()
	sum, err := src.Stat(context.Background(), id)
	require.NoError(t, err)
	oc := types.NewObjectContext(sum)
	oc.Object, err = src.LoadObject(context.Background(), id)
	require.NoError(t, err)
	t.Cleanup(func() { oc.Object.Close() })
	return oc
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestCompressRoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 2000)
	src, dst := memory.New("src"), memory.New("dst")
	src.Put("docs/fox.txt", payload, &types.ObjectMetadata{ModTime: mtime, UserMetadata: map[string]string{"owner": "ops"}})

	compress, err := NewCompressFilter("")
	require.NoError(t, err)
	chain := NewChain([]types.Filter{compress}, NewTargetFilter(dst, TargetOptions{}, nil), nil)

	oc := newContext(t, src, "docs/fox.txt")
	skipped, err := chain.Forward(ctx, oc)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, "docs/fox.txt", oc.TargetID)

	stored, meta, ok := dst.Get("docs/fox.txt")
	require.True(t, ok)
	assert.Less(t, len(stored), len(payload))
	assert.Equal(t, compressionZstd, meta.UserMetadata[MetaCompression])

	// the source view is restored after the pass
	assert.NotContains(t, oc.Object.Metadata().UserMetadata, MetaCompression)

	back, err := chain.Reverse(ctx, oc)
	require.NoError(t, err)
	defer back.Close()

	res, err := NewVerifier(VerifyOptions{FullRead: true, MtimeTolerance: DefaultMtimeTolerance}).Verify(ctx, oc.Object, back)
	require.NoError(t, err)
	assert.Equal(t, md5Hex(payload), res.SourceMD5)
	assert.Equal(t, res.SourceMD5, res.TargetMD5)
	assert.Equal(t, int64(len(payload)), back.BytesRead())
}

func TestCompressLevels(t *testing.T) {
	for _, level := range []string{"", "fastest", "default", "better", "best"} {
		_, err := NewCompressFilter(level)
		assert.NoError(t, err, level)
	}
	_, err := NewCompressFilter("ludicrous")
	assert.Error(t, err)
}

type skipFilter struct{ stop bool }

func (f skipFilter) Name() string { return "skip" }

func (f skipFilter) Filter(context.Context, *types.ObjectContext) error {
	if f.stop {
		return nil
	}
	return types.ErrSkipObject
}

func (f skipFilter) ReverseFilter(_ context.Context, _ *types.ObjectContext, o *types.SyncObject) (*types.SyncObject, error) {
	return o, nil
}

func TestForwardShortCircuit(t *testing.T) {
	for name, f := range map[string]types.Filter{"sentinel": skipFilter{}, "no next": skipFilter{stop: true}} {
		t.Run(name, func(t *testing.T) {
			src, dst := memory.New("src"), memory.New("dst")
			src.Put("a", []byte("a"), nil)
			chain := NewChain([]types.Filter{f}, NewTargetFilter(dst, TargetOptions{}, nil), nil)

			skipped, err := chain.Forward(context.Background(), newContext(t, src, "a"))
			require.NoError(t, err)
			assert.True(t, skipped)
			assert.Zero(t, dst.Writes())
		})
	}
}

func TestTargetUpToDate(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New("src"), memory.New("dst")
	src.Put("a", []byte("abc"), &types.ObjectMetadata{ModTime: mtime})
	dst.Put("a", []byte("xyz"), &types.ObjectMetadata{ModTime: mtime.Add(300 * time.Millisecond)})

	target := NewTargetFilter(dst, TargetOptions{}, nil)
	skipped, err := NewChain(nil, target, nil).Forward(ctx, newContext(t, src, "a"))
	require.NoError(t, err)
	assert.True(t, skipped)

	forced := NewTargetFilter(dst, TargetOptions{Force: true}, nil)
	skipped, err = NewChain(nil, forced, nil).Forward(ctx, newContext(t, src, "a"))
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, int64(1), dst.Updates())

	data, _, _ := dst.Get("a")
	assert.Equal(t, "abc", string(data))
}

func TestTargetUsesRecordedID(t *testing.T) {
	src, dst := memory.New("src"), memory.New("dst")
	src.Put("a", []byte("abc"), nil)
	dst.Put("elsewhere/a", []byte("old"), nil)

	oc := newContext(t, src, "a")
	oc.Record = &types.SyncRecord{SourceID: "a", TargetID: "elsewhere/a", Status: types.StatusError}
	_, err := NewChain(nil, NewTargetFilter(dst, TargetOptions{Force: true}, nil), nil).Forward(context.Background(), oc)
	require.NoError(t, err)
	assert.Equal(t, "elsewhere/a", oc.TargetID)
	data, _, _ := dst.Get("elsewhere/a")
	assert.Equal(t, "abc", string(data))
}

func TestMetadataFilterRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New("src"), memory.New("dst")
	src.Put("m", []byte("data"), &types.ObjectMetadata{ModTime: mtime})

	mf, err := NewMetadataFilter(map[string]string{"migrated-by": "objectsync"})
	require.NoError(t, err)
	chain := NewChain([]types.Filter{mf}, NewTargetFilter(dst, TargetOptions{}, nil), nil)
	oc := newContext(t, src, "m")
	_, err = chain.Forward(ctx, oc)
	require.NoError(t, err)

	_, meta, _ := dst.Get("m")
	assert.Equal(t, "objectsync", meta.UserMetadata["migrated-by"])

	back, err := chain.Reverse(ctx, oc)
	require.NoError(t, err)
	defer back.Close()
	_, err = NewVerifier(VerifyOptions{FullRead: true}).Verify(ctx, oc.Object, back)
	assert.NoError(t, err)
}

func TestMetadataFilterRestoresOverwrittenKeys(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New("src"), memory.New("dst")
	src.Put("a.txt", []byte("data"), &types.ObjectMetadata{
		ModTime:      mtime,
		UserMetadata: map[string]string{"owner": "alice", "team": "infra"},
	})

	mf, err := NewMetadataFilter(map[string]string{"owner": "sync-bot", "migrated": "yes"})
	require.NoError(t, err)
	chain := NewChain([]types.Filter{mf}, NewTargetFilter(dst, TargetOptions{}, nil), nil)
	oc := newContext(t, src, "a.txt")
	_, err = chain.Forward(ctx, oc)
	require.NoError(t, err)

	_, meta, _ := dst.Get("a.txt")
	assert.Equal(t, map[string]string{"owner": "sync-bot", "team": "infra", "migrated": "yes"}, meta.UserMetadata)
	assert.Equal(t, "alice", oc.Object.Metadata().UserMetadata["owner"])

	back, err := chain.Reverse(ctx, oc)
	require.NoError(t, err)
	defer back.Close()
	assert.Equal(t, map[string]string{"owner": "alice", "team": "infra"}, back.Metadata().UserMetadata)
	_, err = NewVerifier(VerifyOptions{FullRead: true}).Verify(ctx, oc.Object, back)
	assert.NoError(t, err)

	// a verify-only pass has no forward state and falls back to the source
	fresh := newContext(t, src, "a.txt")
	again, err := chain.Reverse(ctx, fresh)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, map[string]string{"owner": "alice", "team": "infra"}, again.Metadata().UserMetadata)
}

func TestReverseUnsupported(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New("src"), memory.New("dst")
	src.Put("c", []byte("data"), nil)

	ct, err := NewContentTypeFilter("application/octet-stream")
	require.NoError(t, err)
	chain := NewChain([]types.Filter{ct}, NewTargetFilter(dst, TargetOptions{}, nil), nil)
	oc := newContext(t, src, "c")
	_, err = chain.Forward(ctx, oc)
	require.NoError(t, err)

	_, meta, _ := dst.Get("c")
	assert.Equal(t, "application/octet-stream", meta.ContentType)

	_, err = chain.Reverse(ctx, oc)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrReverseUnsupported)
	assert.Equal(t, retry.Permanent, retry.Classify(err))
}

func TestVerifierMismatches(t *testing.T) {
	ctx := context.Background()
	obj := func(data string, meta types.ObjectMetadata) *types.SyncObject {
		m := meta
		if !m.Directory {
			m.ContentLength = int64(len(data))
		}
		return types.NewSyncObject("x", &m, func() (io.ReadCloser, error) { return nopCloser(data), nil })
	}
	base := types.ObjectMetadata{ModTime: mtime, UserMetadata: map[string]string{"a": "1"}}

	tests := []struct {
		name   string
		target *types.SyncObject
		opts   VerifyOptions
		want   string
	}{
		{"match", obj("hello", base), VerifyOptions{FullRead: true}, ""},
		{"directory", obj("", types.ObjectMetadata{Directory: true}), VerifyOptions{}, "directory"},
		{"checksum", obj("HELLO", base), VerifyOptions{FullRead: true}, "MD5"},
		{"size", obj("hello!", base), VerifyOptions{}, "size"},
		{"mtime", obj("hello", types.ObjectMetadata{ModTime: mtime.Add(time.Hour), UserMetadata: base.UserMetadata}), VerifyOptions{MtimeTolerance: time.Second}, "mtime"},
		{"mtime disabled", obj("hello", types.ObjectMetadata{ModTime: mtime.Add(time.Hour), UserMetadata: base.UserMetadata}), VerifyOptions{MtimeTolerance: -1}, ""},
		{"user metadata", obj("hello", types.ObjectMetadata{ModTime: mtime, UserMetadata: map[string]string{"a": "2"}}), VerifyOptions{}, "user metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.opts).Verify(ctx, obj("hello", base), tt.target)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.ErrorIs(t, err, syncerrors.ErrVerifyMismatch)
			assert.Equal(t, retry.Permanent, retry.Classify(err))
		})
	}
}

func TestVerifierMetadataChecksum(t *testing.T) {
	sum := md5.Sum([]byte("hello"))
	opened := false
	target := types.NewSyncObject("x", &types.ObjectMetadata{
		ContentLength: 5,
		Checksum:      &types.Checksum{Algorithm: "MD5", Value: sum[:]},
	}, func() (io.ReadCloser, error) {
		opened = true
		return nopCloser("hello"), nil
	})
	source := types.NewSyncObject("x", &types.ObjectMetadata{ContentLength: 5}, func() (io.ReadCloser, error) {
		return nopCloser("hello"), nil
	})

	res, err := NewVerifier(VerifyOptions{FullRead: true, UseMetadataChecksum: true}).Verify(context.Background(), source, target)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.TargetMD5)
	assert.False(t, opened)
}

func TestIDLogFilter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ids.csv")
	idlog, err := NewIDLogFilter(path)
	require.NoError(t, err)

	src, dst := memory.New("src"), memory.New("dst")
	src.Put("one", []byte("1"), nil)
	src.Put("two,comma", []byte("2"), nil)
	chain := NewChain([]types.Filter{idlog}, NewTargetFilter(dst, TargetOptions{}, nil), nil)
	for _, id := range []string{"one", "two,comma"} {
		_, err := chain.Forward(ctx, newContext(t, src, id))
		require.NoError(t, err)
	}
	require.NoError(t, CloseAll(chain.Filters()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one,one\n\"two,comma\",\"two,comma\"\n", string(data))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"compress", "content-type", "id-log", "metadata"}, r.Names())

	filters, err := r.Build([]Spec{{Name: "compress", Options: map[string]string{"level": "fastest"}}, {Name: "metadata", Options: map[string]string{"k": "v"}}}, nil)
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Equal(t, "compress", filters[0].Name())

	_, err = r.Build([]Spec{{Name: "encrypt"}}, nil)
	require.Error(t, err)
	assert.Equal(t, retry.Fatal, retry.Classify(err))

	_, err = r.Build([]Spec{{Name: "metadata"}}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "metadata"))
}

func nopCloser(s string) io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }
