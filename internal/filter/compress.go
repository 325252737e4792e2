package filter

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/objectfs/objectsync/pkg/types"
)

// User metadata keys written by the compression filter.
const (
	MetaCompression  = "objectsync-compression"
	MetaOriginalSize = "objectsync-original-size"
)

const compressionZstd = "zstd"

// CompressFilter compresses object data with zstd on the way to the target
// and decompresses it when reading back.
type CompressFilter struct {
	level zstd.EncoderLevel
}

// NewCompressFilter creates the filter. level is a zstd level name
// ("fastest", "default", "better", "best"); empty means default.
func NewCompressFilter(level string) (*CompressFilter, error) {
	l := zstd.SpeedDefault
	if level != "" {
		ok := false
		if ok, l = zstd.EncoderLevelFromString(level); !ok {
			return nil, fmt.Errorf("unknown zstd level %q", level)
		}
	}
	return &CompressFilter{level: l}, nil
}

func (f *CompressFilter) Name() string { return "compress" }

func (f *CompressFilter) Filter(ctx context.Context, oc *types.ObjectContext) error {
	obj := oc.Object
	if obj.Directory() {
		return oc.Next(ctx)
	}

	md := obj.Metadata()
	if md.UserMetadata == nil {
		md.UserMetadata = make(map[string]string)
	}
	md.UserMetadata[MetaCompression] = compressionZstd
	md.UserMetadata[MetaOriginalSize] = strconv.FormatInt(md.ContentLength, 10)

	level := f.level
	if err := obj.AddTransform(func(r io.Reader) (io.Reader, error) {
		return compressStream(r, level)
	}); err != nil {
		return err
	}
	return oc.Next(ctx)
}

// compressStream encodes r on a goroutine. Closing the returned reader stops
// the encoder.
func compressStream(r io.Reader, level zstd.EncoderLevel) (io.Reader, error) {
	pr, pw := io.Pipe()
	enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}
	go func() {
		_, err := io.Copy(enc, r)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (f *CompressFilter) ReverseFilter(_ context.Context, _ *types.ObjectContext, target *types.SyncObject) (*types.SyncObject, error) {
	md := target.Metadata()
	algo, ok := md.UserMetadata[MetaCompression]
	if !ok {
		return target, nil
	}
	if algo != compressionZstd {
		return nil, fmt.Errorf("unsupported compression %q on %s", algo, target.RelativePath())
	}

	if size, err := strconv.ParseInt(md.UserMetadata[MetaOriginalSize], 10, 64); err == nil {
		md.ContentLength = size
	}
	delete(md.UserMetadata, MetaCompression)
	delete(md.UserMetadata, MetaOriginalSize)
	md.Checksum = nil

	err := target.WrapOpener(func(open types.StreamOpener) types.StreamOpener {
		return func() (io.ReadCloser, error) {
			if open == nil {
				return nil, fmt.Errorf("%s has no data stream", target.RelativePath())
			}
			src, err := open()
			if err != nil {
				return nil, err
			}
			dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
			if err != nil {
				src.Close()
				return nil, fmt.Errorf("creating zstd reader: %w", err)
			}
			return &decompressReader{dec: dec, src: src}, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

type decompressReader struct {
	dec *zstd.Decoder
	src io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decompressReader) Close() error {
	d.dec.Close()
	return d.src.Close()
}

var _ types.Filter = (*CompressFilter)(nil)
