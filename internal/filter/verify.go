package filter

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
)

// DefaultMtimeTolerance absorbs clock skew and coarse target timestamps.
const DefaultMtimeTolerance = time.Second

// VerifyOptions selects what the verifier compares.
type VerifyOptions struct {
	// FullRead compares MD5 digests of both objects' content.
	FullRead bool
	// UseMetadataChecksum trusts a stored MD5 checksum instead of reading.
	UseMetadataChecksum bool
	// MtimeTolerance bounds the allowed mtime difference. Negative disables
	// the mtime comparison.
	MtimeTolerance time.Duration
}

// Result carries what verification learned about both sides.
type Result struct {
	SourceMD5 string
	TargetMD5 string
}

// Verifier compares a source object with the object recovered by the reverse
// pass.
type Verifier struct {
	opts VerifyOptions
}

// NewVerifier creates a verifier.
func NewVerifier(opts VerifyOptions) *Verifier {
	return &Verifier{opts: opts}
}

// Verify returns a VerificationMismatch on the first difference. Checks run
// in order: directory flag, checksum, size, mtime, user metadata.
func (v *Verifier) Verify(ctx context.Context, source, target *types.SyncObject) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, err
	}
	sm, tm := source.Metadata(), target.Metadata()

	if sm.Directory != tm.Directory {
		if sm.Directory {
			return res, errors.NewVerificationMismatch("source is a directory; target is not")
		}
		return res, errors.NewVerificationMismatch("source is a data object; target is a directory")
	}
	if sm.Directory {
		return res, nil
	}

	if v.opts.FullRead {
		var g errgroup.Group
		g.Go(func() (err error) {
			res.SourceMD5, err = v.md5(source)
			return err
		})
		g.Go(func() (err error) {
			res.TargetMD5, err = v.md5(target)
			return err
		})
		if err := g.Wait(); err != nil {
			return res, err
		}
		if res.SourceMD5 != res.TargetMD5 {
			return res, errors.NewVerificationMismatch("MD5 sum mismatch (%s != %s)", res.SourceMD5, res.TargetMD5)
		}
	}

	if sm.ContentLength != tm.ContentLength {
		return res, errors.NewVerificationMismatch("size mismatch (%d != %d)", sm.ContentLength, tm.ContentLength)
	}

	if v.opts.MtimeTolerance >= 0 && !sm.ModTime.IsZero() && !tm.ModTime.IsZero() {
		diff := sm.ModTime.Sub(tm.ModTime)
		if diff < 0 {
			diff = -diff
		}
		if diff > v.opts.MtimeTolerance {
			return res, errors.NewVerificationMismatch("mtime mismatch (%s != %s)",
				sm.ModTime.UTC().Format(time.RFC3339), tm.ModTime.UTC().Format(time.RFC3339))
		}
	}

	if !sameUserMetadata(sm.UserMetadata, tm.UserMetadata) {
		return res, errors.NewVerificationMismatch("user metadata mismatch (%s != %s)",
			formatMeta(sm.UserMetadata), formatMeta(tm.UserMetadata))
	}
	return res, nil
}

func (v *Verifier) md5(obj *types.SyncObject) (string, error) {
	if v.opts.UseMetadataChecksum {
		if sum := obj.Metadata().Checksum; sum != nil && strings.EqualFold(sum.Algorithm, "MD5") {
			return sum.HexValue(), nil
		}
	}
	return obj.MD5Hex(true)
}

func sameUserMetadata(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}

func formatMeta(m map[string]string) string {
	keys := slices.Sorted(maps.Keys(m))
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	b.WriteByte('}')
	return b.String()
}
