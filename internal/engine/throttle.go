package engine

import (
	"context"
	"io"
	"math"

	"golang.org/x/time/rate"

	"github.com/objectfs/objectsync/pkg/types"
)

const minByteBurst = 32 * 1024

func newObjectLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, math.Ceil(perSecond))))
}

func newByteLimiter(perSecond int64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := perSecond
	if burst < minByteBurst {
		burst = minByteBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(burst))
}

// throttle makes obj's stream wait on limiter. It wraps the opener, so the
// object does not count as transformed and the digest is unaffected.
func throttle(ctx context.Context, obj *types.SyncObject, limiter *rate.Limiter) error {
	if limiter == nil || obj.Directory() {
		return nil
	}
	return obj.WrapOpener(func(open types.StreamOpener) types.StreamOpener {
		if open == nil {
			return nil
		}
		return func() (io.ReadCloser, error) {
			rc, err := open()
			if err != nil {
				return nil, err
			}
			return &throttledReader{ReadCloser: rc, ctx: ctx, limiter: limiter}, nil
		}
	})
}

type throttledReader struct {
	io.ReadCloser
	ctx     context.Context
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.ReadCloser.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
