package types

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrStreamClosed is returned when a closed object's stream is requested.
	ErrStreamClosed = errors.New("object stream already closed")

	// ErrStreamOpened is returned when the stream pipeline is changed after
	// the stream has been opened.
	ErrStreamOpened = errors.New("object stream already opened")
)

// StreamOpener opens an object's data. It is invoked at most once.
type StreamOpener func() (io.ReadCloser, error)

// StreamTransform wraps the data stream on its way to the target. A returned
// reader that also implements io.Closer is closed together with the object.
type StreamTransform func(io.Reader) (io.Reader, error)

// SyncObject is the unit of transfer: metadata and a lazily opened stream.
//
// The MD5 digest and byte count cover the bytes produced by the opener, i.e.
// the object's logical content. Transforms added with AddTransform sit
// outside the digest; openers wrapped with WrapOpener sit inside it.
type SyncObject struct {
	relativePath string
	metadata     *ObjectMetadata

	mu         sync.Mutex
	opener     StreamOpener
	transforms []StreamTransform
	opened     bool
	openErr    error
	closed     bool
	base       io.ReadCloser
	digest     *digestReader
	stream     io.Reader
	closers    []io.Closer
	closeOnce  sync.Once
	closeErr   error
}

// NewSyncObject creates an object. A nil opener yields an empty stream, which
// is what directories use.
func NewSyncObject(relativePath string, metadata *ObjectMetadata, opener StreamOpener) *SyncObject {
	if metadata == nil {
		metadata = &ObjectMetadata{}
	}
	return &SyncObject{relativePath: relativePath, metadata: metadata, opener: opener}
}

func (o *SyncObject) RelativePath() string { return o.relativePath }

// Metadata returns the live metadata; filters mutate it in place.
func (o *SyncObject) Metadata() *ObjectMetadata { return o.metadata }

// SetMetadata replaces the metadata record.
func (o *SyncObject) SetMetadata(m *ObjectMetadata) { o.metadata = m }

// Directory reports whether the object is a directory.
func (o *SyncObject) Directory() bool { return o.metadata.Directory }

// AddTransform appends a forward stream transform.
func (o *SyncObject) AddTransform(t StreamTransform) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opened {
		return ErrStreamOpened
	}
	o.transforms = append(o.transforms, t)
	return nil
}

// Transformed reports whether any forward transform is registered, in which
// case the stream length may differ from Metadata().ContentLength.
func (o *SyncObject) Transformed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.transforms) > 0
}

// WrapOpener replaces the opener with wrap(current opener).
func (o *SyncObject) WrapOpener(wrap func(StreamOpener) StreamOpener) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opened {
		return ErrStreamOpened
	}
	o.opener = wrap(o.opener)
	return nil
}

// DataStream opens the stream on first use and returns the same reader on
// every later call.
func (o *SyncObject) DataStream() (io.Reader, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.openLocked()
}

func (o *SyncObject) openLocked() (io.Reader, error) {
	if o.closed {
		return nil, ErrStreamClosed
	}
	if o.opened {
		return o.stream, o.openErr
	}
	o.opened = true

	var rc io.ReadCloser
	if o.opener == nil {
		rc = io.NopCloser(strings.NewReader(""))
	} else {
		var err error
		if rc, err = o.opener(); err != nil {
			o.openErr = err
			return nil, err
		}
	}
	o.base = rc
	o.digest = &digestReader{r: rc, h: md5.New()}

	var r io.Reader = o.digest
	for _, t := range o.transforms {
		next, err := t(r)
		if err != nil {
			o.openErr = fmt.Errorf("stream transform: %w", err)
			return nil, o.openErr
		}
		if c, ok := next.(io.Closer); ok {
			o.closers = append(o.closers, c)
		}
		r = next
	}
	o.stream = r
	return r, nil
}

// BytesRead returns the number of logical bytes read so far.
func (o *SyncObject) BytesRead() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.digest == nil {
		return 0
	}
	return o.digest.n.Load()
}

// MD5Hex returns the hex MD5 of the logical content. With consume set, an
// unopened or partially read stream is opened and drained first; otherwise
// an incomplete read is an error.
func (o *SyncObject) MD5Hex(consume bool) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.openErr != nil {
		return "", o.openErr
	}
	if !o.opened || !o.digest.eof.Load() {
		if !consume {
			return "", errors.New("object stream not fully read")
		}
		r, err := o.openLocked()
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return "", fmt.Errorf("draining object stream: %w", err)
		}
		if !o.digest.eof.Load() {
			// a transform stopped short of the underlying stream
			if _, err := io.Copy(io.Discard, o.digest); err != nil {
				return "", fmt.Errorf("draining object stream: %w", err)
			}
		}
	}
	return hex.EncodeToString(o.digest.h.Sum(nil)), nil
}

// Close releases every opened layer exactly once. Later calls return the
// result of the first.
func (o *SyncObject) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.closed = true
		for i := len(o.closers) - 1; i >= 0; i-- {
			if err := o.closers[i].Close(); err != nil && o.closeErr == nil {
				o.closeErr = err
			}
		}
		if o.base != nil {
			if err := o.base.Close(); err != nil && o.closeErr == nil {
				o.closeErr = err
			}
		}
	})
	return o.closeErr
}

type digestReader struct {
	r   io.Reader
	h   hash.Hash
	n   atomic.Int64
	eof atomic.Bool
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n.Add(int64(n))
	}
	if err == io.EOF {
		d.eof.Store(true)
	}
	return n, err
}
