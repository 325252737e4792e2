package listfile

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
)

const maxLineSize = 1 << 20

// Reader streams entries from a list file, skipping lines without a record.
type Reader struct {
	sc     *bufio.Scanner
	raw    bool
	line   int64
	closer io.Closer
}

// NewReader reads entries from r.
func NewReader(r io.Reader, raw bool) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{sc: sc, raw: raw}
}

// Open opens the list file at path.
func Open(path string, raw bool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f, raw)
	r.closer = f
	return r, nil
}

// Next returns the next entry, or io.EOF once the input is exhausted. A
// malformed line returns a *ParseError carrying its line number; the reader
// stays usable afterwards.
func (r *Reader) Next(ctx context.Context) (Entry, error) {
	for r.sc.Scan() {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		r.line++
		text := r.sc.Text()
		e, ok, err := Parse(text, r.raw)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.Line = r.line
			}
			return Entry{}, err
		}
		if !ok {
			continue
		}
		e.Number = r.line
		return e, nil
	}
	if err := r.sc.Err(); err != nil {
		return Entry{}, err
	}
	return Entry{}, io.EOF
}

// Close releases the underlying file, if the reader opened one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
