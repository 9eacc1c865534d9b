// Package streamio wraps an io.Writer so every write is paced by a
// bucket.TokenBucket: spec.md §6's "wrapping stream adapter", generalized
// from the corpus's channel forward-loop idiom
// (minis/19-channels-basics) from a channel send to a blocking call.
package streamio

import (
	"context"
	"fmt"
	"io"

	"github.com/go-edu/flowgate/bucket"
)

// Error reports that a Writer's underlying RequestGrant call did not
// produce a grant — the stream stopped because the bucket denied
// further service or its queue was full, not because of an I/O failure.
type Error struct {
	Reason bucket.Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("streamio: write denied: %s", e.Reason)
}

// Writer paces every Write against a bucket.TokenBucket, one byte
// costing one token. A Write call loops, requesting a grant for as many
// of the remaining bytes as the bucket will allow in one go, writing
// that prefix to the underlying writer, and continuing until the whole
// slice has been written or a grant is refused.
type Writer struct {
	ctx context.Context
	w   io.Writer
	tb  *bucket.TokenBucket
}

// NewWriter returns a Writer that paces writes to w using tb. ctx is
// threaded into every RequestGrant call, so canceling it unsticks a
// Write blocked waiting for tokens.
func NewWriter(ctx context.Context, w io.Writer, tb *bucket.TokenBucket) *Writer {
	return &Writer{ctx: ctx, w: w, tb: tb}
}

// Write implements io.Writer, pacing the underlying write by the token
// bucket one chunk at a time.
func (s *Writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		remaining := len(p) - written
		res, err := s.tb.RequestGrant(s.ctx, bucket.Range(1, float64(remaining)))
		if err != nil {
			return written, err
		}
		if !res.Done {
			return written, &Error{Reason: res.Reason}
		}

		n := int(res.Grant)
		if n > remaining {
			n = remaining
		}

		wn, err := s.w.Write(p[written : written+n])
		written += wn
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
