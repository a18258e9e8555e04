package rmesg

import (
	"context"
	"errors"
	"sync"

	"github.com/archisgore/rmesg/internal/backend"
)

// Item is one follow-mode result. Exactly one of Entry or Err is set for a
// decoded record; Raw always carries the verbatim record when one was read.
// A per-record Err (a malformed kmsg record, say) does not end the session.
type Item struct {
	Entry *Entry
	Raw   string
	Err   error
}

// Iter is the thread-blocking follow style: Next occupies its calling
// goroutine, suspending inside the backend's read until the next record
// arrives. An Iter owns one backend session exclusively and is not safe for
// concurrent use.
type Iter struct {
	ctx  context.Context
	bk   backend.Backend
	sess backend.Session
	raw  bool

	closeOnce sync.Once
	closeErr  error
}

// Follow opens a backend session and returns a blocking iterator over new
// records. It runs until cancelled via ctx or a fatal backend error;
// there is no built-in timeout.
func Follow(ctx context.Context, opts Options) (*Iter, error) {
	b, err := backend.Open(opts.Backend, opts.backendOptions())
	if err != nil {
		return nil, err
	}
	sess, err := b.OpenSession(opts.Clear)
	if err != nil {
		return nil, err
	}
	return &Iter{ctx: ctx, bk: b, sess: sess, raw: opts.Raw}, nil
}

// BackendName reports which backend the iterator ended up on, which matters
// to callers that asked for automatic selection.
func (it *Iter) BackendName() string {
	return it.bk.Name()
}

// Next blocks until the next record is available and returns it, one record
// per call, never batched. Per-record decode failures come back inside the
// Item; a non-nil error means the session is over (cancellation or a fatal
// transport failure) and no further reads will occur.
func (it *Iter) Next() (Item, error) {
	line, err := it.sess.Next(it.ctx)
	if err != nil {
		return Item{}, err
	}
	if it.raw {
		return Item{Raw: line}, nil
	}
	entry, perr := it.bk.Parse(line)
	if perr != nil {
		return Item{Raw: line, Err: perr}, nil
	}
	return Item{Entry: entry, Raw: line}, nil
}

// Close releases the iterator's backend session. It is idempotent and must
// be called once the caller is done, including after Next returned an error.
func (it *Iter) Close() error {
	it.closeOnce.Do(func() {
		it.closeErr = it.sess.Close()
	})
	return it.closeErr
}

// Stream is the cooperative follow style: it produces the same record
// sequence as Follow, but a pumping goroutine suspends at the backend-read
// boundary and hands records over a channel, so the consumer interleaves
// other work in an ordinary select loop.
//
// The channel closes when ctx is cancelled (not an error, nothing more is
// sent) or after a fatal backend error, which is delivered as a final Item
// with only Err set. The session is released by the time the channel closes.
func Stream(ctx context.Context, opts Options) (<-chan Item, error) {
	it, err := Follow(ctx, opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan Item)
	go func() {
		defer close(ch)
		defer it.Close()
		for {
			item, err := it.Next()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				select {
				case ch <- Item{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
