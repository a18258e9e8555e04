package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/archisgore/rmesg/internal/model"
	"github.com/archisgore/rmesg/internal/parser"
)

// fallbackBufferSize is used when the kernel refuses to report its ring
// buffer size. 16K is the historical minimum CONFIG_LOG_BUF_SHIFT value.
const fallbackBufferSize = 16 << 10

// klogctlFunc is the syslog(2) control call. Injected so tests can stand in
// for the kernel.
type klogctlFunc func(typ int, buf []byte) (int, error)

// klogCtl reads the ring buffer through the syslog(2) whole-buffer actions.
// It keeps no cursor: each one-shot read may re-observe data a previous
// read already returned, unless the buffer was cleared in between.
type klogCtl struct {
	klogctl      klogctlFunc
	pollInterval time.Duration
	parser       parser.LineParser
}

func newKLogCtl(opts Options) *klogCtl {
	return &klogCtl{
		klogctl:      unix.Klogctl,
		pollInterval: opts.PollInterval,
		parser:       parser.NewKLogParser(),
	}
}

func (b *klogCtl) Name() string { return "klogctl" }

func (b *klogCtl) Parse(line string) (*model.Entry, error) {
	return b.parser.Parse(line)
}

func (b *klogCtl) capacity() (int, error) {
	n, err := b.klogctl(unix.SYSLOG_ACTION_SIZE_BUFFER, nil)
	if err != nil {
		return 0, wrapKLogCtlErr("query kernel ring buffer size", err)
	}
	if n <= 0 {
		n = fallbackBufferSize
	}
	return n, nil
}

// ReadAll drains the current ring buffer contents without consuming them,
// then clears the buffer when asked to.
func (b *klogCtl) ReadAll(clear bool) (string, error) {
	size, err := b.capacity()
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	n, err := b.klogctl(unix.SYSLOG_ACTION_READ_ALL, buf)
	if err != nil {
		return "", wrapKLogCtlErr("read kernel ring buffer", err)
	}
	if clear {
		if _, err := b.klogctl(unix.SYSLOG_ACTION_CLEAR, nil); err != nil {
			return "", wrapKLogCtlErr("clear kernel ring buffer", err)
		}
	}
	return string(buf[:n]), nil
}

// OpenSession starts a follow cursor over the consuming read action. When
// clear is set the buffer is emptied first so the session starts at the
// live tail.
func (b *klogCtl) OpenSession(clear bool) (Session, error) {
	if clear {
		if _, err := b.klogctl(unix.SYSLOG_ACTION_CLEAR, nil); err != nil {
			return nil, wrapKLogCtlErr("clear kernel ring buffer", err)
		}
	}
	size, err := b.capacity()
	if err != nil {
		return nil, err
	}
	return &klogCtlSession{
		b:    b,
		buf:  make([]byte, size),
		wait: backoff.NewConstantBackOff(b.pollInterval),
	}, nil
}

type klogCtlSession struct {
	b       *klogCtl
	buf     []byte
	pending []string
	wait    backoff.BackOff
}

// Next returns the next raw klog line. The consuming read action may hand
// back nothing instead of blocking, so empty reads sleep one interval before
// retrying; data-bearing reads are delivered with no added delay, one line
// per call.
func (s *klogCtlSession) Next(ctx context.Context) (string, error) {
	for {
		if len(s.pending) > 0 {
			line := s.pending[0]
			s.pending = s.pending[1:]
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := s.b.klogctl(unix.SYSLOG_ACTION_READ, s.buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return "", wrapKLogCtlErr("read kernel ring buffer", err)
		}
		if n == 0 {
			if err := sleepCtx(ctx, s.wait.NextBackOff()); err != nil {
				return "", err
			}
			continue
		}
		s.wait.Reset()
		s.pending = SplitRecords(string(s.buf[:n]))
	}
}

// Close is a no-op: the klogctl backend holds no descriptor, only the
// kernel-side action sequence, which ends with the last read.
func (s *klogCtlSession) Close() error { return nil }

func wrapKLogCtlErr(op string, err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%s: %w", op, ErrOperationNotPermitted)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sleepCtx waits out d or returns early with the context's error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
