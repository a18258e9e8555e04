package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/archisgore/rmesg/internal/model"
)

// fakeKLog stands in for the kernel's syslog(2) surface: a buffer for the
// whole-buffer actions and a queue of results for the consuming read.
type fakeKLog struct {
	contents  string
	readQueue []string
	size      int

	clears    int
	readCalls int
	err       error
}

func (f *fakeKLog) call(typ int, buf []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	switch typ {
	case unix.SYSLOG_ACTION_SIZE_BUFFER:
		return f.size, nil
	case unix.SYSLOG_ACTION_READ_ALL:
		return copy(buf, f.contents), nil
	case unix.SYSLOG_ACTION_CLEAR:
		f.clears++
		f.contents = ""
		return 0, nil
	case unix.SYSLOG_ACTION_READ:
		f.readCalls++
		if len(f.readQueue) == 0 {
			return 0, nil
		}
		chunk := f.readQueue[0]
		f.readQueue = f.readQueue[1:]
		return copy(buf, chunk), nil
	default:
		return 0, unix.EINVAL
	}
}

func newTestKLogCtl(f *fakeKLog) *klogCtl {
	b := newKLogCtl(Options{PollInterval: time.Millisecond}.withDefaults())
	b.klogctl = f.call
	return b
}

func TestKLogCtl_ReadAll(t *testing.T) {
	fake := &fakeKLog{contents: "<6>[    1.000000] one\n<4>[    2.000000] two\n", size: 4096}
	b := newTestKLogCtl(fake)

	got, err := b.ReadAll(false)
	require.NoError(t, err)
	assert.Equal(t, fake.contents, got)
	assert.Zero(t, fake.clears, "clear must not run unless asked for")

	// Read-all does not consume: the same data comes back again.
	again, err := b.ReadAll(false)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestKLogCtl_ReadAllWithClear(t *testing.T) {
	fake := &fakeKLog{contents: "<6>[    1.000000] one\n", size: 4096}
	b := newTestKLogCtl(fake)

	got, err := b.ReadAll(true)
	require.NoError(t, err)
	assert.Equal(t, "<6>[    1.000000] one\n", got)
	assert.Equal(t, 1, fake.clears)

	// The buffer was emptied after the successful read.
	again, err := b.ReadAll(false)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestKLogCtl_PermissionDenied(t *testing.T) {
	fake := &fakeKLog{err: unix.EPERM}
	b := newTestKLogCtl(fake)

	_, err := b.ReadAll(false)
	assert.ErrorIs(t, err, ErrOperationNotPermitted)

	_, err = b.OpenSession(true)
	assert.ErrorIs(t, err, ErrOperationNotPermitted)
}

func TestKLogCtl_ZeroSizeFallsBack(t *testing.T) {
	fake := &fakeKLog{size: 0, contents: "<6>line\n"}
	b := newTestKLogCtl(fake)

	got, err := b.ReadAll(false)
	require.NoError(t, err)
	assert.Equal(t, "<6>line\n", got)
}

func TestKLogCtl_ParseUsesKLogDialect(t *testing.T) {
	b := newTestKLogCtl(&fakeKLog{size: 4096})

	entry, err := b.Parse("<3>[    5.123456] USB disconnected")
	require.NoError(t, err)
	require.NotNil(t, entry.Level)
	assert.Equal(t, model.LevelError, *entry.Level)
	assert.Equal(t, "USB disconnected", entry.Message)
	assert.Nil(t, entry.SequenceNum, "klog records carry no sequence numbers")
}

func TestKLogCtlSession_DeliversOneLinePerCall(t *testing.T) {
	fake := &fakeKLog{
		size: 4096,
		// Two empty reads first: the session must sleep through them
		// rather than fail or busy-loop.
		readQueue: []string{"", "", "<6>[    1.000000] one\n<6>[    1.100000] two\n"},
	}
	b := newTestKLogCtl(fake)

	sess, err := b.OpenSession(false)
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := sess.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<6>[    1.000000] one", first)

	callsAfterFirst := fake.readCalls
	second, err := sess.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<6>[    1.100000] two", second)
	assert.Equal(t, callsAfterFirst, fake.readCalls, "buffered line must not trigger another read")
}

func TestKLogCtlSession_CancelWhileEmpty(t *testing.T) {
	b := newTestKLogCtl(&fakeKLog{size: 4096})

	sess, err := b.OpenSession(false)
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sess.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKLogCtlSession_ClearOnOpen(t *testing.T) {
	fake := &fakeKLog{size: 4096, contents: "<6>backlog\n"}
	b := newTestKLogCtl(fake)

	sess, err := b.OpenSession(true)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 1, fake.clears, "follow with clear starts at the live tail")
}
