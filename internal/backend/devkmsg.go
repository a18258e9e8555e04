package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/archisgore/rmesg/internal/model"
	"github.com/archisgore/rmesg/internal/parser"
)

const (
	// kmsgRecordMax bounds one /dev/kmsg record: the kernel caps records
	// well below 8K including the header.
	kmsgRecordMax = 8192

	// pollSlice bounds how long a blocked Next goes without re-checking
	// its context, keeping cancellation prompt.
	pollSlice = 100 * time.Millisecond
)

// devKMsg reads structured records from the kernel-message device. The
// device delivers exactly one record per read, self-numbered, so sessions
// carry richer data than the ring buffer can offer.
type devKMsg struct {
	path         string
	pollInterval time.Duration
	parser       parser.LineParser
}

// newDevKMsg probes the device at construction so automatic selection can
// fall back before any retrieval starts.
func newDevKMsg(opts Options) (*devKMsg, error) {
	b := &devKMsg{
		path:         opts.KMsgPath,
		pollInterval: opts.PollInterval,
		parser:       parser.NewKMsgParser(),
	}
	fd, err := b.open()
	if err != nil {
		return nil, err
	}
	unix.Close(fd)
	return b, nil
}

func (b *devKMsg) open() (int, error) {
	fd, err := unix.Open(b.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
			return -1, fmt.Errorf("open %s: %w", b.path, ErrUnavailable)
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return -1, fmt.Errorf("open %s: %w", b.path, ErrOperationNotPermitted)
		default:
			return -1, fmt.Errorf("open %s: %w", b.path, err)
		}
	}
	return fd, nil
}

func (b *devKMsg) Name() string { return "devkmsg" }

func (b *devKMsg) Parse(line string) (*model.Entry, error) {
	return b.parser.Parse(line)
}

// ReadAll drains whatever records are available right now and closes the
// descriptor. The device cannot be cleared destructively; with clear set the
// cursor skips the backlog instead, so the result is empty by construction.
func (b *devKMsg) ReadAll(clear bool) (string, error) {
	fd, err := b.open()
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)

	if clear {
		if _, err := unix.Seek(fd, 0, io.SeekEnd); err != nil {
			return "", fmt.Errorf("seek %s: %w", b.path, err)
		}
	}

	var sb strings.Builder
	buf := make([]byte, kmsgRecordMax)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil && n > 0:
			sb.Write(buf[:n])
		case err == nil:
			// Plain-file EOF; the device itself never returns 0.
			return sb.String(), nil
		case errors.Is(err, unix.EAGAIN):
			return sb.String(), nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EPIPE):
			log.Warn().Str("path", b.path).Msg("kernel overwrote unread records, continuing from the new tail")
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return "", fmt.Errorf("read %s: %w", b.path, ErrOperationNotPermitted)
		default:
			return "", fmt.Errorf("read %s: %w", b.path, err)
		}
	}
}

// OpenSession opens the device and keeps the descriptor for live tailing.
// With clear set the cursor seeks past the existing backlog, delivering only
// records logged after this point.
func (b *devKMsg) OpenSession(clear bool) (Session, error) {
	fd, err := b.open()
	if err != nil {
		return nil, err
	}
	if clear {
		if _, err := unix.Seek(fd, 0, io.SeekEnd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("seek %s: %w", b.path, err)
		}
	}
	return &devKMsgSession{
		b:   b,
		fd:  fd,
		buf: make([]byte, kmsgRecordMax),
	}, nil
}

type devKMsgSession struct {
	b       *devKMsg
	fd      int
	buf     []byte
	pending []string
	partial string
	lastSeq uint64
	closed  bool
}

// Next returns the next raw record. Against the real device every read
// delivers exactly one record and EAGAIN means "nothing new yet", at which
// point the session parks at the poll(2) readiness boundary instead of
// sleeping a fixed interval. Against a plain file a read may span several
// records (buffered and handed out one per call) and EOF is waited out on
// the poll interval.
func (s *devKMsgSession) Next(ctx context.Context) (string, error) {
	for {
		if len(s.pending) > 0 {
			line := s.pending[0]
			s.pending = s.pending[1:]
			s.observeSeq(line)
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.closed {
			return "", fmt.Errorf("read %s: session closed", s.b.path)
		}

		n, err := unix.Read(s.fd, s.buf)
		switch {
		case err == nil && n > 0:
			s.split(string(s.buf[:n]))
		case err == nil:
			if err := sleepCtx(ctx, s.b.pollInterval); err != nil {
				return "", err
			}
		case errors.Is(err, unix.EAGAIN):
			if err := s.waitReadable(ctx); err != nil {
				return "", err
			}
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EPIPE):
			log.Warn().Str("path", s.b.path).Msg("kernel overwrote unread records, continuing from the new tail")
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return "", fmt.Errorf("read %s: %w", s.b.path, ErrOperationNotPermitted)
		default:
			return "", fmt.Errorf("read %s: %w", s.b.path, err)
		}
	}
}

// waitReadable parks at the readiness boundary in bounded slices so the
// context still gets observed while no data arrives.
func (s *devKMsgSession) waitReadable(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(pollSlice/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll %s: %w", s.b.path, err)
		}
		if n > 0 {
			return nil
		}
	}
}

// split appends a chunk to the record queue, carrying an unterminated tail
// over to the next read.
func (s *devKMsgSession) split(chunk string) {
	chunk = s.partial + chunk
	s.partial = ""
	if !strings.HasSuffix(chunk, "\n") {
		if i := strings.LastIndexByte(chunk, '\n'); i >= 0 {
			s.partial = chunk[i+1:]
			chunk = chunk[:i+1]
		} else {
			s.partial = chunk
			return
		}
	}
	s.pending = append(s.pending, SplitRecords(chunk)...)
}

// observeSeq tracks the device-assigned sequence number of the record about
// to be delivered. The device hands records out in order, so a regression
// here means the source is not the real device.
func (s *devKMsgSession) observeSeq(line string) {
	header, _, ok := strings.Cut(line, ";")
	if !ok {
		return
	}
	fields := strings.SplitN(header, ",", 3)
	if len(fields) < 2 {
		return
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return
	}
	if seq < s.lastSeq {
		log.Debug().Uint64("sequence", seq).Uint64("last", s.lastSeq).Msg("kmsg sequence went backwards")
		return
	}
	s.lastSeq = seq
}

func (s *devKMsgSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("close %s: %w", s.b.path, err)
	}
	return nil
}
