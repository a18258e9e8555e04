// Package backend provides the two transports for the kernel log: the
// klogctl syscall interface over the in-kernel ring buffer, and the
// structured /dev/kmsg record device. Both are exposed through one shared
// contract so the retrieval and follow wrappers never care which one they
// were given.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/archisgore/rmesg/internal/model"
)

var (
	// ErrOperationNotPermitted marks a backend action that needs privilege
	// the caller lacks. It is immediately fatal for the current operation.
	ErrOperationNotPermitted = errors.New("operation not permitted on the kernel log")

	// ErrUnavailable marks a backend whose source is absent on this system.
	// Automatic selection treats it as a fallback trigger; an explicit
	// backend request treats it as fatal.
	ErrUnavailable = errors.New("kernel log backend unavailable")
)

// Kind selects a concrete kernel log backend.
type Kind int

const (
	// KindDefault probes the kmsg device and falls back to klogctl when the
	// device is missing or forbidden.
	KindDefault Kind = iota
	// KindKLogCtl reads the ring buffer through the syslog(2) control calls.
	KindKLogCtl
	// KindDevKMsg reads structured records from /dev/kmsg.
	KindDevKMsg
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindKLogCtl:
		return "klogctl"
	case KindDevKMsg:
		return "devkmsg"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a backend name, as accepted by the CLI's -b flag, to a
// Kind. The empty string selects automatic probing.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "":
		return KindDefault, nil
	case "klogctl":
		return KindKLogCtl, nil
	case "devkmsg":
		return KindDevKMsg, nil
	default:
		return KindDefault, fmt.Errorf("unknown backend %q, want klogctl or devkmsg", name)
	}
}

const (
	// DefaultKMsgPath is where the structured kernel-message device lives.
	DefaultKMsgPath = "/dev/kmsg"

	// DefaultPollInterval is the minimum sleep between empty klogctl reads
	// in follow mode, and the re-check interval when tailing a plain file.
	DefaultPollInterval = time.Second
)

// Options tune backend construction. Zero values select the defaults.
type Options struct {
	// KMsgPath overrides the kmsg device path. Pointing it at a plain file
	// is supported, which is how the tests exercise follow mode.
	KMsgPath string

	// PollInterval overrides the empty-read sleep interval.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.KMsgPath == "" {
		o.KMsgPath = DefaultKMsgPath
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Backend is a concrete source for kernel log records. Exactly two
// implementations exist, selected once at construction; there is no
// mid-stream failover.
type Backend interface {
	Name() string

	// ReadAll returns the backend's currently available contents verbatim,
	// clearing or skipping the backlog afterwards when clear is set.
	ReadAll(clear bool) (string, error)

	// OpenSession opens a follow cursor. The session is exclusively owned
	// by the caller and must be closed to release its resources.
	OpenSession(clear bool) (Session, error)

	// Parse decodes one raw record in this backend's textual dialect.
	Parse(line string) (*model.Entry, error)
}

// Session is one open follow cursor. Next blocks until a record is
// available, the context is cancelled, or a fatal transport error occurs.
// A Session is not safe for concurrent use.
type Session interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Open constructs the backend for kind. KindDefault prefers the kmsg device
// for its richer records and degrades to klogctl when the device cannot be
// opened.
func Open(kind Kind, opts Options) (Backend, error) {
	opts = opts.withDefaults()
	switch kind {
	case KindKLogCtl:
		return newKLogCtl(opts), nil
	case KindDevKMsg:
		return newDevKMsg(opts)
	case KindDefault:
		b, err := newDevKMsg(opts)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrOperationNotPermitted) {
			log.Debug().Err(err).Str("path", opts.KMsgPath).Msg("kmsg device not usable, falling back to klogctl")
			return newKLogCtl(opts), nil
		}
		return nil, err
	default:
		return nil, fmt.Errorf("unknown backend kind %d", int(kind))
	}
}

// SplitRecords breaks a raw backend blob into individual records, dropping
// empty lines. Records in both dialects are newline-delimited.
func SplitRecords(blob string) []string {
	parts := strings.Split(blob, "\n")
	records := parts[:0]
	for _, p := range parts {
		if p != "" {
			records = append(records, p)
		}
	}
	return records
}
