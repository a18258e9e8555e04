// Package rmesg reads the Linux kernel log and exposes it as discrete,
// structured entries: either one bounded snapshot of what the kernel holds
// right now, or a continuous follow feed of records as they appear.
//
// Two backends exist. The structured /dev/kmsg device is preferred because
// its records carry guaranteed sequence numbers and timestamps; the
// klogctl (syslog(2)) ring buffer interface is the fallback for systems
// where the device is missing or forbidden. Both are driven through the
// same four operations: Entries, Raw, Follow and Stream.
package rmesg

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/archisgore/rmesg/internal/backend"
	"github.com/archisgore/rmesg/internal/model"
)

// Entry is one parsed kernel log record. See the field documentation in
// the model package; Facility and Level travel together or not at all.
type (
	Entry    = model.Entry
	Facility = model.Facility
	Level    = model.Level
)

// Backend names a concrete kernel log source.
type Backend = backend.Kind

const (
	// BackendDefault probes /dev/kmsg and falls back to klogctl.
	BackendDefault = backend.KindDefault
	BackendKLogCtl = backend.KindKLogCtl
	BackendDevKMsg = backend.KindDevKMsg
)

// Error kinds, matched with errors.Is. Transport failures are wrapped with
// enough context to identify the failing action and terminate the session;
// opening a fresh session afterwards is always the caller's call.
var (
	ErrOperationNotPermitted = backend.ErrOperationNotPermitted
	ErrUnavailable           = backend.ErrUnavailable
	ErrMalformedRecord       = model.ErrMalformedRecord
)

// ParseBackend maps a backend name ("", "klogctl" or "devkmsg") to a
// Backend value.
func ParseBackend(name string) (Backend, error) {
	return backend.ParseKind(name)
}

// Options parameterize every retrieval and follow operation. The zero value
// reads /dev/kmsg (with klogctl fallback), keeps the backlog, and decodes
// records through the codec.
type Options struct {
	// Backend picks the source explicitly, or probes with BackendDefault.
	// The choice is fixed for the lifetime of one operation.
	Backend Backend

	// Clear empties the ring buffer after a one-shot read, or starts a
	// follow session at the live tail. The kmsg device cannot be cleared
	// destructively, so there it always means "skip the backlog".
	Clear bool

	// Raw makes Follow and Stream deliver records verbatim, bypassing the
	// codec. One-shot raw retrieval has its own operation, Raw.
	Raw bool

	// KMsgPath overrides the kmsg device path, mainly for tests.
	KMsgPath string

	// PollInterval overrides the minimum sleep between empty reads in
	// klogctl follow mode.
	PollInterval time.Duration
}

func (o Options) backendOptions() backend.Options {
	return backend.Options{
		KMsgPath:     o.KMsgPath,
		PollInterval: o.PollInterval,
	}
}

// Entries performs one bounded read of the currently available records and
// returns them parsed. A record the codec cannot decode is skipped; it
// spoils neither the snapshot nor its neighbours.
func Entries(opts Options) ([]Entry, error) {
	b, err := backend.Open(opts.Backend, opts.backendOptions())
	if err != nil {
		return nil, err
	}
	blob, err := b.ReadAll(opts.Clear)
	if err != nil {
		return nil, err
	}

	lines := backend.SplitRecords(blob)
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e, err := b.Parse(line)
		if err != nil {
			log.Debug().Err(err).Str("backend", b.Name()).Msg("skipping malformed record")
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// Raw performs one bounded read and returns the backend's output verbatim,
// bypassing the codec entirely.
func Raw(opts Options) (string, error) {
	b, err := backend.Open(opts.Backend, opts.backendOptions())
	if err != nil {
		return "", err
	}
	return b.ReadAll(opts.Clear)
}
