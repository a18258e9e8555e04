package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/archisgore/rmesg/internal/model"
)

// LineParser turns one raw backend record into a structured entry. Parsers
// are pure: the same line always yields the same entry, and no state is
// kept between calls.
type LineParser interface {
	Parse(line string) (*model.Entry, error)
}

// NewKMsgParser returns the parser for the structured /dev/kmsg dialect:
// priority,sequence,timestamp_us,flag;message. This dialect is strict; a
// record missing its header fields is malformed.
func NewKMsgParser() LineParser {
	return &kmsgParser{}
}

type kmsgParser struct{}

func (p *kmsgParser) Parse(line string) (*model.Entry, error) {
	header, message, found := strings.Cut(line, ";")
	if !found {
		log.Debug().Str("line", line).Msg("kmsg record has no ';' separator")
		return nil, fmt.Errorf("%w: no ';' separating header from message", model.ErrMalformedRecord)
	}

	// Header layout: priority,sequence,timestamp_us,flag[,...]. The flag and
	// anything after it carry no entry data.
	fields := strings.Split(header, ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: header has %d fields, want at least 3", model.ErrMalformedRecord, len(fields))
	}

	priority, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric priority %q", model.ErrMalformedRecord, fields[0])
	}
	facility, level, err := model.DecodePriority(uint8(priority))
	if err != nil {
		return nil, err
	}

	sequence, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric sequence %q", model.ErrMalformedRecord, fields[1])
	}

	micros, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric timestamp %q", model.ErrMalformedRecord, fields[2])
	}
	timestamp := time.Duration(micros) * time.Microsecond

	return &model.Entry{
		TimestampFromSystemStart: &timestamp,
		Facility:                 &facility,
		Level:                    &level,
		SequenceNum:              &sequence,
		Message:                  message,
	}, nil
}

// NewKLogParser returns the parser for the klogctl dialect:
// <priority>[seconds.micros] message, where either bracketed prefix may be
// absent. Parsing is best-effort: a line whose decoration is missing or
// malformed becomes a message-only entry instead of an error.
func NewKLogParser() LineParser {
	// Groups: 1:priority, 2:whole seconds, 3:fractional seconds, 4:message.
	re := regexp.MustCompile(`^(?:<(\d{1,3})>)?(?:\[\s*(\d+)\.(\d+)\]\s?)?(.*)$`)
	return &klogParser{re: re}
}

type klogParser struct {
	re *regexp.Regexp
}

func (p *klogParser) Parse(line string) (*model.Entry, error) {
	matches := p.re.FindStringSubmatch(line)
	if matches == nil {
		// The pattern matches any line; this is unreachable but keeps the
		// degrade-to-message contract explicit.
		return &model.Entry{Message: line}, nil
	}

	entry := &model.Entry{Message: matches[4]}

	if matches[1] != "" {
		priority, err := strconv.ParseUint(matches[1], 10, 8)
		if err != nil {
			return &model.Entry{Message: line}, nil
		}
		facility, level, err := model.DecodePriority(uint8(priority))
		if err != nil {
			log.Debug().Str("line", line).Uint64("priority", priority).Msg("klog priority out of range, keeping line verbatim")
			return &model.Entry{Message: line}, nil
		}
		entry.Facility = &facility
		entry.Level = &level
	}

	if matches[2] != "" {
		seconds, err := strconv.ParseUint(matches[2], 10, 64)
		if err != nil {
			return &model.Entry{Message: line}, nil
		}
		timestamp := time.Duration(seconds)*time.Second + fraction(matches[3])
		entry.TimestampFromSystemStart = &timestamp
	}

	return entry, nil
}

// fraction converts the digits after the decimal point to a duration at
// microsecond precision.
func fraction(digits string) time.Duration {
	if len(digits) > 6 {
		digits = digits[:6]
	}
	micros, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0
	}
	for i := len(digits); i < 6; i++ {
		micros *= 10
	}
	return time.Duration(micros) * time.Microsecond
}
