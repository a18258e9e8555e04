package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedRecord is returned when a raw kernel log record is missing
// mandatory fields or carries values outside the syslog encoding.
var ErrMalformedRecord = errors.New("malformed kernel log record")

// Facility is one of the fixed syslog facility categories a kernel log
// entry may carry.
type Facility uint8

const (
	FacilityKern Facility = iota
	FacilityUser
	FacilityMail
	FacilityDaemon
	FacilityAuth
	FacilitySyslog
	FacilityLpr
	FacilityNews
	FacilityUUCP
	FacilityCron
	FacilityAuthPriv
	FacilityFTP
	FacilityNTP
	FacilityAudit
	FacilityAlert
	FacilityClock
	FacilityLocal0
	FacilityLocal1
	FacilityLocal2
	FacilityLocal3
	FacilityLocal4
	FacilityLocal5
	FacilityLocal6
	FacilityLocal7

	// FacilityMax is the highest valid facility value.
	FacilityMax = FacilityLocal7
)

var facilityNames = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

func (f Facility) String() string {
	if f > FacilityMax {
		return fmt.Sprintf("facility(%d)", uint8(f))
	}
	return facilityNames[f]
}

// Level is one of the eight fixed syslog severity levels.
type Level uint8

const (
	LevelEmergency Level = iota
	LevelAlert
	LevelCritical
	LevelError
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug

	// LevelMax is the highest valid level value.
	LevelMax = LevelDebug
)

var levelNames = [...]string{
	"emerg", "alert", "crit", "err", "warn", "notice", "info", "debug",
}

func (l Level) String() string {
	if l > LevelMax {
		return fmt.Sprintf("level(%d)", uint8(l))
	}
	return levelNames[l]
}

// DecodePriority unpacks a syslog priority byte into its facility and level
// halves. Facility and level always travel together in one packed value, so
// a caller never gets one without the other.
func DecodePriority(priority uint8) (Facility, Level, error) {
	facility := Facility(priority >> 3)
	level := Level(priority & 7)
	if facility > FacilityMax {
		return 0, 0, fmt.Errorf("%w: priority %d encodes facility %d, max is %d",
			ErrMalformedRecord, priority, uint8(facility), uint8(FacilityMax))
	}
	if level > LevelMax {
		return 0, 0, fmt.Errorf("%w: priority %d encodes level %d, max is %d",
			ErrMalformedRecord, priority, uint8(level), uint8(LevelMax))
	}
	return facility, level, nil
}

// EncodePriority packs a facility and level back into one priority byte.
func EncodePriority(facility Facility, level Level) uint8 {
	return uint8(facility)<<3 | uint8(level)&7
}

// Entry is one parsed kernel log record. It is immutable once constructed
// and holds no reference back to the backend that produced it.
//
// Facility and Level are either both set or both nil: they are decoded
// together from one packed priority value.
type Entry struct {
	// TimestampFromSystemStart is the record's age relative to boot, when
	// the source line carried one.
	TimestampFromSystemStart *time.Duration `json:"timestamp_from_system_start,omitempty"`
	Facility                 *Facility      `json:"facility,omitempty"`
	Level                    *Level         `json:"level,omitempty"`
	// SequenceNum is assigned by the structured kernel-message device and
	// is non-decreasing within one open session.
	SequenceNum *uint64 `json:"sequence_num,omitempty"`
	Message     string  `json:"message"`
}

// ToKMsgString serializes the entry in the /dev/kmsg dialect:
// priority,sequence,timestamp_us,flag;message. The packed priority is
// mandatory in that dialect, so an entry without facility and level cannot
// be represented. Absent sequence and timestamp serialize as zero.
func (e *Entry) ToKMsgString() (string, error) {
	if e.Facility == nil || e.Level == nil {
		return "", fmt.Errorf("%w: entry carries no priority to serialize", ErrMalformedRecord)
	}
	var seq uint64
	if e.SequenceNum != nil {
		seq = *e.SequenceNum
	}
	var micros int64
	if e.TimestampFromSystemStart != nil {
		micros = e.TimestampFromSystemStart.Microseconds()
	}
	return fmt.Sprintf("%d,%d,%d,-;%s",
		EncodePriority(*e.Facility, *e.Level), seq, micros, e.Message), nil
}

// ToKLogString serializes the entry in the klogctl dialect:
// <priority>[seconds.micros] message, omitting whichever prefixes the entry
// does not carry.
func (e *Entry) ToKLogString() string {
	var b strings.Builder
	if e.Facility != nil && e.Level != nil {
		fmt.Fprintf(&b, "<%d>", EncodePriority(*e.Facility, *e.Level))
	}
	if e.TimestampFromSystemStart != nil {
		d := *e.TimestampFromSystemStart
		fmt.Fprintf(&b, "[%5d.%06d] ", int64(d/time.Second), (d%time.Second)/time.Microsecond)
	}
	b.WriteString(e.Message)
	return b.String()
}

// String renders the entry the way the CLI prints it, which is the klog
// textual form.
func (e *Entry) String() string {
	return e.ToKLogString()
}
