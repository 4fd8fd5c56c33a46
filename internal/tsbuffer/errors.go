package tsbuffer

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferUnavailable is returned by Open when the buffer could not be
	// brought up, either because the control file never appeared or because
	// its contents could not be trusted.
	ErrBufferUnavailable = errors.New("tsbuffer: buffer unavailable")

	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("tsbuffer: control file integrity")

	// ErrSegmentOpen matches every *SegmentOpenError.
	ErrSegmentOpen = errors.New("tsbuffer: segment open failed")

	// ErrUnknownSegment is returned by SeekToSegment when no segment of the
	// current list has the requested sequence id.
	ErrUnknownSegment = errors.New("tsbuffer: unknown segment")
)

// IntegrityReason tells why a control file read could not be trusted.
type IntegrityReason int

const (
	ReasonOpen IntegrityReason = iota + 1
	ReasonShortHeader
	ReasonOversizeList
	ReasonShortList
	ReasonShortTrailer
	ReasonTornCounters
)

func (r IntegrityReason) String() string {
	switch r {
	case ReasonOpen:
		return "open"
	case ReasonShortHeader:
		return "short header"
	case ReasonOversizeList:
		return "oversize filename list"
	case ReasonShortList:
		return "short filename list"
	case ReasonShortTrailer:
		return "short trailer"
	case ReasonTornCounters:
		return "torn counters"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// IntegrityError reports that the control file could not be read
// consistently within the retry budget.
type IntegrityError struct {
	Reason   IntegrityReason
	Attempts int
	Err      error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("tsbuffer: control file %s after %d attempts", e.Reason, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// SegmentOpenError reports a segment file that could not be opened while
// reading.
type SegmentOpenError struct {
	Filename string
	Err      error
}

func (e *SegmentOpenError) Error() string {
	return fmt.Sprintf("tsbuffer: open segment %s: %v", e.Filename, e.Err)
}

func (e *SegmentOpenError) Unwrap() error { return e.Err }

func (e *SegmentOpenError) Is(target error) bool { return target == ErrSegmentOpen }
