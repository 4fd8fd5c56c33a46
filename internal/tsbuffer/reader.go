// Package tsbuffer reads the byte stream a recorder writes to disk, either as
// a single growing file or as a timeshift buffer: a rotating set of segment
// files described by a small control file.
package tsbuffer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Reader is the capability shared by the single-file and multi-segment
// variants.
type Reader interface {
	io.ReadSeekCloser
	// Size returns the number of readable bytes between the start and
	// the end of the stream.
	Size() int64
	// OnChannelChange marks the current cursor as the new earliest
	// readable position and returns it.
	OnChannelChange() int64
	// Stats returns a snapshot of the reader position.
	Stats() Stats
}

// Stats is a point-in-time view of a reader.
type Stats struct {
	Start        int64 `json:"start"`
	End          int64 `json:"end"`
	Cursor       int64 `json:"cursor"`
	Segments     int   `json:"segments"`
	FilesAdded   int32 `json:"filesAdded"`
	FilesRemoved int32 `json:"filesRemoved"`
}

// BufferSuffix marks a control file of a timeshift buffer.
const BufferSuffix = ".tsbuffer"

// IsBuffer reports whether name refers to a timeshift buffer control file.
func IsBuffer(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), BufferSuffix)
}

type readerOptions struct {
	fs           FileSystem
	log          *slog.Logger
	baseDir      string
	openRetry    Retry
	controlRetry Retry
	segmentRetry Retry
}

func defaultReaderOptions() readerOptions {
	return readerOptions{
		fs:           OSFileSystem{},
		log:          slog.Default(),
		openRetry:    Retry{Attempts: 15, Delay: 100 * time.Millisecond},
		controlRetry: Retry{Attempts: 10, Delay: 5 * time.Millisecond},
		segmentRetry: Retry{Attempts: 3, Delay: 20 * time.Millisecond, Factor: 2},
	}
}

// ReaderOpt configures a reader.
type ReaderOpt func(*readerOptions)

// ReaderOptFileSystem sets the file-access layer (default OSFileSystem).
func ReaderOptFileSystem(fsys FileSystem) ReaderOpt {
	return func(o *readerOptions) {
		o.fs = fsys
	}
}

// ReaderOptLogger sets the logger. A nil logger keeps slog.Default().
func ReaderOptLogger(log *slog.Logger) ReaderOpt {
	return func(o *readerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// ReaderOptBaseDir sets the directory segment filenames are resolved
// against.
func ReaderOptBaseDir(dir string) ReaderOpt {
	return func(o *readerOptions) {
		o.baseDir = dir
	}
}

// ReaderOptOpenRetry overrides the wait for the control file to appear.
func ReaderOptOpenRetry(r Retry) ReaderOpt {
	return func(o *readerOptions) {
		o.openRetry = r
	}
}

// ReaderOptControlRetry overrides the torn-read retry budget.
func ReaderOptControlRetry(r Retry) ReaderOpt {
	return func(o *readerOptions) {
		o.controlRetry = r
	}
}

// ReaderOptSegmentRetry overrides the retry budget for opening segment files.
func ReaderOptSegmentRetry(r Retry) ReaderOpt {
	return func(o *readerOptions) {
		o.segmentRetry = r
	}
}

// Open opens name with the variant matching it: a MultiFileReader for
// timeshift buffer control files, a FileReader for anything else.
func Open(ctx context.Context, name string, opts ...ReaderOpt) (Reader, error) {
	if IsBuffer(name) {
		r := NewMultiFileReader(ctx, name, opts...)
		if err := r.Open(); err != nil {
			return nil, err
		}
		return r, nil
	}
	r := NewFileReader(ctx, name, opts...)
	if err := r.Open(); err != nil {
		return nil, err
	}
	return r, nil
}

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}
