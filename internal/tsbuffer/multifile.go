package tsbuffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

var errEmptyControl = errors.New("control file is empty")

// MultiFileReader presents a timeshift buffer as one seekable stream. The
// recorder appends segment files and deletes old ones while the reader is
// open; the control file tells the reader which files are current.
//
// Offsets are virtual: they keep growing as segments are evicted, so an
// offset handed out once stays valid for as long as its bytes exist.
// MultiFileReader is not safe for concurrent use.
type MultiFileReader struct {
	ctx  context.Context
	name string
	opts readerOptions
	log  *slog.Logger

	control File
	closed  bool

	segments     []SegmentFile
	loaded       bool
	filesAdded   int32
	filesRemoved int32

	start int64
	end   int64
	// tail is the end of the list, kept when every segment is evicted so
	// offsets never restart.
	tail    int64
	cursor  int64
	lastZap int64

	active    File
	activeSeq int64
	activePos int64
}

// NewMultiFileReader creates a reader for the control file name. Call Open
// before using it. ctx bounds every wait the reader performs.
func NewMultiFileReader(ctx context.Context, name string, opts ...ReaderOpt) *MultiFileReader {
	o := defaultReaderOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MultiFileReader{
		ctx:  ctx,
		name: name,
		opts: o,
		log:  o.log.With("component", "tsbuffer", "control", name),
	}
}

// Open waits for the control file to appear and be non-empty, then loads
// the segment list. It fails with ErrBufferUnavailable.
func (r *MultiFileReader) Open() error {
	attempts, err := r.opts.openRetry.Do(r.ctx, func(int) error {
		info, err := r.opts.fs.Stat(r.name)
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return errEmptyControl
		}
		f, err := r.opts.fs.Open(r.name)
		if err != nil {
			return err
		}
		r.control = f
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrBufferUnavailable, r.name, attempts, err)
	}

	if err := r.refresh(); err != nil {
		_ = r.Close()
		return fmt.Errorf("%w: %w", ErrBufferUnavailable, err)
	}
	r.cursor = r.start
	r.log.Info("timeshift buffer opened",
		"segments", len(r.segments), "start", r.start, "end", r.end)
	return nil
}

// Read reads from the cursor, continuing across segment boundaries. At the
// live edge it returns 0 bytes and a nil error; the caller polls again.
func (r *MultiFileReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	n := 0
	for n < len(p) {
		if err := r.refresh(); err != nil {
			return n, err
		}
		r.cursor = max(r.cursor, r.start)
		if r.cursor >= r.end {
			break
		}
		i := segmentAt(r.segments, r.cursor)
		if i < 0 {
			break
		}
		seg := r.segments[i]
		want := min(int64(len(p)-n), seg.End()-r.cursor)

		if err := r.activate(seg); err != nil {
			return n, err
		}
		local := r.cursor - seg.StartOffset
		if local != r.activePos {
			if _, err := r.active.Seek(local, io.SeekStart); err != nil {
				r.closeActive()
				return n, fmt.Errorf("tsbuffer: seek segment %s: %w", seg.Filename, err)
			}
			r.activePos = local
		}

		m, err := r.active.Read(p[n : n+int(want)])
		r.activePos += int64(m)
		r.cursor += int64(m)
		n += m
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("tsbuffer: read segment %s: %w", seg.Filename, err)
		}
		if m == 0 {
			// Announced but not yet flushed to disk.
			break
		}
	}
	return n, nil
}

// Seek moves the cursor. io.SeekStart takes an absolute virtual offset. The
// result is clamped to [start, end] and the error is always nil.
func (r *MultiFileReader) Seek(offset int64, whence int) (int64, error) {
	if !r.closed {
		if err := r.refresh(); err != nil {
			r.log.Warn("refresh before seek failed", "error", err)
		}
	}
	target := r.cursor
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.cursor + offset
	case io.SeekEnd:
		target = r.end + offset
	}
	r.cursor = clamp(target, r.start, r.end)
	return r.cursor, nil
}

// SeekToSegment positions the cursor offset bytes into the segment with the
// given sequence id. Backends report zap positions this way.
func (r *MultiFileReader) SeekToSegment(sequenceID, offset int64) (int64, error) {
	if !r.closed {
		if err := r.refresh(); err != nil {
			r.log.Warn("refresh before segment seek failed", "error", err)
		}
	}
	i := segmentBySequence(r.segments, sequenceID)
	if i < 0 {
		return r.cursor, fmt.Errorf("%w: sequence %d", ErrUnknownSegment, sequenceID)
	}
	r.cursor = clamp(r.segments[i].StartOffset+offset, r.start, r.end)
	return r.cursor, nil
}

// Size returns end - start.
func (r *MultiFileReader) Size() int64 {
	if !r.closed {
		if err := r.refresh(); err != nil {
			r.log.Warn("refresh before size failed", "error", err)
		}
	}
	return r.end - r.start
}

// OnChannelChange makes the cursor the earliest readable offset, so bytes
// from before a channel switch are never served again, and returns it.
func (r *MultiFileReader) OnChannelChange() int64 {
	r.cursor = clamp(r.cursor, r.start, r.end)
	prev := r.cursor
	r.lastZap = r.cursor
	r.start = max(r.start, r.lastZap)
	r.log.Debug("channel change", "lastZap", r.lastZap)
	return prev
}

// Stats returns the current positions without refreshing.
func (r *MultiFileReader) Stats() Stats {
	return Stats{
		Start:        r.start,
		End:          r.end,
		Cursor:       r.cursor,
		Segments:     len(r.segments),
		FilesAdded:   r.filesAdded,
		FilesRemoved: r.filesRemoved,
	}
}

// Segments returns a copy of the current segment list.
func (r *MultiFileReader) Segments() []SegmentFile {
	return append([]SegmentFile(nil), r.segments...)
}

// Close closes the active segment and the control file.
func (r *MultiFileReader) Close() error {
	r.closed = true
	err := r.closeActive()
	if r.control != nil {
		err = errors.Join(err, r.control.Close())
		r.control = nil
	}
	return err
}

// refresh re-reads the control file and brings the segment list up to date.
func (r *MultiFileReader) refresh() error {
	var rec *ControlRecord
	retry := r.opts.controlRetry
	retry.Between = func(int) { r.reopenControl() }
	attempts, err := retry.Do(r.ctx, func(int) error {
		if r.control == nil {
			return &controlFault{reason: ReasonOpen, err: os.ErrClosed}
		}
		var err error
		rec, err = ReadControl(r.control)
		return err
	})
	if err != nil {
		ie := &IntegrityError{Attempts: attempts, Err: err}
		var f *controlFault
		if errors.As(err, &f) {
			ie.Reason = f.reason
			ie.Err = f.err
		}
		r.log.Warn("control file read failed", "reason", ie.Reason, "attempts", attempts)
		return ie
	}
	if attempts > 1 {
		r.log.Debug("control file read after retries", "attempts", attempts)
	}
	r.apply(rec)
	return nil
}

func (r *MultiFileReader) reopenControl() {
	if r.control != nil {
		_ = r.control.Close()
		r.control = nil
	}
	f, err := r.opts.fs.Open(r.name)
	if err != nil {
		r.log.Debug("reopen control file failed", "error", err)
		return
	}
	r.control = f
}

func (r *MultiFileReader) apply(rec *ControlRecord) {
	if !r.loaded || rec.FilesAdded != r.filesAdded || rec.FilesRemoved != r.filesRemoved {
		r.updateSegments(rec)
	}

	n := len(r.segments)
	if n == 0 {
		r.start, r.end = r.tail, r.tail
		return
	}
	last := &r.segments[n-1]
	last.Length = max(rec.CurrentPosition, 0)
	r.end = last.End()
	r.tail = r.end
	r.start = min(max(r.segments[0].StartOffset, r.lastZap), r.end)
}

func (r *MultiFileReader) updateSegments(rec *ControlRecord) {
	if rec.FilesAdded < r.filesAdded || rec.FilesRemoved < r.filesRemoved {
		r.log.Warn("control counters went backwards, rebuilding",
			"filesAdded", rec.FilesAdded, "filesRemoved", rec.FilesRemoved)
		_ = r.closeActive()
		r.segments = nil
		r.filesAdded, r.filesRemoved = 0, 0
		r.cursor, r.lastZap, r.tail = 0, 0, 0
	}

	var next int64
	if n := len(r.segments); n > 0 {
		// The former last segment was still growing when it was added.
		last := &r.segments[n-1]
		if info, err := r.opts.fs.Stat(last.Filename); err == nil {
			last.Length = info.Size()
		} else {
			r.log.Warn("stat segment failed", "file", last.Filename, "error", err)
		}
		next = last.End()
	} else {
		next = r.tail
	}

	evict := min(int(rec.FilesRemoved-r.filesRemoved), len(r.segments))
	r.segments = append([]SegmentFile(nil), r.segments[evict:]...)
	if r.active != nil && segmentBySequence(r.segments, r.activeSeq) < 0 {
		_ = r.closeActive()
	}

	added := min(int(rec.FilesAdded-r.filesAdded), len(rec.Filenames))
	firstID := int64(rec.FilesAdded) - int64(added) + 1
	for i, name := range rec.Filenames[len(rec.Filenames)-added:] {
		path := TranslatePath(name, r.opts.baseDir)
		var length int64
		if info, err := r.opts.fs.Stat(path); err == nil {
			length = info.Size()
		} else {
			r.log.Warn("stat segment failed", "file", path, "error", err)
		}
		r.segments = append(r.segments, SegmentFile{
			Filename:    path,
			StartOffset: next,
			Length:      length,
			SequenceID:  firstID + int64(i),
		})
		next += length
	}

	r.log.Debug("segment list updated",
		"evicted", evict, "added", added, "segments", len(r.segments))
	r.filesAdded = rec.FilesAdded
	r.filesRemoved = rec.FilesRemoved
	r.loaded = true
}

// activate makes seg the segment backing the physical file handle. The
// handle is only swapped when the segment changes.
func (r *MultiFileReader) activate(seg SegmentFile) error {
	if r.active != nil && r.activeSeq == seg.SequenceID {
		return nil
	}
	_ = r.closeActive()

	var f File
	_, err := r.opts.segmentRetry.Do(r.ctx, func(int) error {
		var err error
		f, err = r.opts.fs.Open(seg.Filename)
		return err
	})
	if err != nil {
		r.log.Error("segment open failed", "file", seg.Filename, "error", err)
		return &SegmentOpenError{Filename: seg.Filename, Err: err}
	}
	r.active = f
	r.activeSeq = seg.SequenceID
	r.activePos = 0
	return nil
}

func (r *MultiFileReader) closeActive() error {
	if r.active == nil {
		return nil
	}
	err := r.active.Close()
	r.active = nil
	r.activeSeq = 0
	r.activePos = 0
	return err
}
