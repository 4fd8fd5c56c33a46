package tsbuffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// FileReader reads a single file that may still be growing, such as a
// recording in progress.
type FileReader struct {
	ctx  context.Context
	name string
	opts readerOptions
	log  *slog.Logger

	f      File
	cursor int64
	pos    int64
	size   int64
}

// NewFileReader creates a reader for name. Call Open before using it.
func NewFileReader(ctx context.Context, name string, opts ...ReaderOpt) *FileReader {
	o := defaultReaderOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &FileReader{
		ctx:  ctx,
		name: name,
		opts: o,
		log:  o.log.With("component", "tsbuffer", "file", name),
	}
}

// Open waits for the file to appear.
func (r *FileReader) Open() error {
	attempts, err := r.opts.openRetry.Do(r.ctx, func(int) error {
		f, err := r.opts.fs.Open(r.name)
		if err != nil {
			return err
		}
		r.f = f
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrBufferUnavailable, r.name, attempts, err)
	}
	r.stat()
	r.log.Info("file opened", "size", r.size)
	return nil
}

// Read reads from the cursor. A read that comes up short at the end of the
// file returns io.EOF along with the bytes it got.
func (r *FileReader) Read(p []byte) (int, error) {
	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.pos != r.cursor {
		if _, err := r.f.Seek(r.cursor, io.SeekStart); err != nil {
			return 0, fmt.Errorf("tsbuffer: seek %s: %w", r.name, err)
		}
		r.pos = r.cursor
	}
	n, err := io.ReadFull(r.f, p)
	r.pos += int64(n)
	r.cursor += int64(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("tsbuffer: read %s: %w", r.name, err)
	}
	return n, err
}

// Seek moves the cursor, clamped to [0, size].
func (r *FileReader) Seek(offset int64, whence int) (int64, error) {
	r.stat()
	target := r.cursor
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.cursor + offset
	case io.SeekEnd:
		target = r.size + offset
	}
	r.cursor = clamp(target, 0, r.size)
	return r.cursor, nil
}

// Size re-stats the file and returns its length.
func (r *FileReader) Size() int64 {
	r.stat()
	return r.size
}

// OnChannelChange returns the cursor. A plain file has no zap history.
func (r *FileReader) OnChannelChange() int64 { return r.cursor }

// Stats returns the current positions.
func (r *FileReader) Stats() Stats {
	return Stats{End: r.size, Cursor: r.cursor, Segments: 1}
}

// Close closes the file.
func (r *FileReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *FileReader) stat() {
	info, err := r.opts.fs.Stat(r.name)
	if err != nil {
		r.log.Warn("stat failed", "error", err)
		return
	}
	r.size = info.Size()
}
