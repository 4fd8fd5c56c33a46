// Package session owns the reader and demuxer of one playback, replacing
// process-wide "current live stream" state with an explicit object.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/timeshift/internal/demux"
	"github.com/zsiec/timeshift/internal/mpegts"
	"github.com/zsiec/timeshift/internal/tsbuffer"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrEvicted is returned by ReadAt for offsets before the buffer start.
	ErrEvicted = errors.New("session: offset evicted from buffer")
)

// ZapRequest describes where playback continues after a channel switch.
type ZapRequest struct {
	// Filename is the buffer the backend reports for the new channel.
	// Empty or equal to the current one means the same buffer continues.
	Filename string
	// SegmentID and Position locate the switch inside the buffer. With a
	// SegmentID, Position is an offset into that segment; without one it
	// is a distance back from the live end.
	SegmentID int64
	Position  int64
}

// Info is a snapshot of a session for status endpoints.
type Info struct {
	Key       string           `json:"key"`
	Filename  string           `json:"filename"`
	StartedAt time.Time        `json:"startedAt"`
	Reader    tsbuffer.Stats   `json:"reader"`
	Demux     demux.Stats      `json:"demux"`
	Pids      *mpegts.PidTable `json:"pids,omitempty"`
}

// Session is one open stream. Read, Seek and Size are serialized with each
// other, with Zap and with the poller by a single mutex.
type Session struct {
	Key       string
	StartedAt time.Time

	log        *slog.Logger
	readerOpts []tsbuffer.ReaderOpt
	demuxCfg   demux.Config
	onChannel  func(key string, ci mpegts.ChannelInfo)
	track      bool

	mu       sync.Mutex
	ctx      context.Context
	filename string
	reader   tsbuffer.Reader
	demux    *demux.Demuxer
	closed   bool
	done     chan struct{}
}

// SessionOptReader passes options to the underlying reader.
func SessionOptReader(opts ...tsbuffer.ReaderOpt) func(*Session) {
	return func(s *Session) {
		s.readerOpts = append(s.readerOpts, opts...)
	}
}

// SessionOptDemux sets the demuxer loop settings.
func SessionOptDemux(cfg demux.Config) func(*Session) {
	return func(s *Session) {
		s.demuxCfg = cfg
	}
}

// SessionOptOnChannel sets a callback for channel changes.
func SessionOptOnChannel(fn func(key string, ci mpegts.ChannelInfo)) func(*Session) {
	return func(s *Session) {
		s.onChannel = fn
	}
}

// SessionOptTrackPlayback also feeds bytes read for playback to the demuxer,
// so channel changes inside the stream are noticed without a zap.
func SessionOptTrackPlayback(track bool) func(*Session) {
	return func(s *Session) {
		s.track = track
	}
}

// Open opens filename and learns its channel. A demuxer timeout is logged
// and does not fail the open. If log is nil, slog.Default() is used.
func Open(ctx context.Context, key, filename string, log *slog.Logger, opts ...func(*Session)) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		log:       log.With("component", "session", "key", key),
		demuxCfg:  demux.DefaultConfig(),
		track:     true,
		ctx:       ctx,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.open(filename); err != nil {
		return nil, err
	}
	return s, nil
}

// open replaces the reader and demuxer. Callers hold mu or own s exclusively.
func (s *Session) open(filename string) error {
	opts := append([]tsbuffer.ReaderOpt{tsbuffer.ReaderOptLogger(s.log)}, s.readerOpts...)
	r, err := tsbuffer.Open(s.ctx, filename, opts...)
	if err != nil {
		return fmt.Errorf("session: open %s: %w", filename, err)
	}
	d := demux.NewDemuxer(r, s.log,
		demux.DemuxerOptConfig(s.demuxCfg),
		demux.DemuxerOptOnChannel(s.channelChanged),
	)

	pos, _ := r.Seek(0, io.SeekCurrent)
	if err := d.Start(s.ctx); err != nil {
		s.log.Warn("playing without channel information", "error", err)
	}
	r.Seek(pos, io.SeekStart)
	d.Reset()

	if s.reader != nil {
		_ = s.reader.Close()
	}
	s.reader = r
	s.demux = d
	s.filename = filename
	s.log.Info("session opened", "filename", filename, "size", r.Size())
	return nil
}

func (s *Session) channelChanged(ci mpegts.ChannelInfo) {
	s.log.Info("channel changed", "patVersion", ci.PatVersion, "service", ci.Pids.ServiceID)
	if s.onChannel != nil {
		s.onChannel(s.Key, ci)
	}
}

// Read reads playback bytes.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.reader.Read(p)
	if s.track && n > 0 {
		s.demux.Feed(p[:n])
	}
	return n, err
}

// ReadAt reads at the reader offset off without moving the playback cursor
// and without feeding the demuxer. Reaching the live end before p is full
// returns io.EOF.
func (s *Session) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	cur, _ := s.reader.Seek(0, io.SeekCurrent)
	defer s.reader.Seek(cur, io.SeekStart)

	got, _ := s.reader.Seek(off, io.SeekStart)
	switch {
	case got > off:
		return 0, ErrEvicted
	case got < off:
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		m, err := s.reader.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}

// Follow copies playback bytes to w in chunks of at most chunk bytes,
// sleeping idle whenever the live end is reached. It returns when ctx is
// done, the session closes, the reader ends or w fails.
func (s *Session) Follow(ctx context.Context, w io.Writer, chunk int, idle time.Duration) (int64, error) {
	buf := make([]byte, chunk)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			return total, err
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-s.done:
			return total, ErrClosed
		case <-time.After(idle):
		}
	}
}

// Seek moves the playback cursor. Offsets are those of the reader; see
// tsbuffer.MultiFileReader.Seek.
func (s *Session) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	cur, _ := s.reader.Seek(0, io.SeekCurrent)
	pos, err := s.reader.Seek(offset, whence)
	if s.track && pos != cur {
		s.demux.Reset()
	}
	return pos, err
}

// Size returns the readable length.
func (s *Session) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.reader.Size()
}

// Bounds returns the first and the one-past-last readable offsets.
func (s *Session) Bounds() (start, end int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0
	}
	s.reader.Size()
	st := s.reader.Stats()
	return st.Start, st.End
}

// Zap handles a channel switch reported by the backend and returns the
// offset playback continues from.
func (s *Session) Zap(ctx context.Context, req ZapRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	if req.Filename != "" && req.Filename != s.filename {
		s.log.Info("zap to new buffer", "filename", req.Filename)
		if err := s.open(req.Filename); err != nil {
			return 0, err
		}
		pos, _ := s.reader.Seek(0, io.SeekCurrent)
		return pos, nil
	}

	pos := s.zapPosition(req)
	if err := s.demux.RequestNewPat(ctx); err != nil {
		s.log.Warn("no PAT after zap", "error", err)
	}
	s.reader.Seek(pos, io.SeekStart)
	s.demux.Reset()
	s.reader.OnChannelChange()
	s.log.Info("zapped", "position", pos)
	return pos, nil
}

func (s *Session) zapPosition(req ZapRequest) int64 {
	if req.SegmentID > 0 {
		if mr, ok := s.reader.(*tsbuffer.MultiFileReader); ok {
			pos, err := mr.SeekToSegment(req.SegmentID, req.Position)
			if err == nil {
				return pos
			}
			s.log.Warn("zap segment not in buffer, using live end", "error", err)
			pos, _ = s.reader.Seek(0, io.SeekEnd)
			return pos
		}
	}
	pos, _ := s.reader.Seek(-req.Position, io.SeekEnd)
	return pos
}

// Pids returns the current channel's PID table, or nil.
func (s *Session) Pids() *mpegts.PidTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.demux.PIDs()
}

// Info returns a status snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{Key: s.Key, Filename: s.filename, StartedAt: s.StartedAt}
	if s.closed {
		return info
	}
	info.Reader = s.reader.Stats()
	info.Demux = s.demux.Stats()
	info.Pids = s.demux.PIDs()
	return info
}

// Poll calls fn every interval until ctx is done or the session closes. fn
// runs under the session lock, so it never overlaps a read; it is meant for
// backend keep-alive and signal-quality queries and gets no access to the
// reader.
func (s *Session) Poll(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
		}
		s.mu.Lock()
		var err error
		if !s.closed {
			err = fn(ctx)
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("poll failed", "error", err)
		}
	}
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close closes the reader. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.log.Info("session closed")
	return s.reader.Close()
}
