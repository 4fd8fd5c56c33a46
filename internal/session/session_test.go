package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/timeshift/internal/demux"
	"github.com/zsiec/timeshift/internal/mpegts"
	"github.com/zsiec/timeshift/internal/tsbuffer"
	"github.com/zsiec/timeshift/test/tools/tsutil"
)

type testRecorder struct {
	dir string
	w   *tsutil.BufferWriter
	mux *tsutil.Muxer
}

func newRecorder(t *testing.T, dir, name string) *testRecorder {
	t.Helper()
	return &testRecorder{
		dir: dir,
		w:   tsutil.NewBufferWriter(dir, name, 188*16, 8),
		mux: tsutil.NewMuxer(),
	}
}

// channel writes the tables of ch followed by filler and returns the bytes.
func (r *testRecorder) channel(t *testing.T, ch tsutil.Channel, filler int) []byte {
	t.Helper()
	data := append(r.mux.Tables(ch), r.mux.Filler(ch.Programs[0].PCRPID, filler)...)
	if _, err := r.w.Write(data); err != nil {
		t.Fatal(err)
	}
	return data
}

func testOpts(dir string, extra ...func(*Session)) []func(*Session) {
	cfg := demux.DefaultConfig()
	cfg.StartTimeout = time.Second
	cfg.ResyncTimeout = time.Second
	return append([]func(*Session){
		SessionOptReader(
			tsbuffer.ReaderOptBaseDir(dir),
			tsbuffer.ReaderOptOpenRetry(tsbuffer.Retry{Attempts: 2, Delay: time.Millisecond}),
		),
		SessionOptDemux(cfg),
	}, extra...)
}

func TestSession_OpenLearnsChannel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	data := rec.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 30)

	var events []mpegts.ChannelInfo
	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil,
		testOpts(dir, SessionOptOnChannel(func(_ string, ci mpegts.ChannelInfo) { events = append(events, ci) }))...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	pids := s.Pids()
	if pids == nil || pids.ServiceID != 1 || len(pids.AudioPIDs) != 1 {
		t.Fatalf("pids = %v", pids)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}

	// The bootstrap read must not move the playback cursor.
	got := make([]byte, len(data))
	n, err := s.Read(got)
	if err != nil || n != len(data) || !bytes.Equal(got, data) {
		t.Errorf("read = (%d, %v), want the recorded bytes from the start", n, err)
	}
}

func TestSession_ZapSameBuffer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	rec.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 30)

	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	second := rec.channel(t, tsutil.SimpleChannel(2, 1, "deu"), 10)
	pos, err := s.Zap(context.Background(), ZapRequest{Position: int64(len(second))})
	if err != nil {
		t.Fatal(err)
	}
	start, end := s.Bounds()
	if start != pos || end-pos != int64(len(second)) {
		t.Errorf("bounds = [%d, %d], zap at %d, want start at the zap", start, end, pos)
	}
	if p := s.Pids(); p == nil || p.ServiceID != 2 || p.AudioPIDs[0].Lang != "deu" {
		t.Errorf("pids after zap = %v", p)
	}

	got := make([]byte, len(second))
	n, _ := s.Read(got)
	if !bytes.Equal(got[:n], second) {
		t.Error("playback after zap does not start at the new channel")
	}
}

func TestSession_ZapBySegment(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	rec.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 60)

	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	pos, err := s.Zap(context.Background(), ZapRequest{SegmentID: 2, Position: 188})
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(188*16 + 188); pos != want {
		t.Errorf("zap position = %d, want %d", pos, want)
	}
}

func TestSession_ZapNewBuffer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := newRecorder(t, dir, "live1-0.ts")
	first.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 10)
	second := newRecorder(t, dir, "live2-0.ts")
	second.channel(t, tsutil.SimpleChannel(7, 0, "fra"), 10)

	s, err := Open(context.Background(), "live", first.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Zap(context.Background(), ZapRequest{Filename: second.w.ControlPath()}); err != nil {
		t.Fatal(err)
	}
	info := s.Info()
	if info.Filename != second.w.ControlPath() || info.Pids == nil || info.Pids.ServiceID != 7 {
		t.Errorf("info = %+v, want the second buffer", info)
	}
}

func TestSession_OpenMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := Open(context.Background(), "x", dir+"/missing.tsbuffer", nil, testOpts(dir)...)
	if !errors.Is(err, tsbuffer.ErrBufferUnavailable) {
		t.Errorf("err = %v, want ErrBufferUnavailable", err)
	}
}

func TestSession_PollStopsOnClose(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	rec.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 5)
	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	stopped := make(chan struct{})
	go func() {
		s.Poll(context.Background(), 5*time.Millisecond, func(context.Context) error {
			calls.Add(1)
			return nil
		})
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("poller did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("poller still running after Close")
	}
	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close: err = %v, want ErrClosed", err)
	}
}

func TestSession_ReadAtKeepsCursor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	data := rec.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 40)

	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := make([]byte, 188*3)
	n, err := s.ReadAt(got, 188*20)
	if err != nil || n != len(got) || !bytes.Equal(got, data[188*20:188*23]) {
		t.Fatalf("ReadAt = (%d, %v), want three packets from offset %d", n, err, 188*20)
	}
	if pos, _ := s.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("cursor = %d after ReadAt, want 0", pos)
	}

	tail := make([]byte, 188*2)
	n, err = s.ReadAt(tail, int64(len(data)-188))
	if n != 188 || !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt at the live end = (%d, %v), want (188, EOF)", n, err)
	}
	if _, err := s.ReadAt(tail, int64(len(data)+188)); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past the end: err = %v, want EOF", err)
	}
}

func TestSession_ReadAtEvicted(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	ch := tsutil.SimpleChannel(1, 0, "eng")
	rec.channel(t, ch, 5)

	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// The recorder rolls past its keep limit while the session is open.
	if _, err := rec.w.Write(rec.mux.Filler(ch.Programs[0].PCRPID, 200)); err != nil {
		t.Fatal(err)
	}
	start, end := s.Bounds()
	if start == 0 || end <= start {
		t.Fatalf("bounds = [%d, %d), want the oldest segments evicted", start, end)
	}
	if _, err := s.ReadAt(make([]byte, 188), 0); !errors.Is(err, ErrEvicted) {
		t.Errorf("err = %v, want ErrEvicted", err)
	}
	if _, err := s.ReadAt(make([]byte, 188), start); err != nil {
		t.Errorf("ReadAt at start: %v", err)
	}
}

func TestSession_SeekDoesNotSpliceSyncBytes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	rec.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 30)

	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Stop mid-packet, then jump to a packet boundary elsewhere.
	if _, err := s.Read(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seek(188*10, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(make([]byte, 188*5)); err != nil {
		t.Fatal(err)
	}
	if dropped := s.Info().Demux.SyncDropped; dropped != 0 {
		t.Errorf("sync dropped %d bytes, want 0 after a seek", dropped)
	}
}

func TestSession_FollowCopiesUntilCancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := newRecorder(t, dir, "live1-0.ts")
	data := rec.channel(t, tsutil.SimpleChannel(1, 0, "eng"), 20)

	s, err := Open(context.Background(), "live1", rec.w.ControlPath(), nil, testOpts(dir)...)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	n, err := s.Follow(ctx, &out, 1316, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if n != int64(len(data)) || !bytes.Equal(out.Bytes(), data) {
		t.Errorf("copied %d bytes, want the %d recorded bytes", n, len(data))
	}
}
