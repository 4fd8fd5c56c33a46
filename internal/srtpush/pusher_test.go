package srtpush

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/timeshift/internal/session"
)

type memConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	fail   error
	writes int
	closed bool
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return 0, c.fail
	}
	if len(p) > PayloadSize {
		return 0, errors.New("message larger than the SRT payload")
	}
	c.writes++
	return c.buf.Write(p)
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// chunkSource writes data in chunk-sized pieces, then returns end.
type chunkSource struct {
	data []byte
	end  error
}

func (s *chunkSource) Follow(_ context.Context, w io.Writer, chunk int, _ time.Duration) (int64, error) {
	var n int64
	for p := s.data; len(p) > 0; {
		c := min(chunk, len(p))
		if _, err := w.Write(p[:c]); err != nil {
			return n, err
		}
		n += int64(c)
		p = p[c:]
	}
	return n, s.end
}

// blockingSource waits for ctx.
type blockingSource struct{}

func (blockingSource) Follow(ctx context.Context, _ io.Writer, _ int, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestPusher_PushesUntilSourceEnds(t *testing.T) {
	t.Parallel()
	conn := &memConn{}
	var gotAddr, gotID string
	p := NewPusher("10.0.0.1:9000", "live/one", nil, PusherOptDialer(func(addr, id string) (io.WriteCloser, error) {
		gotAddr, gotID = addr, id
		return conn, nil
	}))

	data := bytes.Repeat([]byte{0x47, 1, 2, 3}, 188*4)
	if err := p.Run(context.Background(), &chunkSource{data: data, end: io.EOF}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotAddr != "10.0.0.1:9000" || gotID != "live/one" {
		t.Errorf("dialed %q %q", gotAddr, gotID)
	}
	if !bytes.Equal(conn.buf.Bytes(), data) {
		t.Error("pushed bytes differ from the source")
	}
	if want := (len(data) + PayloadSize - 1) / PayloadSize; conn.writes != want {
		t.Errorf("writes = %d, want %d", conn.writes, want)
	}
	if !conn.closed {
		t.Error("connection not closed")
	}
	if st := p.Stats(); st.Connects != 1 || st.Bytes != int64(len(data)) {
		t.Errorf("stats = %+v", st)
	}
}

func TestPusher_ClosedSessionEndsRun(t *testing.T) {
	t.Parallel()
	p := NewPusher("x", "", nil, PusherOptDialer(func(string, string) (io.WriteCloser, error) {
		return &memConn{}, nil
	}))
	err := p.Run(context.Background(), &chunkSource{data: []byte("ts"), end: session.ErrClosed})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPusher_ReconnectsAfterWriteError(t *testing.T) {
	t.Parallel()
	broken := &memConn{fail: errors.New("peer gone")}
	good := &memConn{}
	conns := []*memConn{broken, good}
	var dials int
	p := NewPusher("x", "", nil,
		PusherOptRetryDelay(time.Millisecond),
		PusherOptDialer(func(string, string) (io.WriteCloser, error) {
			c := conns[dials]
			dials++
			return c, nil
		}),
	)

	data := []byte("payload")
	if err := p.Run(context.Background(), &chunkSource{data: data, end: io.EOF}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
	if !bytes.Equal(good.buf.Bytes(), data) {
		t.Error("second connection did not get the stream")
	}
	if st := p.Stats(); st.Connects != 2 || st.LastError != "peer gone" {
		t.Errorf("stats = %+v", st)
	}
}

func TestPusher_RetriesFailedDial(t *testing.T) {
	t.Parallel()
	var dials int
	p := NewPusher("x", "", nil,
		PusherOptRetryDelay(time.Millisecond),
		PusherOptDialer(func(string, string) (io.WriteCloser, error) {
			dials++
			if dials < 3 {
				return nil, errors.New("connection refused")
			}
			return &memConn{}, nil
		}),
	)
	if err := p.Run(context.Background(), &chunkSource{end: io.EOF}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	if st := p.Stats(); st.Connects != 1 || !strings.Contains(st.LastError, "connection refused") {
		t.Errorf("stats = %+v", st)
	}
}

func TestPusher_DialTimeoutClosesLateConnection(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	late := &memConn{}
	p := NewPusher("x", "", nil,
		PusherOptDialTimeout(10*time.Millisecond),
		PusherOptDialer(func(string, string) (io.WriteCloser, error) {
			<-release
			return late, nil
		}),
	)

	_, err := p.connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		late.mu.Lock()
		closed := late.closed
		late.mu.Unlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("late connection was not closed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPusher_ContextCancel(t *testing.T) {
	t.Parallel()
	p := NewPusher("x", "", nil, PusherOptDialer(func(string, string) (io.WriteCloser, error) {
		return &memConn{}, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, blockingSource{}) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
