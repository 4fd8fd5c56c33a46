// Package srtpush pushes a session's playback bytes to a remote SRT
// listener in caller mode, reconnecting until the session ends.
package srtpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/timeshift/internal/session"
)

// PayloadSize is the SRT payload per message: 7 TS packets.
const PayloadSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const (
	defaultDialTimeout = 10 * time.Second
	defaultRetryDelay  = 2 * time.Second
	defaultIdleSleep   = 10 * time.Millisecond
)

// Source is the stream being pushed. *session.Session implements it.
type Source interface {
	Follow(ctx context.Context, w io.Writer, chunk int, idle time.Duration) (int64, error)
}

// DialFunc opens a connection to an SRT listener.
type DialFunc func(addr, streamID string) (io.WriteCloser, error)

func dialSRT(addr, streamID string) (io.WriteCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if streamID != "" {
		cfg.StreamID = streamID
	}
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stats counts the pusher's activity.
type Stats struct {
	Connects  int64  `json:"connects"`
	Bytes     int64  `json:"bytes"`
	LastError string `json:"lastError,omitempty"`
}

// Pusher sends one source to one SRT listener.
type Pusher struct {
	log         *slog.Logger
	addr        string
	streamID    string
	dial        DialFunc
	dialTimeout time.Duration
	retryDelay  time.Duration
	idleSleep   time.Duration

	mu    sync.Mutex
	stats Stats
}

// PusherOptDialer replaces the SRT dialer.
func PusherOptDialer(dial DialFunc) func(*Pusher) {
	return func(p *Pusher) {
		p.dial = dial
	}
}

// PusherOptDialTimeout bounds each connection attempt.
func PusherOptDialTimeout(d time.Duration) func(*Pusher) {
	return func(p *Pusher) {
		p.dialTimeout = d
	}
}

// PusherOptRetryDelay sets the wait between connection attempts.
func PusherOptRetryDelay(d time.Duration) func(*Pusher) {
	return func(p *Pusher) {
		p.retryDelay = d
	}
}

// PusherOptIdleSleep sets the wait at the live edge of the source.
func PusherOptIdleSleep(d time.Duration) func(*Pusher) {
	return func(p *Pusher) {
		p.idleSleep = d
	}
}

// NewPusher creates a pusher for the SRT listener at addr. If log is nil,
// slog.Default() is used.
func NewPusher(addr, streamID string, log *slog.Logger, opts ...func(*Pusher)) *Pusher {
	if log == nil {
		log = slog.Default()
	}
	p := &Pusher{
		log:         log.With("component", "srt-push", "address", addr),
		addr:        addr,
		streamID:    streamID,
		dial:        dialSRT,
		dialTimeout: defaultDialTimeout,
		retryDelay:  defaultRetryDelay,
		idleSleep:   defaultIdleSleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns a snapshot of the counters.
func (p *Pusher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run pushes src until ctx is done or src ends. Connection failures are
// retried; a source that ends or closes returns nil.
func (p *Pusher) Run(ctx context.Context, src Source) error {
	for {
		conn, err := p.connect(ctx)
		if err == nil {
			p.log.Info("connected")
			var n int64
			n, err = src.Follow(ctx, conn, PayloadSize, p.idleSleep)
			conn.Close()
			p.record(n, nil)
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF), errors.Is(err, session.ErrClosed):
				p.log.Info("source ended", "bytes", n)
				return nil
			}
			p.log.Warn("push interrupted", "bytes", n, "error", err)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("connect failed", "error", err)
		}
		p.record(0, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.retryDelay):
		}
	}
}

func (p *Pusher) record(n int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Bytes += n
	if err != nil {
		p.stats.LastError = err.Error()
	}
}

// connect dials with a timeout. A dial that completes after the timeout has
// its connection closed in the background.
func (p *Pusher) connect(ctx context.Context) (io.WriteCloser, error) {
	type dialResult struct {
		conn io.WriteCloser
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := p.dial(p.addr, p.streamID)
		ch <- dialResult{conn, err}
	}()
	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(p.dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srtpush: dial %s: %w", p.addr, res.err)
		}
		p.mu.Lock()
		p.stats.Connects++
		p.mu.Unlock()
		return res.conn, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("srtpush: dial %s timed out after %s", p.addr, p.dialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}
