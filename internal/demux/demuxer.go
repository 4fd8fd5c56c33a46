package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/timeshift/internal/mpegts"
)

// ErrTimeout is returned when a bootstrap or re-sync loop ends without
// channel information. It is not fatal: playback can go on without PIDs.
var ErrTimeout = errors.New("demux: timed out waiting for PAT/PMT")

// State is the demuxer lifecycle state.
type State int

const (
	Stopped State = iota
	Bootstrapping
	Tracking
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Bootstrapping:
		return "bootstrapping"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes the read loops.
type Config struct {
	// ChunkSize is the number of bytes requested per read.
	ChunkSize int
	// StartTimeout bounds Start.
	StartTimeout time.Duration
	// ResyncTimeout bounds RequestNewPat. Until it passes, tables from
	// other PAT versions are ignored.
	ResyncTimeout time.Duration
	// IdleSleep is the pause after a read that returned no data.
	IdleSleep time.Duration
	// KeepStalePIDs keeps the previous table when a re-sync times out
	// instead of clearing it.
	KeepStalePIDs bool
}

// DefaultConfig returns the stock loop settings: 30 chunks of 1316 bytes,
// 5 s to start and 10 s to re-sync.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     1316 * 30,
		StartTimeout:  5 * time.Second,
		ResyncTimeout: 10 * time.Second,
		IdleSleep:     10 * time.Millisecond,
		KeepStalePIDs: true,
	}
}

// Stats counts what the demuxer has seen.
type Stats struct {
	State       string `json:"state"`
	PatVersion  int    `json:"patVersion"`
	Packets     int64  `json:"packets"`
	BadPackets  int64  `json:"badPackets"`
	SyncDropped int64  `json:"syncDropped"`
	Channels    int64  `json:"channels"`
}

// Demuxer follows the PAT/PMT of a transport stream. It is not safe for
// concurrent use.
type Demuxer struct {
	log       *slog.Logger
	reader    io.Reader
	cfg       Config
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	onChannel func(mpegts.ChannelInfo)

	sync *mpegts.PacketSync
	pat  *mpegts.PATParser

	state      State
	pids       *mpegts.PidTable
	patVersion int
	// wantPat is the PAT version being waited for, -1 for any.
	wantPat  int
	deadline time.Time
	found    bool
	// ignored is set when a table was dropped during a re-sync window. The
	// PAT parser is then reset so the next repetition is published again.
	ignored bool

	packets    int64
	badPackets int64
	channels   int64
}

// NewDemuxer creates a Demuxer reading from r. If log is nil, slog.Default()
// is used.
func NewDemuxer(r io.Reader, log *slog.Logger, opts ...func(*Demuxer)) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:        log.With("component", "demux"),
		reader:     r,
		cfg:        DefaultConfig(),
		now:        time.Now,
		sleep:      sleepCtx,
		patVersion: -1,
		wantPat:    -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sync = mpegts.NewPacketSync(d.onPacket)
	d.pat = mpegts.NewPATParser(d.onChannelInfo)
	return d
}

// DemuxerOptConfig replaces the loop settings. Zero fields keep their
// defaults.
func DemuxerOptConfig(cfg Config) func(*Demuxer) {
	return func(d *Demuxer) {
		def := DefaultConfig()
		if cfg.ChunkSize <= 0 {
			cfg.ChunkSize = def.ChunkSize
		}
		if cfg.StartTimeout <= 0 {
			cfg.StartTimeout = def.StartTimeout
		}
		if cfg.ResyncTimeout <= 0 {
			cfg.ResyncTimeout = def.ResyncTimeout
		}
		if cfg.IdleSleep <= 0 {
			cfg.IdleSleep = def.IdleSleep
		}
		d.cfg = cfg
	}
}

// DemuxerOptOnChannel sets the callback invoked when the channel's PID
// table changes.
func DemuxerOptOnChannel(fn func(mpegts.ChannelInfo)) func(*Demuxer) {
	return func(d *Demuxer) {
		d.onChannel = fn
	}
}

// DemuxerOptClock replaces the time source and the idle sleep.
func DemuxerOptClock(now func() time.Time, sleep func(context.Context, time.Duration) error) func(*Demuxer) {
	return func(d *Demuxer) {
		d.now = now
		d.sleep = sleep
	}
}

// State returns the lifecycle state.
func (d *Demuxer) State() State { return d.state }

// PIDs returns a copy of the current PID table, or nil.
func (d *Demuxer) PIDs() *mpegts.PidTable { return d.pids.Clone() }

// PatVersion returns the PAT version of the current table, or -1.
func (d *Demuxer) PatVersion() int { return d.patVersion }

// Stats returns the demuxer counters.
func (d *Demuxer) Stats() Stats {
	return Stats{
		State:       d.state.String(),
		PatVersion:  d.patVersion,
		Packets:     d.packets,
		BadPackets:  d.badPackets,
		SyncDropped: d.sync.Dropped(),
		Channels:    d.channels,
	}
}

// Start reads until the first channel information arrives or
// Config.StartTimeout passes.
func (d *Demuxer) Start(ctx context.Context) error {
	d.state = Bootstrapping
	d.log.Debug("bootstrapping")
	err := d.run(ctx, d.cfg.StartTimeout)
	if err != nil {
		if d.pids == nil {
			d.state = Stopped
		} else {
			d.state = Tracking
		}
		d.log.Warn("no channel information", "error", err)
		return err
	}
	d.state = Tracking
	return nil
}

// RequestNewPat waits for the next PAT version after a channel switch.
// Tables carrying another version are ignored until Config.ResyncTimeout
// passes; after that any version is accepted again.
func (d *Demuxer) RequestNewPat(ctx context.Context) error {
	if d.wantPat >= 0 {
		d.wantPat = (d.wantPat + 1) & 0x0F
	}
	d.deadline = d.now().Add(d.cfg.ResyncTimeout)
	d.sync.Reset()
	d.pat.Reset()
	d.state = Bootstrapping
	d.log.Debug("waiting for new PAT", "version", d.wantPat)

	err := d.run(ctx, d.cfg.ResyncTimeout)
	if err == nil {
		d.state = Tracking
		return nil
	}
	if d.cfg.KeepStalePIDs && d.pids != nil {
		d.state = Tracking
		d.log.Warn("re-sync failed, keeping previous PIDs", "error", err)
	} else {
		d.pids = nil
		d.state = Stopped
		d.log.Warn("re-sync failed, PIDs cleared", "error", err)
	}
	return err
}

// Reset drops partially aligned bytes. Call it after the underlying reader
// was repositioned so bytes from two offsets are never spliced together.
func (d *Demuxer) Reset() {
	d.sync.Reset()
}

// Feed pushes bytes the caller read itself through packet sync and the
// table parsers. Channel callbacks run before Feed returns.
func (d *Demuxer) Feed(p []byte) {
	d.sync.Write(p)
}

// run reads chunks until a table is accepted, the timeout passes, ctx is
// done or the reader reports end of stream.
func (d *Demuxer) run(ctx context.Context, timeout time.Duration) error {
	deadline := d.now().Add(timeout)
	buf := make([]byte, d.cfg.ChunkSize)
	d.found = false

	for !d.found {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		n, err := d.reader.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if d.found {
					return nil
				}
				return fmt.Errorf("demux: stream ended before channel information: %w", err)
			}
			return fmt.Errorf("demux: read: %w", err)
		}
		if n == 0 {
			if err := d.sleep(ctx, d.cfg.IdleSleep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Demuxer) onPacket(b []byte) {
	pkt, err := mpegts.ParsePacket(b)
	if err != nil {
		d.badPackets++
		return
	}
	d.packets++
	d.pat.Push(pkt)
	if d.ignored {
		d.ignored = false
		d.pat.Reset()
	}
}

func (d *Demuxer) onChannelInfo(ci mpegts.ChannelInfo) {
	version := ci.PatVersion & 0x0F
	if d.wantPat >= 0 && version != d.wantPat {
		if d.now().Before(d.deadline) {
			d.log.Debug("ignoring table from other PAT version", "version", version, "want", d.wantPat)
			d.ignored = true
			return
		}
		d.log.Info("accepting PAT version after re-sync deadline", "version", version, "want", d.wantPat)
	}
	d.wantPat = version
	d.patVersion = version
	d.found = true

	if ci.Pids.Equal(d.pids) {
		return
	}
	d.pids = ci.Pids
	d.channels++
	d.log.Info("channel detected", "patVersion", version, "pids", ci.Pids.String())
	if d.onChannel != nil {
		d.onChannel(mpegts.ChannelInfo{
			PatVersion:        version,
			TransportStreamID: ci.TransportStreamID,
			Pids:              ci.Pids.Clone(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
