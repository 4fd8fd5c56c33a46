// gen-buffer records a timeshift buffer for manual testing: a control file
// plus rolling segment files, written at a steady byte rate. Without -file
// it synthesizes channels and zaps to the next one every -zap interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/timeshift/test/tools/tsutil"
)

const chunkSize = tsutil.TSPacketSize * 7

func main() {
	dirFlag := flag.String("dir", ".", "Directory for the control and segment files")
	nameFlag := flag.String("name", "live1-0.ts", "Buffer name; the control file is <name>.tsbuffer")
	fileFlag := flag.String("file", "", "TS file to record in a loop instead of synthetic channels")
	rateFlag := flag.Int("rate", chunkSize*200, "Bytes per second")
	segFlag := flag.Int64("segment", chunkSize*2000, "Segment size in bytes")
	keepFlag := flag.Int("keep", 10, "Segments kept in the control file")
	zapFlag := flag.Duration("zap", 30*time.Second, "Synthetic channel switch interval")
	durFlag := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *durFlag > 0 {
		ctx, cancel = context.WithTimeout(ctx, *durFlag)
		defer cancel()
	}

	var src source
	if *fileFlag != "" {
		data, err := os.ReadFile(*fileFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
			os.Exit(1)
		}
		if len(data)%tsutil.TSPacketSize != 0 {
			fmt.Fprintf(os.Stderr, "Warning: file size not a multiple of %d\n", tsutil.TSPacketSize)
		}
		src = &loopSource{data: data}
	} else {
		src = newSynthSource(*zapFlag)
	}

	w := tsutil.NewBufferWriter(*dirFlag, *nameFlag, *segFlag, *keepFlag)
	defer w.Close()
	fmt.Printf("Recording %s at %d bytes/sec\n", w.ControlPath(), *rateFlag)

	if err := record(ctx, w, src, float64(*rateFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Recording failed: %v\n", err)
		os.Exit(1)
	}
}

type source interface {
	next(now time.Time) []byte
}

type writer interface {
	Write(p []byte) (int, error)
}

// record writes chunks paced against a global clock until ctx is done.
func record(ctx context.Context, w writer, src source, bytesPerSec float64) error {
	start := time.Now()
	lastLog := start
	var total int64
	for ctx.Err() == nil {
		chunk := src.next(time.Now())
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		total += int64(len(chunk))

		expected := float64(total) / bytesPerSec
		if elapsed := time.Since(start).Seconds(); expected > elapsed {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration((expected - elapsed) * float64(time.Second))):
			}
		}
		if time.Since(lastLog) >= 10*time.Second {
			fmt.Printf("written=%.1f MB rate=%.0f B/s\n",
				float64(total)/(1024*1024), float64(total)/time.Since(start).Seconds())
			lastLog = time.Now()
		}
	}
	return nil
}

// loopSource replays a file from the start each time it runs out.
type loopSource struct {
	data []byte
	off  int
}

func (s *loopSource) next(time.Time) []byte {
	if s.off >= len(s.data) {
		s.off = 0
	}
	end := min(s.off+chunkSize, len(s.data))
	chunk := s.data[s.off:end]
	s.off = end
	return chunk
}

var synthChannels = []struct {
	service uint16
	lang    string
}{
	{1, "eng"},
	{2, "deu"},
	{3, "fra"},
}

// synthSource repeats the tables of the current channel in every chunk and
// moves to the next channel, with a new PAT version, every zap interval.
type synthSource struct {
	mux      *tsutil.Muxer
	zapEvery time.Duration
	idx      int
	version  uint8
	zappedAt time.Time
}

func newSynthSource(zapEvery time.Duration) *synthSource {
	return &synthSource{mux: tsutil.NewMuxer(), zapEvery: zapEvery}
}

func (s *synthSource) channel() tsutil.Channel {
	c := synthChannels[s.idx]
	return tsutil.SimpleChannel(c.service, s.version, c.lang)
}

func (s *synthSource) next(now time.Time) []byte {
	switch {
	case s.zappedAt.IsZero():
		s.zappedAt = now
	case s.zapEvery > 0 && now.Sub(s.zappedAt) >= s.zapEvery:
		s.idx = (s.idx + 1) % len(synthChannels)
		s.version = (s.version + 1) & 0x1F
		s.zappedAt = now
		fmt.Printf("Zap to service %d (PAT version %d)\n", synthChannels[s.idx].service, s.version)
	}
	ch := s.channel()
	out := s.mux.Tables(ch)
	filler := (chunkSize - len(out)) / tsutil.TSPacketSize
	return append(out, s.mux.Filler(ch.Programs[0].PCRPID, filler)...)
}
