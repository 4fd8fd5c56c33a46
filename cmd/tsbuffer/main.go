package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/timeshift/internal/certs"
	"github.com/zsiec/timeshift/internal/distribution"
	"github.com/zsiec/timeshift/internal/mpegts"
	"github.com/zsiec/timeshift/internal/session"
	"github.com/zsiec/timeshift/internal/srtpush"
	"github.com/zsiec/timeshift/internal/tsbuffer"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	httpAddr := envOr("HTTP_ADDR", ":4443")
	bufferDir := envOr("BUFFER_DIR", "")
	open := envOr("OPEN", "")
	pushAddr := envOr("SRT_PUSH_ADDR", "")
	pushKey := envOr("SRT_PUSH_KEY", "")

	cert, err := loadCert()
	if err != nil {
		return err
	}
	slog.Info("certificate ready",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var readerOpts []tsbuffer.ReaderOpt
	if bufferDir != "" {
		readerOpts = append(readerOpts, tsbuffer.ReaderOptBaseDir(bufferDir))
	}

	var srv *distribution.Server
	mgr := session.NewManager(nil,
		session.SessionOptReader(readerOpts...),
		session.SessionOptOnChannel(func(key string, ci mpegts.ChannelInfo) {
			srv.ChannelChanged(key, ci)
		}),
	)
	defer mgr.CloseAll()

	srv, err = distribution.NewServer(distribution.ServerConfig{
		Addr:     httpAddr,
		Cert:     cert,
		Sessions: mgr,
	})
	if err != nil {
		return fmt.Errorf("creating distribution server: %w", err)
	}

	slog.Info("timeshift starting",
		"version", version,
		"http3", httpAddr,
		"buffer_dir", bufferDir,
		"srt_push", pushAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	for key, filename := range parseOpen(open) {
		if _, err := mgr.Open(ctx, key, filename); err != nil {
			return fmt.Errorf("opening %s: %w", key, err)
		}
	}

	if pushAddr != "" {
		sess, ok := mgr.Get(pushKey)
		if !ok {
			return fmt.Errorf("SRT_PUSH_KEY %q is not an open session", pushKey)
		}
		pusher := srtpush.NewPusher(pushAddr, envOr("SRT_STREAM_ID", "live/"+pushKey), nil)
		g.Go(func() error {
			return pusher.Run(ctx, sess)
		})
	}

	g.Go(func() error {
		return srv.Start(ctx)
	})

	return g.Wait()
}

func loadCert() (*certs.CertInfo, error) {
	certFile, keyFile := envOr("TLS_CERT", ""), envOr("TLS_KEY", "")
	if certFile != "" && keyFile != "" {
		return certs.Load(certFile, keyFile)
	}
	slog.Info("generating self-signed certificate")
	var hosts []string
	if h := envOr("CERT_HOSTS", ""); h != "" {
		hosts = strings.Split(h, ",")
	}
	return certs.Generate(certs.DefaultValidity, hosts...)
}

// parseOpen reads "key=path,key=path" pairs. A bare path is keyed by its
// position.
func parseOpen(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for i, part := range strings.Split(s, ",") {
		key, filename, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			key, filename = fmt.Sprintf("s%d", i), key
		}
		if filename != "" {
			out[key] = filename
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
