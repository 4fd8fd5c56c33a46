// Package distribution serves open sessions over HTTP/3: the buffered
// bytes as a seekable resource, the live edge as an endless stream, and the
// channel information learned by each session's demuxer as JSON.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/timeshift/internal/certs"
	"github.com/zsiec/timeshift/internal/mpegts"
	"github.com/zsiec/timeshift/internal/session"
)

const (
	defaultPidCacheTTL = 30 * time.Second
	defaultChunkSize   = 1316 * 8
	defaultIdleSleep   = 20 * time.Millisecond

	contentTypeTS = "video/mp2t"
)

// ServerConfig configures the HTTP/3 server.
type ServerConfig struct {
	Addr     string
	Cert     *certs.CertInfo
	Sessions *session.Manager
	Log      *slog.Logger

	// PidCacheTTL bounds how long a channel's PID table is served without
	// asking the session again. Channel changes replace the entry at once.
	PidCacheTTL time.Duration
	// ChunkSize and IdleSleep tune the live endpoint.
	ChunkSize int
	IdleSleep time.Duration
}

// Server exposes a session.Manager over HTTP/3.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	pids   *cache.Cache

	// ctx outlives requests; sessions opened over the API live in it.
	ctx context.Context

	mu        sync.Mutex
	following map[string]bool
	h3        *http3.Server
}

// SessionRequest opens a session.
type SessionRequest struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
}

// ZapRequest is the JSON form of session.ZapRequest.
type ZapRequest struct {
	Filename  string `json:"filename,omitempty"`
	SegmentID int64  `json:"segmentId,omitempty"`
	Position  int64  `json:"position,omitempty"`
}

// ZapResponse reports where playback continues after a zap.
type ZapResponse struct {
	Position int64            `json:"position"`
	Pids     *mpegts.PidTable `json:"pids,omitempty"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

// NewServer validates cfg and creates a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Cert == nil {
		return nil, errors.New("distribution: ServerConfig.Cert is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("distribution: ServerConfig.Addr is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("distribution: ServerConfig.Sessions is required")
	}
	if cfg.PidCacheTTL <= 0 {
		cfg.PidCacheTTL = defaultPidCacheTTL
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = defaultIdleSleep
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:    cfg,
		log:       log.With("component", "distribution"),
		pids:      cache.New(cfg.PidCacheTTL, 2*cfg.PidCacheTTL),
		ctx:       context.Background(),
		following: make(map[string]bool),
	}, nil
}

// ChannelChanged records the PID table of a session's new channel. Pass it
// to session.SessionOptOnChannel.
func (s *Server) ChannelChanged(key string, ci mpegts.ChannelInfo) {
	if s == nil || ci.Pids == nil {
		return
	}
	s.pids.Set(key, ci.Pids.Clone(), cache.DefaultExpiration)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /api/sessions/{key}", s.handleSessionInfo)
	mux.HandleFunc("DELETE /api/sessions/{key}", s.handleCloseSession)
	mux.HandleFunc("GET /api/sessions/{key}/pids", s.handlePids)
	mux.HandleFunc("POST /api/sessions/{key}/zap", s.handleZap)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /buffer/{key}", s.handleBuffer)
	mux.HandleFunc("GET /live/{key}", s.handleLive)
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start launches the HTTP/3 server and blocks until the context is
// cancelled or a fatal error occurs. Sessions opened over the API stay open
// until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	s.mu.Lock()
	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   s.Handler(),
		TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}
	srv := s.h3
	s.mu.Unlock()

	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	err := srv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.config.Sessions.Get(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return sess, ok
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.config.Sessions.List()
	resp := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sess.Info())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "key and filename are required")
		return
	}
	sess, err := s.config.Sessions.Open(s.ctx, req.Key, req.Filename)
	switch {
	case errors.Is(err, session.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.config.Sessions.Get(key); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.pids.Delete(key)
	if err := s.config.Sessions.Close(key); err != nil {
		s.log.Warn("closing session", "key", key, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "key": key})
}

func (s *Server) handlePids(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if x, found := s.pids.Get(key); found {
		writeJSON(w, http.StatusOK, x.(*mpegts.PidTable))
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	pids := sess.Pids()
	if pids == nil {
		writeError(w, http.StatusNotFound, "no channel information yet")
		return
	}
	s.pids.Set(key, pids, cache.DefaultExpiration)
	writeJSON(w, http.StatusOK, pids)
}

func (s *Server) handleZap(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req ZapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Position < 0 {
		writeError(w, http.StatusBadRequest, "position must not be negative")
		return
	}
	s.pids.Delete(sess.Key)
	pos, err := sess.Zap(r.Context(), session.ZapRequest{
		Filename:  req.Filename,
		SegmentID: req.SegmentID,
		Position:  req.Position,
	})
	switch {
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ZapResponse{Position: pos, Pids: sess.Pids()})
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

// handleBuffer serves the readable window of the buffer as it is when the
// request arrives. Offset 0 of the resource is the window start, so range
// requests from players stay valid while the buffer grows.
func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	start, end := sess.Bounds()
	w.Header().Set("Content-Type", contentTypeTS)
	w.Header().Set("X-Buffer-Start", fmt.Sprint(start))
	http.ServeContent(w, r, "", time.Time{}, io.NewSectionReader(sess, start, end-start))
}

// handleLive streams playback bytes from the session cursor on. A session
// has one cursor, so only one live viewer is allowed at a time.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !s.acquire(sess.Key) {
		writeError(w, http.StatusConflict, "session already has a live viewer")
		return
	}
	defer s.release(sess.Key)

	w.Header().Set("Content-Type", contentTypeTS)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	s.log.Info("live viewer connected", "key", sess.Key, "remote", r.RemoteAddr)
	n, err := sess.Follow(r.Context(), &flushWriter{w: w, rc: http.NewResponseController(w)},
		s.config.ChunkSize, s.config.IdleSleep)
	s.log.Info("live viewer gone", "key", sess.Key, "bytes", n, "error", err)
}

func (s *Server) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.following[key] {
		return false
	}
	s.following[key] = true
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	delete(s.following, key)
	s.mu.Unlock()
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}
