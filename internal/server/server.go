// Package server exposes sessions over HTTP polling, HTTP streaming and
// websockets, and runs the application handler for every new session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/relaysock/server/internal/config"
	"github.com/relaysock/server/internal/session"
	"github.com/relaysock/server/internal/transport"
)

const maxSendBody = 1 << 20

// Handler runs the application side of one session. The session is disposed
// when the handler returns.
type Handler func(ctx context.Context, s *session.Session)

type Server struct {
	config   *config.Config
	registry *session.Registry
	handler  Handler
	log      zerolog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	upgrader       websocket.Upgrader

	proc    *process.Process
	evicted atomic.Int64
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a server over registry. It registers the registry's eviction
// callback, so it must run before any session is opened.
func New(cfg *config.Config, registry *session.Registry, handler Handler, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         cfg,
		registry:       registry,
		handler:        handler,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.metrics = newMetrics(registry)

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		log.Warn().Err(err).Msg("process stats unavailable")
	}

	registry.OnEvict(func(sess *session.Session) {
		s.evicted.Add(1)
		s.metrics.evicted.Inc()
		s.log.Info().Str("session", sess.ID()).Msg("session evicted")
	})
	return s
}

// Close cancels the context handed to running application handlers.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	p := s.config.Server.Prefix

	mux.HandleFunc("GET "+p+"/info", s.handleInfo)
	mux.HandleFunc("OPTIONS "+p+"/info", s.handlePreflight)
	mux.HandleFunc("POST "+p+"/{server}/{session}/xhr", s.handleXHR)
	mux.HandleFunc("OPTIONS "+p+"/{server}/{session}/xhr", s.handlePreflight)
	mux.HandleFunc("POST "+p+"/{server}/{session}/xhr_streaming", s.handleStreaming)
	mux.HandleFunc("OPTIONS "+p+"/{server}/{session}/xhr_streaming", s.handlePreflight)
	mux.HandleFunc("POST "+p+"/{server}/{session}/xhr_send", s.handleSend)
	mux.HandleFunc("OPTIONS "+p+"/{server}/{session}/xhr_send", s.handlePreflight)
	mux.HandleFunc("GET "+p+"/{server}/{session}/websocket", s.handleWebSocket)
	mux.HandleFunc("GET "+p+"/websocket", s.handleRawWebSocket)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !s.allowRequest(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
	json.NewEncoder(w).Encode(map[string]any{
		"websocket":     true,
		"origins":       []string{"*:*"},
		"cookie_needed": false,
		"entropy":       rand.Uint32(),
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if !s.allowRequest(w, r) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", "OPTIONS, POST, GET")
	h.Set("Access-Control-Max-Age", "31536000")
	if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
		h.Set("Access-Control-Allow-Headers", req)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleXHR(w http.ResponseWriter, r *http.Request) {
	if !s.allowRequest(w, r) {
		return
	}
	ch := transport.NewPolling(w, r)
	_, detached, err := s.attach("xhr", r.PathValue("session"), ch)
	if err != nil {
		transport.WriteClose(w, s.refusal(err))
		return
	}
	<-detached
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	if !s.allowRequest(w, r) {
		return
	}
	ch := transport.NewStreaming(w, r, s.config.Session.MaxResponseLength)
	_, detached, err := s.attach("xhr_streaming", r.PathValue("session"), ch)
	if err != nil {
		transport.WriteClose(w, s.refusal(err))
		return
	}
	<-detached
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allowRequest(w, r) {
		return
	}
	sess, ok := s.registry.Get(r.PathValue("session"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err != nil {
		http.Error(w, "Payload expected.", http.StatusInternalServerError)
		return
	}
	msgs, err := transport.DecodeMessages(body)
	switch {
	case errors.Is(err, transport.ErrEmptyPayload):
		http.Error(w, "Payload expected.", http.StatusInternalServerError)
		return
	case err != nil:
		http.Error(w, "Broken JSON encoding.", http.StatusInternalServerError)
		return
	}

	sess.RLock()
	sess.Deliver(msgs...)
	sess.RUnlock()
	s.metrics.inbound.WithLabelValues("xhr_send").Add(float64(len(msgs)))

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ws := transport.NewWebSocket(conn, false)
	sess, detached, err := s.attach("websocket", r.PathValue("session"), ws)
	if err != nil {
		st := s.refusal(err)
		ws.Open(false)
		ws.Send(true, session.Close(st.Code, st.Reason))
		return
	}
	if err := ws.ReadLoop(s.countInbound("websocket", sess)); err != nil {
		s.log.Debug().Err(err).Str("session", sess.ID()).Msg("websocket read ended")
	}
	<-detached
}

// handleRawWebSocket serves plain websocket clients. The session lives as
// long as the connection does.
func (s *Server) handleRawWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess, _ := s.registry.Open("")
	s.metrics.created.Inc()
	ws := transport.NewWebSocket(conn, true)
	detached, _ := s.lockedAttach(sess, ws)
	s.metrics.recordAttach("raw_websocket", nil)
	s.start(sess)

	if err := ws.ReadLoop(s.countInbound("raw_websocket", sess)); err != nil {
		s.log.Debug().Err(err).Str("session", sess.ID()).Msg("raw websocket read ended")
	}
	sess.Teardown()
	<-detached
}

// attach opens or finds the session for id and hands it ch. The returned
// channel closes once the session's pump has let go of ch. A session that
// lost its eviction race is replaced once by a fresh one.
func (s *Server) attach(kind, id string, ch session.Channel) (_ *session.Session, _ <-chan struct{}, err error) {
	defer func() { s.metrics.recordAttach(kind, err) }()
	for range 2 {
		sess, created := s.registry.Open(id)
		detached, attached := s.lockedAttach(sess, ch)
		if created {
			s.metrics.created.Inc()
			s.start(sess)
		}
		if attached {
			return sess, detached, nil
		}
		if !sess.Expired() {
			return nil, nil, errAttached
		}
	}
	return nil, nil, session.ErrSessionEvicted
}

// refusal is the close frame answered to a transport that could not attach.
func (s *Server) refusal(err error) session.CloseStatus {
	if errors.Is(err, session.ErrSessionEvicted) {
		s.log.Warn().Err(err).Msg("attach refused on evicted session")
		return session.StatusGoingAway
	}
	return transport.Conflict
}

var errAttached = errors.New("server: another transport is attached")

// countingInbox counts messages on their way into a session.
type countingInbox struct {
	*session.Session
	n prometheus.Counter
}

func (c countingInbox) Deliver(msgs ...[]byte) {
	c.n.Add(float64(len(msgs)))
	c.Session.Deliver(msgs...)
}

func (s *Server) countInbound(kind string, sess *session.Session) transport.Inbox {
	return countingInbox{Session: sess, n: s.metrics.inbound.WithLabelValues(kind)}
}

func (s *Server) lockedAttach(sess *session.Session, ch session.Channel) (<-chan struct{}, bool) {
	sess.Lock()
	defer sess.Unlock()
	return sess.AttachChannel(ch)
}

func (s *Server) start(sess *session.Session) {
	if s.handler == nil {
		return
	}
	go func() {
		defer sess.Teardown()
		s.handler(s.ctx, sess)
	}()
}

// Stats is the /api/stats payload.
type Stats struct {
	Sessions   int      `json:"sessions"`
	IDs        []string `json:"ids"`
	Evicted    int64    `json:"evicted"`
	RSSBytes   uint64   `json:"rssBytes"`
	CPUPercent float64  `json:"cpuPercent"`
	Threads    int32    `json:"threads"`
}

func (s *Server) Stats() Stats {
	ids := s.registry.IDs()
	st := Stats{
		Sessions: len(ids),
		IDs:      ids,
		Evicted:  s.evicted.Load(),
	}
	if s.proc == nil {
		return st
	}
	if mem, err := s.proc.MemoryInfo(); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreads(); err == nil {
		st.Threads = n
	}
	return st
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.metrics.handler().ServeHTTP(w, r)
}

// allowRequest runs the auth and origin checks for the HTTP transports and
// sets the CORS headers. It answers the request itself when it refuses it.
func (s *Server) allowRequest(w http.ResponseWriter, r *http.Request) bool {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		origin = "*"
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	}
	return true
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Relaysock-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
