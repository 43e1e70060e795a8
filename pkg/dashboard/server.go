// Copyright 2024-2026 Aiku AI

// Package dashboard serves the operator surface: the /configure endpoint
// that (re)starts the session with fresh credentials, and the websocket
// log/event stream viewers attach to.
package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-warden/pkg/warden"
)

// maxConfigureBodySize bounds the /configure form body (1 MB).
const maxConfigureBodySize = 1 << 20

// Server is the admin HTTP surface.
type Server struct {
	cfg    *warden.ConfigStore
	stream *Stream
	log    zerolog.Logger

	// startSession is invoked after a valid configuration is persisted. It
	// must be safe to call repeatedly; each call replaces the running
	// session.
	startSession func()
}

func NewServer(cfg *warden.ConfigStore, stream *Stream, startSession func(), log zerolog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		stream:       stream,
		startSession: startSession,
		log:          log.With().Str("component", "dashboard").Logger(),
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/configure", s.handleConfigure)
	mux.HandleFunc("/ws", s.stream.HandleWS)
	return mux
}

// ListenAndServe blocks serving the admin API on addr.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("Starting dashboard API")
	return server.ListenAndServe()
}

// handleConfigure accepts the credential blob and session settings as form
// fields, validates them, persists the configuration, and (re)starts the
// session manager. Validation failures are a 400 with a human-readable
// message; they never crash the process.
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxConfigureBodySize)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	cookies := r.FormValue("cookies")
	prefix := r.FormValue("prefix")
	adminID := r.FormValue("adminID")

	if adminID == "" {
		http.Error(w, "adminID is required", http.StatusBadRequest)
		return
	}
	blob := json.RawMessage(cookies)
	if err := validateCookieBlob(blob); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.cfg.Update(func(c *warden.Config) {
		c.Cookies = blob
		c.AdminID = adminID
		if prefix != "" {
			c.Prefix = prefix
		}
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to persist configuration")
		http.Error(w, "failed to persist configuration", http.StatusInternalServerError)
		return
	}

	s.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Configuration updated, starting session")
	if s.startSession != nil {
		s.startSession()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte("configuration saved\n")); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write configure response")
	}
}

func validateCookieBlob(blob json.RawMessage) error {
	if len(blob) == 0 {
		return errors.New("cookies are required")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(blob, &arr); err != nil {
		return errors.New("cookies must be a JSON array")
	}
	if len(arr) == 0 {
		return errors.New("cookies must be a non-empty array")
	}
	return nil
}
