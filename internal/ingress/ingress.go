// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingress is the Message Ingress: an HTTP(S) endpoint bound to
// a port from a configured range that accepts job messages via a
// JWT-bearer-authenticated POST, plus DeliverPolled, which accepts
// messages read from job status files. Both funnel into one buffered
// channel the scheduler loop drains exclusively, so message
// application stays single-threaded no matter which path delivered
// it. Nothing in the scheduler reads status files for messages
// (internal/runner.PollStatus parses one) or calls DeliverPolled, so
// in a run only the network path delivers messages.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace"

	cerrors "github.com/tombee/cyclone/pkg/errors"
)

// Message is one job event delivered to the scheduler loop, from
// whichever path (network POST or status-file poll) observed it
// first.
type Message struct {
	Proxy        string // name/cycle
	SubmitNumber int
	Severity     string // "", WARNING, CRITICAL, CUSTOM
	Text         string
	ReceivedAt   time.Time
}

// ErrNoPortAvailable is returned when no port in the configured range
// is free.
var ErrNoPortAvailable = errors.New("ingress: no port available in range")

// Config configures the ingress server.
type Config struct {
	PortRangeLo, PortRangeHi int
	SharedSecret             string
	ShutdownTimeout          time.Duration
	Logger                   *slog.Logger

	// Tracer is optional; nil skips span emission entirely.
	Tracer trace.Tracer
}

// Server is the network ingress path.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	port       int
	closed     bool

	messages chan Message
	seen     *dedupeSet
}

// New constructs a Server. The caller must call Start to begin
// listening and Messages to drain the delivery channel.
func New(cfg Config) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.PortRangeLo == 0 {
		cfg.PortRangeLo, cfg.PortRangeHi = 43001, 43101
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, 256),
		seen:     newDedupeSet(),
	}
}

// Messages returns the single-consumer channel of incoming job
// messages.
func (s *Server) Messages() <-chan Message {
	return s.messages
}

// Start binds the first free port in the configured range and begins
// serving POST /message.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("ingress: server closed")
	}
	if s.httpServer != nil {
		return s.port, nil
	}

	port, listener, err := s.findAvailablePort()
	if err != nil {
		return 0, err
	}
	s.listener = listener
	s.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ingress server error", "error", err)
		}
	}()
	s.logger.Info("ingress listening", "port", port)
	return port, nil
}

func (s *Server) findAvailablePort() (int, net.Listener, error) {
	for port := s.cfg.PortRangeLo; port <= s.cfg.PortRangeHi; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return port, listener, nil
		}
	}
	return 0, nil, ErrNoPortAvailable
}

// Port returns the bound port, or 0 if not started.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

type messagePayload struct {
	Proxy        string `json:"proxy"`
	SubmitNumber int    `json:"submit_number"`
	Severity     string `json:"severity"`
	Text         string `json:"text"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracer != nil {
		var span trace.Span
		_, span = s.cfg.Tracer.Start(r.Context(), "ingress.message")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.authenticate(r); err != nil {
		s.logger.Warn("ingress auth failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if payload.Proxy == "" || payload.Text == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msg := Message{
		Proxy: payload.Proxy, SubmitNumber: payload.SubmitNumber,
		Severity: payload.Severity, Text: payload.Text, ReceivedAt: time.Now(),
	}
	if s.seen.AlreadyDelivered(msg) {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.messages <- msg
	w.WriteHeader(http.StatusOK)
}

// authenticate validates an HS256 JWT bearer token signed with the
// workflow's shared secret.
func (s *Server) authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return &cerrors.ProtocolError{Reason: "missing bearer token"}
	}

	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.SharedSecret), nil
	})
	if err != nil {
		return &cerrors.ProtocolError{Reason: "invalid token: " + err.Error()}
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// DeliverPolled feeds a message observed via the polling path (not the
// network) into the same channel, deduplicating against anything
// already delivered over the network.
func (s *Server) DeliverPolled(msg Message) {
	if s.seen.AlreadyDelivered(msg) {
		return
	}
	s.messages <- msg
}

// dedupeSet tracks (proxy, submit_number, text) triples already
// delivered, so the network and polling paths never double-apply the
// same message.
type dedupeSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newDedupeSet() *dedupeSet {
	return &dedupeSet{seen: make(map[string]bool)}
}

func (d *dedupeSet) AlreadyDelivered(msg Message) bool {
	key := fmt.Sprintf("%s/%d/%s", msg.Proxy, msg.SubmitNumber, msg.Text)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true
	}
	d.seen[key] = true
	return false
}
