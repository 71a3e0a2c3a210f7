// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admin serves the operational endpoints: Prometheus metrics,
// health checks and a live log tail over WebSocket.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spurringworld/pipy/pkg/health"
	"github.com/spurringworld/pipy/pkg/metrics"
)

// Server is the admin HTTP endpoint.
type Server struct {
	srv    *http.Server
	hub    *logHub
	logger *slog.Logger
}

// New creates an admin server on addr exposing /metrics, /healthz and the
// /log WebSocket tail.
func New(addr string, met *metrics.Metrics, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hub := newLogHub(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	mux.Handle("/healthz", checker.Handler())
	mux.Handle("/log", hub)

	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		hub:    hub,
		logger: logger,
	}
}

// LogWriter returns a writer that mirrors log output to connected tail
// clients. Hand it to slog as a secondary sink.
func (s *Server) LogWriter() *logHub { return s.hub }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.logger.Info("admin endpoint started", slog.String("address", s.srv.Addr))

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		return s.srv.Shutdown(shutCtx)
	}
}

// logHub broadcasts log lines to WebSocket tail clients.
type logHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newLogHub(logger *slog.Logger) *logHub {
	return &logHub{
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// peer goes away.
func (h *logHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("log tail upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

func (h *logHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Write broadcasts one log line; it never fails the caller.
func (h *logHub) Write(p []byte) (int, error) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteMessage(websocket.TextMessage, p); err != nil {
			h.drop(c)
		}
	}
	return len(p), nil
}

func (h *logHub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
