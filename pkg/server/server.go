// Package server exposes a running binding engine over HTTP: clients
// subscribe to the render-operation stream on a WebSocket and submit
// state writes over HTTP or the same socket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/bindery/pkg/snapshot"
	"github.com/vango-go/bindery/pkg/state"
	"github.com/vango-go/bindery/pkg/update"
)

// Server serves the engine's patch stream and write endpoints.
type Server struct {
	acc     *state.Accessor
	updater *update.Updater
	hub     *Hub
	store   snapshot.Store

	config   *Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithSnapshotStore enables the snapshot persistence endpoint.
func WithSnapshotStore(store snapshot.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a server over the accessor and updater. The hub must be
// the updater's op sink for clients to see render frames.
func New(acc *state.Accessor, u *update.Updater, hub *Hub, config *Config, opts ...Option) *Server {
	config = withDefaults(config)
	s := &Server{
		acc:     acc,
		updater: u,
		hub:     hub,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "server")
	}
	return s
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	r.Get("/state", s.handleGetState)
	r.Post("/state", s.handleApply)
	if s.store != nil {
		r.Post("/snapshot", s.handleSnapshot)
	}
	return r
}

// Start runs the server until SIGINT or SIGTERM, then shuts down
// gracefully.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// ListenAndServe starts the HTTP server and blocks.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
	s.logger.Info("listening", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server and waits for in-flight cycles.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.updater.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.acc.Snapshot())
}

// writeCommand is one client-submitted state write.
type writeCommand struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// handleApply applies a batch of writes as a single update cycle.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var cmds []writeCommand
	if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.apply(cmds); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apply(cmds []writeCommand) error {
	return s.updater.Update(func(sc *state.Scope) error {
		for _, cmd := range cmds {
			if err := s.acc.Set(sc, cmd.Path, cmd.Value); err != nil {
				return fmt.Errorf("set %q: %w", cmd.Path, err)
			}
		}
		return nil
	})
}

// handleSnapshot persists the current tree to the configured store.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Save(r.Context(), s.acc.Snapshot()); err != nil {
		s.logger.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS upgrades the connection and streams render frames until the
// client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, s.config.SendBuffer),
	}
	s.hub.register(c)
	s.logger.Info("client connected", "remote", conn.RemoteAddr())

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop consumes write commands from the socket. Each message is a
// JSON array of commands applied as one cycle.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.logger.Error("read error", "error", err)
			}
			return
		}

		var cmds []writeCommand
		if err := json.Unmarshal(msg, &cmds); err != nil {
			s.logger.Error("command decode error", "error", err)
			continue
		}
		if err := s.apply(cmds); err != nil {
			s.logger.Error("command apply failed", "error", err)
		}
	}
}

// writeLoop pushes queued frames and heartbeats to the socket.
func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
