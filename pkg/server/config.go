package server

import (
	"net/http"
	"time"
)

// Config holds the HTTP/WebSocket server configuration.
type Config struct {
	// Address is the listen address (default ":8080").
	Address string

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header on upgrade requests.
	// The default accepts same-origin requests only.
	CheckOrigin func(r *http.Request) bool

	// SendBuffer is the per-client outbound frame queue. A client that
	// falls this many frames behind is disconnected.
	SendBuffer int

	// WriteWait bounds each WebSocket write.
	WriteWait time.Duration

	// PongWait is how long to wait for a pong before dropping the
	// connection. PingPeriod must be shorter.
	PongWait   time.Duration
	PingPeriod time.Duration

	// HTTP server timeouts.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		SendBuffer:        64,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        50 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func withDefaults(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	d := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = d.ReadBufferSize
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = d.WriteBufferSize
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = d.WriteWait
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = d.PingPeriod
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	return cfg
}
