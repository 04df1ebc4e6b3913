package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Queueing policies for connections that arrive while every handler slot is busy.
const (
	// AdmissionWait blocks the accept loop until a slot frees up (AdmissionTimeout == 0).
	AdmissionWait = "wait"
	// AdmissionDrop closes the connection after AdmissionTimeout.
	AdmissionDrop = "drop"
)

// Config holds all configuration for a ring node
type Config struct {
	// Node identification
	Host          string
	Port          int    // 0 picks an ephemeral port at bind time
	AdvertiseHost string // host peers dial; defaults to the bound host

	// Operator surfaces, 0 disables
	HTTPPort  int
	GRPCPort  int
	AuthToken string // required on the gRPC admin surface when set

	// Bootstrap peer to discover after listening (host:port), optional
	Bootstrap string

	// Outbound calls
	DialTimeout time.Duration // Bound on establishing one connection
	RPCTimeout  time.Duration // Bound on one exchange, including any traversal the peer runs before answering
	DialRetries uint64        // Extra dial attempts before a peer counts as unreachable
	DialBackoff time.Duration // Initial backoff between dial attempts

	// Traversals
	TraversalTimeout time.Duration // Budget for a whole discovery/probe traversal
	HopReserve       time.Duration // Time each hop keeps back to answer its caller

	// Inbound handling
	MaxHandlers      int           // Worker pool size: concurrently served connections
	AdmissionTimeout time.Duration // 0 waits for a free slot, >0 drops the connection after waiting
	ReadTimeout      time.Duration // Bound on reading one request frame
	MaxFrameSize     int           // Largest accepted envelope in bytes

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             9001,
		HTTPPort:         0,
		GRPCPort:         0,
		DialTimeout:      2 * time.Second,
		RPCTimeout:       5 * time.Second,
		DialRetries:      2,
		DialBackoff:      50 * time.Millisecond,
		TraversalTimeout: 10 * time.Second,
		HopReserve:       50 * time.Millisecond,
		MaxHandlers:      64,
		AdmissionTimeout: 0,
		ReadTimeout:      5 * time.Second,
		MaxFrameSize:     4 * 1024 * 1024, // 4MB
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// AdmissionPolicy names the queueing policy selected by AdmissionTimeout.
func (c *Config) AdmissionPolicy() string {
	if c.AdmissionTimeout > 0 {
		return AdmissionDrop
	}
	return AdmissionWait
}

// ListenAddress returns the host:port the node binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive, got %s", c.RPCTimeout)
	}
	if c.TraversalTimeout <= 0 {
		return fmt.Errorf("traversal timeout must be positive, got %s", c.TraversalTimeout)
	}
	if c.HopReserve < 0 || c.HopReserve >= c.TraversalTimeout {
		return fmt.Errorf("hop reserve must be in [0, %s), got %s", c.TraversalTimeout, c.HopReserve)
	}
	if c.DialBackoff < 0 {
		return fmt.Errorf("dial backoff cannot be negative, got %s", c.DialBackoff)
	}
	if c.MaxHandlers <= 0 {
		return fmt.Errorf("max handlers must be positive, got %d", c.MaxHandlers)
	}
	if c.AdmissionTimeout < 0 {
		return fmt.Errorf("admission timeout cannot be negative, got %s", c.AdmissionTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %s", c.ReadTimeout)
	}
	if c.MaxFrameSize < 1024 {
		return fmt.Errorf("max frame size must be at least 1024 bytes, got %d", c.MaxFrameSize)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.LogFormat)
	}
	return nil
}
