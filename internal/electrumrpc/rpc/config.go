package rpc

import (
	"log/slog"
	"time"

	"github.com/RogueTeam/ltcsweep/utils"
)

const (
	DefaultTimeout         = 15 * time.Second
	DefaultPoolSize        = 4
	DefaultClientName      = "ltc-payments/1.0"
	DefaultProtocolVersion = "1.4"
)

// Config holds the configuration of an electrum rpc client.
type Config struct {
	// Address of the electrum server
	// Example: electrum.ltc.xurious.com:50001
	Address string
	// Wrap the connection with TLS
	TLS bool
	// Skip the certificate validation. Most electrum servers use self signed certificates
	InsecureTLS bool
	// Optional SOCKS5 proxy used to reach the server
	// Example: 127.0.0.1:9050
	Socks5 string
	// Deadline for dialing, the handshake and every call on a connection
	Timeout time.Duration
	// Maximum number of connections open at once. Callers beyond it wait for a
	// connection to be checked in
	PoolSize int
	// Client name and protocol version sent in server.version
	ClientName      string
	ProtocolVersion string
	// Retry policy of every call
	Retry utils.RetryPolicy
	// Logger to use. Defaults to slog.Default()
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = utils.DefaultRetryPolicy
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
