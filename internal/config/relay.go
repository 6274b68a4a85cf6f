package config

import (
	"net"
	"strconv"
	"time"
)

// Relay configures the public relay process.
type Relay struct {
	// ServerHost is the only address allowed to open a control connection.
	// Empty allows any.
	ServerHost string `yaml:"serverHost"`
	// Authorization is the shared secret; empty disables the check.
	Authorization       string   `yaml:"authorization"`
	HeartbeatInterval   Duration `yaml:"heartbeatInterval"`
	HeartbeatDifference Duration `yaml:"heartbeatDifference"`
	RelayPort           int      `yaml:"relayPort"`
	ForwardPort         int      `yaml:"forwardPort"`

	BindHost         string   `yaml:"bindHost"`
	HandshakeTimeout Duration `yaml:"handshakeTimeout"`
	PingInterval     Duration `yaml:"pingInterval"`
	ForwardRateLimit float64  `yaml:"forwardRateLimit"`
	ForwardBurst     int      `yaml:"forwardBurst"`
	WebSocketAddr    string   `yaml:"websocketAddr"`
	WebSocketPath    string   `yaml:"websocketPath"`
	MetricsAddr      string   `yaml:"metricsAddr"`
	Debug            bool     `yaml:"debug"`
}

// DefaultRelay returns a Relay with every optional field at its default.
func DefaultRelay() *Relay {
	return &Relay{
		HeartbeatInterval:   Duration(10 * time.Second),
		HeartbeatDifference: Duration(5 * time.Second),
		HandshakeTimeout:    Duration(10 * time.Second),
		WebSocketPath:       "/control",
	}
}

// LoadRelay reads and validates a relay configuration file.
func LoadRelay(path string) (*Relay, error) {
	cfg := DefaultRelay()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Relay) Validate() error {
	switch {
	case !validPort(c.RelayPort):
		return invalid("relayPort %d", c.RelayPort)
	case !validPort(c.ForwardPort):
		return invalid("forwardPort %d", c.ForwardPort)
	case c.RelayPort == c.ForwardPort:
		return invalid("relayPort and forwardPort are both %d", c.RelayPort)
	case c.HeartbeatInterval < Duration(time.Millisecond):
		return invalid("heartbeatInterval %s, want at least 1ms", c.HeartbeatInterval.Std())
	case !validSecret(c.Authorization):
		return invalid("authorization must not contain ':', CR or LF")
	case c.HeartbeatDifference < 0:
		return invalid("heartbeatDifference must not be negative")
	case c.HandshakeTimeout < 0:
		return invalid("handshakeTimeout must not be negative")
	case c.PingInterval < 0:
		return invalid("pingInterval must not be negative")
	case c.ForwardRateLimit < 0:
		return invalid("forwardRateLimit must not be negative")
	}
	return nil
}

// ControlAddr is the listen address for agent control connections.
func (c *Relay) ControlAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.RelayPort))
}

// ForwardAddr is the listen address for public clients.
func (c *Relay) ForwardAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.ForwardPort))
}

// HeartbeatDeadline is how long an authorized session may go without a
// HEARTBEAT before it is torn down.
func (c *Relay) HeartbeatDeadline() time.Duration {
	return c.HeartbeatInterval.Std() + c.HeartbeatDifference.Std()
}
