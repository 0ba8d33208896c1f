// Package config holds the session configuration: defaults, the optional
// YAML file, and validation. CLI flags are applied on top by cmd.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/streamsock/internal/discovery"
	"github.com/1ureka/streamsock/internal/protocol"
	"github.com/1ureka/streamsock/internal/streamsock"
	"github.com/1ureka/streamsock/internal/transport"
)

// Role represents the user's chosen role (server or client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// TransportKind selects the stream socket binding.
type TransportKind string

const (
	TransportTCP    TransportKind = "tcp"    // TCP + UDP
	TransportQUIC   TransportKind = "quic"   // one QUIC connection, stream + datagrams
	TransportWebRTC TransportKind = "webrtc" // TCP + WebRTC DataChannel
)

// Default ports.
const (
	DefaultControlPort = 9943
	DefaultStreamPort  = 9944
)

// Config stores every tunable of a session.
type Config struct {
	Role      Role          `yaml:"role"`
	Transport TransportKind `yaml:"transport"`

	// Peer is the peer's IP address. Set on the server to skip discovery.
	Peer string `yaml:"peer"`

	DiscoveryPort uint16 `yaml:"discovery_port"`
	ControlPort   uint16 `yaml:"control_port"`
	StreamPort    uint16 `yaml:"stream_port"`

	VideoBitrate      uint64  `yaml:"video_bitrate"` // bits per second
	BitrateMultiplier float64 `yaml:"bitrate_multiplier"`
	MinByterate       uint64  `yaml:"min_byterate"`     // bytes per second
	ReserveByterate   uint64  `yaml:"reserve_byterate"` // bytes per second
	RateLimit         bool    `yaml:"rate_limit"`

	MaxPayloadSize  uint32 `yaml:"max_payload_size"`
	MaxDatagramSize int    `yaml:"max_datagram_size"`

	Buffers     int           `yaml:"buffers"`
	BufferSize  int           `yaml:"buffer_size"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	RecvTimeout time.Duration `yaml:"recv_timeout"`

	// Policy overrides the delivery of streams by name ("video") or id.
	Policy map[string]protocol.Delivery `yaml:"policy"`

	STUNServers   []string      `yaml:"stun_servers"`
	IdentityFile  string        `yaml:"identity_file"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transport:         TransportTCP,
		DiscoveryPort:     discovery.DefaultPort,
		ControlPort:       DefaultControlPort,
		StreamPort:        DefaultStreamPort,
		VideoBitrate:      30_000_000,
		BitrateMultiplier: transport.DefaultBitrateMultiplier,
		MinByterate:       transport.DefaultMinByterate,
		ReserveByterate:   transport.DefaultReserveByterate,
		RateLimit:         true,
		MaxPayloadSize:    protocol.DefaultMaxPayloadSize,
		MaxDatagramSize:   transport.MaxUDPDatagramSize,
		Buffers:           streamsock.DefaultBuffers,
		BufferSize:        streamsock.DefaultBufferSize,
		PollTimeout:       streamsock.DefaultPollTimeout,
		RecvTimeout:       500 * time.Millisecond,
		StatsInterval:     10 * time.Second,
	}
}

// Load returns Default overridden by the YAML file at path. Unknown keys
// are an error. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no session can run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleServer, RoleClient:
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be 'server' or 'client'", c.Role))
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC, TransportWebRTC:
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q: must be 'tcp', 'quic' or 'webrtc'", c.Transport))
	}
	if c.ControlPort == 0 || c.StreamPort == 0 || c.DiscoveryPort == 0 {
		errs = append(errs, errors.New("ports must be 1~65535"))
	}
	if c.StreamPort == c.DiscoveryPort {
		errs = append(errs, errors.New("stream_port must differ from discovery_port (both are UDP)"))
	}
	if c.MaxPayloadSize == 0 {
		errs = append(errs, errors.New("max_payload_size must be positive"))
	}
	if c.MaxDatagramSize < protocol.UnreliablePrefixSize+1 || c.MaxDatagramSize > transport.MaxUDPDatagramSize {
		errs = append(errs, fmt.Errorf("max_datagram_size must be %d~%d", protocol.UnreliablePrefixSize+1, transport.MaxUDPDatagramSize))
	}
	if c.Buffers < 1 {
		errs = append(errs, errors.New("buffers must be at least 1"))
	}
	if c.PollTimeout <= 0 || c.RecvTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.BitrateMultiplier <= 0 {
		errs = append(errs, errors.New("bitrate_multiplier must be positive"))
	}
	if _, err := c.StreamPolicy(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// StreamPolicy returns streamsock.DefaultPolicy with the configured
// overrides applied.
func (c *Config) StreamPolicy() (map[protocol.StreamID]protocol.Delivery, error) {
	policy := streamsock.DefaultPolicy()
	for name, delivery := range c.Policy {
		id, err := protocol.ParseStreamID(name)
		if err != nil {
			n, numErr := strconv.ParseUint(name, 10, 16)
			if numErr != nil {
				return nil, fmt.Errorf("policy: %w", err)
			}
			id = protocol.StreamID(n)
		}
		policy[id] = delivery
	}
	return policy, nil
}

// RateLimiter returns the limiter parameters for the unreliable path.
func (c *Config) RateLimiter() transport.RateLimiterConfig {
	return transport.RateLimiterConfig{
		VideoBitrateBps:   c.VideoBitrate,
		BitrateMultiplier: c.BitrateMultiplier,
		MinByterate:       c.MinByterate,
		ReserveByterate:   c.ReserveByterate,
	}
}
