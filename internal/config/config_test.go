package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/streamsock/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamsock.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Role = RoleServer
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
role: client
transport: quic
stream_port: 10000
video_bitrate: 50000000
poll_timeout: 250ms
policy:
  video: reliable
  "7": unreliable
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != RoleClient || cfg.Transport != TransportQUIC || cfg.StreamPort != 10000 {
		t.Errorf("got role %q transport %q stream port %d", cfg.Role, cfg.Transport, cfg.StreamPort)
	}
	if cfg.PollTimeout != 250*time.Millisecond {
		t.Errorf("PollTimeout: got %v", cfg.PollTimeout)
	}
	if cfg.ControlPort != DefaultControlPort {
		t.Errorf("unset field lost its default: ControlPort %d", cfg.ControlPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	policy, err := cfg.StreamPolicy()
	if err != nil {
		t.Fatalf("StreamPolicy: %v", err)
	}
	if policy[protocol.StreamVideo] != protocol.Reliable {
		t.Error("video override not applied")
	}
	if policy[7] != protocol.Unreliable {
		t.Error("numeric stream override not applied")
	}
	if policy[protocol.StreamAudio] != protocol.Unreliable {
		t.Error("default policy lost for audio")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "role: server\nbogus: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamPort != DefaultStreamPort {
		t.Errorf("StreamPort: got %d", cfg.StreamPort)
	}
}

func TestValidateErrors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing role", func(c *Config) { c.Role = "" }, "invalid role"},
		{"bad transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "invalid transport"},
		{"port clash", func(c *Config) { c.StreamPort = c.DiscoveryPort }, "stream_port"},
		{"datagram too big", func(c *Config) { c.MaxDatagramSize = 70000 }, "max_datagram_size"},
		{"no buffers", func(c *Config) { c.Buffers = 0 }, "buffers"},
		{"unknown stream", func(c *Config) { c.Policy = map[string]protocol.Delivery{"smell": protocol.Reliable} }, "policy"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Role = RoleServer
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
