package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msnp2p.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
role: Send
relay: quic
addr: 127.0.0.1:9000
local: alice@example.com
remote: bob@example.com
file: /tmp/report.pdf
max_chunk_size: 1352
ack_each: true
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Role != RoleSend {
		t.Errorf("Role mismatch: got %q, want %q", cfg.Role, RoleSend)
	}
	if cfg.Relay != RelayQUIC {
		t.Errorf("Relay mismatch: got %q, want %q", cfg.Relay, RelayQUIC)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr mismatch: got %q", cfg.Addr)
	}
	if cfg.MaxChunkSize != 1352 {
		t.Errorf("MaxChunkSize mismatch: got %d, want 1352", cfg.MaxChunkSize)
	}
	if !cfg.AckEach {
		t.Error("AckEach not set")
	}
	if cfg.OutputDir != "." {
		t.Errorf("OutputDir default lost: got %q", cfg.OutputDir)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("MSNP2P_CONFIG", "")
	t.Setenv("MSNP2P_ROLE", "receive")
	t.Setenv("MSNP2P_PIN", "4242")
	t.Setenv("MSNP2P_MAX_CHUNK_SIZE", "4096")

	path := writeConfig(t, "relay: ws\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Role != RoleReceive {
		t.Errorf("Role mismatch: got %q, want %q", cfg.Role, RoleReceive)
	}
	if cfg.PIN != "4242" {
		t.Errorf("PIN mismatch: got %q, want %q", cfg.PIN, "4242")
	}
	if cfg.MaxChunkSize != 4096 {
		t.Errorf("MaxChunkSize mismatch: got %d, want 4096", cfg.MaxChunkSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MSNP2P_CONFIG", "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without a file failed: %v", err)
	}
	if cfg.Relay != RelayWebSocket || cfg.MaxChunkSize != 1202 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"switchboard", func(c *Config) { c.Role = RoleSwitchboard }, true},
		{"bad role", func(c *Config) { c.Role = "host" }, false},
		{"bad relay", func(c *Config) { c.Relay = "carrier-pigeon" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"zero chunk", func(c *Config) { c.MaxChunkSize = 0 }, false},
		{"huge chunk", func(c *Config) { c.MaxChunkSize = 2 << 20 }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if (err == nil) != tc.ok {
				t.Errorf("Validate: got %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
