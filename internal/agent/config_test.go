package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "broker:\n  url: ws://broker.example.com/tunnel\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tunnel.Protocol != "http" {
		t.Errorf("expected default protocol http, got %q", cfg.Tunnel.Protocol)
	}
	if cfg.Tunnel.ReconnectMaxAttempts != 10 {
		t.Errorf("expected default max attempts 10, got %d", cfg.Tunnel.ReconnectMaxAttempts)
	}
	if cfg.Local.Port != 3000 {
		t.Errorf("expected default local port 3000, got %d", cfg.Local.Port)
	}
}

func TestLoadConfigRequiresBrokerURL(t *testing.T) {
	path := writeTempConfig(t, "local:\n  port: 4000\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error when broker.url is missing")
	}
}

func TestLoadConfigRejectsUnknownProtocol(t *testing.T) {
	path := writeTempConfig(t, "broker:\n  url: ws://broker.example.com/tunnel\ntunnel:\n  protocol: carrier-pigeon\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for an unrecognized tunnel protocol")
	}
}

func TestLoadConfigEnvOverridesPassword(t *testing.T) {
	path := writeTempConfig(t, "broker:\n  url: ws://broker.example.com/tunnel\ntunnel:\n  password: from-file\n")
	t.Setenv("LT_PASSWORD", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tunnel.Password != "from-env" {
		t.Errorf("expected LT_PASSWORD to override config file password, got %q", cfg.Tunnel.Password)
	}
}
