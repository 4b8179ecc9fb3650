package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.InstallType != InstallLocal {
		t.Errorf("expected default install_type local, got %s", cfg.InstallType)
	}
	if cfg.LocalDomain != "samurai.wtf" {
		t.Errorf("expected default local_domain samurai.wtf, got %s", cfg.LocalDomain)
	}
	if cfg.DashboardHostname != "katana" {
		t.Errorf("expected default dashboard_hostname katana, got %s", cfg.DashboardHostname)
	}
	if cfg.Proxy.HTTPPort != 80 || cfg.Proxy.HTTPSPort != 443 {
		t.Errorf("expected default ports 80/443, got %d/%d", cfg.Proxy.HTTPPort, cfg.Proxy.HTTPSPort)
	}
	if cfg.DockerNetwork != "katana-net" {
		t.Errorf("expected default docker_network katana-net, got %s", cfg.DockerNetwork)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yml")
	contents := `
install_type: remote
base_domain: lab.example.com
proxy:
  http_port: 8080
  https_port: 8443
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.InstallType != InstallRemote {
		t.Errorf("expected install_type remote, got %s", cfg.InstallType)
	}
	if cfg.BaseDomain != "lab.example.com" {
		t.Errorf("expected base_domain lab.example.com, got %s", cfg.BaseDomain)
	}
	if cfg.Proxy.HTTPPort != 8080 || cfg.Proxy.HTTPSPort != 8443 {
		t.Errorf("expected overridden ports 8080/8443, got %d/%d", cfg.Proxy.HTTPPort, cfg.Proxy.HTTPSPort)
	}
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yml")
	if err := os.WriteFile(path, []byte("bogus_key: true\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("KATANA_LOCAL_DOMAIN", "test.example")
	defer os.Unsetenv("KATANA_LOCAL_DOMAIN")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LocalDomain != "test.example" {
		t.Errorf("expected env override test.example, got %s", cfg.LocalDomain)
	}
}

func TestLoadRemoteRequiresBaseDomain(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yml")
	if err := os.WriteFile(path, []byte("install_type: remote\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when remote install_type lacks base_domain")
	}
}

func TestFullHostname(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		input    string
		expected string
	}{
		{
			name:     "local",
			cfg:      Config{InstallType: InstallLocal, LocalDomain: "samurai.wtf"},
			input:    "dvwa",
			expected: "dvwa.samurai.wtf",
		},
		{
			name:     "remote",
			cfg:      Config{InstallType: InstallRemote, BaseDomain: "lab.example.com"},
			input:    "dvwa",
			expected: "dvwa.lab.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.FullHostname(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestBindAddress(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected string
	}{
		{"local default", Config{InstallType: InstallLocal}, "127.0.0.1"},
		{"remote default", Config{InstallType: InstallRemote}, "0.0.0.0"},
		{"explicit override", Config{InstallType: InstallLocal, Proxy: ProxyConfig{Bind: "10.0.0.5"}}, "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.BindAddress(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
