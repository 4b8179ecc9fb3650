// SPDX-License-Identifier: Apache-2.0
// Package config loads and normalizes Katana's process-wide configuration.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/samurai-wtf/katana/internal/katanaerr"
)

// InstallType selects whether the proxy serves a loopback lab or a
// network-reachable one.
type InstallType string

const (
	InstallLocal  InstallType = "local"
	InstallRemote InstallType = "remote"
)

// PathsConfig locates Katana's on-disk state.
type PathsConfig struct {
	Modules string `koanf:"modules"`
	Data    string `koanf:"data"`
	Certs   string `koanf:"certs"`
	State   string `koanf:"state"`
}

// ProxyConfig controls the reverse proxy's listeners.
type ProxyConfig struct {
	HTTPPort  int    `koanf:"http_port"`
	HTTPSPort int    `koanf:"https_port"`
	Bind      string `koanf:"bind"`
	CORS      bool   `koanf:"cors"`
}

// Config is the root, process-wide configuration. It is loaded once at
// startup and swapped wholesale on reload; nothing mutates it in place.
type Config struct {
	InstallType       InstallType `koanf:"install_type"`
	BaseDomain        string      `koanf:"base_domain"`
	LocalDomain       string      `koanf:"local_domain"`
	DashboardHostname string      `koanf:"dashboard_hostname"`
	Paths             PathsConfig `koanf:"paths"`
	Proxy             ProxyConfig `koanf:"proxy"`
	DockerNetwork     string      `koanf:"docker_network"`
}

// knownKeys enumerates every dotted key the schema recognizes. Anything
// else found in a config file is rejected rather than silently ignored.
var knownKeys = map[string]bool{
	"install_type":       true,
	"base_domain":        true,
	"local_domain":       true,
	"dashboard_hostname": true,
	"paths.modules":      true,
	"paths.data":         true,
	"paths.certs":        true,
	"paths.state":        true,
	"proxy.http_port":    true,
	"proxy.https_port":   true,
	"proxy.bind":         true,
	"proxy.cors":         true,
	"docker_network":     true,
}

func setDefaults(k *koanf.Koanf, dataDir string) {
	k.Set("install_type", string(InstallLocal))
	k.Set("base_domain", "")
	k.Set("local_domain", "samurai.wtf")
	k.Set("dashboard_hostname", "katana")
	k.Set("paths.modules", filepath.Join(dataDir, "modules"))
	k.Set("paths.data", dataDir)
	k.Set("paths.certs", filepath.Join(dataDir, "certs"))
	k.Set("paths.state", filepath.Join(dataDir, "state.yml"))
	k.Set("proxy.http_port", 80)
	k.Set("proxy.https_port", 443)
	k.Set("proxy.bind", "")
	k.Set("proxy.cors", false)
	k.Set("docker_network", "katana-net")
}

// Load resolves configuration from, in order of increasing precedence:
// in-code defaults, /etc/katana/config.yml, the invoking user's
// ~/.config/katana/config.yml, an explicit path, and KATANA_* environment
// variables. An empty path skips the explicit-path layer.
func Load(path string) (*Config, error) {
	home, err := userConfigHome()
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeConfig, "resolve user home directory", err)
	}

	k := koanf.New(".")
	setDefaults(k, filepath.Join(home, ".local", "share", "katana"))

	for _, candidate := range []string{
		"/etc/katana/config.yml",
		filepath.Join(home, ".config", "katana", "config.yml"),
	} {
		if err := loadFile(k, candidate); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, katanaerr.New(katanaerr.CodeConfig, "read config file "+path, statErr)
		}
	}

	if err := k.Load(env.Provider("KATANA_", ".", func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, "KATANA_"))
		for key := range knownKeys {
			if strings.ReplaceAll(key, ".", "_") == name {
				return key
			}
		}
		return strings.ReplaceAll(name, "_", ".")
	}), nil); err != nil {
		return nil, katanaerr.New(katanaerr.CodeConfig, "load environment overrides", err)
	}

	if err := rejectUnknownKeys(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, katanaerr.New(katanaerr.CodeConfig, "unmarshal configuration", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return katanaerr.New(katanaerr.CodeConfig, "parse config file "+path, err)
	}
	return nil
}

// rejectUnknownKeys diffs the flattened key set against the schema. Keys
// under an unrecognized top-level section are reported with their full
// dotted path so the operator can find the typo.
func rejectUnknownKeys(k *koanf.Koanf) error {
	for _, key := range k.Keys() {
		if !knownKeys[key] {
			return katanaerr.New(katanaerr.CodeConfig, fmt.Sprintf("unknown configuration key %q", key), nil).
				WithContext("key", key).
				WithHelp("remove the key or check for a typo against the documented schema")
		}
	}
	return nil
}

func validate(cfg *Config) error {
	switch cfg.InstallType {
	case InstallLocal, InstallRemote:
	default:
		return katanaerr.New(katanaerr.CodeConfig, fmt.Sprintf("invalid install_type %q", cfg.InstallType), nil).
			WithContext("install_type", string(cfg.InstallType))
	}
	if cfg.InstallType == InstallRemote && cfg.BaseDomain == "" {
		return katanaerr.New(katanaerr.CodeConfig, "base_domain is required when install_type is remote", nil)
	}
	if cfg.Proxy.HTTPPort == cfg.Proxy.HTTPSPort {
		return katanaerr.New(katanaerr.CodeConfig, "proxy.http_port and proxy.https_port must differ", nil)
	}
	return nil
}

// userConfigHome resolves the invoking user's home directory, preferring
// SUDO_USER's home when the process is running elevated so that an
// install run via sudo still reads/writes the original operator's files.
func userConfigHome() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// Domain returns the base or local domain depending on install type, e.g.
// "samurai.wtf". The certificate manager issues the server cert for this
// domain and its wildcard subdomain.
func (c *Config) Domain() string {
	if c.InstallType == InstallRemote {
		return c.BaseDomain
	}
	return c.LocalDomain
}

// FullHostname derives the fully qualified hostname of a logical name,
// e.g. "dvwa" -> "dvwa.samurai.wtf".
func (c *Config) FullHostname(name string) string {
	return name + "." + c.Domain()
}

// DashboardFullHostname returns the fully qualified hostname the embedded
// dashboard is served on.
func (c *Config) DashboardFullHostname() string {
	return c.FullHostname(c.DashboardHostname)
}

// BindAddress returns the address the proxy listeners should bind, using
// the documented local/remote smart defaults when not set explicitly.
func (c *Config) BindAddress() string {
	if c.Proxy.Bind != "" {
		return c.Proxy.Bind
	}
	if c.InstallType == InstallRemote {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}
