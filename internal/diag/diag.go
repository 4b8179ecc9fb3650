// SPDX-License-Identifier: Apache-2.0
// Package diag assembles the consolidated health report the "doctor"
// command and the /api/system endpoint both return, so --json is a pure
// serialization switch rather than a second code path.
package diag

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/samurai-wtf/katana/internal/certmanager"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/dnssync"
)

// DockerPinger is the subset of the Compose Adapter diag needs.
type DockerPinger interface {
	Ping(ctx context.Context) error
}

// DockerStatus reports whether the container runtime is reachable.
type DockerStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// CertStatus reports root CA / server cert health.
type CertStatus struct {
	Initialized         bool   `json:"initialized"`
	DaysUntilExpiration int    `json:"days_until_expiration,omitempty"`
	Error               string `json:"error,omitempty"`
}

// DNSStatus reports hosts-file sync drift.
type DNSStatus struct {
	ManagedEntries int    `json:"managed_entries"`
	Diagnostic     string `json:"diagnostic,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ProxyStatus reports the reverse proxy's configured and observed state.
type ProxyStatus struct {
	Bind          string `json:"bind"`
	HTTPPort      int    `json:"http_port"`
	HTTPSPort     int    `json:"https_port"`
	HTTPListening bool   `json:"http_listening"`
	TLSListening  bool   `json:"tls_listening"`
}

// DiskStatus reports free space on the data directory's filesystem.
type DiskStatus struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes,omitempty"`
	FreeBytes  uint64 `json:"free_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report is the full consolidated health snapshot.
type Report struct {
	Docker DockerStatus `json:"docker"`
	Cert   CertStatus   `json:"cert"`
	DNS    DNSStatus    `json:"dns"`
	Proxy  ProxyStatus  `json:"proxy"`
	Disk   DiskStatus   `json:"disk"`
}

// Build assembles a Report by querying each collaborator directly;
// docker may be nil if the Compose Adapter could not be constructed.
func Build(ctx context.Context, cfg *config.Config, docker DockerPinger, certs *certmanager.Manager, dns *dnssync.Synchronizer) Report {
	var r Report

	if docker == nil {
		r.Docker = DockerStatus{Reachable: false, Error: "docker adapter unavailable"}
	} else if err := docker.Ping(ctx); err != nil {
		r.Docker = DockerStatus{Reachable: false, Error: err.Error()}
	} else {
		r.Docker = DockerStatus{Reachable: true}
	}

	r.Cert.Initialized = certs.IsInitialized()
	if r.Cert.Initialized {
		if days, err := certs.DaysUntilExpiration(); err != nil {
			r.Cert.Error = err.Error()
		} else {
			r.Cert.DaysUntilExpiration = days
		}
	}

	if entries, err := dns.ListManaged(); err != nil {
		r.DNS.Error = err.Error()
	} else {
		r.DNS.ManagedEntries = len(entries)
	}
	if cfg.InstallType == config.InstallRemote {
		r.DNS.Diagnostic = "remote install mode: wildcard DNS is expected to resolve target hostnames"
	}

	bind := cfg.BindAddress()
	r.Proxy = ProxyStatus{
		Bind:          bind,
		HTTPPort:      cfg.Proxy.HTTPPort,
		HTTPSPort:     cfg.Proxy.HTTPSPort,
		HTTPListening: checkTCP(net.JoinHostPort(bind, strconv.Itoa(cfg.Proxy.HTTPPort))),
		TLSListening:  checkTCP(net.JoinHostPort(bind, strconv.Itoa(cfg.Proxy.HTTPSPort))),
	}

	r.Disk = diskStatus(cfg.Paths.Data)

	return r
}

// checkTCP reports whether addr accepts a connection within a short
// deadline, the same reachability probe the teacher's CLI status command
// uses for its gRPC/HTTP endpoints.
func checkTCP(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
