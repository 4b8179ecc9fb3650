// SPDX-License-Identifier: Apache-2.0
// Package routetable derives hostname-to-backend routing from State and
// Config and keeps it current as the reverse proxy's single source of
// truth for request dispatch.
package routetable

import (
	"strings"
	"sync"

	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/state"
)

// Backend is the proxy target for one hostname.
type Backend struct {
	// Host is the compose-project-qualified service DNS name on
	// docker_network (e.g. "katana-dvwa_web"), since bare service names
	// collide across targets sharing the network. Port is unused when
	// Dashboard is true.
	Host string
	Port int

	// Dashboard routes in-process to the embedded API surface instead of
	// proxying over the network.
	Dashboard bool

	// Module is the owning module name, for diagnostics.
	Module string
}

// Table is an immutable hostname-to-backend snapshot. A Table is never
// mutated after construction; callers that hold a reference always see a
// consistent view even as the Manager swaps in a newer one.
type Table struct {
	routes map[string]Backend
}

// Lookup resolves a Host header (already lowercased, port-stripped by the
// caller or via LookupHostPort) to its backend.
func (t *Table) Lookup(hostname string) (Backend, bool) {
	b, ok := t.routes[strings.ToLower(hostname)]
	return b, ok
}

// LookupHostPort strips a trailing ":port" before resolving, matching how
// Go's net/http exposes the Host header.
func (t *Table) LookupHostPort(hostHeader string) (Backend, bool) {
	host := hostHeader
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return t.Lookup(host)
}

// Hostnames returns every routed hostname. Never exposed to
// unauthenticated clients per the proxy's 404 policy of not leaking the
// known host list.
func (t *Table) Hostnames() []string {
	names := make([]string, 0, len(t.routes))
	for h := range t.routes {
		names = append(names, h)
	}
	return names
}

func build(st *state.State, cfg *config.Config) *Table {
	routes := make(map[string]Backend, len(st.Targets)+1)
	for _, target := range st.Targets {
		for _, r := range target.Routes {
			routes[strings.ToLower(r.Hostname)] = Backend{
				Host:   compose.ProjectName(target.Name) + "_" + r.Service,
				Port:   r.Port,
				Module: target.Name,
			}
		}
	}
	routes[strings.ToLower(cfg.DashboardFullHostname())] = Backend{Dashboard: true}
	return &Table{routes: routes}
}

// Manager rebuilds a Table from State x Config whenever either changes,
// and hands out the current Table to readers without blocking writers.
type Manager struct {
	mu  sync.RWMutex
	cur *Table

	cfg *config.ReloadableConfig
	st  *state.Store
}

// NewManager builds the initial table from the current state and config,
// and registers a state-change listener so it stays current.
func NewManager(cfg *config.ReloadableConfig, st *state.Store) *Manager {
	m := &Manager{cfg: cfg, st: st}
	m.rebuild(st.Get())
	st.OnChange(m.rebuild)
	return m
}

// Current returns the latest Table. Held references remain valid even
// after a subsequent rebuild swaps in a newer one.
func (m *Manager) Current() *Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) rebuild(s *state.State) {
	next := build(s, m.cfg.Get())
	m.mu.Lock()
	m.cur = next
	m.mu.Unlock()
}

// OnConfigReload is registered with the config Watcher so hostname
// changes (local_domain, base_domain, dashboard_hostname) also trigger a
// rebuild, using the latest known state.
func (m *Manager) OnConfigReload(*config.Config) {
	m.rebuild(m.st.Get())
}
