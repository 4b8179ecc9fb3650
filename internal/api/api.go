// SPDX-License-Identifier: Apache-2.0
// Package api implements the REST+SSE surface the dashboard UI consumes,
// fronting the Module Loader, State Store, Operation
// Manager and the rest of the control plane. It is served in-process by
// the Reverse Proxy for the dashboard hostname.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/samurai-wtf/katana/internal/certmanager"
	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/diag"
	"github.com/samurai-wtf/katana/internal/dnssync"
	"github.com/samurai-wtf/katana/internal/executor"
	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/module"
	"github.com/samurai-wtf/katana/internal/opmanager"
	"github.com/samurai-wtf/katana/internal/routetable"
	"github.com/samurai-wtf/katana/internal/state"
)

// dockerStatusBackend is the subset of the Compose Adapter handlers need
// to report live container status, narrowed so it can be faked in tests.
type dockerStatusBackend interface {
	Status(ctx context.Context, moduleName string) (*compose.Status, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP handler implementing spec §4.11's API surface.
type Server struct {
	cfg     *config.ReloadableConfig
	catalog *module.Catalog
	state   *state.Store
	ops     *opmanager.Manager
	docker  dockerStatusBackend
	certs   *certmanager.Manager
	dns     *dnssync.Synchronizer
	routes  *routetable.Manager
	logger  *slog.Logger
}

// New wires a Server to its collaborators.
func New(
	cfg *config.ReloadableConfig,
	catalog *module.Catalog,
	st *state.Store,
	ops *opmanager.Manager,
	docker dockerStatusBackend,
	certs *certmanager.Manager,
	dns *dnssync.Synchronizer,
	routes *routetable.Manager,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, catalog: catalog, state: st, ops: ops, docker: docker, certs: certs, dns: dns, routes: routes, logger: logger}
}

// ServeHTTP is the single entry point the Reverse Proxy hands dashboard
// requests to, and the one a standalone net/http.Server can also mount
// directly for a remote-API deployment.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.URL.Path == "/health":
		s.handleHealth(w, r)
	case r.URL.Path == "/api/modules":
		s.handleListModules(w, r)
	case r.URL.Path == "/api/system":
		s.handleSystem(w, r)
	case r.URL.Path == "/api/system/lock":
		s.handleLock(w, r, true)
	case r.URL.Path == "/api/system/unlock":
		s.handleLock(w, r, false)
	case r.URL.Path == "/api/certs/ca":
		s.handleDownloadCA(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/operations/"):
		s.handleOperations(w, r, strings.TrimPrefix(r.URL.Path, "/api/operations/"))
	case strings.HasPrefix(r.URL.Path, "/api/modules/"):
		s.handleModuleAction(w, r, strings.TrimPrefix(r.URL.Path, "/api/modules/"))
	default:
		notFound(w)
	}
}

func (s *Server) withCORS(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Get().Proxy.CORS {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// --- modules --------------------------------------------------------------

// ModuleInfo is one entry of GET /api/modules, combining catalog
// metadata with live installed/running status.
type ModuleInfo struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Installed   bool     `json:"installed"`
	Status      string   `json:"status"`
	InstalledAt string   `json:"installed_at,omitempty"`
	Version     string   `json:"version,omitempty"`
	Hostnames   []string `json:"hostnames,omitempty"`
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w)
		return
	}

	var mods []*module.Module
	switch category := r.URL.Query().Get("category"); category {
	case "":
		mods = s.catalog.LoadAll()
	case string(module.CategoryTarget), string(module.CategoryTool):
		mods = s.catalog.LoadByCategory(module.Category(category))
	default:
		writeError(w, katanaerr.New(katanaerr.CodeValidation, "unknown category "+category, nil))
		return
	}

	infos := make([]ModuleInfo, 0, len(mods))
	for _, m := range mods {
		infos = append(infos, s.moduleInfo(r.Context(), m))
	}
	writeData(w, http.StatusOK, infos)
}

func (s *Server) moduleInfo(ctx context.Context, m *module.Module) ModuleInfo {
	info := ModuleInfo{Name: m.Name, Category: string(m.Category), Description: m.Description, Status: "not_installed"}

	switch m.Category {
	case module.CategoryTarget:
		t := s.state.FindTarget(m.Name)
		if t == nil {
			return info
		}
		info.Installed = true
		info.InstalledAt = t.InstalledAt
		for _, route := range t.Routes {
			info.Hostnames = append(info.Hostnames, route.Hostname)
		}
		info.Status = s.liveTargetStatus(ctx, m.Name)
	case module.CategoryTool:
		t := s.state.FindTool(m.Name)
		if t == nil {
			return info
		}
		info.Installed = true
		info.InstalledAt = t.InstalledAt
		info.Version = t.Version
		info.Status = "installed"
	}
	return info
}

func (s *Server) liveTargetStatus(ctx context.Context, name string) string {
	if s.docker == nil {
		return "installed"
	}
	st, err := s.docker.Status(ctx, name)
	if err != nil {
		return "unknown"
	}
	switch {
	case st.AllRunning && len(st.Containers) > 0:
		return "running"
	case st.AnyRunning:
		return "partial"
	default:
		return "stopped"
	}
}

// --- module actions ---------------------------------------------------------

var actionKinds = map[string]executor.Kind{
	"install": executor.KindInstall,
	"remove":  executor.KindRemove,
	"start":   executor.KindStart,
	"stop":    executor.KindStop,
}

func (s *Server) handleModuleAction(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodPost {
		notFound(w)
		return
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		notFound(w)
		return
	}
	name, action := parts[0], parts[1]
	kind, ok := actionKinds[action]
	if !ok {
		notFound(w)
		return
	}

	if s.catalog.FindModule(name) == nil {
		writeError(w, katanaerr.NotFound("module", name))
		return
	}

	op, err := s.ops.Submit(name, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"operationId": op.ID})
}

// --- operations -------------------------------------------------------------

// OperationSnapshot is GET /api/operations/:id's payload.
type OperationSnapshot struct {
	ID          string `json:"id"`
	Module      string `json:"module"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		notFound(w)
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	op := s.ops.Get(id)
	if op == nil {
		writeError(w, katanaerr.NotFound("operation", id))
		return
	}

	if sub == "stream" {
		s.streamOperation(w, r, op)
		return
	}
	if sub != "" {
		notFound(w)
		return
	}

	snap := OperationSnapshot{
		ID:        op.ID,
		Module:    op.Module,
		Kind:      string(op.Kind),
		Status:    string(op.Status()),
		StartedAt: op.StartedAt.Format(time.RFC3339),
	}
	if completed := op.CompletedAt(); !completed.IsZero() {
		snap.CompletedAt = completed.Format(time.RFC3339)
	}
	if err := op.Err(); err != nil {
		snap.Error = err.Error()
	}
	writeData(w, http.StatusOK, snap)
}

// --- system ------------------------------------------------------------------

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w)
		return
	}
	report := diag.Build(r.Context(), s.cfg.Get(), s.docker, s.certs, s.dns)
	writeData(w, http.StatusOK, report)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, locked bool) {
	if r.Method != http.MethodPost {
		notFound(w)
		return
	}
	if err := s.state.SetLocked(locked); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"locked": locked})
}

func (s *Server) handleDownloadCA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w)
		return
	}
	if !s.certs.IsInitialized() {
		writeError(w, katanaerr.New(katanaerr.CodeCertNotInit, "certificate authority not initialized", nil))
		return
	}
	pem, err := s.certs.CAPEM()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="katana-root-ca.crt"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pem)
}

// --- envelope helpers ---------------------------------------------------------

type envelope struct {
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   *katanaerr.Error `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	ke := katanaerr.As(err)
	writeJSON(w, ke.HTTPStatus(), envelope{Success: false, Error: ke})
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: katanaerr.New(katanaerr.CodeNotFound, "no such route", nil)})
}
