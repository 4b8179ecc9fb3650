package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/samurai-wtf/katana/internal/certmanager"
	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/dnssync"
	"github.com/samurai-wtf/katana/internal/executor"
	"github.com/samurai-wtf/katana/internal/module"
	"github.com/samurai-wtf/katana/internal/opmanager"
	"github.com/samurai-wtf/katana/internal/routetable"
	"github.com/samurai-wtf/katana/internal/state"
	"github.com/samurai-wtf/katana/internal/toolrunner"
)

type fakeCompose struct {
	upErr error
	delay time.Duration
}

func (f *fakeCompose) Up(ctx context.Context, moduleName, composePath string, env map[string]string, rewrite compose.EnvRewriter) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.upErr
}
func (f *fakeCompose) Down(ctx context.Context, moduleName, composePath string) error  { return nil }
func (f *fakeCompose) Start(ctx context.Context, moduleName, composePath string) error { return nil }
func (f *fakeCompose) Stop(ctx context.Context, moduleName, composePath string) error  { return nil }

type fakeTool struct{}

func (fakeTool) Run(ctx context.Context, moduleDir, script string, root bool, sink toolrunner.LineSink) (string, error) {
	return "1.0", nil
}

type fakeDockerStatus struct {
	status *compose.Status
	err    error
}

func (f fakeDockerStatus) Status(ctx context.Context, moduleName string) (*compose.Status, error) {
	return f.status, f.err
}
func (f fakeDockerStatus) Ping(ctx context.Context) error { return f.err }

func newTestServer(t *testing.T, mods ...*module.Module) (*Server, *state.Store, *opmanager.Manager) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewReloadableConfig(&config.Config{
		InstallType:       config.InstallLocal,
		LocalDomain:       "samurai.wtf",
		DashboardHostname: "katana",
		Proxy:             config.ProxyConfig{HTTPPort: 80, HTTPSPort: 443},
	})

	st, err := state.Open(filepath.Join(dir, "state.yml"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}

	cat := module.NewCatalog()
	for _, m := range mods {
		cat.Add(m)
	}

	ex := executor.NewWithBackends(cfg, st, cat, &fakeCompose{}, fakeTool{})
	ops := opmanager.New(ex, opmanager.WithConcurrency(3), opmanager.WithOpTimeout(time.Second))
	t.Cleanup(ops.Stop)

	certs := certmanager.New(filepath.Join(dir, "certs"), cfg)
	if err := certs.Init(); err != nil {
		t.Fatalf("certs.Init: %v", err)
	}

	dns := dnssync.New(filepath.Join(dir, "hosts"), cfg)
	routes := routetable.NewManager(cfg, st)

	srv := New(cfg, cat, st, ops, fakeDockerStatus{status: &compose.Status{AllRunning: true, Containers: []compose.ContainerStatus{{Name: "web"}}}}, certs, dns, routes, nil)
	return srv, st, ops
}

func doJSON(t *testing.T, srv *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec, body := doJSON(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestListModulesIncludesLiveStatus(t *testing.T) {
	target := &module.Module{Name: "dvwa", Category: module.CategoryTarget, Compose: "c.yml",
		Proxy: []module.ProxyEntry{{Hostname: "dvwa", Service: "web", Port: 80}}}
	srv, st, _ := newTestServer(t, target)
	if err := st.AddTarget(state.Target{Name: "dvwa", Routes: []state.Route{{Hostname: "dvwa.samurai.wtf", Service: "web", Port: 80}}}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	rec, body := doJSON(t, srv, http.MethodGet, "/api/modules?category=targets")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true {
		t.Fatalf("expected success envelope, got %v", body)
	}
	data := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected one module, got %d", len(data))
	}
	entry := data[0].(map[string]any)
	if entry["status"] != "running" {
		t.Fatalf("expected running status, got %v", entry["status"])
	}
}

func TestModuleActionSubmitsOperation(t *testing.T) {
	tool := &module.Module{Name: "nmap", Category: module.CategoryTool, Install: "install.sh", Remove: "remove.sh"}
	srv, _, _ := newTestServer(t, tool)

	rec, body := doJSON(t, srv, http.MethodPost, "/api/modules/nmap/install")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	data := body["data"].(map[string]any)
	if data["operationId"] == "" {
		t.Fatal("expected a non-empty operationId")
	}
}

func TestModuleActionUnknownModule404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec, body := doJSON(t, srv, http.MethodPost, "/api/modules/missing/install")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", errObj["code"])
	}
}

func TestSystemLockThenInstallReturns423(t *testing.T) {
	dvwa := &module.Module{Name: "dvwa", Category: module.CategoryTarget, Compose: "c.yml",
		Proxy: []module.ProxyEntry{{Hostname: "dvwa", Service: "web", Port: 80}}}
	juiceshop := &module.Module{Name: "juiceshop", Category: module.CategoryTarget, Compose: "c.yml",
		Proxy: []module.ProxyEntry{{Hostname: "juiceshop", Service: "web", Port: 3000}}}
	srv, st, _ := newTestServer(t, dvwa, juiceshop)

	// Install dvwa before locking, so start remains exercisable afterward.
	if err := st.AddTarget(state.Target{Name: "dvwa"}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	rec, _ := doJSON(t, srv, http.MethodPost, "/api/system/lock")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 locking, got %d", rec.Code)
	}

	// The Operation Manager evaluates install/remove preconditions
	// synchronously at admission, so a locked system rejects the POST
	// itself with 423 rather than accepting it and failing later via the
	// operation's terminal event.
	rec, body := doJSON(t, srv, http.MethodPost, "/api/modules/juiceshop/install")
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 LOCKED, got %d: %v", rec.Code, body)
	}
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "SYSTEM_LOCKED" {
		t.Fatalf("expected SYSTEM_LOCKED, got %v", errObj["code"])
	}

	// start remains allowed while locked, per the lock gate.
	rec, body = doJSON(t, srv, http.MethodPost, "/api/modules/dvwa/start")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected start to remain allowed while locked, got %d: %v", rec.Code, body)
	}
}

func TestOperationNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec, _ := doJSON(t, srv, http.MethodGet, "/api/operations/does-not-exist")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDownloadCAServesRootCAWhenInitialized(t *testing.T) {
	// newTestServer always initializes certs; verify the happy path here
	// and rely on certmanager's own tests for the not-initialized case.
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/certs/ca", nil)
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-x509-ca-cert" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers when disabled")
	}
}
