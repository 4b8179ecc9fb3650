package executor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/module"
	"github.com/samurai-wtf/katana/internal/state"
	"github.com/samurai-wtf/katana/internal/toolrunner"
)

type fakeCompose struct {
	upErr, downErr, startErr, stopErr error
	upCalls                           int
}

func (f *fakeCompose) Up(ctx context.Context, moduleName, composePath string, env map[string]string, rewrite compose.EnvRewriter) error {
	f.upCalls++
	return f.upErr
}
func (f *fakeCompose) Down(ctx context.Context, moduleName, composePath string) error  { return f.downErr }
func (f *fakeCompose) Start(ctx context.Context, moduleName, composePath string) error { return f.startErr }
func (f *fakeCompose) Stop(ctx context.Context, moduleName, composePath string) error  { return f.stopErr }

type fakeTool struct {
	version string
	err     error
}

func (f *fakeTool) Run(ctx context.Context, moduleDir, script string, root bool, sink toolrunner.LineSink) (string, error) {
	if sink != nil {
		sink("running " + script)
	}
	return f.version, f.err
}

type recordingSink struct {
	tasks []string
	logs  []string
}

func (r *recordingSink) Progress(percent int, message string) {}
func (r *recordingSink) Task(name, status string)              { r.tasks = append(r.tasks, name+":"+status) }
func (r *recordingSink) Log(level, line string)                 { r.logs = append(r.logs, level+":"+line) }

func newTestExecutor(t *testing.T, mods ...*module.Module) (*Executor, *state.Store, *fakeCompose, *fakeTool) {
	t.Helper()
	cfg := config.NewReloadableConfig(&config.Config{
		InstallType: config.InstallLocal,
		LocalDomain: "samurai.wtf",
	})
	st, err := state.Open(filepath.Join(t.TempDir(), "state.yml"))
	if err != nil {
		t.Fatalf("state.Open failed: %v", err)
	}

	fc := &fakeCompose{}
	ft := &fakeTool{}
	ex := &Executor{cfg: cfg, state: st, catalog: newCatalogWithModules(mods), adapter: fc, runner: ft}
	return ex, st, fc, ft
}

func TestExecutorInstallTarget(t *testing.T) {
	m := &module.Module{
		Name:     "dvwa",
		Category: module.CategoryTarget,
		Compose:  "docker-compose.yml",
		Proxy:    []module.ProxyEntry{{Hostname: "dvwa", Service: "web", Port: 80}},
	}
	ex, st, fc, _ := newTestExecutor(t, m)

	sink := &recordingSink{}
	if err := ex.Run(context.Background(), "dvwa", KindInstall, sink); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fc.upCalls != 1 {
		t.Errorf("expected Up to be called once, got %d", fc.upCalls)
	}
	target := st.FindTarget("dvwa")
	if target == nil {
		t.Fatalf("expected dvwa to be recorded as installed")
	}
	if target.Routes[0].Hostname != "dvwa.samurai.wtf" {
		t.Errorf("expected hostname dvwa.samurai.wtf, got %s", target.Routes[0].Hostname)
	}
}

func TestExecutorInstallAlreadyInstalled(t *testing.T) {
	m := &module.Module{Name: "dvwa", Category: module.CategoryTarget, Compose: "c.yml",
		Proxy: []module.ProxyEntry{{Hostname: "dvwa", Service: "web", Port: 80}}}
	ex, st, _, _ := newTestExecutor(t, m)
	_ = st.AddTarget(state.Target{Name: "dvwa"})

	sink := &recordingSink{}
	err := ex.Run(context.Background(), "dvwa", KindInstall, sink)
	if err == nil {
		t.Fatalf("expected error installing an already-installed target")
	}
}

func TestExecutorInstallLocked(t *testing.T) {
	m := &module.Module{Name: "dvwa", Category: module.CategoryTarget, Compose: "c.yml",
		Proxy: []module.ProxyEntry{{Hostname: "dvwa", Service: "web", Port: 80}}}
	ex, st, _, _ := newTestExecutor(t, m)
	_ = st.SetLocked(true)

	err := ex.Run(context.Background(), "dvwa", KindInstall, &recordingSink{})
	if err == nil {
		t.Fatalf("expected LOCKED error")
	}
}

func TestExecutorToolInstallCapturesVersion(t *testing.T) {
	m := &module.Module{Name: "nmap", Category: module.CategoryTool, Install: "install.sh", Remove: "remove.sh"}
	ex, st, _, ft := newTestExecutor(t, m)
	ft.version = "7.95"

	if err := ex.Run(context.Background(), "nmap", KindInstall, &recordingSink{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	tool := st.FindTool("nmap")
	if tool == nil || tool.Version != "7.95" {
		t.Fatalf("expected tool version 7.95 to be recorded, got %+v", tool)
	}
}

func TestExecutorToolStartNotSupported(t *testing.T) {
	m := &module.Module{Name: "nmap", Category: module.CategoryTool, Install: "install.sh", Remove: "remove.sh"}
	ex, st, _, _ := newTestExecutor(t, m)
	_ = st.AddTool(state.Tool{Name: "nmap"})

	err := ex.Run(context.Background(), "nmap", KindStart, &recordingSink{})
	if err == nil {
		t.Fatalf("expected NOT_SUPPORTED error for a tool without start/stop scripts")
	}
}

func TestExecutorModuleNotFound(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)
	err := ex.Run(context.Background(), "missing", KindInstall, &recordingSink{})
	if err == nil {
		t.Fatalf("expected NOT_FOUND error")
	}
}

// Precheck lets the Operation Manager reject a bad submission synchronously
// at admission, before any worker goroutine or backend call runs.
func TestPrecheckMatchesRunPreconditions(t *testing.T) {
	m := &module.Module{Name: "dvwa", Category: module.CategoryTarget, Compose: "c.yml",
		Proxy: []module.ProxyEntry{{Hostname: "dvwa", Service: "web", Port: 80}}}
	ex, st, _, _ := newTestExecutor(t, m)

	if err := ex.Precheck("dvwa", KindInstall); err != nil {
		t.Fatalf("expected a fresh target to pass install precheck: %v", err)
	}
	if err := ex.Precheck("dvwa", KindStart); err == nil {
		t.Fatal("expected start precheck to fail before the target is installed")
	}

	_ = st.AddTarget(state.Target{Name: "dvwa"})
	if err := ex.Precheck("dvwa", KindInstall); err == nil {
		t.Fatal("expected install precheck to fail for an already-installed target")
	}
	if err := ex.Precheck("dvwa", KindRemove); err != nil {
		t.Fatalf("expected remove precheck to pass for an installed target: %v", err)
	}

	_ = st.SetLocked(true)
	if err := ex.Precheck("dvwa", KindInstall); err == nil {
		t.Fatal("expected install precheck to fail while locked")
	}
	if err := ex.Precheck("dvwa", KindRemove); err == nil {
		t.Fatal("expected remove precheck to fail while locked")
	}
	if err := ex.Precheck("dvwa", KindStart); err != nil {
		t.Fatalf("expected start precheck to remain allowed while locked: %v", err)
	}
}

func TestPrecheckUnknownModule(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)
	if err := ex.Precheck("missing", KindInstall); err == nil {
		t.Fatal("expected NOT_FOUND from Precheck for an unknown module")
	}
}

func newCatalogWithModules(mods []*module.Module) *module.Catalog {
	cat := module.NewCatalog()
	for _, m := range mods {
		cat.Add(m)
	}
	return cat
}
