package opmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/executor"
	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/module"
	"github.com/samurai-wtf/katana/internal/state"
	"github.com/samurai-wtf/katana/internal/toolrunner"
)

type slowCompose struct{ delay time.Duration }

func (f *slowCompose) Up(ctx context.Context, moduleName, composePath string, env map[string]string, rewrite compose.EnvRewriter) error {
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (f *slowCompose) Down(ctx context.Context, moduleName, composePath string) error  { return nil }
func (f *slowCompose) Start(ctx context.Context, moduleName, composePath string) error { return nil }
func (f *slowCompose) Stop(ctx context.Context, moduleName, composePath string) error  { return nil }

type fakeTool struct{}

func (fakeTool) Run(ctx context.Context, moduleDir, script string, root bool, sink toolrunner.LineSink) (string, error) {
	if sink != nil {
		sink("ok")
	}
	return "1.0", nil
}

func newTestManager(t *testing.T, delay time.Duration, opts ...Option) (*Manager, *state.Store) {
	t.Helper()
	cfg := config.NewReloadableConfig(&config.Config{InstallType: config.InstallLocal, LocalDomain: "samurai.wtf"})
	st, err := state.Open(filepath.Join(t.TempDir(), "state.yml"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	cat := module.NewCatalog()
	cat.Add(&module.Module{
		Name:     "dvwa",
		Category: module.CategoryTarget,
		Compose:  "docker-compose.yml",
		Proxy:    []module.ProxyEntry{{Hostname: "dvwa", Service: "web", Port: 80}},
	})
	ex := executor.NewWithBackends(cfg, st, cat, &slowCompose{delay: delay}, fakeTool{})
	return New(ex, opts...), st
}

func TestSubmitRunsToCompletion(t *testing.T) {
	m, st := newTestManager(t, 10*time.Millisecond)
	defer m.Stop()

	op, err := m.Submit("dvwa", executor.KindInstall)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ch, unsub := op.Subscribe()
	defer unsub()

	var sawComplete bool
	deadline := time.After(2 * time.Second)
	for !sawComplete {
		select {
		case e := <-ch:
			if e.Type == EventComplete {
				sawComplete = true
				if !e.Success {
					t.Errorf("expected success, got error %q", e.Error)
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for complete event")
		}
	}

	if op.Status() != StatusCompleted {
		t.Errorf("expected status completed, got %s", op.Status())
	}
	if st.FindTarget("dvwa") == nil {
		t.Error("expected dvwa to be recorded installed after completion")
	}
}

func TestSubmitRejectsDuplicateInFlight(t *testing.T) {
	m, _ := newTestManager(t, 200*time.Millisecond)
	defer m.Stop()

	if _, err := m.Submit("dvwa", executor.KindInstall); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	_, err := m.Submit("dvwa", executor.KindInstall)
	if err == nil {
		t.Fatal("expected OPERATION_IN_PROGRESS on second submit for the same module")
	}
}

func TestSubmitUnknownModule(t *testing.T) {
	m, _ := newTestManager(t, time.Millisecond)
	defer m.Stop()

	// Precheck resolves the module and evaluates preconditions synchronously,
	// so a bad module name is rejected at admission rather than surfacing
	// only later as a failed complete event.
	_, err := m.Submit("nope", executor.KindInstall)
	if err == nil {
		t.Fatal("expected Submit to fail synchronously for an unknown module")
	}
}

func TestSubmitRejectsLockedInstall(t *testing.T) {
	m, st := newTestManager(t, time.Millisecond)
	defer m.Stop()

	if err := st.SetLocked(true); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}

	_, err := m.Submit("dvwa", executor.KindInstall)
	if err == nil {
		t.Fatal("expected Submit to reject install synchronously while locked")
	}
	if ke := katanaerr.As(err); ke.Code != katanaerr.CodeSystemLocked {
		t.Fatalf("expected SYSTEM_LOCKED, got %v", ke.Code)
	}
}

func TestSubmitRejectsInstallOfAlreadyInstalledModule(t *testing.T) {
	m, st := newTestManager(t, time.Millisecond)
	defer m.Stop()

	if err := st.AddTarget(state.Target{Name: "dvwa"}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	_, err := m.Submit("dvwa", executor.KindInstall)
	if err == nil {
		t.Fatal("expected Submit to reject install of an already-installed module")
	}
	if ke := katanaerr.As(err); ke.Code != katanaerr.CodeAlreadyExists {
		t.Fatalf("expected ALREADY_EXISTS, got %v", ke.Code)
	}
}

func TestSubmitAllowsStartWhileLocked(t *testing.T) {
	m, st := newTestManager(t, time.Millisecond)
	defer m.Stop()

	if err := st.AddTarget(state.Target{Name: "dvwa"}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := st.SetLocked(true); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}

	op, err := m.Submit("dvwa", executor.KindStart)
	if err != nil {
		t.Fatalf("expected start to remain allowed while locked, got: %v", err)
	}

	ch, unsub := op.Subscribe()
	defer unsub()
	select {
	case e := <-ch:
		for e.Type != EventComplete {
			e = <-ch
		}
		if !e.Success {
			t.Errorf("expected start to succeed, got error %q", e.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for complete event")
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	cfg := config.NewReloadableConfig(&config.Config{InstallType: config.InstallLocal, LocalDomain: "samurai.wtf"})
	st, err := state.Open(filepath.Join(t.TempDir(), "state.yml"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	cat := module.NewCatalog()
	names := []string{"dvwa", "juiceshop", "webgoat"}
	for _, n := range names {
		cat.Add(&module.Module{
			Name: n, Category: module.CategoryTarget, Compose: "c.yml",
			Proxy: []module.ProxyEntry{{Hostname: n, Service: "web", Port: 80}},
		})
	}
	ex := executor.NewWithBackends(cfg, st, cat, &slowCompose{delay: 150 * time.Millisecond}, fakeTool{})
	m := New(ex, WithConcurrency(1))
	defer m.Stop()

	var ops []*Operation
	for _, n := range names {
		op, err := m.Submit(n, executor.KindInstall)
		if err != nil {
			t.Fatalf("Submit(%s): %v", n, err)
		}
		ops = append(ops, op)
	}

	// With a concurrency cap of 1, the later submissions must still be
	// queued (not running) immediately after submission.
	queuedSeen := false
	for _, op := range ops[1:] {
		if op.Status() == StatusQueued {
			queuedSeen = true
		}
	}
	if !queuedSeen {
		t.Error("expected at least one operation to still be queued under a concurrency cap of 1")
	}

	for _, op := range ops {
		ch, unsub := op.Subscribe()
		deadline := time.After(3 * time.Second)
	waitLoop:
		for {
			select {
			case e := <-ch:
				if e.Type == EventComplete {
					break waitLoop
				}
			case <-deadline:
				t.Fatalf("operation for %s never completed", op.Module)
			}
		}
		unsub()
	}
}

func TestReapRemovesOldOperations(t *testing.T) {
	m, _ := newTestManager(t, time.Millisecond, WithReapWindow(time.Millisecond))
	defer m.Stop()

	op, err := m.Submit("dvwa", executor.KindInstall)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for op.Status() != StatusCompleted && op.Status() != StatusFailed {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("operation never finished")
		}
	}

	m.reap()
	if m.Get(op.ID) != nil {
		t.Error("expected operation to be reaped after its window elapsed")
	}
}
