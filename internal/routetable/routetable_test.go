package routetable

import (
	"path/filepath"
	"testing"

	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.yml"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	return st
}

func TestBuildIncludesDashboardAndTargetRoutes(t *testing.T) {
	st := newTestStore(t)
	if err := st.AddTarget(state.Target{
		Name: "dvwa",
		Routes: []state.Route{
			{Hostname: "dvwa.samurai.wtf", Service: "web", Port: 80},
		},
	}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	cfg := config.NewReloadableConfig(&config.Config{
		LocalDomain:       "samurai.wtf",
		DashboardHostname: "katana",
	})
	mgr := NewManager(cfg, st)

	b, ok := mgr.Current().Lookup("dvwa.samurai.wtf")
	if !ok || b.Host != "katana-dvwa_web" || b.Port != 80 {
		t.Fatalf("expected dvwa route to katana-dvwa_web:80, got %+v ok=%v", b, ok)
	}

	dash, ok := mgr.Current().Lookup("katana.samurai.wtf")
	if !ok || !dash.Dashboard {
		t.Fatalf("expected dashboard route, got %+v ok=%v", dash, ok)
	}
}

func TestTableRebuildsOnStateChange(t *testing.T) {
	st := newTestStore(t)
	cfg := config.NewReloadableConfig(&config.Config{LocalDomain: "samurai.wtf", DashboardHostname: "katana"})
	mgr := NewManager(cfg, st)

	if _, ok := mgr.Current().Lookup("juiceshop.samurai.wtf"); ok {
		t.Fatal("did not expect juiceshop route before install")
	}

	if err := st.AddTarget(state.Target{
		Name:   "juiceshop",
		Routes: []state.Route{{Hostname: "juiceshop.samurai.wtf", Service: "web", Port: 3000}},
	}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	b, ok := mgr.Current().Lookup("juiceshop.samurai.wtf")
	if !ok || b.Port != 3000 {
		t.Fatalf("expected route to appear after install, got %+v ok=%v", b, ok)
	}
}

func TestLookupHostPortStripsPort(t *testing.T) {
	st := newTestStore(t)
	cfg := config.NewReloadableConfig(&config.Config{LocalDomain: "samurai.wtf", DashboardHostname: "katana"})
	mgr := NewManager(cfg, st)

	if err := st.AddTarget(state.Target{
		Name:   "dvwa",
		Routes: []state.Route{{Hostname: "dvwa.samurai.wtf", Service: "web", Port: 80}},
	}); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	b, ok := mgr.Current().LookupHostPort("dvwa.samurai.wtf:443")
	if !ok || b.Host != "katana-dvwa_web" {
		t.Fatalf("expected port-stripped lookup to resolve, got %+v ok=%v", b, ok)
	}
}

func TestLookupMiss(t *testing.T) {
	st := newTestStore(t)
	cfg := config.NewReloadableConfig(&config.Config{LocalDomain: "samurai.wtf", DashboardHostname: "katana"})
	mgr := NewManager(cfg, st)

	if _, ok := mgr.Current().Lookup("nonexistent.samurai.wtf"); ok {
		t.Fatal("expected no route for an unknown hostname")
	}
}
