package module

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func setupTarget(t *testing.T, modulesDir, name string) {
	t.Helper()
	dir := filepath.Join(modulesDir, "targets", name)
	writeFile(t, filepath.Join(dir, "module.yml"), `
name: `+name+`
description: a vulnerable web app
compose: docker-compose.yml
proxy:
  - hostname: `+name+`
    service: web
    port: 80
`)
	writeFile(t, filepath.Join(dir, "docker-compose.yml"), `
services:
  web:
    image: vulnerables/`+name+`
`)
}

func TestLoadTargetModule(t *testing.T) {
	modulesDir := t.TempDir()
	setupTarget(t, modulesDir, "dvwa")

	cat, err := Load(modulesDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cat.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", cat.Warnings)
	}

	m := cat.FindModule("DVWA")
	if m == nil {
		t.Fatalf("expected case-insensitive lookup to find dvwa")
	}
	if !m.IsTarget() {
		t.Errorf("expected dvwa to be a target")
	}
	if m.Proxy[0].Hostname != "dvwa" || m.Proxy[0].Service != "web" {
		t.Errorf("unexpected proxy entry: %+v", m.Proxy[0])
	}
}

func TestLoadTargetProxyServiceMismatch(t *testing.T) {
	modulesDir := t.TempDir()
	dir := filepath.Join(modulesDir, "targets", "broken")
	writeFile(t, filepath.Join(dir, "module.yml"), `
name: broken
compose: docker-compose.yml
proxy:
  - hostname: broken
    service: missing-service
    port: 80
`)
	writeFile(t, filepath.Join(dir, "docker-compose.yml"), `
services:
  web:
    image: scratch
`)

	cat, err := Load(modulesDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cat.Warnings) != 1 {
		t.Fatalf("expected one warning for mismatched proxy service, got %d", len(cat.Warnings))
	}
	if cat.FindModule("broken") != nil {
		t.Errorf("expected malformed module to be excluded from the catalog")
	}
}

func TestLoadToolModule(t *testing.T) {
	modulesDir := t.TempDir()
	dir := filepath.Join(modulesDir, "tools", "nmap")
	writeFile(t, filepath.Join(dir, "module.yml"), `
name: nmap
description: network scanner
install: install.sh
remove: remove.sh
install_requires_root: true
`)

	cat, err := Load(modulesDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m := cat.FindModule("nmap")
	if m == nil || !m.IsTool() {
		t.Fatalf("expected nmap to load as a tool")
	}
	if !m.InstallRequiresRoot {
		t.Errorf("expected install_requires_root to be true")
	}
}

func TestLoadRejectsUppercaseName(t *testing.T) {
	modulesDir := t.TempDir()
	dir := filepath.Join(modulesDir, "tools", "Nmap")
	writeFile(t, filepath.Join(dir, "module.yml"), `
name: Nmap
install: install.sh
remove: remove.sh
`)

	cat, err := Load(modulesDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cat.Warnings) != 1 {
		t.Fatalf("expected a warning for non-kebab-case name, got %d", len(cat.Warnings))
	}
}

func TestLoadByCategory(t *testing.T) {
	modulesDir := t.TempDir()
	setupTarget(t, modulesDir, "dvwa")
	setupTarget(t, modulesDir, "juice-shop")

	cat, err := Load(modulesDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	targets := cat.LoadByCategory(CategoryTarget)
	if len(targets) != 2 {
		t.Errorf("expected 2 targets, got %d", len(targets))
	}
	if tools := cat.LoadByCategory(CategoryTool); len(tools) != 0 {
		t.Errorf("expected 0 tools, got %d", len(tools))
	}
}
