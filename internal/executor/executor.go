// SPDX-License-Identifier: Apache-2.0
// Package executor dispatches (module, operation) pairs to the Compose
// Adapter or Tool Script Runner, mutating state iff the backend succeeds.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/module"
	"github.com/samurai-wtf/katana/internal/state"
	"github.com/samurai-wtf/katana/internal/toolrunner"
)

// Kind identifies the lifecycle action being run.
type Kind string

const (
	KindInstall Kind = "install"
	KindRemove  Kind = "remove"
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
)

// Sink receives progress, task and log events emitted while an operation
// runs. Implementations must not block; the Operation Manager's sink
// fans these out to SSE subscribers and a per-op backlog buffer.
type Sink interface {
	Progress(percent int, message string)
	Task(name string, status string)
	Log(level, line string)
}

// composeBackend is the subset of the Compose Adapter the executor needs,
// narrowed to an interface so it can be faked in tests.
type composeBackend interface {
	Up(ctx context.Context, moduleName, composePath string, env map[string]string, rewrite compose.EnvRewriter) error
	Down(ctx context.Context, moduleName, composePath string) error
	Start(ctx context.Context, moduleName, composePath string) error
	Stop(ctx context.Context, moduleName, composePath string) error
}

// toolBackend is the subset of the Tool Script Runner the executor needs.
type toolBackend interface {
	Run(ctx context.Context, moduleDir, scriptRelPath string, requiresRoot bool, sink toolrunner.LineSink) (string, error)
}

type defaultToolBackend struct{}

func (defaultToolBackend) Run(ctx context.Context, moduleDir, scriptRelPath string, requiresRoot bool, sink toolrunner.LineSink) (string, error) {
	return toolrunner.Run(ctx, moduleDir, scriptRelPath, requiresRoot, sink)
}

// Executor wires the Module Loader, State Store, Compose Adapter and Tool
// Script Runner together to run a single (module, operation).
type Executor struct {
	cfg     *config.ReloadableConfig
	state   *state.Store
	catalog *module.Catalog
	adapter composeBackend
	runner  toolBackend
}

// New creates an Executor backed by the real Compose Adapter and Tool
// Script Runner.
func New(cfg *config.ReloadableConfig, st *state.Store, catalog *module.Catalog, adapter *compose.Adapter) *Executor {
	return &Executor{cfg: cfg, state: st, catalog: catalog, adapter: adapter, runner: defaultToolBackend{}}
}

// NewWithBackends wires an Executor to arbitrary compose/tool backends,
// for composing with fakes in other packages' tests.
func NewWithBackends(cfg *config.ReloadableConfig, st *state.Store, catalog *module.Catalog, adapter composeBackend, runner toolBackend) *Executor {
	return &Executor{cfg: cfg, state: st, catalog: catalog, adapter: adapter, runner: runner}
}

// Precheck resolves moduleName and evaluates kind's preconditions (lock
// state, already-installed/not-installed) without doing any backend work.
// The Operation Manager calls this synchronously at admission so a rejected
// install/remove fails the originating request immediately instead of
// surfacing only as a later async `complete{success=false}` event.
func (e *Executor) Precheck(moduleName string, kind Kind) error {
	m := e.catalog.FindModule(moduleName)
	if m == nil {
		return katanaerr.NotFound("module", moduleName)
	}
	return e.checkPreconditions(m, kind)
}

// Run dispatches moduleName/kind, enforcing preconditions before doing any
// work, and returns once the backend call and any state mutation complete.
func (e *Executor) Run(ctx context.Context, moduleName string, kind Kind, sink Sink) error {
	m := e.catalog.FindModule(moduleName)
	if m == nil {
		return katanaerr.NotFound("module", moduleName)
	}

	if err := e.checkPreconditions(m, kind); err != nil {
		return err
	}

	sink.Task(string(kind), "running")
	var err error
	switch {
	case m.IsTarget():
		err = e.runTarget(ctx, m, kind, sink)
	case m.IsTool():
		err = e.runTool(ctx, m, kind, sink)
	}

	if err != nil {
		sink.Task(string(kind), "failed")
		sink.Log("error", err.Error())
		return err
	}
	sink.Task(string(kind), "completed")
	return nil
}

func (e *Executor) checkPreconditions(m *module.Module, kind Kind) error {
	locked := e.state.Get().Locked
	installedTarget := e.state.FindTarget(m.Name) != nil
	installedTool := e.state.FindTool(m.Name) != nil
	installed := installedTarget || installedTool

	switch kind {
	case KindInstall:
		if locked {
			return katanaerr.Locked()
		}
		if installed {
			return katanaerr.AlreadyExists(string(m.Category), m.Name)
		}
	case KindRemove:
		if locked {
			return katanaerr.Locked()
		}
		if !installed {
			return katanaerr.NotFound(string(m.Category), m.Name)
		}
	case KindStart, KindStop:
		if m.IsTool() {
			if m.Start == "" || m.Stop == "" {
				return katanaerr.New(katanaerr.CodeNotSupported, fmt.Sprintf("tool %q does not support start/stop", m.Name), nil)
			}
		}
		if !installedTarget && !installedTool {
			return katanaerr.NotFound(string(m.Category), m.Name)
		}
	}
	return nil
}

func (e *Executor) runTarget(ctx context.Context, m *module.Module, kind Kind, sink Sink) error {
	cfg := e.cfg.Get()
	rewrite := func(name string) string { return cfg.FullHostname(name) }
	composePath := filepath.Join(m.Path, m.Compose)

	switch kind {
	case KindInstall:
		sink.Progress(10, "bringing up containers")
		if err := e.adapter.Up(ctx, m.Name, composePath, m.Env, rewrite); err != nil {
			return err
		}
		sink.Progress(90, "recording installed target")
		routes := make([]state.Route, 0, len(m.Proxy))
		for _, p := range m.Proxy {
			routes = append(routes, state.Route{
				Hostname: cfg.FullHostname(p.Hostname),
				Service:  p.Service,
				Port:     p.Port,
			})
		}
		return e.state.AddTarget(state.Target{
			Name:           m.Name,
			InstalledAt:    time.Now().UTC().Format(time.RFC3339),
			ComposeProject: compose.ProjectName(m.Name),
			Routes:         routes,
		})
	case KindRemove:
		sink.Progress(10, "tearing down containers")
		if err := e.adapter.Down(ctx, m.Name, composePath); err != nil {
			return err
		}
		return e.state.RemoveTarget(m.Name)
	case KindStart:
		sink.Progress(50, "starting containers")
		return e.adapter.Start(ctx, m.Name, composePath)
	case KindStop:
		sink.Progress(50, "stopping containers")
		return e.adapter.Stop(ctx, m.Name, composePath)
	}
	return nil
}

func (e *Executor) runTool(ctx context.Context, m *module.Module, kind Kind, sink Sink) error {
	logLine := func(line string) { sink.Log("info", line) }

	switch kind {
	case KindInstall:
		sink.Progress(10, "running install script")
		version, err := e.runner.Run(ctx, m.Path, m.Install, m.InstallRequiresRoot, logLine)
		if err != nil {
			return err
		}
		return e.state.AddTool(state.Tool{
			Name:        m.Name,
			InstalledAt: time.Now().UTC().Format(time.RFC3339),
			Version:     version,
		})
	case KindRemove:
		sink.Progress(10, "running remove script")
		if _, err := e.runner.Run(ctx, m.Path, m.Remove, m.InstallRequiresRoot, logLine); err != nil {
			return err
		}
		return e.state.RemoveTool(m.Name)
	case KindStart:
		sink.Progress(50, "running start script")
		_, err := e.runner.Run(ctx, m.Path, m.Start, m.InstallRequiresRoot, logLine)
		return err
	case KindStop:
		sink.Progress(50, "running stop script")
		_, err := e.runner.Run(ctx, m.Path, m.Stop, m.InstallRequiresRoot, logLine)
		return err
	}
	return nil
}
