// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samurai-wtf/katana/internal/dnssync"
	"github.com/samurai-wtf/katana/internal/executor"
	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/module"
)

func runStatus(ctx context.Context, global globalFlags, args []string) {
	ensureNoArgs(args)
	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	st := app.state.Get()
	cfg := app.cfg.Get()
	reachable := app.adapter.Ping(ctx) == nil

	fmt.Printf("install_type: %s\n", cfg.InstallType)
	fmt.Printf("domain:       %s\n", cfg.Domain())
	fmt.Printf("locked:       %t\n", st.Locked)
	fmt.Printf("docker:       reachable=%t\n", reachable)
	fmt.Printf("targets:      %d installed\n", len(st.Targets))
	fmt.Printf("tools:        %d installed\n", len(st.Tools))
}

func runList(ctx context.Context, global globalFlags, args []string) {
	var category string
	rest := args
	if len(args) > 0 && (args[0] == "targets" || args[0] == "tools") {
		category, rest = args[0], args[1:]
	}

	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	installedOnly := fs.Bool("installed", false, "only show installed modules")
	if err := fs.Parse(rest); err != nil {
		fatal(err)
	}
	ensureNoArgs(fs.Args())

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	var mods []*module.Module
	switch category {
	case "targets":
		mods = app.catalog.LoadByCategory(module.CategoryTarget)
	case "tools":
		mods = app.catalog.LoadByCategory(module.CategoryTool)
	default:
		mods = app.catalog.LoadAll()
	}

	w := newTabWriter()
	writeRow(w, "NAME", "CATEGORY", "STATUS", "DESCRIPTION")
	for _, m := range mods {
		installed, status := moduleStatus(ctx, app, m)
		if *installedOnly && !installed {
			continue
		}
		writeRow(w, m.Name, string(m.Category), status, m.Description)
	}
	w.Flush()
}

func moduleStatus(ctx context.Context, app *appContext, m *module.Module) (installed bool, status string) {
	switch m.Category {
	case module.CategoryTarget:
		if app.state.FindTarget(m.Name) == nil {
			return false, "not_installed"
		}
		st, err := app.adapter.Status(ctx, m.Name)
		if err != nil {
			return true, "unknown"
		}
		switch {
		case st.AllRunning && len(st.Containers) > 0:
			return true, "running"
		case st.AnyRunning:
			return true, "partial"
		default:
			return true, "stopped"
		}
	case module.CategoryTool:
		if app.state.FindTool(m.Name) == nil {
			return false, "not_installed"
		}
		return true, "installed"
	}
	return false, "unknown"
}

var actionKinds = map[string]executor.Kind{
	"install": executor.KindInstall,
	"remove":  executor.KindRemove,
	"start":   executor.KindStart,
	"stop":    executor.KindStop,
}

func runModuleAction(ctx context.Context, global globalFlags, args []string, action string) {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	var skipDNS bool
	if action == "install" {
		fs.BoolVar(&skipDNS, "skip-dns", false, "do not update the hosts file for this target")
	}
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fatal(fmt.Errorf("usage: katana %s <name>", action))
	}
	name := rest[0]

	kind, ok := actionKinds[action]
	if !ok {
		fatal(fmt.Errorf("unknown action %q", action))
	}

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	if err := app.executor.Run(ctx, name, kind, cliSink{}); err != nil {
		fatalErr(err)
	}

	m := app.catalog.FindModule(name)
	if m != nil && m.IsTarget() && (action == "install" || action == "remove") && !skipDNS {
		if err := resyncDNS(app); err != nil {
			fmt.Fprintf(os.Stderr, "warning: hosts-file sync failed: %v\n", err)
		}
	}

	fmt.Printf("%s %s: done\n", action, name)
}

// resyncDNS reconciles the hosts file against every currently installed
// target's routes plus the dashboard hostname.
func resyncDNS(app *appContext) error {
	cfg := app.cfg.Get()
	hosts := []string{cfg.DashboardFullHostname()}
	for _, t := range app.state.Get().Targets {
		for _, r := range t.Routes {
			hosts = append(hosts, r.Hostname)
		}
	}
	_, err := app.dns.Sync(hosts, dnssync.DefaultIP)
	return err
}

func runLogs(ctx context.Context, global globalFlags, args []string) {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	follow := fs.Bool("f", false, "follow log output")
	tail := fs.Int("t", 0, "number of lines to show from the end of the logs")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fatal(fmt.Errorf("usage: katana logs <name> [-f] [-t N]"))
	}
	name := rest[0]

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	m := app.catalog.FindModule(name)
	if m == nil || !m.IsTarget() {
		fatalErr(katanaerr.NotFound("target", name))
	}

	if err := app.adapter.Logs(ctx, name, filepath.Join(m.Path, m.Compose), *follow, *tail, os.Stdout); err != nil {
		fatalErr(err)
	}
}

func runLock(global globalFlags, args []string, locked bool) {
	ensureNoArgs(args)
	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}
	if err := app.state.SetLocked(locked); err != nil {
		fatalErr(err)
	}
	state := "unlocked"
	if locked {
		state = "locked"
	}
	fmt.Printf("system %s\n", state)
}

// cliSink renders executor progress/task/log events to stdout for a
// synchronous, single-invocation CLI run (no SSE subscriber involved).
type cliSink struct{}

func (cliSink) Progress(percent int, message string) {
	fmt.Printf("[%3d%%] %s\n", percent, message)
}

func (cliSink) Task(name, status string) {
	fmt.Printf("task %s: %s\n", name, status)
}

func (cliSink) Log(level, line string) {
	fmt.Printf("%s: %s\n", level, line)
}
