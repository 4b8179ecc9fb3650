// SPDX-License-Identifier: Apache-2.0

// Package main implements the Katana CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/samurai-wtf/katana/internal/certmanager"
	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/dnssync"
	"github.com/samurai-wtf/katana/internal/executor"
	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/module"
	"github.com/samurai-wtf/katana/internal/routetable"
	"github.com/samurai-wtf/katana/internal/state"
)

type globalFlags struct {
	ConfigPath string
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "status":
		runStatus(ctx, global, rest)
	case "list":
		runList(ctx, global, rest)
	case "install", "remove", "start", "stop":
		runModuleAction(ctx, global, rest, cmd)
	case "logs":
		runLogs(ctx, global, rest)
	case "lock":
		runLock(global, rest, true)
	case "unlock":
		runLock(global, rest, false)
	case "cert":
		runCert(global, rest)
	case "dns":
		runDNS(global, rest)
	case "proxy":
		runProxy(ctx, global, rest)
	case "setup-proxy":
		runSetupProxy(rest)
	case "doctor":
		runDoctor(ctx, global, rest)
	case "cleanup":
		runCleanup(ctx, global, rest)
	case "help":
		printUsage()
	case "version":
		printVersion()
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

// parseGlobalFlags parses everything before the first non-flag argument,
// which becomes the command word the rest of main dispatches on.
func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "-c" || arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-c="):
			flags.ConfigPath = strings.TrimPrefix(arg, "-c=")
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func printUsage() {
	fmt.Println(`Katana CLI

Usage:
  katana [-c <path>] <command> [args]

Global flags:
  -c, --config <path>   Path to the Katana configuration file

Commands:
  status
  list [targets|tools] [--installed]
  install <name> [--skip-dns]
  remove <name>
  start <name>
  stop <name>
  logs <name> [-f] [-t N]
  lock
  unlock
  cert {init|renew|export [path]|status}
  dns {sync [--all] | list [--all]}
  proxy {start|status}
  setup-proxy
  doctor [--json]
  cleanup [--prune] [--dry-run]
  version
`)
}

// appContext wires every collaborator a CLI subcommand needs, built
// fresh for each invocation since there is no resident daemon process to
// share them with (see proxy start, the one command that IS the daemon).
type appContext struct {
	cfg      *config.ReloadableConfig
	state    *state.Store
	catalog  *module.Catalog
	adapter  *compose.Adapter
	executor *executor.Executor
	certs    *certmanager.Manager
	dns      *dnssync.Synchronizer
	routes   *routetable.Manager
}

func bootstrap(configPath string) (*appContext, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	rc := config.NewReloadableConfig(cfg)

	for _, dir := range []string{cfg.Paths.Data, cfg.Paths.Certs} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, katanaerr.New(katanaerr.CodeState, "create data directory "+dir, err)
		}
	}

	st, err := state.Open(cfg.Paths.State)
	if err != nil {
		return nil, err
	}

	cat, err := module.Load(cfg.Paths.Modules)
	if err != nil {
		return nil, err
	}
	for _, w := range cat.Warnings {
		fmt.Fprintf(os.Stderr, "warning: module at %s skipped: %v\n", w.Path, w.Err)
	}

	adapter, err := compose.New(cfg.DockerNetwork)
	if err != nil {
		return nil, err
	}

	ex := executor.New(rc, st, cat, adapter)
	certs := certmanager.New(cfg.Paths.Certs, rc)
	dns := dnssync.New("/etc/hosts", rc)
	routes := routetable.NewManager(rc, st)

	return &appContext{
		cfg: rc, state: st, catalog: cat, adapter: adapter,
		executor: ex, certs: certs, dns: dns, routes: routes,
	}, nil
}
