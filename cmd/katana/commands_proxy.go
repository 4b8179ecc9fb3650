// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/samurai-wtf/katana/internal/api"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/opmanager"
	"github.com/samurai-wtf/katana/internal/proxy"
)

func runProxy(ctx context.Context, global globalFlags, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: katana proxy {start|status}"))
	}
	switch args[0] {
	case "start":
		ensureNoArgs(args[1:])
		runProxyStart(ctx, global)
	case "status":
		ensureNoArgs(args[1:])
		runProxyStatus(global)
	default:
		fatal(fmt.Errorf("unknown proxy subcommand %q", args[0]))
	}
}

// runProxyStart is the one command that IS the long-running daemon: it
// assembles the Reverse Proxy, the in-process API/dashboard surface and
// the Operation Manager, and serves until interrupted. Every other
// subcommand runs directly against the same packages in-process instead.
func runProxyStart(ctx context.Context, global globalFlags) {
	logger := slog.Default()

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	if !app.certs.IsInitialized() {
		logger.Info("no certificate authority found, initializing one")
		if err := app.certs.Init(); err != nil {
			fatalErr(err)
		}
	}

	ops := opmanager.New(app.executor)
	defer ops.Stop()

	srv := api.New(app.cfg, app.catalog, app.state, ops, app.adapter, app.certs, app.dns, app.routes, logger)

	watcher := config.NewWatcher(global.ConfigPath, app.cfg, logger)
	watcher.OnChange(app.routes.OnConfigReload)
	watcher.Start(ctx)
	defer watcher.Stop()

	app.certs.OnRenew(func() {
		logger.Info("server certificate renewed; the proxy will present it on the next TLS handshake")
	})

	px := proxy.New(app.cfg, app.routes, app.certs, srv, logger)
	if err := px.Start(ctx); err != nil {
		fatalErr(err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining listeners")
}

func runProxyStatus(global globalFlags) {
	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}
	cfg := app.cfg.Get()
	bind := cfg.BindAddress()
	httpAddr := net.JoinHostPort(bind, strconv.Itoa(cfg.Proxy.HTTPPort))
	httpsAddr := net.JoinHostPort(bind, strconv.Itoa(cfg.Proxy.HTTPSPort))

	fmt.Printf("http  %s  listening=%t\n", httpAddr, checkTCP(httpAddr))
	fmt.Printf("https %s  listening=%t\n", httpsAddr, checkTCP(httpsAddr))
}

// runSetupProxy grants the running binary permission to bind the
// privileged 80/443 listeners without root, the same remediation the
// proxy's own bind-failure hint recommends.
func runSetupProxy(args []string) {
	ensureNoArgs(args)

	exe, err := os.Executable()
	if err != nil {
		fatalErr(katanaerr.New(katanaerr.CodeInternal, "resolve own executable path", err))
	}

	cmd := exec.Command("setcap", "cap_net_bind_service=+ep", exe)
	out, err := cmd.CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "setcap failed: %v\n%s\n", err, out)
		fmt.Fprintf(os.Stderr, "run this command as root, or manually: sudo setcap 'cap_net_bind_service=+ep' %s\n", exe)
		os.Exit(exitCode(katanaerr.CodePortBind))
	}
	fmt.Printf("granted cap_net_bind_service to %s; `katana proxy start` can now bind ports 80/443 unprivileged\n", exe)
}
