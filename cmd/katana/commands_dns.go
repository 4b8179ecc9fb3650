// SPDX-License-Identifier: Apache-2.0
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/samurai-wtf/katana/internal/dnssync"
	"github.com/samurai-wtf/katana/internal/module"
)

func runDNS(global globalFlags, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: katana dns {sync [--all] | list [--all]}"))
	}
	sub := args[0]

	fs := flag.NewFlagSet("dns "+sub, flag.ContinueOnError)
	all := fs.Bool("all", false, "include every catalog target, or every managed entry, rather than just installed ones")
	if err := fs.Parse(args[1:]); err != nil {
		fatal(err)
	}
	ensureNoArgs(fs.Args())

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	switch sub {
	case "sync":
		hosts := desiredHostnames(app, *all)
		result, err := app.dns.Sync(hosts, dnssync.DefaultIP)
		if err != nil {
			fatalErr(err)
		}
		if result.Diagnostic != "" {
			fmt.Println(result.Diagnostic)
			return
		}
		fmt.Printf("added:     %v\n", result.Added)
		fmt.Printf("removed:   %v\n", result.Removed)
		fmt.Printf("unchanged: %v\n", result.Unchanged)

	case "list":
		entries, err := app.dns.ListManaged()
		if err != nil {
			fatalErr(err)
		}
		if !*all {
			wanted := make(map[string]bool)
			for _, h := range desiredHostnames(app, false) {
				wanted[strings.ToLower(h)] = true
			}
			filtered := entries[:0]
			for _, e := range entries {
				if wanted[strings.ToLower(e.Hostname)] {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}
		w := newTabWriter()
		writeRow(w, "IP", "HOSTNAME")
		for _, e := range entries {
			writeRow(w, e.IP, e.Hostname)
		}
		w.Flush()

	default:
		fatal(fmt.Errorf("unknown dns subcommand %q", sub))
	}
}

// desiredHostnames returns the dashboard hostname plus, by default,
// every currently installed target's routes. With all set it instead
// enumerates every target in the catalog regardless of install state,
// useful for pre-provisioning hostnames ahead of an install.
func desiredHostnames(app *appContext, all bool) []string {
	cfg := app.cfg.Get()
	hosts := []string{cfg.DashboardFullHostname()}

	if all {
		for _, m := range app.catalog.LoadByCategory(module.CategoryTarget) {
			for _, p := range m.Proxy {
				hosts = append(hosts, cfg.FullHostname(p.Hostname))
			}
		}
		return hosts
	}

	for _, t := range app.state.Get().Targets {
		for _, r := range t.Routes {
			hosts = append(hosts, r.Hostname)
		}
	}
	return hosts
}
