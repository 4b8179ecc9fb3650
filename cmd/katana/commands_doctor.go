// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/samurai-wtf/katana/internal/compose"
	"github.com/samurai-wtf/katana/internal/diag"
)

func runDoctor(ctx context.Context, global globalFlags, args []string) {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	ensureNoArgs(fs.Args())

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	report := diag.Build(ctx, app.cfg.Get(), app.adapter, app.certs, app.dns)

	if *asJSON {
		printJSON(report)
		return
	}

	fmt.Printf("docker: reachable=%t", report.Docker.Reachable)
	if report.Docker.Error != "" {
		fmt.Printf(" error=%q", report.Docker.Error)
	}
	fmt.Println()

	fmt.Printf("cert:   initialized=%t", report.Cert.Initialized)
	if report.Cert.Initialized {
		fmt.Printf(" expires_in_days=%d", report.Cert.DaysUntilExpiration)
	}
	if report.Cert.Error != "" {
		fmt.Printf(" error=%q", report.Cert.Error)
	}
	fmt.Println()

	fmt.Printf("dns:    managed_entries=%d", report.DNS.ManagedEntries)
	if report.DNS.Diagnostic != "" {
		fmt.Printf(" diagnostic=%q", report.DNS.Diagnostic)
	}
	if report.DNS.Error != "" {
		fmt.Printf(" error=%q", report.DNS.Error)
	}
	fmt.Println()

	fmt.Printf("proxy:  bind=%s http=%d(listening=%t) https=%d(listening=%t)\n",
		report.Proxy.Bind, report.Proxy.HTTPPort, report.Proxy.HTTPListening,
		report.Proxy.HTTPSPort, report.Proxy.TLSListening)

	fmt.Printf("disk:   path=%s", report.Disk.Path)
	if report.Disk.Error != "" {
		fmt.Printf(" error=%q", report.Disk.Error)
	} else {
		fmt.Printf(" free=%d/%d bytes", report.Disk.FreeBytes, report.Disk.TotalBytes)
	}
	fmt.Println()
}

func runCleanup(ctx context.Context, global globalFlags, args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	prune := fs.Bool("prune", false, "remove orphaned containers instead of only reporting them")
	dryRun := fs.Bool("dry-run", false, "report what would be removed without removing anything")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	ensureNoArgs(fs.Args())

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	known := make([]string, 0, len(app.state.Get().Targets))
	for _, t := range app.state.Get().Targets {
		known = append(known, compose.ProjectName(t.Name))
	}

	orphans, err := app.adapter.ListOrphans(ctx, known)
	if err != nil {
		fatalErr(err)
	}

	if len(orphans) == 0 {
		fmt.Println("no orphaned containers found")
		return
	}

	for _, o := range orphans {
		fmt.Printf("orphan: project=%s container=%s names=%v\n", o.Project, o.ContainerID, o.Names)
	}

	if *dryRun {
		fmt.Printf("dry run: %d orphan(s) would be removed\n", len(orphans))
		return
	}
	if !*prune {
		fmt.Printf("%d orphan(s) found; rerun with --prune to remove them\n", len(orphans))
		return
	}

	removed := 0
	for _, o := range orphans {
		if err := app.adapter.RemoveOrphan(ctx, o.ContainerID); err != nil {
			fmt.Printf("failed to remove %s: %v\n", o.ContainerID, err)
			continue
		}
		removed++
	}
	fmt.Printf("removed %d/%d orphan(s)\n", removed, len(orphans))
}
