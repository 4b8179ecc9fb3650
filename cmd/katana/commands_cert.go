// SPDX-License-Identifier: Apache-2.0
package main

import "fmt"

func runCert(global globalFlags, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: katana cert {init|renew|export [path]|status}"))
	}

	app, err := bootstrap(global.ConfigPath)
	if err != nil {
		fatalErr(err)
	}

	switch args[0] {
	case "init":
		ensureNoArgs(args[1:])
		if err := app.certs.Init(); err != nil {
			fatalErr(err)
		}
		fmt.Println("certificate authority initialized")

	case "renew":
		ensureNoArgs(args[1:])
		if err := app.certs.Renew(); err != nil {
			fatalErr(err)
		}
		fmt.Println("server certificate renewed")

	case "export":
		dest := "./katana-root-ca.crt"
		rest := args[1:]
		if len(rest) > 1 {
			fatal(fmt.Errorf("usage: katana cert export [path]"))
		}
		if len(rest) == 1 {
			dest = rest[0]
		}
		if err := app.certs.ExportCA(dest); err != nil {
			fatalErr(err)
		}
		fmt.Printf("root CA certificate exported to %s\n", dest)

	case "status":
		ensureNoArgs(args[1:])
		initialized := app.certs.IsInitialized()
		fmt.Printf("initialized: %t\n", initialized)
		if !initialized {
			return
		}
		days, err := app.certs.DaysUntilExpiration()
		if err != nil {
			fatalErr(err)
		}
		fmt.Printf("server cert expires in %d day(s)\n", days)
		if err := app.certs.ValidateCerts(); err != nil {
			fmt.Printf("validation: %v\n", err)
		} else {
			fmt.Println("validation: ok")
		}

	default:
		fatal(fmt.Errorf("unknown cert subcommand %q", args[0]))
	}
}
