// mock-packagekit serves a fake package daemon on a bus for manual testing.
// Every name resolves to an installed package except those given with
// -missing, and installs succeed.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/session-installer/internal/packagekit"
	"github.com/nikicat/session-installer/internal/testutil"
)

func main() {
	var (
		address = flag.String("address", "", "bus address (default: session bus)")
		missing = flag.String("missing", "", "comma-separated package names reported as available, not installed")
	)
	flag.Parse()

	var conn *dbus.Conn
	var err error
	if *address == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(*address)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	notInstalled := strings.Split(*missing, ",")
	mock := testutil.NewMockPackageKit(func(c testutil.Call) testutil.Result {
		fmt.Printf("%s %s\n", c.Role, strings.Join(c.Values, " "))
		var res testutil.Result
		switch c.Role {
		case packagekit.RoleResolve, packagekit.RoleWhatProvides:
			for _, name := range c.Values {
				info := packagekit.InfoInstalled
				repo := "installed"
				if slices.Contains(notInstalled, name) {
					info, repo = packagekit.InfoAvailable, "fedora"
				}
				res.Packages = append(res.Packages, testutil.Pkg(info, name+";1.0;x86_64;"+repo))
			}
		case packagekit.RoleSearchFile:
			for _, file := range c.Values {
				res.Packages = append(res.Packages, testutil.Pkg(packagekit.InfoInstalled, "owner-of"+strings.ReplaceAll(file, "/", "-")+";1.0;x86_64;installed"))
			}
		}
		return res
	})
	if err := mock.Register(conn); err != nil {
		fmt.Fprintf(os.Stderr, "error: register mock daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Mock package daemon running. Press Ctrl+C to exit.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("Shutting down...")
}
