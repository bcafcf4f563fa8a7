package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/session-installer/internal/cli"
	"github.com/nikicat/session-installer/internal/daemon"
	pkdbus "github.com/nikicat/session-installer/internal/dbus"
)

// installMethods maps the install command's kinds to Modify methods.
var installMethods = map[string]string{
	"package-files":   "InstallPackageFiles",
	"provide-files":   "InstallProvideFiles",
	"package-names":   "InstallPackageNames",
	"mime-types":      "InstallMimeTypes",
	"fonts":           "InstallFontconfigResources",
	"codecs":          "InstallGstreamerResources",
	"catalogs":        "InstallCatalogs",
	"printer-drivers": "InstallPrinterDrivers",
	"remove-files":    "RemovePackageByFiles",
}

// busFlags are shared by the commands that call the session service.
type busFlags struct {
	address     *string
	interaction *string
	json        *bool
}

func addBusFlags(fs *flag.FlagSet) busFlags {
	return busFlags{
		address:     fs.String("bus-address", "", "Session bus address (default: session bus)"),
		interaction: fs.String("interaction", "", "Interaction mode, e.g. hide-finished,show-confirm-install"),
		json:        fs.Bool("json", false, "Output as JSON"),
	}
}

// call invokes a method on the session service and waits for the reply.
// Interrupting the command abandons the call.
func (bf busFlags) call(method string, args ...any) *dbus.Call {
	conn, err := daemon.Connect(*bf.address)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obj := conn.Object(pkdbus.BusName, pkdbus.ObjectPath)
	c := obj.CallWithContext(ctx, method, 0, args...)
	conn.Close()
	if c.Err != nil {
		fatalf("%s: %v", method[strings.LastIndex(method, ".")+1:], c.Err)
	}
	return c
}

func runQuery(args []string) {
	if len(args) == 0 {
		printQueryUsage()
		os.Exit(1)
	}

	sub := args[0]
	fs := flag.NewFlagSet("query "+sub, flag.ExitOnError)
	bf := addBusFlags(fs)
	fs.Parse(args[1:]) //nolint:errcheck
	formatter := cli.NewFormatter(os.Stdout, *bf.json)

	var result cli.QueryResult
	switch sub {
	case "is-installed":
		if fs.NArg() != 1 {
			fatalf("usage: %s query is-installed <package-name>", progName)
		}
		result.Method = "IsInstalled"
		c := bf.call(pkdbus.QueryInterface+".IsInstalled", fs.Arg(0), *bf.interaction)
		if err := c.Store(&result.Installed); err != nil {
			fatalf("decode reply: %v", err)
		}
		result.Package = fs.Arg(0)

	case "search-file":
		if fs.NArg() != 1 {
			fatalf("usage: %s query search-file <file>", progName)
		}
		result.Method = "SearchFile"
		c := bf.call(pkdbus.QueryInterface+".SearchFile", fs.Arg(0), *bf.interaction)
		if err := c.Store(&result.Installed, &result.Package); err != nil {
			fatalf("decode reply: %v", err)
		}

	case "-h", "--help", "help":
		printQueryUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown query: %s\n\n", sub)
		printQueryUsage()
		os.Exit(1)
	}
	if err := formatter.FormatQuery(result); err != nil {
		fatalf("%v", err)
	}
}

func printQueryUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s query <is-installed|search-file> <value> [options]

Options:
  --interaction   Interaction mode passed to the service
  --bus-address   Session bus address
  --json          Output as JSON
`, progName)
}

func runInstall(args []string) {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printInstallUsage()
		if len(args) == 0 {
			os.Exit(1)
		}
		return
	}

	kind := args[0]
	method, ok := installMethods[kind]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown install kind: %s\n\n", kind)
		printInstallUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("install "+kind, flag.ExitOnError)
	bf := addBusFlags(fs)
	xid := fs.Uint("xid", 0, "X window ID to attach prompts to")
	fs.Parse(args[1:]) //nolint:errcheck
	if fs.NArg() == 0 {
		fatalf("usage: %s install %s <value>...", progName, kind)
	}

	c := bf.call(pkdbus.ModifyInterface+"."+method, uint32(*xid), fs.Args(), *bf.interaction)
	result := cli.QueryResult{Method: method, Installed: true}
	if len(c.Body) > 0 {
		if err := c.Store(&result.Installed); err != nil {
			fatalf("decode reply: %v", err)
		}
	}
	if err := cli.NewFormatter(os.Stdout, *bf.json).FormatQuery(result); err != nil {
		fatalf("%v", err)
	}
}

func printInstallUsage() {
	kinds := make([]string, 0, len(installMethods))
	for k := range installMethods {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(os.Stderr, `Usage: %s install <kind> <value>... [options]

Kinds:
  %s

Options:
  --xid           X window ID to attach prompts to
  --interaction   Interaction mode passed to the service
  --bus-address   Session bus address
  --json          Output as JSON
`, progName, strings.Join(kinds, "\n  "))
}
