// session-installer serves the org.freedesktop.PackageKit session interface:
// desktop programs ask it to install packages, files, codecs and fonts, and it
// drives the system package daemon while asking the user to confirm.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nikicat/session-installer/internal/api"
	"github.com/nikicat/session-installer/internal/approval"
	"github.com/nikicat/session-installer/internal/cli"
	"github.com/nikicat/session-installer/internal/config"
	"github.com/nikicat/session-installer/internal/daemon"
	"github.com/nikicat/session-installer/internal/logging"
	"github.com/nikicat/session-installer/internal/notification"
	"github.com/nikicat/session-installer/internal/packagekit"
	"github.com/nikicat/session-installer/internal/service"
	"github.com/nikicat/session-installer/internal/task"
)

const defaultLocaleDir = "/usr/share/locale"

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "login":
		runLogin(os.Args[2:])
	case "list", "show", "approve", "deny", "choose", "history", "tasks", "cancel", "status":
		runCLI(os.Args[1], os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "install":
		runInstall(os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Run the session service and API
  login         Generate a login URL for the web page
  list          List pending prompts
  show          Show details of a pending prompt
  approve       Approve a pending prompt
  deny          Deny a pending prompt
  choose        Answer a choice prompt with a package ID
  history       Show answered prompts
  tasks         List running tasks
  cancel        Cancel a running task
  status        Show the service status
  query         Call the Query interface (is-installed, search-file)
  install       Call the Modify interface
  service       Manage the systemd user service

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// clientFlags are shared by every command that talks to a running service.
type clientFlags struct {
	configPath *string
	stateDir   *string
	server     *string
}

func addClientFlags(fs *flag.FlagSet, serverFlag string) clientFlags {
	return clientFlags{
		configPath: fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/session-installer/config.yaml)"),
		stateDir:   fs.String("state-dir", "", "State directory (default: $XDG_STATE_HOME/session-installer)"),
		server:     fs.String(serverFlag, config.DefaultListenAddr, "API server address (host:port or unix:/path)"),
	}
}

// resolve applies config values for flags not set on the command line and
// loads the API token.
func (cf clientFlags) resolve(fs *flag.FlagSet, serverFlag string) (*api.Auth, string) {
	cfg, err := loadConfig(*cf.configPath)
	if err != nil {
		fatalf("%v", err)
	}
	set := setFlags(fs)
	if !set["state-dir"] && cfg.StateDir != "" {
		*cf.stateDir = cfg.StateDir
	}
	if !set[serverFlag] && cfg.Listen != "" {
		*cf.server = cfg.Listen
	}

	stateDir := *cf.stateDir
	if stateDir == "" {
		if stateDir, err = getStateDir(); err != nil {
			fatalf("%v", err)
		}
	}

	auth, err := api.LoadAuth(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: %s is not running (no cookie file found)\n", progName)
			fmt.Fprintf(os.Stderr, "Start the service first with: %s serve\n", progName)
		} else {
			fmt.Fprintf(os.Stderr, "error loading auth: %v\n", err)
		}
		os.Exit(1)
	}
	return auth, *cf.server
}

func runLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	cf := addClientFlags(fs, "listen")
	promptID := fs.String("prompt", "", "Prompt to highlight on the page")
	fs.Parse(args) //nolint:errcheck

	auth, addr := cf.resolve(fs, "listen")
	url, err := auth.LoginURL(addr, *promptID)
	if err != nil {
		fatalf("generating login URL: %v", err)
	}

	fmt.Println("Open this URL to access the web page:")
	fmt.Println(url)
	fmt.Println()
	fmt.Println("(Link expires in 5 minutes)")

	// The URL is printed either way.
	exec.Command("xdg-open", url).Start() //nolint:errcheck
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cf := addClientFlags(fs, "server")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args) //nolint:errcheck

	auth, addr := cf.resolve(fs, "server")
	client := cli.NewClient(addr, auth.Token())
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	needArgs := func(n int, usage string) {
		if fs.NArg() < n {
			fmt.Fprintf(os.Stderr, "usage: %s %s %s\n", progName, cmd, usage)
			os.Exit(1)
		}
	}

	var err error
	switch cmd {
	case "list":
		var requests []cli.PendingRequest
		if requests, err = client.List(); err == nil {
			err = formatter.FormatRequests(requests)
		}

	case "show":
		needArgs(1, "<prompt-id>")
		var req *cli.PendingRequest
		if req, err = client.Show(fs.Arg(0)); err == nil {
			err = formatter.FormatRequest(req)
		}

	case "approve":
		needArgs(1, "<prompt-id>")
		var id string
		if id, err = client.Approve(fs.Arg(0)); err == nil {
			err = formatter.FormatAction("approved", id)
		}

	case "deny":
		needArgs(1, "<prompt-id>")
		var id string
		if id, err = client.Deny(fs.Arg(0)); err == nil {
			err = formatter.FormatAction("denied", id)
		}

	case "choose":
		needArgs(2, "<prompt-id> <package-id>")
		var id string
		if id, err = client.Choose(fs.Arg(0), fs.Arg(1)); err == nil {
			err = formatter.FormatAction("chosen", id)
		}

	case "history":
		var entries []cli.HistoryEntry
		if entries, err = client.History(); err == nil {
			err = formatter.FormatHistory(entries)
		}

	case "tasks":
		var tasks []cli.TaskInfo
		if tasks, err = client.Tasks(); err == nil {
			err = formatter.FormatTasks(tasks)
		}

	case "cancel":
		needArgs(1, "<task-id>")
		var id string
		if id, err = client.Cancel(fs.Arg(0)); err == nil {
			err = formatter.FormatAction("cancelled", id)
		}

	case "status":
		var st *cli.StatusResponse
		if st, err = client.Status(); err == nil {
			err = formatter.FormatStatus(st)
		}
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/session-installer/config.yaml)")
	logLevel := fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", config.DefaultLogFormat, "Log format: text (colored) or json")
	listenAddr := fs.String("listen", config.DefaultListenAddr, "HTTP API listen address (host:port or unix:/path)")
	promptTimeout := fs.Duration("prompt-timeout", config.DefaultPromptTimeout, "How long a prompt waits for an answer")
	historyLimit := fs.Int("history-limit", config.DefaultHistoryLimit, "Maximum number of answered prompts to keep")
	stateDirFlag := fs.String("state-dir", "", "State directory (default: $XDG_STATE_HOME/session-installer)")
	notifications := fs.Bool("notifications", true, "Show desktop notifications for prompts")
	showPIDs := fs.Bool("show-pids", false, "Show caller PIDs in notifications")
	idleTimeout := fs.Duration("idle-timeout", config.DefaultIdleTimeout, "Exit after this long with nothing to do")
	noTimedExit := fs.Bool("no-timed-exit", false, "Never exit when idle")
	language := fs.String("language", "", "Language for prompts and notifications (default: untranslated)")
	busAddress := fs.String("bus-address", "", "Session bus address (default: session bus)")
	systemBusAddress := fs.String("system-bus-address", "", "Package daemon bus address (default: system bus)")
	fs.Parse(args) //nolint:errcheck

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("invalid config: %v", err)
	}
	set := setFlags(fs)
	if !set["state-dir"] && cfg.StateDir != "" {
		*stateDirFlag = cfg.StateDir
	}
	if !set["listen"] && cfg.Listen != "" {
		*listenAddr = cfg.Listen
	}
	if !set["log-level"] && cfg.Serve.LogLevel != "" {
		*logLevel = cfg.Serve.LogLevel
	}
	if !set["log-format"] && cfg.Serve.LogFormat != "" {
		*logFormat = cfg.Serve.LogFormat
	}
	if !set["prompt-timeout"] && cfg.Serve.PromptTimeout != 0 {
		*promptTimeout = time.Duration(cfg.Serve.PromptTimeout)
	}
	if !set["history-limit"] && cfg.Serve.HistoryLimit != 0 {
		*historyLimit = cfg.Serve.HistoryLimit
	}
	if !set["notifications"] && cfg.Serve.Notifications != nil {
		*notifications = *cfg.Serve.Notifications
	}
	if !set["show-pids"] && cfg.Serve.ShowPIDs {
		*showPIDs = true
	}
	if !set["idle-timeout"] && cfg.Serve.IdleTimeout != 0 {
		*idleTimeout = time.Duration(cfg.Serve.IdleTimeout)
	}
	if !set["no-timed-exit"] && cfg.Serve.NoTimedExit {
		*noTimedExit = true
	}
	if !set["language"] && cfg.Serve.Language != "" {
		*language = cfg.Serve.Language
	}

	level := parseLogLevel(*logLevel)
	slog.SetDefault(slog.New(newLogHandler(*logFormat, level)))

	localeDir := cfg.Serve.LocaleDir
	if localeDir == "" {
		localeDir = defaultLocaleDir
	}
	task.ConfigureLocale(localeDir, *language)

	stateDir := *stateDirFlag
	if stateDir == "" {
		if stateDir, err = getStateDir(); err != nil {
			fatalf("%v", err)
		}
	}
	auth, err := api.NewAuth(stateDir)
	if err != nil {
		fatalf("creating auth: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	backend, err := packagekit.Connect(*systemBusAddress)
	if err != nil {
		fatalf("%v", err)
	}
	defer backend.Close()

	conn, err := daemon.Connect(*busAddress)
	if err != nil {
		fatalf("%v", err)
	}
	defer conn.Close()

	callers := daemon.NewCallerResolver(conn, backend, *language)
	approvalMgr := approval.NewManager(*promptTimeout, *historyLimit)
	approvalMgr.SetSenderLookup(callers.SenderInfo)

	var observers daemon.Observers
	reg := daemon.NewRegistry(ctx, daemon.Deps{
		Backend:  backend,
		Gate:     approvalMgr,
		Observer: &observers,
		Files:    task.NewFileChecker(cacheDir(cfg.Serve.CacheDir)),
		Callers:  callers,
		Audit:    logging.New(level, "session-bus"),
	}, policyFrom(cfg.Policy))

	apiServer, err := api.NewServer(*listenAddr, approvalMgr, reg, auth)
	if err != nil {
		fatalf("creating API server: %v", err)
	}
	observers = append(observers, apiServer.WSHandler())

	if *notifications {
		notifier, err := notification.NewDBusNotifier(*busAddress)
		if err != nil {
			slog.Warn("failed to create desktop notifier, notifications disabled", "error", err)
		} else {
			handler := notification.NewHandler(notifier, api.NewResolver(approvalMgr, "notification"), apiServer.URL(), *showPIDs)
			approvalMgr.Subscribe(handler)
			observers = append(observers, handler)
			go handler.ListenActions(ctx, notifier.Actions())
			defer notifier.Stop()
			slog.Debug("desktop notifications enabled")
		}
	}

	if path := watchPath(*configPath); path != "" {
		watcher, err := config.NewWatcher(path, func(c *config.Config) {
			if err := c.Validate(); err != nil {
				slog.Error("reloaded config rejected", "path", path, "error", err)
				return
			}
			reg.SetPolicy(policyFrom(c.Policy))
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			go watcher.Run(ctx) //nolint:errcheck
		}
	}

	if err := apiServer.Start(); err != nil {
		fatalf("starting API server: %v", err)
	}
	slog.Info("API server started", "addr", apiServer.Addr(), "cookie_file", auth.FilePath())
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		apiServer.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	err = daemon.Run(ctx, daemon.Config{
		Conn:        conn,
		IdleTimeout: *idleTimeout,
		NoTimedExit: *noTimedExit,
		Busy:        func() bool { return approvalMgr.PendingCount() > 0 },
	}, reg)
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalf("%v", err)
	}
}

// newLogHandler builds the process-wide log handler.
func newLogHandler(format string, level slog.Level) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	// When running under systemd, the journal adds its own timestamps.
	underSystemd := os.Getenv("INVOCATION_ID") != ""
	opts := &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(os.Stderr, opts)
}

// policyFrom converts the policy section of the config for the registry.
func policyFrom(p config.PolicyConfig) daemon.Policy {
	return daemon.Policy{
		DefaultInteraction:  p.Default(),
		EnforcedInteraction: p.EnforcedInteraction,
		Settings:            p.Settings(),
		IgnoredExecs:        p.IgnoredExecs,
	}
}

func cacheDir(configured string) string {
	if configured != "" {
		return configured
	}
	return task.DefaultCacheDir()
}

// watchPath is the config file to watch for policy changes.
func watchPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	path := config.DefaultPath()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return ""
	}
	return path
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "install":
		runServiceInstall(ctx, args[1:])
	case "uninstall":
		if err := service.Uninstall(ctx, os.Stdout); err != nil {
			fatalf("%v", err)
		}
	case "status":
		st, err := service.Status(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		st.Print(os.Stdout)
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func runServiceInstall(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("service install", flag.ExitOnError)
	start := fs.Bool("start", false, "Start the service immediately after installing")
	enable := fs.Bool("enable", false, "Start the service at login instead of on first use")
	configPath := fs.String("config", "", "Config file path to embed in the unit file")
	fs.Parse(args) //nolint:errcheck

	if err := service.Install(ctx, service.Options{
		ConfigPath: *configPath,
		Enable:     *enable,
		Start:      *start,
	}); err != nil {
		fatalf("%v", err)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install the systemd user unit and D-Bus activation file
  uninstall     Stop, disable, and remove the service
  status        Show the service status

Install options:
  --start       Start the service immediately after installing
  --enable      Start the service at login
  --config      Config file path to embed in the unit file's ExecStart
`, progName)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getStateDir() (string, error) {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "session-installer"), nil
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
