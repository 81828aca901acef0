// Package main is the CLI entry point for airtraffic.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/airtraffic/internal/daemon"
	"github.com/eliteGoblin/airtraffic/internal/domain"
	"github.com/eliteGoblin/airtraffic/internal/infra"
	"github.com/eliteGoblin/airtraffic/internal/monitor"
	"github.com/eliteGoblin/airtraffic/internal/store"
	"github.com/eliteGoblin/airtraffic/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// Exit codes are stable so scripts can branch on the failure class.
const (
	exitOK               = 0
	exitGeneric          = 1
	exitPermission       = 2
	exitDaemonNotRunning = 3
	exitInvalidTimestamp = 4
	exitEnforcement      = 5
	exitStoreUnavailable = 6
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrPermission):
		return exitPermission
	case errors.Is(err, domain.ErrDaemonNotRunning):
		return exitDaemonNotRunning
	case errors.Is(err, domain.ErrInvalidTimestamp):
		return exitInvalidTimestamp
	case errors.Is(err, domain.ErrEnforcementFailed):
		return exitEnforcement
	case errors.Is(err, domain.ErrStoreUnavailable):
		return exitStoreUnavailable
	default:
		return exitGeneric
	}
}

var rootCmd = &cobra.Command{
	Use:   "airtraffic",
	Short: "Per-application network usage monitor and firewall",
	Long: `airtraffic samples per-application network counters in the background,
keeps a durable usage history, and can block individual applications
from the network via the OS firewall.

Most commands need root: per-process network counters and firewall
changes require elevated privileges.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register the daemon with the OS service manager",
	Long:  `Installs a launchd/systemd unit so the daemon starts on boot.`,
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the daemon from the OS service manager",
	RunE:  runUninstall,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sampling daemon in the background",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the sampling daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Show per-application traffic rates in real time",
	Long:  `Full-screen live view of current upload/download rates per application. Press q to quit.`,
	RunE:  runLive,
}

var todayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show usage since midnight",
	RunE:  func(cmd *cobra.Command, args []string) error { return runWindow("today") },
}

var weekCmd = &cobra.Command{
	Use:   "week",
	Short: "Show usage since Monday",
	RunE:  func(cmd *cobra.Command, args []string) error { return runWindow("week") },
}

var monthCmd = &cobra.Command{
	Use:   "month",
	Short: "Show usage since the first of the month",
	RunE:  func(cmd *cobra.Command, args []string) error { return runWindow("month") },
}

var sinceCmd = &cobra.Command{
	Use:   "since <today|week|month|\"dd:mm:yyyy hh:mm:ss\">",
	Short: "Show usage since an anchor or custom timestamp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWindow(args[0])
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <app|path|all>",
	Short: "Block an application's network access",
	Long: `Blocks one application from the network, or every known application
with "all". The application may be given by name (matched against
running processes) or by executable path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(args[0], domain.StateBlocked)
	},
}

var allowCmd = &cobra.Command{
	Use:   "allow <app|path|all>",
	Short: "Restore an application's network access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(args[0], domain.StateAllowed)
	},
}

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List blocked applications",
	RunE:  runBlocked,
}

var allowedCmd = &cobra.Command{
	Use:   "allowed",
	Short: "List allowed applications",
	RunE:  runAllowed,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

// Hidden daemon command - used for self-exec when spawning the daemon.
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	liveInterval time.Duration
	jsonOutput   bool
)

func init() {
	liveCmd.Flags().DurationVar(&liveInterval, "interval", monitor.DefaultInterval, "Refresh interval")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(todayCmd)
	rootCmd.AddCommand(weekCmd)
	rootCmd.AddCommand(monthCmd)
	rootCmd.AddCommand(sinceCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(allowCmd)
	rootCmd.AddCommand(blockedCmd)
	rootCmd.AddCommand(allowedCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

func requireRoot(what string) error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("%w: %s needs root (try sudo)", domain.ErrPermission, what)
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	paths := infra.DetectPaths()
	sm := infra.NewServiceManager(*paths)
	if sm == nil {
		return fmt.Errorf("boot integration is not supported on %s", runtime.GOOS)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	if err := sm.Install(execPath); err != nil {
		return err
	}
	fmt.Printf("Installed %s\n", sm.UnitPath())
	fmt.Println("The daemon will start on boot.")
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	paths := infra.DetectPaths()
	sm := infra.NewServiceManager(*paths)
	if sm == nil {
		return fmt.Errorf("boot integration is not supported on %s", runtime.GOOS)
	}
	if !sm.IsInstalled() {
		fmt.Println("Not installed.")
		return nil
	}
	if err := sm.Uninstall(); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", sm.UnitPath())
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := requireRoot("sampling network counters"); err != nil {
		return err
	}

	paths := infra.DetectPaths()
	if err := paths.EnsureDataDir(); err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	marker := infra.NewFileMarker(paths.DataDir, pm)

	if info, _ := marker.Current(); info != nil {
		fmt.Printf("airtraffic daemon is already running (pid %d)\n", info.PID)
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(paths.ErrorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(execPath, "daemon")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}
	_ = child.Process.Release()

	// Give the daemon a moment to claim the marker or die trying.
	for i := 0; i < 20; i++ {
		time.Sleep(250 * time.Millisecond)
		if info, _ := marker.Current(); info != nil {
			fmt.Printf("airtraffic daemon started (pid %d)\n", info.PID)
			return nil
		}
	}
	return fmt.Errorf("daemon did not start; check %s", paths.ErrorLogPath)
}

func runStop(cmd *cobra.Command, args []string) error {
	paths := infra.DetectPaths()
	pm := infra.NewProcessManager()
	marker := infra.NewFileMarker(paths.DataDir, pm)

	info, err := marker.Current()
	if err != nil {
		return err
	}
	if info == nil {
		return domain.ErrDaemonNotRunning
	}

	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return domain.ErrDaemonNotRunning
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon (pid %d): %w", info.PID, err)
	}

	for i := 0; i < 40; i++ {
		time.Sleep(250 * time.Millisecond)
		if !pm.IsRunning(info.PID) {
			fmt.Println("airtraffic daemon stopped")
			return nil
		}
	}
	return fmt.Errorf("daemon (pid %d) did not exit within 10s", info.PID)
}

func runStatus(cmd *cobra.Command, args []string) error {
	paths := infra.DetectPaths()
	pm := infra.NewProcessManager()
	marker := infra.NewFileMarker(paths.DataDir, pm)

	fmt.Println("=== airtraffic Status ===")

	info, err := marker.Current()
	if err != nil {
		return err
	}
	if info == nil {
		fmt.Println("Daemon: NOT RUNNING")
		fmt.Println("\nRun 'sudo airtraffic start' to begin sampling.")
	} else {
		fmt.Printf("Daemon: RUNNING (pid %d)\n", info.PID)
		fmt.Printf("Started: %s\n", time.Unix(info.StartedAt, 0).Format(time.RFC1123))
		if info.LastHeartbeat > 0 {
			fmt.Printf("Last heartbeat: %s ago\n",
				time.Since(time.Unix(info.LastHeartbeat, 0)).Round(time.Second))
		}
	}

	fmt.Printf("Data directory: %s\n", paths.DataDir)

	strategies := infra.DetectStrategies(nil)
	if len(strategies) == 0 {
		fmt.Println("Firewall: no usable enforcement mechanism on this host")
	} else {
		fmt.Print("Firewall: ")
		for i, s := range strategies {
			if i > 0 {
				fmt.Print(" -> ")
			}
			fmt.Print(s.Name())
		}
		fmt.Println()
	}

	sm := infra.NewServiceManager(*paths)
	if sm != nil && sm.IsInstalled() {
		fmt.Println("Auto-start: enabled")
	} else {
		fmt.Println("Auto-start: disabled (run 'airtraffic install')")
	}

	if _, err := os.Stat(paths.PolicyDB); err == nil {
		if key, err := infra.EnsureKey(infra.NewFileKeyProvider(paths.DataDir)); err == nil {
			if policyStore, err := store.OpenPolicy(paths.PolicyDB, key); err == nil {
				if entries, err := policyStore.List(domain.StateBlocked); err == nil {
					fmt.Printf("Blocked applications: %d\n", len(entries))
				}
				policyStore.Close()
			}
		}
	}
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	if err := requireRoot("sampling network counters"); err != nil {
		return err
	}
	live := monitor.NewLive(infra.NewSampler(), liveInterval)
	return live.Run()
}

func runWindow(arg string) error {
	since, err := usecase.ParseSince(arg, time.Now())
	if err != nil {
		return err
	}

	paths := infra.DetectPaths()
	if _, err := os.Stat(paths.UsageDB); os.IsNotExist(err) {
		fmt.Println("No data available. Is the daemon running? (sudo airtraffic start)")
		return nil
	}

	usageStore, err := store.OpenUsage(paths.UsageDB, zap.NewNop())
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			fmt.Println("No data available. Is the daemon running? (sudo airtraffic start)")
			return nil
		}
		return err
	}
	defer usageStore.Close()

	rows, err := usecase.NewAggregator(usageStore).Since(since)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			fmt.Println("No data available. Is the daemon running? (sudo airtraffic start)")
			return nil
		}
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("No traffic recorded since %s.\n", since.Format(time.RFC1123))
		return nil
	}

	fmt.Printf("Usage since %s\n\n", since.Format(time.RFC1123))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tSENT\tRECEIVED\tTOTAL")
	var totalSent, totalRecv uint64
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.App,
			humanize.IBytes(r.TotalSent), humanize.IBytes(r.TotalRecv),
			humanize.IBytes(r.TotalSent+r.TotalRecv))
		totalSent += r.TotalSent
		totalRecv += r.TotalRecv
	}
	fmt.Fprintf(w, "TOTAL\t%s\t%s\t%s\n",
		humanize.IBytes(totalSent), humanize.IBytes(totalRecv),
		humanize.IBytes(totalSent+totalRecv))
	return w.Flush()
}

// openPolicyEnforcer wires the policy store and firewall enforcer for
// one-shot CLI commands.
func openPolicyEnforcer(paths *infra.Paths, logger *zap.Logger) (*usecase.PolicyEnforcer, *store.PolicyStore, error) {
	key, err := infra.EnsureKey(infra.NewFileKeyProvider(paths.DataDir))
	if err != nil {
		return nil, nil, err
	}
	policyStore, err := store.OpenPolicy(paths.PolicyDB, key)
	if err != nil {
		return nil, nil, err
	}

	strategies := infra.DetectStrategies(nil)
	enforcer := usecase.NewFirewallEnforcer(strategies, logger)
	return usecase.NewPolicyEnforcer(enforcer, policyStore, logger), policyStore, nil
}

func runToggle(target string, state domain.PolicyState) error {
	if err := requireRoot("changing firewall rules"); err != nil {
		return err
	}

	paths := infra.DetectPaths()
	if err := paths.EnsureDataDir(); err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	pe, policyStore, err := openPolicyEnforcer(paths, logger)
	if err != nil {
		return err
	}
	defer policyStore.Close()

	ctx := context.Background()
	if target == "all" {
		return toggleAll(ctx, pe, state)
	}

	app, path, err := resolveTarget(target)
	if err != nil {
		return err
	}

	entry := domain.PolicyEntry{App: app, Path: path, State: state}
	if err := pe.SetState(ctx, entry); err != nil {
		fmt.Fprintf(os.Stderr, "Policy for %s recorded as %s, but the firewall could not be updated.\n", app, state)
		fmt.Fprintln(os.Stderr, "The daemon will keep retrying (reconcile).")
		return err
	}
	fmt.Printf("%s is now %s\n", app, state)
	return nil
}

func toggleAll(ctx context.Context, pe *usecase.PolicyEnforcer, state domain.PolicyState) error {
	// Running apps never toggled before get an entry too, so "all"
	// really means everything observable right now.
	running, err := infra.NewProcessManager().RunningApps()
	if err != nil {
		return err
	}
	extra := make([]domain.PolicyEntry, 0, len(running))
	for app, path := range running {
		extra = append(extra, domain.PolicyEntry{App: app, Path: path, State: state})
	}

	result, err := pe.SetAll(ctx, state, extra)
	if err != nil {
		return err
	}

	fmt.Printf("%d applications %s\n", len(result.Applied), state)
	if result.OK() {
		return nil
	}

	fmt.Printf("%d applications FAILED:\n", len(result.Failed))
	for _, item := range result.Failed {
		fmt.Printf("  - %s: %v\n", item.App, item.Err)
	}
	return fmt.Errorf("%w: %d of %d applications", domain.ErrEnforcementFailed,
		len(result.Failed), len(result.Applied)+len(result.Failed))
}

// resolveTarget maps a CLI argument to a stable application identity
// plus the executable path enforcement needs. A path argument is used
// directly; anything else is matched against running processes.
func resolveTarget(target string) (domain.AppID, string, error) {
	if _, err := os.Stat(target); err == nil {
		return infra.ResolveAppIDFromPath(target), target, nil
	}

	path, err := infra.NewProcessManager().FindExecutable(target)
	if err != nil {
		return "", "", err
	}
	return infra.ResolveAppIDFromPath(path), path, nil
}

func runBlocked(cmd *cobra.Command, args []string) error {
	paths := infra.DetectPaths()
	if _, err := os.Stat(paths.PolicyDB); os.IsNotExist(err) {
		fmt.Println("No applications are blocked.")
		return nil
	}

	key, err := infra.EnsureKey(infra.NewFileKeyProvider(paths.DataDir))
	if err != nil {
		return err
	}
	policyStore, err := store.OpenPolicy(paths.PolicyDB, key)
	if err != nil {
		return err
	}
	defer policyStore.Close()

	entries, err := policyStore.List(domain.StateBlocked)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No applications are blocked.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tSINCE\tPATH")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.App, e.LastChanged.Format("2006-01-02 15:04"), e.Path)
	}
	return w.Flush()
}

func runAllowed(cmd *cobra.Command, args []string) error {
	paths := infra.DetectPaths()

	blocked := make(map[domain.AppID]bool)
	var allowedEntries []domain.PolicyEntry
	if _, err := os.Stat(paths.PolicyDB); err == nil {
		key, err := infra.EnsureKey(infra.NewFileKeyProvider(paths.DataDir))
		if err != nil {
			return err
		}
		policyStore, err := store.OpenPolicy(paths.PolicyDB, key)
		if err != nil {
			return err
		}
		defer policyStore.Close()

		entries, err := policyStore.Entries()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.State == domain.StateBlocked {
				blocked[e.App] = true
			} else {
				allowedEntries = append(allowedEntries, e)
			}
		}
	}

	// Running apps with no entry follow the default state; show them so
	// "allowed" reflects what can actually reach the network right now.
	running, err := infra.NewProcessManager().RunningApps()
	if err != nil {
		return err
	}

	seen := make(map[domain.AppID]bool)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "APP\tPATH")
	for _, e := range allowedEntries {
		seen[e.App] = true
		fmt.Fprintf(w, "%s\t%s\n", e.App, e.Path)
	}
	for app, path := range running {
		if !blocked[app] && !seen[app] {
			fmt.Fprintf(w, "%s\t%s\n", app, path)
		}
	}
	return w.Flush()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths := infra.DetectPaths()
	if err := paths.EnsureDataDir(); err != nil {
		return err
	}

	logger := createLogger(paths)
	defer func() { _ = logger.Sync() }()

	usageStore, err := store.OpenUsage(paths.UsageDB, logger)
	if err != nil {
		return err
	}
	defer usageStore.Close()

	pe, policyStore, err := openPolicyEnforcer(paths, logger)
	if err != nil {
		return err
	}
	defer policyStore.Close()

	pm := infra.NewProcessManager()
	marker := infra.NewFileMarker(paths.DataDir, pm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	sampler := infra.NewSampler()
	// Continue per-app counters from the persisted baseline so a restart
	// does not clamp every delta back to zero.
	if baseline, err := usageStore.Baseline(); err == nil {
		sampler.Seed(baseline)
	} else {
		logger.Warn("could not seed sampler from baseline", zap.Error(err))
	}

	d := daemon.New(daemon.DefaultConfig(), sampler, usageStore, pe, marker, pm, logger)
	return d.Run(ctx)
}

func createLogger(paths *infra.Paths) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{paths.LogPath}
	config.ErrorOutputPaths = []string{paths.ErrorLogPath}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("airtraffic %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
