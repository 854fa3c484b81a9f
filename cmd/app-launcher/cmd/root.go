package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/service/common"
	"github.com/oshokin/app-launcher/internal/service/updater"
	"github.com/oshokin/app-launcher/internal/service/watch"
	"github.com/oshokin/app-launcher/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// quiet disables the download progress bar.
	quiet bool
	// statusAddress overrides the status address from the settings.
	statusAddress string
	// follow keeps streaming status changes.
	follow bool
	// closeLog releases the log file configured in the settings.
	closeLog = func() error { return nil }

	// rootCmd updates the application and starts it, which is what the desktop shortcut runs.
	rootCmd = &cobra.Command{
		Use:   "app-launcher",
		Short: "Keep the desktop application up to date and start it",
		Long: `Checks the release manifest, downloads and verifies a newer build,
swaps it into the install directory with a backup of the previous version,
and starts the application. A failed update never blocks the start of the
version that is already installed.`,
		Args:               cobra.NoArgs,
		PersistentPreRunE:  configureLogging,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error { return closeLog() },
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd, true)
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Update the application if needed, then start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd, true)
		},
	}

	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Update the application without starting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd, false)
		},
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Report the installed and the latest published versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			result, err := updater.Check(ctx, &updater.Options{ConfigPath: configPath})
			if result != nil {
				printCheck(cmd.OutOrStdout(), result)
			}

			return reportFailure(cmd.OutOrStdout(), err)
		},
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Restore the previous version kept as a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			installed, err := updater.Rollback(ctx, &updater.Options{ConfigPath: configPath})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to %s\n", installed.InstalledVersion)

			return nil
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Check for updates on a schedule and serve the update status",
		Long: `Runs update attempts on the check_schedule from the settings and exposes
the update status as a gRPC health service on status_address, so a UI shell
can show whether an update is being applied.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			return watch.Run(ctx, &watch.Options{
				ConfigPath:    configPath,
				ListenAddress: statusAddress,
			})
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the update status of a running watch process",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
)

// Execute runs the app-launcher CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext sets up graceful shutdown handling.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// configureLogging applies the log settings; commands report a broken settings file themselves.
func configureLogging(_ *cobra.Command, _ []string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil //nolint:nilerr // Settings errors surface from the command itself.
	}

	closeLog, err = logger.Configure(settings.LogLevel, settings.LogFile)

	return err
}

// runUpdate performs one update attempt and prints its outcome.
func runUpdate(cmd *cobra.Command, launch bool) error {
	ctx, stop := signalContext()
	defer stop()

	progress, finish := progressFunc(quiet)

	result, err := updater.Run(ctx, &updater.Options{
		ConfigPath: configPath,
		Progress:   progress,
		Launch:     launch,
	})

	finish()

	if result != nil && err == nil {
		printResult(cmd.OutOrStdout(), result)
	}

	return reportFailure(cmd.OutOrStdout(), err)
}

// printResult writes the outcome surface of a successful attempt.
func printResult(w io.Writer, result *updater.Result) {
	installed := ""
	if result.State != nil {
		installed = result.State.InstalledVersion
	}

	switch result.Attempt.Phase {
	case release.PhaseDone:
		_, _ = fmt.Fprintf(w, "%s: updated to %s\n", release.PhaseDone, installed)
	default:
		_, _ = fmt.Fprintf(w, "%s: %s is the latest version\n", result.Attempt.Phase, installed)
	}
}

// printCheck writes the versions known to the check command.
func printCheck(w io.Writer, result *updater.CheckResult) {
	installed := "not installed"
	if result.Installed != nil && result.Installed.InstalledVersion != "" {
		installed = result.Installed.InstalledVersion
	}

	_, _ = fmt.Fprintf(w, "installed: %s\n", installed)

	if result.Latest == nil {
		return
	}

	_, _ = fmt.Fprintf(w, "latest: %s\n", result.Latest.Version)

	if result.UpdateAvailable {
		_, _ = fmt.Fprintln(w, "an update is available")

		if result.Latest.Changelog != "" {
			_, _ = fmt.Fprintf(w, "\n%s\n", result.Latest.Changelog)
		}
	}
}

// reportFailure prints the FAILED(reason) outcome and keeps the error for the exit status.
func reportFailure(w io.Writer, err error) error {
	failure, ok := updater.AsFailure(err)
	if !ok {
		return err
	}

	_, _ = fmt.Fprintf(w, "%s(%s): %s\n", release.PhaseFailed, failure.Reason, failure.Message())

	return err
}

// runStatus prints the status of a running watch process once or until interrupted.
func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	address := statusAddress
	timeout := config.DefaultTimeout

	if address == "" {
		settings, err := config.Load(configPath)
		if err != nil {
			return err
		}

		address = settings.StatusAddress
		timeout = settings.Timeout
	}

	if address == "" {
		return errStatusDisabled
	}

	client, err := common.Dial(ctx, address, common.WithCallTimeout(timeout))
	if err != nil {
		return err
	}

	// Best-effort cleanup.
	defer func() {
		_ = client.Close()
	}()

	out := cmd.OutOrStdout()

	if follow {
		return client.Follow(ctx, func(status healthgrpc.HealthCheckResponse_ServingStatus) {
			_, _ = fmt.Fprintln(out, describeStatus(status))
		})
	}

	status, err := client.Status(ctx)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(out, describeStatus(status))

	return nil
}

// errStatusDisabled is returned when neither the flag nor the settings name a status address.
var errStatusDisabled = errors.New("status address is not configured, pass --address or set status_address")

// describeStatus turns the health status into what the user sees.
func describeStatus(status healthgrpc.HealthCheckResponse_ServingStatus) string {
	switch status {
	case healthgrpc.HealthCheckResponse_SERVING:
		return "ready: the application can be started"
	case healthgrpc.HealthCheckResponse_NOT_SERVING:
		return "busy or failed: an update is being applied or the last attempt failed"
	default:
		return "unknown: the launcher has not reported yet"
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")

	for _, command := range []*cobra.Command{rootCmd, runCmd, updateCmd} {
		command.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not draw the download progress bar")
	}

	watchCmd.Flags().StringVarP(&statusAddress, "listen", "l", "", "status address to listen on (overrides status_address)")
	statusCmd.Flags().StringVarP(&statusAddress, "address", "a", "", "status address of the watch process (overrides status_address)")
	statusCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing status changes")

	rootCmd.AddCommand(runCmd, updateCmd, checkCmd, rollbackCmd, watchCmd, statusCmd)
}
