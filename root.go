package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/thumbphoto/internal/auth"
	"github.com/tonimelisma/thumbphoto/internal/config"
	"github.com/tonimelisma/thumbphoto/internal/graph"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	Tenant     string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs after the root pre-run:
// the flags, the resolved configuration, and a logger built from both.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Panics if
// absent, which means a command was wired without the root command.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext missing from command context")
	}

	return cc
}

// lenientConfigCommands work without a tenant: they only read local state.
var lenientConfigCommands = map[string]bool{
	"thumbphoto config show": true,
	"thumbphoto history":     true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "thumbphoto",
		Short: "Manage your organizational profile photo",
		Long: "View, upload, and delete your directory thumbnail photo " +
			"through the Azure AD Graph API.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.Tenant, "tenant", "", "tenant ID or domain (e.g. contoso.onmicrosoft.com)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger for the rest of the run.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	// Config loading logs through a flags-only logger; the final logger also
	// honors the config file.
	bootstrap := buildLogger(nil, flags)

	cli := config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		TenantID:   flags.Tenant,
	}

	env := config.ReadEnvOverrides(bootstrap)

	resolve := config.Resolve
	if lenientConfigCommands[cmd.CommandPath()] {
		resolve = config.ResolveLenient
	}

	resolved, err := resolve(env, cli, bootstrap)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &CLIContext{
		Flags:  flags,
		Cfg:    resolved,
		Logger: buildLogger(resolved, flags),
	}, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Resolved, flags CLIFlags) *slog.Logger {
	level := slog.LevelWarn
	format := "text"

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}

		format = cfg.LogFormat
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	if !cc.Flags.Quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", friendlyError(err))
	os.Exit(1)
}

// friendlyError adds a next step to the errors users can act on.
func friendlyError(err error) error {
	switch {
	case errors.Is(err, auth.ErrAuthFailure):
		return fmt.Errorf("%w\n(run 'thumbphoto login' to sign in again)", err)
	case errors.Is(err, graph.ErrUnauthorized), errors.Is(err, graph.ErrForbidden):
		return fmt.Errorf("%w\n(the signed-in account may lack permission for this tenant)", err)
	default:
		return err
	}
}
