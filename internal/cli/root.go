// Package cli implements the sessionctl commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"marketplace-session/config"
	"marketplace-session/internal/bootstrap"
	"marketplace-session/internal/output"
	"marketplace-session/utils/logger"

	"github.com/spf13/cobra"
)

type app struct {
	cfgFile   string
	colorMode string
	format    string
	verbose   bool
	version   string

	settings *Settings
	cfg      *config.Config
	printer  *output.Printer
	logger   *slog.Logger
}

// NewRootCommand builds the sessionctl command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Marketplace session command line",
		Long: `sessionctl signs in to the marketplace and manages the local session.

It shares its session storage with the marketplace-session web front, so a
session started here is visible there and the other way round.

Example usage:
  sessionctl login --email me@example.com --password-stdin
  sessionctl whoami
  sessionctl profile --format json
  sessionctl logout`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is .sessionctl.yaml)")
	root.PersistentFlags().StringVar(&a.colorMode, "color", "auto", "color output: auto, always or never")
	root.PersistentFlags().StringVar(&a.format, "format", "", "output format: table or json (default from config)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newLoginCommand(a),
		newLoginGoogleCommand(a),
		newSignUpCommand(a),
		newResetPasswordCommand(a),
		newLogoutCommand(a),
		newWhoAmICommand(a),
		newProfileCommand(a),
		newWatchCommand(a),
		newVersionCommand(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	settings, err := LoadSettings(a.cfgFile)
	if err != nil {
		return err
	}
	if a.format != "" {
		settings.Output.Format = a.format
	}
	a.settings = settings

	mode, err := output.ParseColorMode(a.colorMode)
	if err != nil {
		return err
	}
	a.printer = output.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.ResolveColors(mode, settings.Output.Colors))

	level := settings.Logging.Level
	if a.verbose {
		level = "debug"
	}
	a.logger = logger.New(cmd.ErrOrStderr(), level, false)

	// version needs no session configuration
	if cmd.Name() == "version" {
		return nil
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := settings.Apply(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	a.cfg = cfg

	a.logger.Debug("configuration loaded",
		"identity_provider", cfg.IdentityProvider,
		"storage_driver", cfg.StorageDriver,
		"storage_path", cfg.StoragePath)
	return nil
}

func (a *app) jsonOutput() bool {
	return a.settings != nil && a.settings.Output.Format == "json"
}

// withSession starts a session manager for one command and closes it afterwards.
func (a *app) withSession(ctx context.Context, fn func(ctx context.Context, s *bootstrap.Session) error) error {
	s, err := bootstrap.NewSession(a.cfg, a.logger, bootstrap.Options{
		OpenBrowser: func(url string) error {
			a.printer.Info("Open this URL in your browser to continue:\n  %s", url)
			return nil
		},
		Navigate: func(path string) {
			a.logger.Debug("navigated", "path", path)
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			a.logger.Warn("closing session", "error", cerr)
		}
	}()

	if err := s.Manager.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return fn(ctx, s)
}
