// Package commands provides the CLI command implementations for locus.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-locus/cli/config"
	"github.com/AshkanYarmoradi/go-locus/cli/styles"
	"github.com/AshkanYarmoradi/go-locus/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	noColor    bool

	// open builds the runtime a command runs against; release is called
	// when the command finishes.
	open func(ctx context.Context) (rt *Runtime, release func(), err error)
}

// NewRootCommand creates the root command for the locus CLI
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{})
}

func newRootCommand(a *app) *cobra.Command {
	if a.open == nil {
		a.open = a.openRuntime
	}

	rootCmd := &cobra.Command{
		Use:   "locus",
		Short: "Event-sourced location registry",
		Long: ui.SimpleBanner() + `

Locus records locations (physical sites, online presences, logical groupings)
as event streams and keeps their parent hierarchy free of cycles.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("locus init") + `                          Create locus.yaml
  ` + styles.Code.Render("locus migrate") + `                       Create the event store schema
  ` + styles.Code.Render("locus define HQ --type physical") + `     Define a location
  ` + styles.Code.Render("locus set-parent ROOM HQ") + `            Attach it to a parent
  ` + styles.Code.Render("locus diagnose") + `                      Check your setup`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", a.configPath, "Path to locus.yaml (default: search upwards from the working directory)")

	rootCmd.AddCommand(
		newInitCommand(a),
		newMigrateCommand(a),
		newDiagnoseCommand(a),
		newDefineCommand(a),
		newUpdateCommand(a),
		newSetParentCommand(a),
		newRemoveParentCommand(a),
		newMetadataCommand(a),
		newArchiveCommand(a),
		newReparentCommand(a),
		newShowCommand(a),
		newHistoryCommand(a),
		newAncestorsCommand(a),
		newListCommand(a),
		newChildrenCommand(a),
		newTreeCommand(a),
		newStatsCommand(a),
		newSnapshotCommand(a),
		NewVersionCommand(Version, Commit, BuildDate),
	)

	return rootCmd
}

// loadConfig reads --config or the nearest locus.yaml. It returns the
// directory the file was found in.
func (a *app) loadConfig() (*config.Config, string, error) {
	if a.configPath != "" {
		cfg, err := config.LoadFile(a.configPath)
		if err != nil {
			return nil, "", err
		}
		return cfg, filepath.Dir(a.configPath), nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	dir, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, cwd, fmt.Errorf("no %s found: %w", config.ConfigFileName, err)
	}
	return cfg, dir, nil
}

func (a *app) openRuntime(ctx context.Context) (*Runtime, func(), error) {
	cfg, _, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration: %s", errs[0])
	}

	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return rt, func() { _ = rt.Close() }, nil
}

// withRuntime opens the runtime for the duration of fn.
func (a *app) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, release, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx, rt)
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}
