package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-locus/adapters/postgres"
	"github.com/AshkanYarmoradi/go-locus/cli/styles"
	"github.com/AshkanYarmoradi/go-locus/cli/ui"
)

func newMigrateCommand(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the event store schema",
		Long: `Create the events and snapshots tables in the configured PostgreSQL
schema. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, _, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Driver == "memory" {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}

			url := os.ExpandEnv(cfg.Database.URL)
			if url == "" {
				return fmt.Errorf("DATABASE_URL environment variable is not set")
			}

			adapter, err := postgres.NewAdapter(url, postgres.WithSchema(cfg.Database.Schema))
			if err != nil {
				return err
			}
			defer adapter.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			spinner := ui.NewSpinner(fmt.Sprintf("Migrating schema %q...", adapter.Schema()), ui.SpinnerDots)
			p := tea.NewProgram(spinner, tea.WithOutput(out), tea.WithInput(nil))

			go func() {
				err := adapter.Migrate(ctx)
				if err != nil {
					p.Send(ui.SpinnerDoneMsg{Result: "Migration failed", Err: err})
					return
				}
				p.Send(ui.SpinnerDoneMsg{Result: fmt.Sprintf("Schema %q is up to date", adapter.Schema())})
			}()

			final, err := p.Run()
			if err != nil {
				return err
			}
			if m, ok := final.(ui.SpinnerModel); ok && m.Err() != nil {
				return fmt.Errorf("migration failed: %w", m.Err())
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}
