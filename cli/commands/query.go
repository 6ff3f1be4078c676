package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/cli/styles"
	"github.com/AshkanYarmoradi/go-locus/cli/ui"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newShowCommand(a *app) *cobra.Command {
	var (
		at     int64
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:     "show ID",
		Aliases: []string{"get"},
		Short:   "Show the current state of a location",
		Long: `Show the state of a location, rebuilt from its events.

Examples:
  locus show 6f1c...
  locus show 6f1c... --at 3     # state as of version 3
  locus show 6f1c... --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				var (
					loc *locus.Location
					err error
				)
				if at > 0 {
					loc, err = rt.Repo.LoadAt(ctx, args[0], at)
				} else {
					loc, err = rt.Repo.LoadLatest(ctx, args[0])
				}
				if err != nil {
					return err
				}

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), loc.State())
				}
				printLocation(cmd.OutOrStdout(), loc)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&at, "at", 0, "Show the state as of this version")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the state as JSON")
	return cmd
}

func printLocation(w io.Writer, loc *locus.Location) {
	status := "active"
	if loc.Archived() {
		status = "archived"
	}

	fmt.Fprintln(w, styles.Title.Render(styles.IconPin+" "+loc.Name())+" "+ui.StatusBadge(status))
	fmt.Fprintln(w, styles.FormatKeyValue("ID", loc.ID()))
	fmt.Fprintln(w, styles.FormatKeyValue("Type", string(loc.Type())))
	fmt.Fprintln(w, styles.FormatKeyValue("Version", strconv.FormatInt(loc.Version(), 10)))
	if parent, ok := loc.ParentID(); ok {
		fmt.Fprintln(w, styles.FormatKeyValue("Parent", parent))
	}
	if addr, ok := loc.Address(); ok {
		fmt.Fprintln(w, styles.FormatKeyValue("Address", addr.FormatSingleLine()))
	}
	if c, ok := loc.Coordinates(); ok {
		coords := fmt.Sprintf("%.6f, %.6f", c.Latitude, c.Longitude)
		if c.Altitude != nil {
			coords += fmt.Sprintf(" (%.1fm)", *c.Altitude)
		}
		fmt.Fprintln(w, styles.FormatKeyValue("Coordinates", coords))
	}
	if v, ok := loc.VirtualLocation(); ok {
		desc := string(v.Kind) + " " + v.PrimaryIdentifier
		if u, ok := v.PrimaryURL(); ok {
			desc += " <" + u + ">"
		}
		fmt.Fprintln(w, styles.FormatKeyValue("Virtual", desc))
	}
	fmt.Fprintln(w, styles.FormatKeyValue("Created", loc.CreatedAt().Format(time.RFC3339)))
	fmt.Fprintln(w, styles.FormatKeyValue("Updated", loc.UpdatedAt().Format(time.RFC3339)))

	md := loc.Metadata()
	if len(md) == 0 {
		return
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Subtitle.Render("Metadata"))
	table := ui.NewTable("Key", "Value")
	for _, k := range keys {
		table.AddRow(k, md[k])
	}
	fmt.Fprintln(w, table.Render())
}

func newHistoryCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "history ID",
		Aliases: []string{"log"},
		Short:   "List the events of a location",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				events, err := rt.Repo.History(ctx, args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					envelopes := make([]json.RawMessage, 0, len(events))
					for _, rec := range events {
						data, err := rt.Repo.Registry().MarshalEnvelope(rec.Event, rec.Version)
						if err != nil {
							return err
						}
						envelopes = append(envelopes, data)
					}
					return writeJSON(out, envelopes)
				}

				table := ui.NewTable("Version", "Event", "Subject", "Recorded")
				for _, rec := range events {
					table.AddRow(
						strconv.FormatInt(rec.Version, 10),
						rec.Event.EventType(),
						rec.Event.Subject(),
						rec.RecordedAt.Format(time.RFC3339),
					)
				}
				fmt.Fprintln(out, table.Render())
				fmt.Fprintln(out, styles.Muted.Render(ui.Plural(len(events), "event")))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print event envelopes as JSON")
	return cmd
}

func newAncestorsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ancestors ID",
		Short: "Show the parent chain of a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				ancestors, err := rt.Guard.Ancestors(ctx, args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprint(out, ui.AncestorChain(args[0], ancestors))
				fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("depth %d of %d", len(ancestors), rt.Guard.MaxDepth())))
				return nil
			})
		},
	}
}

func newSnapshotCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage location snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild ID...",
		Short: "Replace snapshots with one built from a full replay",
		Long: `Discard the stored snapshots of each location and write a fresh one
from a full replay of its events. Use after changing the snapshot codec or
when a snapshot is suspected to be stale.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				out := cmd.OutOrStdout()
				var failed []string
				for i, id := range args {
					snap, err := rt.Repo.RebuildSnapshot(ctx, id)
					if err != nil {
						fmt.Fprintln(out, styles.FormatStep(i+1, len(args), styles.FormatError(id+": "+err.Error())))
						failed = append(failed, id)
						continue
					}
					fmt.Fprintln(out, styles.FormatStep(i+1, len(args),
						styles.FormatSuccess(fmt.Sprintf("%s at version %d", id, snap.Version))))
				}
				if len(failed) > 0 {
					return fmt.Errorf("failed to rebuild %s", strings.Join(failed, ", "))
				}
				return nil
			})
		},
	})

	return cmd
}
