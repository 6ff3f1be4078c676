package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/cli/styles"
	"github.com/AshkanYarmoradi/go-locus/cli/ui"
)

// withReadModel runs fn after loading every location into the read model.
func (a *app) withReadModel(cmd *cobra.Command, fn func(ctx context.Context, rt *Runtime) error) error {
	return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
		if err := rt.LoadReadModel(ctx); err != nil {
			return err
		}
		return fn(ctx, rt)
	})
}

func newListCommand(a *app) *cobra.Command {
	var (
		name     string
		typ      string
		parent   string
		roots    bool
		meta     []string
		archived bool
		limit    int
		offset   int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "find"},
		Short:   "List locations",
		Long: `List locations, optionally filtered.

Examples:
  locus list
  locus list --type physical --name depot
  locus list --parent campus --archived
  locus list --meta region=emea --limit 20 --offset 40`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := locus.LocationQuery{
				NameContains:    name,
				ParentID:        parent,
				RootsOnly:       roots,
				IncludeArchived: archived,
				Limit:           limit,
				Offset:          offset,
			}
			if typ != "" {
				t, err := locus.ParseLocationType(typ)
				if err != nil {
					return err
				}
				q.Type = t
			}
			if len(meta) > 0 {
				q.Metadata = make(map[string]string, len(meta))
				for _, kv := range meta {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("--meta %q: expected key=value", kv)
					}
					q.Metadata[k] = v
				}
			}

			return a.withReadModel(cmd, func(ctx context.Context, rt *Runtime) error {
				found := rt.ReadModel.Find(q)
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), found)
				}
				printStates(cmd.OutOrStdout(), found)
				return nil
			})
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&name, "name", "", "Only names containing this text (case-insensitive)")
	fs.StringVar(&typ, "type", "", "Only this location type")
	fs.StringVar(&parent, "parent", "", "Only direct children of this location")
	fs.BoolVar(&roots, "roots", false, "Only locations without a parent")
	fs.StringArrayVar(&meta, "meta", nil, "Only locations with this metadata entry (key=value, repeatable)")
	fs.BoolVar(&archived, "archived", false, "Include archived locations")
	fs.IntVar(&limit, "limit", 0, "Maximum number of results")
	fs.IntVar(&offset, "offset", 0, "Number of results to skip")
	fs.BoolVar(&asJSON, "json", false, "Print the locations as JSON")
	return cmd
}

func newChildrenCommand(a *app) *cobra.Command {
	var (
		archived bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "children ID",
		Short: "List the direct children of a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReadModel(cmd, func(ctx context.Context, rt *Runtime) error {
				if _, err := rt.ReadModel.Get(args[0]); err != nil {
					return err
				}
				found := rt.ReadModel.Children(args[0], archived)
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), found)
				}
				printStates(cmd.OutOrStdout(), found)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived children")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the children as JSON")
	return cmd
}

func newTreeCommand(a *app) *cobra.Command {
	var (
		depth    int
		archived bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "tree [ROOT]",
		Short: "Show the location hierarchy",
		Long: `Show the locations below ROOT, or below every top-level location.

The tree is built from the read model and is for browsing only; parent
changes are always checked against the event log.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var root string
			if len(args) == 1 {
				root = args[0]
			}
			return a.withReadModel(cmd, func(ctx context.Context, rt *Runtime) error {
				nodes, err := rt.ReadModel.Hierarchy(root, depth, archived)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), nodes)
				}
				out := cmd.OutOrStdout()
				for _, n := range nodes {
					printNode(out, n)
				}
				if len(nodes) == 0 {
					fmt.Fprintln(out, styles.Muted.Render("No locations"))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&depth, "depth", locus.DefaultMaxHierarchyDepth, "Maximum depth to show")
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived locations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tree as JSON")
	return cmd
}

func newStatsCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count locations by status and type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReadModel(cmd, func(ctx context.Context, rt *Runtime) error {
				stats := rt.ReadModel.Statistics()
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, stats)
				}

				fmt.Fprintln(out, styles.FormatKeyValue("Total", fmt.Sprint(stats.Total)))
				fmt.Fprintln(out, styles.FormatKeyValue("Active", fmt.Sprint(stats.Active)))
				fmt.Fprintln(out, styles.FormatKeyValue("Archived", fmt.Sprint(stats.Archived)))
				fmt.Fprintln(out, styles.FormatKeyValue("With coordinates", fmt.Sprint(stats.WithCoordinates)))

				types := make([]string, 0, len(stats.ByType))
				for t := range stats.ByType {
					types = append(types, string(t))
				}
				sort.Strings(types)
				if len(types) > 0 {
					fmt.Fprintln(out)
					table := ui.NewTable("Type", "Active")
					for _, t := range types {
						table.AddRow(t, fmt.Sprint(stats.ByType[locus.LocationType(t)]))
					}
					fmt.Fprintln(out, table.Render())
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the statistics as JSON")
	return cmd
}

func printStates(w io.Writer, states []locus.LocationState) {
	table := ui.NewTable("ID", "Name", "Type", "Parent", "Status")
	for _, s := range states {
		status := "active"
		if s.Archived {
			status = "archived"
		}
		table.AddRow(s.ID, s.Name, string(s.LocationType), s.ParentID, status)
	}
	fmt.Fprintln(w, table.Render())
	fmt.Fprintln(w, styles.Muted.Render(ui.Plural(len(states), "location")))
}

func printNode(w io.Writer, n locus.HierarchyNode) {
	if n.Depth > 0 {
		fmt.Fprint(w, strings.Repeat("   ", n.Depth-1), styles.Dim.Render("└─ "))
	}
	label := styles.Normal.Render(n.Location.Name) + " " + styles.Muted.Render("("+n.Location.ID+")")
	if n.Location.Archived {
		label += " " + ui.StatusBadge("archived")
	}
	fmt.Fprintln(w, label)
	for _, c := range n.Children {
		printNode(w, c)
	}
}
