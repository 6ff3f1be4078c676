package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/cli/styles"
)

// siteFlags collects the address, coordinate and virtual-location flags
// shared by define and update.
type siteFlags struct {
	street1, street2, locality, region, country, postalCode string

	lat, lon, alt float64

	url, kind, identifier, platform string
}

func (f *siteFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.street1, "street", "", "Street address, first line")
	fs.StringVar(&f.street2, "street2", "", "Street address, second line")
	fs.StringVar(&f.locality, "locality", "", "City or town")
	fs.StringVar(&f.region, "region", "", "State, province or region")
	fs.StringVar(&f.country, "country", "", "ISO 3166-1 alpha-2 country code")
	fs.StringVar(&f.postalCode, "postal-code", "", "Postal code")

	fs.Float64Var(&f.lat, "lat", 0, "Latitude in decimal degrees")
	fs.Float64Var(&f.lon, "lon", 0, "Longitude in decimal degrees")
	fs.Float64Var(&f.alt, "alt", 0, "Altitude in meters")

	fs.StringVar(&f.url, "url", "", "Primary URL of a virtual location")
	fs.StringVar(&f.kind, "kind", "", "Virtual location kind (website, api_endpoint, cloud_service, ...)")
	fs.StringVar(&f.identifier, "identifier", "", "Primary identifier of a virtual location (defaults to the URL host)")
	fs.StringVar(&f.platform, "platform", "", "Hosting platform of a virtual location")
}

func changed(cmd *cobra.Command, names ...string) bool {
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}

// site returns only the parts whose flags were given.
func (f *siteFlags) site(cmd *cobra.Command) (*locus.Address, *locus.GeoCoordinates, *locus.VirtualLocation, error) {
	var (
		addr    *locus.Address
		coords  *locus.GeoCoordinates
		virtual *locus.VirtualLocation
	)

	if changed(cmd, "street", "street2", "locality", "region", "country", "postal-code") {
		addr = &locus.Address{
			Street1:    f.street1,
			Street2:    f.street2,
			Locality:   f.locality,
			Region:     f.region,
			Country:    strings.ToUpper(f.country),
			PostalCode: f.postalCode,
		}
	}

	if changed(cmd, "lat", "lon", "alt") {
		if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
			return nil, nil, nil, errors.New("--lat and --lon must be given together")
		}
		c := locus.NewCoordinates(f.lat, f.lon)
		if cmd.Flags().Changed("alt") {
			c = c.WithAltitude(f.alt)
		}
		coords = &c
	}

	if changed(cmd, "url", "kind", "identifier", "platform") {
		v, err := f.virtual()
		if err != nil {
			return nil, nil, nil, err
		}
		virtual = &v
	}

	return addr, coords, virtual, nil
}

func (f *siteFlags) virtual() (locus.VirtualLocation, error) {
	kind := locus.VirtualKind(strings.ToLower(f.kind))

	var v locus.VirtualLocation
	switch {
	case f.url != "" && (kind == "" || kind == locus.VirtualWebsite):
		site, err := locus.Website(f.url)
		if err != nil {
			return v, err
		}
		v = site
	default:
		v = locus.VirtualLocation{Kind: kind}
		if f.url != "" {
			v.URLs = []locus.VirtualURL{{URL: f.url, Type: locus.URLPrimary, Active: true}}
		}
	}

	if f.identifier != "" {
		v.PrimaryIdentifier = f.identifier
	}
	v.Platform = f.platform
	return v, nil
}

// dispatch runs cmd and prints the outcome line.
func dispatch(ctx context.Context, c *cobra.Command, rt *Runtime, cmd locus.Command, verb string) (locus.CommandResult, error) {
	res, err := rt.Dispatch(ctx, cmd)
	if err != nil {
		return res, err
	}
	fmt.Fprintln(c.OutOrStdout(), styles.FormatSuccess(
		fmt.Sprintf("%s %s (version %d)", verb, res.AggregateID, res.Version)))
	return res, nil
}

func newDefineCommand(a *app) *cobra.Command {
	var (
		id, typ, parent, reason string
		interactive             bool
		site                    siteFlags
	)

	cmd := &cobra.Command{
		Use:   "define NAME",
		Short: "Define a new location",
		Long: `Define a new location.

The type decides which site fields are required:
  physical  an address or coordinates
  virtual   a virtual location (--url or --kind/--identifier)
  hybrid    both of the above
  logical   none

Examples:
  locus define "Main Warehouse" --type physical --street "1 Dock Rd" --locality Rotterdam --country NL
  locus define Storefront --type virtual --url https://shop.example.com
  locus define "Aisle 4" --type logical --parent 6f1c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = args[0]
			}

			if interactive {
				if err := defineForm(&name, &typ, &parent).Run(); err != nil {
					return err
				}
			}
			if name == "" {
				return errors.New("a location name is required")
			}

			locType, err := locus.ParseLocationType(typ)
			if err != nil {
				return err
			}
			addr, coords, virtual, err := site.site(cmd)
			if err != nil {
				return err
			}

			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				_, err := dispatch(ctx, cmd, rt, locus.DefineLocation{
					LocationID:      id,
					Name:            name,
					LocationType:    locType,
					Address:         addr,
					Coordinates:     coords,
					VirtualLocation: virtual,
					ParentID:        parent,
					Reason:          reason,
				}, "Defined")
				return err
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Location id (generated when empty)")
	cmd.Flags().StringVarP(&typ, "type", "t", string(locus.Physical), "Location type: physical, virtual, logical or hybrid")
	cmd.Flags().StringVarP(&parent, "parent", "p", "", "Parent location id")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the event")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt for name, type and parent")
	site.register(cmd)

	return cmd
}

func defineForm(name, typ, parent *string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Description("Human readable location name").
				Value(name),

			huh.NewSelect[string]().
				Title("Type").
				Options(
					huh.NewOption("Physical (address or coordinates)", string(locus.Physical)),
					huh.NewOption("Virtual (online presence)", string(locus.Virtual)),
					huh.NewOption("Logical (grouping only)", string(locus.Logical)),
					huh.NewOption("Hybrid (physical and virtual)", string(locus.Hybrid)),
				).
				Value(typ),

			huh.NewInput().
				Title("Parent").
				Description("Parent location id, empty for a root").
				Value(parent),
		).Title("Define Location"),
	).WithTheme(huh.ThemeDracula())
}

func newUpdateCommand(a *app) *cobra.Command {
	var (
		name, reason string
		site         siteFlags
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a location's name or site fields",
		Long: `Change a location's name or site fields. Only the flags given are
changed; values equal to the current ones are ignored.

Examples:
  locus update 6f1c... --name "North Warehouse"
  locus update 6f1c... --lat 51.92 --lon 4.48`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, coords, virtual, err := site.site(cmd)
			if err != nil {
				return err
			}
			update := locus.UpdateLocation{
				LocationID:      args[0],
				Address:         addr,
				Coordinates:     coords,
				VirtualLocation: virtual,
				Reason:          reason,
			}
			if cmd.Flags().Changed("name") {
				update.Name = &name
			}

			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				_, err := dispatch(ctx, cmd, rt, update, "Updated")
				return err
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the event")
	site.register(cmd)

	return cmd
}

func newSetParentCommand(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "set-parent ID PARENT",
		Short: "Attach a location to a parent",
		Long: `Attach a location to a parent. The move is rejected when it would
create a cycle or exceed the configured hierarchy depth.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				_, err := dispatch(ctx, cmd, rt, locus.SetParentLocation{
					LocationID: args[0],
					ParentID:   args[1],
					Reason:     reason,
				}, "Re-parented")
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the event")
	return cmd
}

func newRemoveParentCommand(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "remove-parent ID",
		Short: "Make a location a root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				_, err := dispatch(ctx, cmd, rt, locus.RemoveParentLocation{
					LocationID: args[0],
					Reason:     reason,
				}, "Detached")
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the event")
	return cmd
}

func newMetadataCommand(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:     "metadata ID KEY VALUE",
		Aliases: []string{"meta"},
		Short:   "Set a metadata entry on a location",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				_, err := dispatch(ctx, cmd, rt, locus.AddLocationMetadata{
					LocationID: args[0],
					Key:        args[1],
					Value:      args[2],
					Reason:     reason,
				}, "Tagged")
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the event")
	return cmd
}

func newArchiveCommand(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "archive ID",
		Short: "Archive a location",
		Long:  `Archive a location. Archived locations accept no further changes.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				_, err := dispatch(ctx, cmd, rt, locus.ArchiveLocation{
					LocationID: args[0],
					Reason:     reason,
				}, "Archived")
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the event")
	return cmd
}

// parseMoves reads CHILD=PARENT pairs; CHILD= removes the parent.
func parseMoves(args []string) ([]locus.ParentMove, error) {
	moves := make([]locus.ParentMove, 0, len(args))
	for _, arg := range args {
		child, parent, ok := strings.Cut(arg, "=")
		if !ok || child == "" {
			return nil, fmt.Errorf("invalid move %q: expected CHILD=PARENT", arg)
		}
		moves = append(moves, locus.ParentMove{ChildID: child, ParentID: parent})
	}
	return moves, nil
}

func newReparentCommand(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reparent CHILD=PARENT...",
		Short: "Move several locations at once",
		Long: `Move several locations at once. The whole batch is checked for cycles
and depth before anything is written; if a move fails to commit, the moves
already made are reverted.

Examples:
  locus reparent room-1=floor-2 room-2=floor-2
  locus reparent kiosk=          # detach kiosk from its parent`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moves, err := parseMoves(args)
			if err != nil {
				return err
			}

			return a.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				res, err := rt.Dispatch(ctx, locus.ReparentBatch{Moves: moves, Reason: reason})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Moved %d location(s)", len(moves))))
				if batch, ok := res.Data.(locus.BatchResult); ok {
					ids := make([]string, 0, len(batch.Versions))
					for id := range batch.Versions {
						ids = append(ids, id)
					}
					sort.Strings(ids)
					for _, id := range ids {
						fmt.Fprintf(out, "  %s %s %s\n", styles.IconArrow, id,
							styles.Muted.Render(fmt.Sprintf("version %d", batch.Versions[id])))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with every event")
	return cmd
}
