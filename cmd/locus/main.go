// locus is the command-line interface for the locus location registry.
//
// Usage:
//
//	locus <command> [flags]
//
// Commands:
//
//	init           Create a locus.yaml configuration file
//	migrate        Create the event store schema
//	define         Define a location
//	update         Change a location's name or site fields
//	set-parent     Attach a location to a parent
//	remove-parent  Make a location a root
//	metadata       Set a metadata entry
//	archive        Archive a location
//	reparent       Move several locations at once
//	show           Show the current state of a location
//	history        List the events of a location
//	ancestors      Show the parent chain of a location
//	snapshot       Manage location snapshots
//	diagnose       Run diagnostic checks on your setup
//	version        Show version information
//
// Examples:
//
//	# Create a configuration and the schema
//	locus init
//	locus migrate
//
//	# Build a small hierarchy
//	locus define Campus --type logical --id campus
//	locus define "Building A" --type physical --id bldg-a --locality Berlin --country DE --parent campus
//
//	# Inspect it
//	locus ancestors bldg-a
//	locus history bldg-a
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-locus/cli/commands"

	// Register PostgreSQL driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
