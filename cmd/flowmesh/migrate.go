package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/flowmesh/pipeline/internal/migration"
)

// runMigrate handles the migrate subcommands against postgres.
func runMigrate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: flowmesh migrate <up|down|status|version|force> [options]")
		os.Exit(1)
	}

	subcommand := args[0]
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	databaseURL := fs.String("database-url", os.Getenv("FLOWMESH_DATABASE_DSN"),
		"Postgres connection URL")
	fs.Parse(args[1:])

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "Database URL is required (--database-url or FLOWMESH_DATABASE_DSN)")
		os.Exit(1)
	}

	migrator, err := migration.NewMigrator(migration.Config{DatabaseURL: *databaseURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	switch subcommand {
	case "up":
		err = cli.RunUp(ctx)
	case "down":
		err = cli.RunDown(ctx)
	case "status":
		err = cli.RunStatus(ctx)
	case "version":
		err = cli.RunVersion(ctx)
	case "force":
		rest := fs.Args()
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: flowmesh migrate force <version>")
			os.Exit(1)
		}
		var version int
		version, err = strconv.Atoi(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid version %q\n", rest[0])
			os.Exit(1)
		}
		err = cli.RunForce(ctx, version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}
