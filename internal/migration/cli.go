package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI wraps a Migrator for the migrate subcommand.
type CLI struct {
	migrator *Migrator
	output   io.Writer
}

// NewCLI creates a CLI writing to stdout.
func NewCLI(migrator *Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput redirects CLI messages, mainly for tests.
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// RunUp applies all pending migrations and prints the resulting state.
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.output, "Applying migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return err
	}
	return c.printInfo(ctx)
}

// RunDown rolls back the most recent migration.
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back one migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return err
	}
	return c.printInfo(ctx)
}

// RunForce sets the version without running migrations.
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Forced version to %d\n", version)
	return nil
}

// RunVersion prints the current version.
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied")
		return nil
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(c.output, "Version: %d (%s)\n", version, state)
	return nil
}

// RunStatus prints a table of all migrations.
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
	for _, s := range statuses {
		applied := "no"
		if s.Applied {
			applied = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Name, applied)
	}
	return w.Flush()
}

func (c *CLI) printInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Version %d, %d/%d applied, %d pending\n",
		info.CurrentVersion, info.Applied, info.Total, info.Pending)
	return nil
}
