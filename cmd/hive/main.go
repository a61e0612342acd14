// Package main provides the Hive CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hiveops/hive"
	"github.com/hiveops/hive/org"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		initCmd(args)
	case "status":
		statusCmd(args)
	case "roles":
		rolesCmd(args)
	case "version":
		fmt.Printf("hive %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Hive - Agent Lifecycle Orchestration

Usage:
  hive <command> [options]

Commands:
  init      Create the hive home, database schema, and seed roles
  status    List persisted agent instances
  roles     List known roles
  version   Print version information
  help      Show this help message

Examples:
  hive init --roles roles.yaml
  hive status
  hive status --all

Run 'hive <command> --help' for more information on a command.`)
}

// initCmd creates the home directory and database, optionally seeding roles.
func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dbPath := fs.String("db", hive.DefaultDBPath(), "SQLite database path")
	rolesFile := fs.String("roles", "", "YAML file of roles to seed")

	fs.Usage = func() {
		fmt.Println(`Usage: hive init [options]

Create the hive home directory and database schema.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if err := hive.EnsureHome(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating home: %v\n", err)
		os.Exit(1)
	}

	store, err := org.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *rolesFile != "" {
		roles, err := org.LoadRoleFile(*rolesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading roles: %v\n", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := org.SeedRoles(ctx, store, roles); err != nil {
			fmt.Fprintf(os.Stderr, "Error seeding roles: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %d roles\n", len(roles))
	}

	fmt.Printf("Initialized %s\n", *dbPath)
}

// statusCmd lists persisted agent instances.
func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dbPath := fs.String("db", hive.DefaultDBPath(), "SQLite database path")
	all := fs.Bool("all", false, "Include terminated agents")

	fs.Usage = func() {
		fmt.Println(`Usage: hive status [options]

List persisted agent instances.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	store, err := org.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recs, err := store.ListAgents(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing agents: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tPARENT\tCREATED\tSTATE")
	for _, rec := range recs {
		state := "alive"
		if rec.TerminatedAt != nil {
			if !*all {
				continue
			}
			state = fmt.Sprintf("terminated by %s", rec.TerminatedBy)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.RoleName, rec.ParentID,
			rec.CreatedAt.Format(time.RFC3339), state)
	}
	w.Flush()
}

// rolesCmd lists known roles.
func rolesCmd(args []string) {
	fs := flag.NewFlagSet("roles", flag.ExitOnError)
	dbPath := fs.String("db", hive.DefaultDBPath(), "SQLite database path")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	store, err := org.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	roles, err := store.ListRoles(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing roles: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, r := range roles {
		fmt.Fprintf(w, "%s\t%s\n", r.ID, r.Name)
	}
	w.Flush()
}
