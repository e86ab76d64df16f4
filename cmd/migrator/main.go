// Command migrator applies the embedded database schema. It supports
// up, down, version and drop against the database named by DATABASE_URL
// or the -database flag.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"go-tidal/internal/config"
	"go-tidal/migrations"
)

func main() {
	var (
		databaseURL = flag.String("database", "", "PostgreSQL connection URL (defaults to DATABASE_URL)")
		yes         = flag.Bool("yes", false, "skip confirmation for destructive commands")
	)
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	url := *databaseURL
	if url == "" {
		url = config.GetEnvStr("DATABASE_URL", "")
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "no database URL: set DATABASE_URL or pass -database")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	runner, err := migrations.NewRunner(url, logger)
	if err != nil {
		logger.Error("initialize migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := run(command, runner, *yes); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(command string, runner migrations.Runner, yes bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "version":
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}
		if version == 0 {
			fmt.Println("no migrations applied")
			return nil
		}
		fmt.Printf("version %d (dirty=%v)\n", version, dirty)
		return nil
	case "drop":
		if !yes && !confirm("This drops every table in the schema. Continue? (y/N): ") {
			fmt.Println("cancelled")
			return nil
		}
		return runner.Drop()
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false
	}
	return response == "y" || response == "Y"
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage: migrator [flags] <command>

Commands:
  up       apply all pending migrations
  down     roll back the most recent migration
  version  print the current schema version
  drop     drop all tables (requires confirmation or -yes)

Flags:
`)
	flag.PrintDefaults()
}
