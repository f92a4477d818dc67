// Package main is the entry point for photostore-meta, the metadata export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/Vanuan/photo-management-sub002/internal/config"
	"github.com/Vanuan/photo-management-sub002/internal/logging"
	"github.com/Vanuan/photo-management-sub002/internal/serialization"
)

const usage = "Usage: photostore-meta <export|import> [flags]"

// resolveDBPath returns the -db override or the metadata path from the config.
func resolveDBPath(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Metadata.SQLite.Path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc int
	switch os.Args[1] {
	case "export":
		rc = runExport(ctx, os.Args[2:])
	case "import":
		rc = runImport(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", os.Args[1], usage)
		rc = 1
	}
	stop()
	os.Exit(rc)
}

func runExport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "photostore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names (default: all)")
	fs.Parse(args)

	db, err := resolveDBPath(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	var tableList []string
	if *tables != "" {
		for _, t := range strings.Split(*tables, ",") {
			t = strings.TrimSpace(t)
			if !serialization.ValidTable(t) {
				fmt.Fprintf(os.Stderr, "Error: invalid table name: %s (valid: %s)\n", t, strings.Join(serialization.AllTables, ", "))
				return 1
			}
			tableList = append(tableList, t)
		}
	}

	result, err := serialization.ExportMetadata(ctx, db, &serialization.ExportOptions{Tables: tableList})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
		return 0
	}
	if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "photostore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")
	fs.Parse(args)

	db, err := resolveDBPath(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	var data []byte
	if *input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportMetadata(ctx, db, data, &serialization.ImportOptions{
		Replace: *replace,
		Logger:  logging.New(*logLevel, "text", os.Stderr),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
