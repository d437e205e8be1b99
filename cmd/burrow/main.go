package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - schema-tracked tables with online renames",
	Long: `Burrow keeps records in tables of a key-value store, tracks a schema and
alias for each table in a registry, and renames tables and fields with
recorded, resumable migrations.

Backends: bbolt (local file), DynamoDB, or in-memory.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("backend", "", "Store backend: bolt, dynamodb or memory")
	flags.String("bolt-path", "", "Data directory for the bolt backend")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tableCmd)
	rootCmd.AddCommand(fieldCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(migrationCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig reads the config file and environment, then applies flags
func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	c, err := config.Load(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		c.Backend.Type, _ = flags.GetString("backend")
	}
	if flags.Changed("bolt-path") {
		c.Backend.BoltPath, _ = flags.GetString("bolt-path")
	}
	if flags.Changed("log-level") {
		c.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		c.Log.JSON, _ = flags.GetBool("log-json")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	})
	api.Version = Version
	cfg = c
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseFields decodes a JSON object argument
func parseFields(arg string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(arg), &fields); err != nil {
		return nil, fmt.Errorf("fields must be a JSON object: %w", err)
	}
	return fields, nil
}
