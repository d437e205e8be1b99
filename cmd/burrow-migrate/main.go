package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow-migrate",
	Short: "Copy every burrow table from one backend to another",
	Long: `burrow-migrate copies tables, with their key schemas and items, from a
source backend to a destination backend. Record ids, the schema registry
and migration records are copied as they are.

  burrow-migrate --from bolt --from-bolt-path ./burrow-data \
    --to dynamodb --to-dynamodb-endpoint http://localhost:8000

Stop any burrow process using the source before running it.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("from", storage.BackendBolt, "Source backend: bolt, dynamodb")
	flags.String("from-bolt-path", "./burrow-data", "Source bolt data directory")
	flags.String("from-dynamodb-region", "us-east-1", "Source DynamoDB region")
	flags.String("from-dynamodb-endpoint", "", "Source DynamoDB endpoint")
	flags.String("to", storage.BackendDynamoDB, "Destination backend: bolt, dynamodb")
	flags.String("to-bolt-path", "", "Destination bolt data directory")
	flags.String("to-dynamodb-region", "us-east-1", "Destination DynamoDB region")
	flags.String("to-dynamodb-endpoint", "", "Destination DynamoDB endpoint")
	flags.StringSlice("tables", nil, "Copy only these tables")
	flags.Bool("overwrite", false, "Write into destination tables that already exist")
	flags.Bool("dry-run", false, "Show what would be copied without writing")
	flags.String("backup", "", "Back up the source bolt database to this path first (default: <bolt-path>/burrow.db.backup)")
	flags.Bool("no-backup", false, "Skip the source backup")
	flags.Duration("active-timeout", 5*time.Minute, "How long to wait for each destination table to become active")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
}

func backendFromFlags(cmd *cobra.Command, side string) storage.Backend {
	flags := cmd.Flags()
	typ, _ := flags.GetString(side)
	boltPath, _ := flags.GetString(side + "-bolt-path")
	region, _ := flags.GetString(side + "-dynamodb-region")
	endpoint, _ := flags.GetString(side + "-dynamodb-endpoint")
	return storage.Backend{
		Type:     typ,
		BoltPath: boltPath,
		DynamoDB: storage.DynamoConfig{Region: region, Endpoint: endpoint},
	}
}

func run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	levelName, _ := flags.GetString("log-level")
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: level})
	logger := log.WithComponent("burrow-migrate")

	from := backendFromFlags(cmd, "from")
	to := backendFromFlags(cmd, "to")
	dryRun, _ := flags.GetBool("dry-run")
	overwrite, _ := flags.GetBool("overwrite")
	tables, _ := flags.GetStringSlice("tables")
	timeout, _ := flags.GetDuration("active-timeout")

	if from.Type == storage.BackendMemory || to.Type == storage.BackendMemory {
		return fmt.Errorf("the memory backend does not outlive this process")
	}
	if from.Type == to.Type && from.BoltPath == to.BoltPath &&
		from.DynamoDB.Endpoint == to.DynamoDB.Endpoint && from.DynamoDB.Region == to.DynamoDB.Region {
		return fmt.Errorf("source and destination are the same")
	}

	fmt.Println("Burrow Table Copy")
	fmt.Println("=================")
	fmt.Printf("  From: %s\n", describe(from))
	fmt.Printf("  To:   %s\n", describe(to))
	fmt.Printf("  Dry run: %v\n", dryRun)
	fmt.Println()

	noBackup, _ := flags.GetBool("no-backup")
	if from.Type == storage.BackendBolt && !dryRun && !noBackup {
		backup, _ := flags.GetString("backup")
		if backup == "" {
			backup = filepath.Join(from.BoltPath, storage.DBFile+".backup")
		}
		fmt.Printf("Creating backup: %s\n", backup)
		if err := storage.BackupBolt(from.BoltPath, backup); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		fmt.Println("✓ Backup created successfully")
	}

	ctx := context.Background()
	src, err := storage.Open(ctx, from)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := storage.Open(ctx, to)
	if err != nil {
		return err
	}
	defer dst.Close()

	tm := lifecycle.NewManager(dst, lifecycle.Config{ActiveTimeout: timeout}, nil)
	reports, err := copyTables(ctx, src, tm, copyOptions{
		DryRun:    dryRun,
		Tables:    tables,
		Overwrite: overwrite,
	}, logger)

	total := 0
	for _, r := range reports {
		fmt.Printf("  %-40s %8d items\n", r.Name, r.Items)
		total += r.Items
	}
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return errNothingToCopy
	}

	if dryRun {
		fmt.Printf("\nDry run completed: %d tables, %d items. No changes made.\n", len(reports), total)
		fmt.Println("Run without --dry-run to perform the copy.")
	} else {
		fmt.Printf("\n✓ Copied %d tables, %d items\n", len(reports), total)
		fmt.Println("The source has been left untouched.")
	}
	return nil
}

func describe(b storage.Backend) string {
	switch b.Type {
	case storage.BackendBolt:
		return fmt.Sprintf("bolt (%s)", filepath.Join(b.BoltPath, storage.DBFile))
	case storage.BackendDynamoDB:
		if b.DynamoDB.Endpoint != "" {
			return fmt.Sprintf("dynamodb (%s, %s)", b.DynamoDB.Region, b.DynamoDB.Endpoint)
		}
		return fmt.Sprintf("dynamodb (%s)", b.DynamoDB.Region)
	}
	return b.Type
}
