package main

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

// Migration commands
var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Inspect, resume and roll back migrations",
}

var migrationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		migrations, err := s.engine.List(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%-36s %-12s %-8s %-20s %s\n", "ID", "STATE", "COPIED", "STARTED", "DETAIL")
		for _, m := range migrations {
			fmt.Printf("%-36s %-12s %-8d %-20s %s\n",
				m.ID, m.State, m.Copied, m.StartedAt.Format("2006-01-02 15:04:05"), detail(m))
		}
		return nil
	},
}

func detail(m *types.Migration) string {
	var d string
	switch m.Kind {
	case types.MigrationRenameTable:
		d = fmt.Sprintf("%s -> %s", m.Table, m.Target)
	case types.MigrationRenameField:
		d = fmt.Sprintf("%s.%s -> %s", m.Table, m.OldField, m.NewField)
	}
	if m.State == types.MigrationFailed {
		d += fmt.Sprintf(" (failed in %s: %s)", m.ResumeFrom, m.Error)
	}
	return d
}

var migrationResumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Continue an unfinished migration from its recorded step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		m, err := s.engine.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Migration %s %s (%d records)\n", m.ID, m.State, m.Copied)
		return nil
	},
}

var migrationRollbackCmd = &cobra.Command{
	Use:   "rollback ID",
	Short: "Abandon an unfinished migration",
	Long: `Abandon an unfinished migration.

A table rename drops its destination and unlocks the source. A field rename
is closed where it stopped; records keep whichever field name they carry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		m, err := s.engine.Rollback(ctx, args[0])
		if err != nil {
			return err
		}
		switch {
		case m.Kind == types.MigrationRenameTable:
			fmt.Printf("✓ Migration %s rolled back, '%s' dropped\n", m.ID, m.Target)
		case m.Partial:
			fmt.Printf("✓ Migration %s abandoned with records partly rewritten: %s\n", m.ID, m.Error)
		default:
			fmt.Printf("✓ Migration %s abandoned\n", m.ID)
		}
		return nil
	},
}

func init() {
	migrationCmd.AddCommand(migrationListCmd)
	migrationCmd.AddCommand(migrationResumeCmd)
	migrationCmd.AddCommand(migrationRollbackCmd)
}
