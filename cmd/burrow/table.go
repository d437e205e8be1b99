package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

// Table commands
var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Manage tables and their schemas",
}

var tableRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register a table schema and create the table",
	Long: `Register a schema for NAME and create the table if needed.

Fields are given as a JSON object mapping field names to descriptors:

  burrow table register orders --alias ord \
    --fields '{"status": {"type": "String", "required": true}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, _ := cmd.Flags().GetString("alias")
		raw, _ := cmd.Flags().GetString("fields")

		fields := map[string]types.FieldDescriptor{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &fields); err != nil {
				return fmt.Errorf("--fields must map names to descriptors: %w", err)
			}
		}

		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		schema, err := s.registry.Register(ctx, args[0], alias, fields)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Table '%s' registered with %d fields\n", schema.TableName, len(schema.Fields))
		return nil
	},
}

var tableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tables with their aliases",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		names, err := s.tables.ListTables(ctx)
		if err != nil {
			return err
		}
		schemas, err := s.registry.List(ctx)
		if err != nil {
			return err
		}
		byName := make(map[string]*types.TableSchema, len(schemas))
		for _, schema := range schemas {
			byName[schema.TableName] = schema
		}

		fmt.Printf("%-30s %-20s %s\n", "TABLE", "ALIAS", "FIELDS")
		for _, name := range names {
			alias, fields := "-", "-"
			if schema, ok := byName[name]; ok {
				if schema.Alias != "" {
					alias = schema.Alias
				}
				fields = fmt.Sprint(len(schema.Fields))
			}
			fmt.Printf("%-30s %-20s %s\n", name, alias, fields)
		}
		return nil
	},
}

var tableLookupCmd = &cobra.Command{
	Use:   "lookup NAME|ALIAS",
	Short: "Show the schema registered for a table name or alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		schema, err := s.registry.Lookup(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Table:   %s\n", schema.TableName)
		if schema.Alias != "" {
			fmt.Printf("Alias:   %s\n", schema.Alias)
		}
		fmt.Printf("Created: %s\n", schema.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Println("Fields:")
		names := make([]string, 0, len(schema.Fields))
		for name := range schema.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			desc := schema.Fields[name]
			required := ""
			if desc.Required {
				required = " (required)"
			}
			fmt.Printf("  %-20s %s%s\n", name, desc.Type, required)
		}
		return nil
	},
}

var tableDropCmd = &cobra.Command{
	Use:   "drop NAME",
	Short: "Drop a table, its records and its schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		name, err := s.resolve(ctx, args[0])
		if err != nil {
			return err
		}
		if err := s.guard.CheckWrite(ctx, name); err != nil {
			return err
		}
		if err := s.registry.DropTable(ctx, name); err != nil {
			return err
		}
		fmt.Printf("✓ Table '%s' dropped\n", name)
		return nil
	},
}

var tableRenameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename a table by copying its records into a new table",
	Long: `Rename table OLD to NEW.

Records are copied into NEW with newly assigned ids, the schema follows the
table, and OLD is dropped. If an earlier rename of OLD to NEW did not
finish, running the same command resumes it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		table, err := s.resolve(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Renaming table '%s' to '%s'...\n", table, args[1])
		m, err := s.engine.RenameTable(ctx, table, args[1])
		if err != nil {
			if m != nil {
				fmt.Printf("Migration %s is %s; resume with 'burrow migration resume %s'\n", m.ID, m.State, m.ID)
			}
			return err
		}
		fmt.Printf("✓ %d records copied, table '%s' renamed to '%s'\n", m.Copied, table, args[1])
		return nil
	},
}

func init() {
	tableCmd.AddCommand(tableRegisterCmd)
	tableCmd.AddCommand(tableListCmd)
	tableCmd.AddCommand(tableLookupCmd)
	tableCmd.AddCommand(tableDropCmd)
	tableCmd.AddCommand(tableRenameCmd)

	tableRegisterCmd.Flags().String("alias", "", "Alternate name for the table")
	tableRegisterCmd.Flags().String("fields", "", "Field descriptors as a JSON object")
}

// Field commands
var fieldCmd = &cobra.Command{
	Use:   "field",
	Short: "Manage table fields",
}

var fieldRenameCmd = &cobra.Command{
	Use:   "rename TABLE OLD NEW",
	Short: "Rename a field in every record and in the schema",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		table, err := s.resolve(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Renaming field '%s' to '%s' in '%s'...\n", args[1], args[2], table)
		m, err := s.engine.RenameField(ctx, table, args[1], args[2])
		if err != nil {
			if m != nil {
				fmt.Printf("Migration %s is %s; resume with 'burrow migration resume %s'\n", m.ID, m.State, m.ID)
			}
			return err
		}
		fmt.Printf("✓ %d records rewritten\n", m.Copied)
		return nil
	},
}

func init() {
	fieldCmd.AddCommand(fieldRenameCmd)
}
