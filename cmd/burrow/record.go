package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// Record commands
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage records",
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", arg)
	}
	return id, nil
}

var recordAddCmd = &cobra.Command{
	Use:   "add TABLE FIELDS",
	Short: "Add a record, fields given as a JSON object",
	Example: `  burrow record add orders '{"status": "open", "total": 12.5}'`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args[1])
		if err != nil {
			return err
		}

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
		id, err := s.items.Add(ctx, table, fields)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get TABLE ID",
	Short: "Print a record as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}

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
		rec, err := s.items.Get(ctx, table, id)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list TABLE",
	Short: "Print every record of a table as JSON, one per line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

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

		count := 0
		for rec, err := range s.items.List(ctx, table) {
			if err != nil {
				return err
			}
			line, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			count++
			if limit > 0 && count == limit {
				break
			}
		}
		return nil
	},
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update TABLE ID FIELDS",
	Short: "Merge fields into a record",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		fields, err := parseFields(args[2])
		if err != nil {
			return err
		}

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
		if err := s.items.Update(ctx, table, id, fields); err != nil {
			return err
		}
		fmt.Printf("✓ Record %d updated\n", id)
		return nil
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete TABLE ID",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}

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
		if err := s.items.Delete(ctx, table, id); err != nil {
			return err
		}
		fmt.Printf("✓ Record %d deleted\n", id)
		return nil
	},
}

func init() {
	recordCmd.AddCommand(recordAddCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordUpdateCmd)
	recordCmd.AddCommand(recordDeleteCmd)

	recordListCmd.Flags().Int("limit", 0, "Stop after this many records (0 for all)")
}
