package main

import (
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running burrow server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("server")
		if addr == "" {
			addr = cfg.Server.HTTPAddr
		}
		c, err := client.NewClient(addr)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Server: %s (version %s)\n", addr, h.Version)

		ready, rerr := c.Ready(ctx)
		if ready == nil {
			return rerr
		}
		fmt.Printf("Status: %s\n", ready.Status)
		names := make([]string, 0, len(ready.Checks))
		for name := range ready.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-12s %s\n", name, ready.Checks[name])
		}

		migrations, err := c.ListMigrations(ctx)
		if err != nil {
			return err
		}
		unfinished := 0
		for _, m := range migrations {
			if !m.State.Finished() {
				unfinished++
				fmt.Printf("  migration %s: %s\n", m.ID, detail(m))
			}
		}
		fmt.Printf("Migrations: %d recorded, %d unfinished\n", len(migrations), unfinished)
		return rerr
	},
}

func init() {
	statusCmd.Flags().String("server", "", "Address of the burrow HTTP API (defaults to server.httpAddr)")
}
