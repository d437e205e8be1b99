package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/rs/zerolog"
)

var errNothingToCopy = errors.New("no tables to copy")

// copyOptions controls copyTables
type copyOptions struct {
	DryRun bool
	// Tables limits the copy to these names; empty copies everything
	Tables []string
	// Overwrite lets the copy write into tables that already exist
	Overwrite bool
}

// tableReport is the outcome for one table
type tableReport struct {
	Name    string
	Key     storage.KeySchema
	Items   int
	Created bool
}

// copyTables copies every table of src, key schema and items, into dst.
// Items keep their keys, so record ids are preserved.
func copyTables(ctx context.Context, src storage.Store, dst *lifecycle.Manager, opts copyOptions, logger zerolog.Logger) ([]tableReport, error) {
	names, err := src.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list source tables: %w", err)
	}
	if len(opts.Tables) > 0 {
		names = selectTables(names, opts.Tables)
	}

	var reports []tableReport
	for _, name := range names {
		desc, err := src.DescribeTable(ctx, name)
		if err != nil {
			return reports, fmt.Errorf("failed to describe %s: %w", name, err)
		}
		if desc.Status != storage.TableActive {
			logger.Warn().Str("table", name).Str("status", string(desc.Status)).Msg("Skipping table that is not active")
			continue
		}

		rep := tableReport{Name: name, Key: desc.Key}
		if !opts.DryRun {
			exists, err := dst.Exists(ctx, name)
			if err != nil {
				return reports, err
			}
			if exists && !opts.Overwrite {
				return reports, fmt.Errorf("table %s already exists in the destination (use --overwrite)", name)
			}
			if err := dst.EnsureActive(ctx, name, desc.Key); err != nil {
				return reports, fmt.Errorf("failed to create %s: %w", name, err)
			}
			rep.Created = !exists
		}

		n, err := copyItems(ctx, src, dst.Store(), name, opts.DryRun)
		rep.Items = n
		reports = append(reports, rep)
		if err != nil {
			return reports, fmt.Errorf("failed to copy %s: %w", name, err)
		}
		logger.Info().Str("table", name).Int("items", n).Bool("dry_run", opts.DryRun).Msg("Table copied")
	}
	return reports, nil
}

func copyItems(ctx context.Context, src, dst storage.Store, table string, dryRun bool) (int, error) {
	count := 0
	var start storage.Key
	for {
		page, err := src.Scan(ctx, table, start, 0)
		if err != nil {
			return count, err
		}
		for _, item := range page.Items {
			if !dryRun {
				if err := dst.PutItem(ctx, table, item, storage.NoCondition); err != nil {
					return count, err
				}
			}
			count++
		}
		if page.LastKey == nil {
			return count, nil
		}
		start = page.LastKey
	}
}

func selectTables(all, want []string) []string {
	present := make(map[string]bool, len(all))
	for _, name := range all {
		present[name] = true
	}
	var out []string
	for _, name := range want {
		if present[name] {
			out = append(out, name)
		}
	}
	return out
}
