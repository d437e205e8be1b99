package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
)

// RenameField renames oldField to newField in every record of table and
// then in its schema. Schema preconditions are checked before any record
// is touched. Calling it again for an unfinished rename of the same field
// resumes that rename.
func (e *Engine) RenameField(ctx context.Context, table, oldField, newField string) (*types.Migration, error) {
	id := types.MigrationID(types.MigrationRenameField, table)
	existing, err := e.records.get(ctx, id)
	switch {
	case err == nil && !existing.State.Finished():
		if existing.OldField == oldField && existing.NewField == newField {
			return e.run(ctx, existing)
		}
		return existing, fmt.Errorf("table %q has an unfinished field rename %s -> %s: %w",
			table, existing.OldField, existing.NewField, errdefs.ErrMigrationInProgress)
	case err != nil && !errors.Is(err, errdefs.ErrNotFound):
		return nil, err
	}

	schema, err := e.registry.Get(ctx, table)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil, fmt.Errorf("table %q: %w", table, errdefs.ErrSchemaNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := registry.CheckMove(schema, oldField, newField); err != nil {
		return nil, err
	}

	m := &types.Migration{
		ID:       id,
		Kind:     types.MigrationRenameField,
		Table:    table,
		OldField: oldField,
		NewField: newField,
	}
	if err := e.records.acquire(ctx, table, id); err != nil {
		return nil, err
	}
	if err := e.start(ctx, m); err != nil {
		_ = e.records.release(context.WithoutCancel(ctx), table, id)
		return nil, err
	}
	return e.run(ctx, m)
}

func (e *Engine) runFieldRename(ctx context.Context, m *types.Migration) error {
	logger := log.WithMigration(e.logger, m.ID)
	if err := e.records.acquire(ctx, m.Table, m.ID); err != nil {
		return err
	}

	switch m.Stage() {
	case types.MigrationPending, types.MigrationCopying:
		if err := e.advance(ctx, m, types.MigrationCopying); err != nil {
			return err
		}
		m.Copied = 0
		if err := e.rewriteRecords(ctx, m); err != nil {
			return err
		}
		metrics.MigrationRecordsTotal.WithLabelValues(string(m.Kind)).Add(float64(m.Copied))
		logger.Info().Str("table", m.Table).Int("records", m.Copied).Msg("Records rewritten")
		if err := e.advance(ctx, m, types.MigrationCopied); err != nil {
			return err
		}
		fallthrough
	case types.MigrationCopied:
		if err := e.moveSchemaField(ctx, m); err != nil {
			return err
		}
	}
	return e.complete(ctx, m, m.Table)
}

// rewriteRecords moves oldField to newField with a targeted update on
// every record that carries it. Records already rewritten lack oldField,
// so a rescan after a crash does no double work.
func (e *Engine) rewriteRecords(ctx context.Context, m *types.Migration) error {
	for rec, err := range e.items.List(ctx, m.Table) {
		if err != nil {
			return err
		}
		v, ok := rec.Fields[m.OldField]
		if !ok {
			continue
		}
		err := e.items.UpdateFields(ctx, m.Table, rec.ID, map[string]any{m.NewField: v}, []string{m.OldField})
		if errors.Is(err, errdefs.ErrNotFound) {
			// Deleted since the scan
			continue
		}
		if err != nil {
			return err
		}
		m.Copied++
		if err := e.saveProgress(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// moveSchemaField applies the rename to the schema unless a previous
// attempt already did
func (e *Engine) moveSchemaField(ctx context.Context, m *types.Migration) error {
	schema, err := e.registry.Get(ctx, m.Table)
	if errors.Is(err, errdefs.ErrNotFound) {
		return fmt.Errorf("table %q: %w", m.Table, errdefs.ErrSchemaNotFound)
	}
	if err != nil {
		return err
	}
	_, hasOld := schema.Fields[m.OldField]
	_, hasNew := schema.Fields[m.NewField]
	if hasNew && !hasOld {
		return nil
	}
	return e.registry.MoveField(ctx, m.Table, m.OldField, m.NewField)
}
