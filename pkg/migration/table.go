package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// RenameTable moves every record of oldName into newName, re-keys the
// schema and drops oldName. Records get new ids in newName. Calling it
// again for an unfinished rename to the same target resumes that rename.
func (e *Engine) RenameTable(ctx context.Context, oldName, newName string) (*types.Migration, error) {
	id := types.MigrationID(types.MigrationRenameTable, oldName)
	existing, err := e.records.get(ctx, id)
	switch {
	case err == nil && !existing.State.Finished():
		if existing.Target == newName {
			return e.run(ctx, existing)
		}
		return existing, fmt.Errorf("table %q has an unfinished rename to %q: %w",
			oldName, existing.Target, errdefs.ErrMigrationInProgress)
	case err != nil && !errors.Is(err, errdefs.ErrNotFound):
		return nil, err
	}

	switch {
	case newName == "":
		return nil, errdefs.InvalidArgument("new table name is empty")
	case oldName == newName:
		return nil, errdefs.InvalidArgument("table %q renamed to itself", oldName)
	case lifecycle.IsControlTable(oldName) || lifecycle.IsControlTable(newName):
		return nil, errdefs.InvalidArgument("control tables cannot be renamed")
	}

	exists, err := e.tables.Exists(ctx, newName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errdefs.AlreadyExists("table", newName)
	}
	if exists, err = e.tables.Exists(ctx, oldName); err != nil {
		return nil, err
	}
	if !exists {
		return nil, errdefs.NotFound("table", oldName)
	}
	// newName may not shadow another schema's name or alias
	switch schema, err := e.registry.Lookup(ctx, newName); {
	case err == nil && schema.TableName != oldName:
		return nil, errdefs.AlreadyExists("schema", newName)
	case errors.Is(err, errdefs.ErrAmbiguous):
		return nil, errdefs.AlreadyExists("schema", newName)
	case err != nil && !errors.Is(err, errdefs.ErrNotFound):
		return nil, err
	}

	m := &types.Migration{
		ID:     id,
		Kind:   types.MigrationRenameTable,
		Table:  oldName,
		Target: newName,
	}
	if err := e.records.acquire(ctx, oldName, id); err != nil {
		return nil, err
	}
	if err := e.records.acquire(ctx, newName, id); err != nil {
		_ = e.records.release(context.WithoutCancel(ctx), oldName, id)
		return nil, err
	}
	if err := e.start(ctx, m); err != nil {
		bg := context.WithoutCancel(ctx)
		_ = e.records.release(bg, oldName, id)
		_ = e.records.release(bg, newName, id)
		return nil, err
	}
	return e.run(ctx, m)
}

func (e *Engine) runTableRename(ctx context.Context, m *types.Migration) error {
	logger := log.WithMigration(e.logger, m.ID)
	for _, table := range []string{m.Table, m.Target} {
		if err := e.records.acquire(ctx, table, m.ID); err != nil {
			return err
		}
	}

	switch m.Stage() {
	case types.MigrationPending, types.MigrationCopying:
		if err := e.tables.EnsureActive(ctx, m.Target, storage.IDKey); err != nil {
			return err
		}
		if err := e.advance(ctx, m, types.MigrationCopying); err != nil {
			return err
		}
		if err := e.emptyTable(ctx, m.Target); err != nil {
			return err
		}
		m.Copied = 0
		if err := e.copyRecords(ctx, m); err != nil {
			return err
		}
		if err := e.verifyCopy(ctx, m); err != nil {
			return err
		}
		metrics.MigrationRecordsTotal.WithLabelValues(string(m.Kind)).Add(float64(m.Copied))
		logger.Warn().
			Str("table", m.Table).
			Str("target", m.Target).
			Int("records", m.Copied).
			Msg("Records copied with newly assigned ids")
		if err := e.advance(ctx, m, types.MigrationCopied); err != nil {
			return err
		}
		fallthrough
	case types.MigrationCopied:
		if err := e.registry.Rename(ctx, m.Table, m.Target); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
		if err := e.tables.DropTable(ctx, m.Table); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
		if err := e.tables.AwaitGone(ctx, m.Table); err != nil {
			return err
		}
	}
	return e.complete(ctx, m, m.Table, m.Target)
}

// emptyTable deletes every record of table so a resumed copy starts clean
func (e *Engine) emptyTable(ctx context.Context, table string) error {
	removed := 0
	for rec, err := range e.items.List(ctx, table) {
		if err != nil {
			return err
		}
		if err := e.items.Delete(ctx, table, rec.ID); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info().Str("table", table).Int("records", removed).Msg("Cleared partial copy")
	}
	return nil
}

func (e *Engine) copyRecords(ctx context.Context, m *types.Migration) error {
	for rec, err := range e.items.List(ctx, m.Table) {
		if err != nil {
			return err
		}
		if _, err := e.items.Add(ctx, m.Target, rec.Fields); err != nil {
			return err
		}
		m.Copied++
		if err := e.saveProgress(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// verifyCopy checks the destination holds exactly the copied records
func (e *Engine) verifyCopy(ctx context.Context, m *types.Migration) error {
	count := 0
	for _, err := range e.items.List(ctx, m.Target) {
		if err != nil {
			return err
		}
		count++
	}
	if count != m.Copied {
		return fmt.Errorf("table %q holds %d records after copying %d: %w",
			m.Target, count, m.Copied, errdefs.ErrInvalidState)
	}
	return nil
}
