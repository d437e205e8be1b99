package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu         sync.Mutex
	migrations []*types.Migration
	inflight   map[string]bool
	failing    map[string]bool
	claimed    map[string]bool
	listErr    error
	resumed    []string
}

func (f *fakeRunner) List(ctx context.Context) ([]*types.Migration, error) {
	return f.migrations, f.listErr
}

func (f *fakeRunner) InFlight(id string) bool {
	return f.inflight[id]
}

func (f *fakeRunner) Resume(ctx context.Context, id string) (*types.Migration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	if f.failing[id] {
		return nil, errors.New("still broken")
	}
	if f.claimed[id] {
		return nil, fmt.Errorf("migration %s is claimed by another: %w", id, errdefs.ErrMigrationInProgress)
	}
	return &types.Migration{ID: id, State: types.MigrationDone}, nil
}

func (f *fakeRunner) resumedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

func TestReconcileResumesStaleMigrations(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-10 * time.Minute)
	recent := now.Add(-time.Minute)

	runner := &fakeRunner{
		migrations: []*types.Migration{
			{ID: "rename_table/a", State: types.MigrationCopying, UpdatedAt: old},
			{ID: "rename_table/b", State: types.MigrationFailed, UpdatedAt: old},
			{ID: "rename_table/c", State: types.MigrationCopying, UpdatedAt: recent},
			{ID: "rename_table/d", State: types.MigrationDone, UpdatedAt: old},
			{ID: "rename_table/e", State: types.MigrationRolledBack, UpdatedAt: old},
			{ID: "rename_field/f", State: types.MigrationPending, UpdatedAt: old},
			{ID: "rename_field/g", State: types.MigrationCopied, UpdatedAt: old},
		},
		inflight: map[string]bool{"rename_field/f": true},
		failing:  map[string]bool{"rename_table/b": true},
	}

	r := NewReconciler(runner, Config{StaleAfter: 5 * time.Minute})
	r.now = func() time.Time { return now }

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, []string{"rename_table/a", "rename_table/b", "rename_field/g"}, runner.resumedIDs())
}

func TestReconcileSkipsMigrationsClaimedElsewhere(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-10 * time.Minute)

	runner := &fakeRunner{
		migrations: []*types.Migration{
			{ID: "rename_table/a", State: types.MigrationCopying, UpdatedAt: old},
			{ID: "rename_table/b", State: types.MigrationCopying, UpdatedAt: old},
		},
		claimed: map[string]bool{"rename_table/a": true},
	}
	r := NewReconciler(runner, Config{StaleAfter: 5 * time.Minute})
	r.now = func() time.Time { return now }

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, []string{"rename_table/a", "rename_table/b"}, runner.resumedIDs())
}

func TestReconcileListError(t *testing.T) {
	runner := &fakeRunner{listErr: errors.New("store down")}
	r := NewReconciler(runner, Config{})

	assert.Error(t, r.Reconcile(context.Background()))
	assert.Empty(t, runner.resumedIDs())
}

func TestReconcilerDefaults(t *testing.T) {
	r := NewReconciler(&fakeRunner{}, Config{})
	assert.Equal(t, DefaultConfig(), r.cfg)
}

func TestReconcilerLoop(t *testing.T) {
	runner := &fakeRunner{
		migrations: []*types.Migration{
			{ID: "rename_table/a", State: types.MigrationCopying},
		},
	}
	r := NewReconciler(runner, Config{Interval: 5 * time.Millisecond, StaleAfter: time.Nanosecond})
	r.Start()

	assert.Eventually(t, func() bool {
		return len(runner.resumedIDs()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}
