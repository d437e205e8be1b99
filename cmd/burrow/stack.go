package main

import (
	"context"
	"errors"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/items"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/migration"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/storage"
)

// stack wires the store, registry, item store and migration engine
type stack struct {
	store    storage.Store
	broker   *events.Broker
	tables   *lifecycle.Manager
	registry *registry.Registry
	guard    *migration.Guard
	items    *items.Store
	engine   *migration.Engine
}

func openStack(ctx context.Context, c *config.Config) (*stack, error) {
	store, err := storage.Open(ctx, c.Backend.StoreBackend())
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	tables := lifecycle.NewManager(store, lifecycle.Config{
		PollInterval:  c.Lifecycle.PollInterval,
		ActiveTimeout: c.Lifecycle.ActiveTimeout,
	}, broker)

	reg := registry.New(tables, broker)
	guard := migration.NewGuard(store)

	opts := []items.Option{items.WithGuard(guard)}
	if c.Items.EnforceSchema {
		opts = append(opts, items.WithValidator(reg))
	}
	itemCfg := items.DefaultConfig()
	if c.Items.PageSize > 0 {
		itemCfg.ScanPageSize = c.Items.PageSize
	}
	itemStore := items.New(tables, itemCfg, opts...)
	engine := migration.NewEngine(tables, itemStore, reg, broker,
		migration.WithLease(c.Reconciler.StaleAfter),
	)

	s := &stack{
		store:    store,
		broker:   broker,
		tables:   tables,
		registry: reg,
		guard:    guard,
		items:    itemStore,
		engine:   engine,
	}
	if err := reg.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := engine.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// resolve maps a table name or alias to the table name. Names with no
// schema are used as given.
func (s *stack) resolve(ctx context.Context, ref string) (string, error) {
	schema, err := s.registry.Lookup(ctx, ref)
	switch {
	case err == nil:
		return schema.TableName, nil
	case errors.Is(err, errdefs.ErrNotFound):
		return ref, nil
	default:
		return "", err
	}
}

func (s *stack) Close() error {
	s.broker.Stop()
	return s.store.Close()
}
