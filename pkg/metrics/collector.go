package metrics

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// TableLister lists data tables
type TableLister interface {
	ListTables(ctx context.Context) ([]string, error)
}

// SchemaLister lists registered schemas
type SchemaLister interface {
	List(ctx context.Context) ([]*types.TableSchema, error)
}

// MigrationLister lists recorded migrations
type MigrationLister interface {
	List(ctx context.Context) ([]*types.Migration, error)
}

// Collector periodically refreshes the inventory gauges
type Collector struct {
	tables     TableLister
	schemas    SchemaLister
	migrations MigrationLister
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(tables TableLister, schemas SchemaLister, migrations MigrationLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		tables:     tables,
		schemas:    schemas,
		migrations: migrations,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once. Sources that fail keep their last value.
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	if c.tables != nil {
		if tables, err := c.tables.ListTables(ctx); err == nil {
			TablesTotal.Set(float64(len(tables)))
		}
	}

	if c.schemas != nil {
		if schemas, err := c.schemas.List(ctx); err == nil {
			SchemasTotal.Set(float64(len(schemas)))
		}
	}

	if c.migrations != nil {
		if migrations, err := c.migrations.List(ctx); err == nil {
			active := 0
			for _, m := range migrations {
				if !m.State.Finished() {
					active++
				}
			}
			MigrationsActive.Set(float64(active))
		}
	}
}
