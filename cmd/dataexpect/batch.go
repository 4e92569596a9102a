package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"dataexpect/domain/metric"
	"dataexpect/internal/config"
	"dataexpect/internal/container"
	"dataexpect/ports"

	"github.com/spf13/cobra"
)

// batchFlags are the flags shared by every command that reads a batch.
type batchFlags struct {
	backend string
	data    string
	dsn     string
	driver  string
	table   string
	query   string
	batchID string
}

func (f *batchFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "Execution backend: memory|sql|distributed (default DEFAULT_BACKEND)")
	cmd.Flags().StringVar(&f.data, "data", "", "CSV or XLSX file holding the batch")
	cmd.Flags().StringVar(&f.dsn, "dsn", "", "Database connection string for the sql backend (default DATABASE_URL)")
	cmd.Flags().StringVar(&f.driver, "driver", "", "Database driver: postgres|sqlite3 (default DB_DRIVER)")
	cmd.Flags().StringVar(&f.table, "table", "", "Table holding the batch; with --data the file is loaded into it")
	cmd.Flags().StringVar(&f.query, "query", "", "SELECT statement defining the batch on the sql backend")
	cmd.Flags().StringVar(&f.batchID, "batch-id", "", "Batch identifier (default table name or file name)")
}

func (f *batchFlags) source() container.BatchSource {
	return container.BatchSource{BatchID: f.batchID, File: f.data, Table: f.table, Query: f.query}
}

// newContainer loads the environment configuration, applies the command line
// overrides and connects the configured stores.
func newContainer(ctx context.Context, f *batchFlags) (*container.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f != nil {
		if f.dsn != "" {
			cfg.Database.URL = f.dsn
		}
		if f.driver != "" {
			cfg.Database.Driver = f.driver
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	c, err := container.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}
	if err := c.InitStores(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (f *batchFlags) engine(ctx context.Context, c *container.Container) (ports.ExecutionEngine, error) {
	name := f.backend
	if name == "" {
		name = c.Config.Validation.DefaultBackend
	}
	backend, err := metric.ParseBackend(name)
	if err != nil {
		return nil, err
	}
	return c.Engine(ctx, backend, f.source())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
