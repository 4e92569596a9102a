package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dataexpect/adapters/postgres"
	"dataexpect/domain/core"
	"dataexpect/domain/expectation"
	"dataexpect/internal/migration"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var dsn, importDir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the result store schema and import saved results",
		Long: `Create or upgrade the postgres tables of the result and metric store.

With --import, every *.json file below DIR holding a suite result (as written by
"validate -o json") is stored too. Files that do not parse are skipped.

Example: dataexpect migrate --dsn "$DATABASE_URL" --import ./results`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URL")
			}
			if dsn == "" {
				return fmt.Errorf("--dsn or DATABASE_URL is required")
			}
			return runMigrate(cmd.Context(), cmd, dsn, importDir)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string (default DATABASE_URL)")
	cmd.Flags().StringVar(&importDir, "import", "", "Directory of saved suite result JSON files to import")

	return cmd
}

func runMigrate(ctx context.Context, cmd *cobra.Command, dsn, importDir string) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	runner := migration.NewRunner()
	if err := runner.Run(ctx, db); err != nil {
		return err
	}
	cmd.Printf("schema at version %s\n", runner.Version())

	if importDir == "" {
		return nil
	}

	files, err := findResultFiles(importDir)
	if err != nil {
		return fmt.Errorf("failed to find result files: %w", err)
	}

	repo := postgres.NewValidationResultRepository(db)
	imported, skipped := 0, 0
	for _, file := range files {
		result, err := loadResultFile(file)
		if err != nil {
			cmd.PrintErrf("skipping %s: %v\n", file, err)
			skipped++
			continue
		}
		if err := repo.Save(ctx, result); err != nil {
			cmd.PrintErrf("failed to store %s: %v\n", file, err)
			skipped++
			continue
		}
		imported++
	}
	cmd.Printf("import complete: %d imported, %d skipped\n", imported, skipped)
	return nil
}

func findResultFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func loadResultFile(path string) (*expectation.SuiteValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var result expectation.SuiteValidationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if _, err := core.ParseRunID(result.RunID.String()); err != nil {
		return nil, fmt.Errorf("invalid run_id: %w", err)
	}
	if result.CompletedAt.IsZero() {
		return nil, fmt.Errorf("no completed_at")
	}
	return &result, nil
}
