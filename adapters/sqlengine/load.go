package sqlengine

import (
	"context"
	"fmt"
	"strings"

	"dataexpect/adapters/memory"
	"dataexpect/domain/metric"

	"github.com/jmoiron/sqlx"
)

// columnSQLType maps an inferred column type to a column definition type.
func columnSQLType(d Dialect, typ string) string {
	switch typ {
	case metric.TypeInteger:
		return "BIGINT"
	case metric.TypeFloat:
		if d.Name == Postgres.Name {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case metric.TypeBoolean:
		return "BOOLEAN"
	case metric.TypeDatetime:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// Load creates table and copies every row of t into it inside one
// transaction. An existing table of the same name is replaced.
func Load(ctx context.Context, db *sqlx.DB, table string, t *memory.Table) error {
	d := DialectFor(db.DriverName())
	types := t.ColumnTypes()

	defs := make([]string, len(types))
	cols := make([]string, len(types))
	marks := make([]string, len(types))
	for i, ct := range types {
		cols[i] = Quote(ct.Name)
		defs[i] = cols[i] + " " + columnSQLType(d, ct.Type)
		marks[i] = "?"
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load of %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+Quote(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", Quote(table), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	insert := tx.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", Quote(table), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	stmt, err := tx.PreparexContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	row := make([]any, len(types))
	for i := 0; i < t.Len(); i++ {
		for j, ct := range types {
			row[j], _ = t.Value(i, ct.Name)
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert row %d into %s: %w", i, table, err)
		}
	}
	return tx.Commit()
}
