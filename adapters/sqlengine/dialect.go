package sqlengine

import (
	"database/sql"
	"strings"

	"dataexpect/internal/metrics"

	"github.com/mattn/go-sqlite3"
	"github.com/spf13/cast"
)

// SQLiteDriver is go-sqlite3 with a REGEXP function installed on every
// connection.
const SQLiteDriver = "sqlite3_dataexpect"

func init() {
	sql.Register(SQLiteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", func(pattern string, value any) (bool, error) {
				if value == nil {
					return false, nil
				}
				re, err := metrics.Regex(pattern)
				if err != nil {
					return false, err
				}
				return re.MatchString(cast.ToString(metrics.Normalize(value))), nil
			}, true)
		},
	})
}

// Dialect covers the few expressions that differ between databases.
type Dialect struct {
	Name string
	// Regex renders a match of column against a ? pattern.
	Regex func(column string) string
}

var (
	Postgres = Dialect{
		Name:  "postgres",
		Regex: func(column string) string { return "CAST(" + column + " AS TEXT) ~ ?" },
	}
	SQLite = Dialect{
		Name:  "sqlite",
		Regex: func(column string) string { return column + " REGEXP ?" },
	}
)

// DialectFor picks a dialect from a sqlx driver name.
func DialectFor(driver string) Dialect {
	switch strings.ToLower(driver) {
	case "postgres", "pgx", "pq":
		return Postgres
	default:
		return SQLite
	}
}

// Quote quotes an identifier for both supported databases.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
