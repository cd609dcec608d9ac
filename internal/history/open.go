package history

import (
	"context"
	"fmt"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database is a Store that also owns its schema.
type Database interface {
	Store
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Open connects to a history database. An empty SQLite dsn selects
// DefaultDBPath. The schema is not migrated.
func Open(ctx context.Context, driver, dsn string) (Database, error) {
	switch driver {
	case "", DriverSQLite:
		if dsn == "" {
			p, err := DefaultDBPath()
			if err != nil {
				return nil, err
			}
			dsn = p
		}
		return OpenSQLite(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres history requires a dsn")
		}
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
}
