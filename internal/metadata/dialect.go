package metadata

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "github.com/mattn/go-sqlite3"    // driver: sqlite3
	_ "modernc.org/sqlite"             // driver: sqlite
)

// Driver selects the database/sql driver backing a SQLStore.
type Driver string

const (
	// DriverSQLite3 is the cgo SQLite driver (github.com/mattn/go-sqlite3).
	DriverSQLite3 Driver = "sqlite3"
	// DriverSQLite is the pure Go SQLite driver (modernc.org/sqlite).
	DriverSQLite Driver = "sqlite"
	// DriverPostgres connects through pgx.
	DriverPostgres Driver = "postgres"
)

const busyTimeoutMillis = 5000

// ParseDriver maps a configuration value onto a Driver. The empty string
// selects DriverSQLite3.
func ParseDriver(name string) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(name))) {
	case "", DriverSQLite3:
		return DriverSQLite3, nil
	case DriverSQLite:
		return DriverSQLite, nil
	case DriverPostgres, "pgx":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported metadata driver: %q", name)
	}
}

func (d Driver) sqlite() bool {
	return d == DriverSQLite3 || d == DriverSQLite
}

func (d Driver) migrationsDir() string {
	if d.sqlite() {
		return "migrations/sqlite"
	}
	return "migrations/postgres"
}

// driverName returns the name registered with database/sql.
func (d Driver) driverName() string {
	switch d {
	case DriverPostgres:
		return "pgx"
	default:
		return string(d)
	}
}

// dataSource turns a plain file path into a DSN carrying the pragmas the
// store relies on: WAL journaling, a busy timeout for writers in other
// processes, and foreign keys. DSNs that already use the file: scheme are
// passed through untouched.
func (d Driver) dataSource(dsn string) (string, error) {
	if !d.sqlite() {
		if dsn == "" {
			return "", fmt.Errorf("%s driver requires a DSN", d)
		}
		return dsn, nil
	}

	if dsn == "" {
		return "", fmt.Errorf("%s driver requires a database path", d)
	}
	if strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}

	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return "", fmt.Errorf("create metadata directory: %w", err)
	}

	q := url.Values{}
	switch d {
	case DriverSQLite3:
		q.Set("_busy_timeout", strconv.Itoa(busyTimeoutMillis))
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
		q.Set("_foreign_keys", "on")
	case DriverSQLite:
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Add("_pragma", "foreign_keys(1)")
	}
	return "file:" + dsn + "?" + q.Encode(), nil
}

// rebind rewrites ? placeholders into the $n form Postgres expects.
func (d Driver) rebind(query string) string {
	if d != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
