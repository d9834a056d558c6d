// Package store is the collector's durable sink: an append-only table
// of readings in a local SQLite database. There is no read,
// update, or delete path; the database is consumed by other tooling.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nugget/sensorlog/internal/faults"
	"github.com/nugget/sensorlog/internal/reading"

	_ "github.com/mattn/go-sqlite3" // cgo driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // pure-Go driver, registered as "sqlite"
)

// Driver names accepted in [Options.Driver].
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// DefaultPath is the database location used when none is configured.
const DefaultPath = "./dev.db"

const schema = `
CREATE TABLE IF NOT EXISTS READINGS (
	timestamp INTEGER NOT NULL,
	topic     VARCHAR(255) NOT NULL,
	value     VARCHAR(255) NOT NULL,
	device_id VARCHAR(255) NOT NULL
);
`

const insertReading = `INSERT INTO READINGS (timestamp, topic, value, device_id) VALUES (?, ?, ?, ?)`

// Options selects the database file and driver.
type Options struct {
	Path   string
	Driver string // DriverCGO (default) or DriverPureGo
}

// Store appends readings to the READINGS table. It holds one connection
// for the process lifetime; there is only ever one writer.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the database and ensures the schema exists. Every failure
// is a [faults.Startup] error: the collector cannot run without its sink.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}

	source, err := dsn(opts.Driver, opts.Path)
	if err != nil {
		return nil, faults.Wrap(faults.Startup, "open database", err)
	}

	db, err := sql.Open(opts.Driver, source)
	if err != nil {
		return nil, faults.Wrap(faults.Startup, "open database", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: opts.Path}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, faults.Wrap(faults.Startup, "ensure schema", err)
	}

	return s, nil
}

// dsn adds journal and busy-timeout settings in the syntax each driver
// understands. WAL lets readers open the file while the collector writes.
func dsn(driver, path string) (string, error) {
	switch driver {
	case DriverCGO:
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPureGo:
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q (valid: %s, %s)", driver, DriverCGO, DriverPureGo)
	}
}

// EnsureSchema creates the READINGS table if it does not exist. It is
// safe to call any number of times against the same database.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create readings table in %s: %w", s.path, err)
	}
	return nil
}

// Append inserts r as a single autocommitted row. A failed append never
// leaves a partial record behind.
func (s *Store) Append(ctx context.Context, r reading.Reading) error {
	_, err := s.db.ExecContext(ctx, insertReading, r.Timestamp, r.Topic, r.Value, r.DeviceID)
	if err != nil {
		return faults.Wrap(faults.Storage, "append", fmt.Errorf("insert reading for %s: %w", r.Topic, err))
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
