package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Driver names accepted by NewDB.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// Executor is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside a transaction.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps sql.DB for Postgres (pgx) or SQLite.
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB opens a connection with sane pool defaults, pings it and applies the schema.
func NewDB(driver, connString string) (*DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, errors.Errorf("unsupported db driver %q", driver)
	}
	db, err := sql.Open(driver, connString)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	if driver == DriverSQLite {
		// every sqlite connection is its own database when in-memory
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	d := &DB{Client: db, Driver: driver}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return d, errors.Wrap(err, "ping db")
	}
	if err := d.Migrate(ctx); err != nil {
		return d, errors.Wrap(err, "migrate")
	}
	return d, nil
}

// OpenSQLiteMemory returns a migrated private in-memory database, used by tests
// and local runs without Postgres.
func OpenSQLiteMemory() (*DB, error) {
	return NewDB(DriverSQLite, "file::memory:?_foreign_keys=on")
}

// Migrate applies the idempotent schema. The statements are valid for both
// Postgres and SQLite.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply %q", firstLine(stmt))
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling back on error.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.Client.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// ForUpdate returns the row locking suffix supported by the driver.
func (d *DB) ForUpdate() string {
	if d.Driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '(' || r == '\n' {
			return s[:i]
		}
	}
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		email      TEXT NOT NULL UNIQUE,
		role       TEXT NOT NULL DEFAULT 'TEACHER',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS teachers (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		phone      TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS classes (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		teacher_id TEXT REFERENCES teachers(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		parent_name    TEXT,
		parent_email   TEXT,
		parent_contact TEXT NOT NULL,
		class_id       TEXT REFERENCES classes(id) ON DELETE SET NULL,
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_students_class ON students(class_id)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		id         TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		class_id   TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		date       TIMESTAMP NOT NULL,
		present    BOOLEAN NOT NULL,
		UNIQUE (student_id, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_class_date ON attendance(class_id, date)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		sender_id  TEXT NOT NULL,
		message    TEXT NOT NULL,
		type       TEXT NOT NULL,
		targets    TEXT NOT NULL,
		image_url  TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message_templates (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}
