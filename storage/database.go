package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseType selects the SQL dialect
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
	SQLite     DatabaseType = "sqlite"
)

// DatabaseConfig selects and addresses a SQL database
type DatabaseConfig struct {
	Type DatabaseType `mapstructure:"type"`
	DSN  string       `mapstructure:"dsn"`
}

type dialect struct {
	name        DatabaseType
	blobType    string
	numbered    bool
	tableSuffix string
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Database is an open SQL database with the device-comm schema in place.
// The management provider and the event store share it.
type Database struct {
	db      *sql.DB
	dialect dialect
}

// OpenDatabase connects, creating the database (MySQL, PostgreSQL) and
// the tables when missing.
func OpenDatabase(cfg DatabaseConfig) (*Database, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch cfg.Type {
	case MySQL:
		d = dialect{name: MySQL, blobType: "LONGBLOB", tableSuffix: " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"}
		db, err = openMySQL(cfg.DSN)
	case PostgreSQL:
		d = dialect{name: PostgreSQL, blobType: "BYTEA", numbered: true}
		db, err = openPostgreSQL(cfg.DSN)
	case SQLite:
		d = dialect{name: SQLite, blobType: "BLOB"}
		db, err = openSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	database := &Database{db: db, dialect: d}
	if err := database.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s schema failed: %w", cfg.Type, err)
	}
	log.Info("%s database ready", cfg.Type)
	return database, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s failed: %w", dsn, err)
	}
	// sqlite serializes writers; one connection also keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	return db, nil
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

func (d *Database) initSchema(ctx context.Context) error {
	key := "VARCHAR(255)"
	tables := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			token ` + key + ` NOT NULL PRIMARY KEY,
			specification_token ` + key + ` NOT NULL,
			site_token ` + key + ` NOT NULL DEFAULT '',
			parent_token ` + key + ` NOT NULL DEFAULT '',
			assignment_token ` + key + ` NOT NULL DEFAULT '',
			comments TEXT,
			metadata TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS element_mappings (
			gateway_token ` + key + ` NOT NULL,
			path ` + key + ` NOT NULL,
			device_token ` + key + ` NOT NULL,
			position BIGINT NOT NULL,
			PRIMARY KEY (gateway_token, path)
		)`,
		`CREATE TABLE IF NOT EXISTS specifications (
			token ` + key + ` NOT NULL PRIMARY KEY,
			name ` + key + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sites (
			token ` + key + ` NOT NULL PRIMARY KEY,
			name ` + key + ` NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			token ` + key + ` NOT NULL PRIMARY KEY,
			device_token ` + key + ` NOT NULL,
			site_token ` + key + ` NOT NULL DEFAULT '',
			asset_type ` + key + ` NOT NULL,
			asset_id ` + key + ` NOT NULL DEFAULT '',
			status ` + key + ` NOT NULL,
			metadata TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			token ` + key + ` NOT NULL PRIMARY KEY,
			specification_token ` + key + ` NOT NULL,
			namespace ` + key + ` NOT NULL DEFAULT '',
			name ` + key + ` NOT NULL,
			description TEXT,
			parameters TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			assignment_token ` + key + ` NOT NULL,
			stream_id ` + key + ` NOT NULL,
			content_type ` + key + ` NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (assignment_token, stream_id)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_data (
			assignment_token ` + key + ` NOT NULL,
			stream_id ` + key + ` NOT NULL,
			sequence_number BIGINT NOT NULL,
			data ` + d.dialect.blobType + `,
			event_date BIGINT NOT NULL,
			PRIMARY KEY (assignment_token, stream_id, sequence_number)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id ` + key + ` NOT NULL PRIMARY KEY,
			kind ` + key + ` NOT NULL,
			device_token ` + key + ` NOT NULL,
			assignment_token ` + key + ` NOT NULL DEFAULT '',
			site_token ` + key + ` NOT NULL DEFAULT '',
			event_date BIGINT NOT NULL,
			received_date BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
	}
	for _, stmt := range tables {
		if _, err := d.db.ExecContext(ctx, stmt+d.dialect.tableSuffix); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection pool
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) exec(ctx context.Context, q sqlExecer, query string, args ...any) error {
	_, err := q.ExecContext(ctx, d.dialect.rebind(query), args...)
	return err
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (d *Database) queryRow(ctx context.Context, q sqlExecer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.dialect.rebind(query), args...)
}

func (d *Database) query(ctx context.Context, q sqlExecer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.dialect.rebind(query), args...)
}

// exists reports whether query returns a row
func (d *Database) exists(ctx context.Context, q sqlExecer, query string, args ...any) (bool, error) {
	var one int
	err := d.queryRow(ctx, q, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (d *Database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Error("rollback failed: %v", rbErr)
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
