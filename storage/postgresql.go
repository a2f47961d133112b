package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// openPostgreSQL creates the database named in dsn if it does not exist,
// then connects to it.
func openPostgreSQL(dsn string) (*sql.DB, error) {
	database, serverDSN, err := parsePostgreSQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse PostgreSQL DSN failed: %w", err)
	}

	serverDB, err := sql.Open("postgres", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL server failed: %w", err)
	}
	defer serverDB.Close()

	var exists bool
	err = serverDB.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check database %s failed: %w", database, err)
	}
	if !exists {
		// CREATE DATABASE cannot run inside a transaction
		if _, err = serverDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(database)); err != nil {
			return nil, fmt.Errorf("create database %s failed: %w", database, err)
		}
		log.Info("created PostgreSQL database %s", database)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL database failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("PostgreSQL ping failed: %w", err)
	}
	configurePool(db)
	return db, nil
}

// parsePostgreSQLDSN accepts URL (postgres://u:p@host/db) and key/value
// (host=... dbname=db) forms.
func parsePostgreSQLDSN(dsn string) (database string, serverDSN string, err error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		parts := strings.Split(dsn, "/")
		if len(parts) < 4 {
			return "", "", fmt.Errorf("invalid DSN, no database name")
		}

		dbParts := strings.Split(parts[len(parts)-1], "?")
		database = dbParts[0]
		serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/postgres"
		if len(dbParts) > 1 {
			serverDSN += "?" + dbParts[1]
		}
	} else {
		kvPairs := strings.Fields(dsn)
		serverKVPairs := make([]string, 0, len(kvPairs))
		for _, kv := range kvPairs {
			if strings.HasPrefix(kv, "dbname=") {
				database = strings.TrimPrefix(kv, "dbname=")
			} else {
				serverKVPairs = append(serverKVPairs, kv)
			}
		}
		serverDSN = strings.Join(serverKVPairs, " ") + " dbname=postgres"
	}

	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}
	return database, serverDSN, nil
}
