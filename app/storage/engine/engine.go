// Package engine provides a thin wrapper around sqlx.DB with support for
// multiple database engines. The rest of the storage layer picks queries
// by engine type and locks access where the engine needs it.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver loaded here
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// Type is a type of database engine
type Type string

// enum of supported database engines
const (
	Unknown  Type = ""
	Sqlite   Type = "sqlite"
	Postgres Type = "postgres"
)

// SQL is a wrapper for sqlx.DB with type.
// Type allows distinguishing between different database engines.
type SQL struct {
	sqlx.DB
	gid    string // group id, to allow per-group storage in the same database
	dbType Type   // type of the database engine
}

// NewSqlite creates a new sqlite database
func NewSqlite(file, gid string) (*SQL, error) {
	db, err := sqlx.Connect("sqlite", file)
	if err != nil {
		return &SQL{}, err
	}
	db.SetMaxOpenConns(1) // sqlite allows a single writer, also keeps :memory: dbs consistent
	return &SQL{DB: *db, gid: gid, dbType: Sqlite}, nil
}

// NewPostgres creates a new postgres database connection
func NewPostgres(ctx context.Context, connURL, gid string) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connURL)
	if err != nil {
		return &SQL{}, err
	}
	return &SQL{DB: *db, gid: gid, dbType: Postgres}, nil
}

// GID returns the group id
func (e *SQL) GID() string {
	return e.gid
}

// Type returns the database engine type
func (e *SQL) Type() Type {
	return e.dbType
}

// MakeLock creates a new lock for the database engine
func (e *SQL) MakeLock() RWLocker {
	if e.dbType == Sqlite {
		return new(sync.RWMutex) // sqlite need locking
	}
	return &NoopLocker{} // other engines don't need locking
}

// TableConfig describes a table managed by InitTable
type TableConfig struct {
	Name          string
	CreateTable   DBCmd
	CreateIndexes DBCmd
	QueriesMap    *QueryMap
}

// InitTable creates a table with its indexes in a single transaction
func InitTable(ctx context.Context, db *SQL, cfg TableConfig) error {
	if db == nil {
		return fmt.Errorf("db connection is nil")
	}

	createSchema, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateTable)
	if err != nil {
		return fmt.Errorf("failed to get create table query for %s: %w", cfg.Name, err)
	}
	createIndexes, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateIndexes)
	if err != nil {
		return fmt.Errorf("failed to get create indexes query for %s: %w", cfg.Name, err)
	}

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, createSchema); err != nil {
		return fmt.Errorf("failed to create schema for %s: %w", cfg.Name, err)
	}
	if _, err = tx.ExecContext(ctx, createIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for %s: %w", cfg.Name, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
