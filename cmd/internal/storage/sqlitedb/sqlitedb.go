// Package sqlitedb opens migrated SQLite databases through modernc.org/sqlite.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"secureapi/cmd/internal/storage/migrations"
)

const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

var memSeq atomic.Uint64

// Open opens (creating if needed) the database file at path and applies migrations.
//
// The handle is limited to one connection: SQLite serializes writers anyway and a
// single connection makes read-check-write sequences inside a transaction exclusive.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	return open(ctx, "file:"+clean+"?"+pragmas)
}

// OpenMemory opens a private in-memory database with the schema applied.
// Each call returns an isolated database.
func OpenMemory(ctx context.Context) (*sql.DB, error) {
	name := fmt.Sprintf("mem%d", memSeq.Add(1))
	return open(ctx, "file:"+name+"?mode=memory&cache=shared&_pragma=foreign_keys(1)&_txlock=immediate")
}

func open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	if _, err := migrations.Up(ctx, db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ToMillis converts t to the integer column representation.
func ToMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

// FromMillis converts an integer column back to UTC time.
func FromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// IsUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// IsForeignKeyViolation reports a FOREIGN KEY constraint failure.
func IsForeignKeyViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
}
