// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createRecords = `
CREATE TABLE IF NOT EXISTS records (
	owner    TEXT NOT NULL,
	name     TEXT NOT NULL,
	version  INTEGER NOT NULL,
	body     BLOB NOT NULL,
	modified INTEGER NOT NULL,
	PRIMARY KEY (owner, name)
);`

// DB is a Store backed by a SQLite database.
type DB struct {
	db *sql.DB
}

// Open creates or opens a SQLite backed store at the given path with WAL
// journaling enabled.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: ping db: %w", err)
	}
	if _, err := db.Exec(createRecords); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Load implements Store.
func (d *DB) Load(ctx context.Context, owner, name string) (Record, error) {
	var rec Record
	var modified int64
	err := d.db.QueryRowContext(ctx,
		`SELECT version, body, modified FROM records WHERE owner = ? AND name = ?`,
		owner, name,
	).Scan(&rec.Version, &rec.Body, &modified)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("cache: load %s/%s: %w", owner, name, err)
	}
	rec.Modified = time.Unix(modified, 0).UTC()
	return rec, nil
}

// Save implements Store.
func (d *DB) Save(ctx context.Context, owner, name string, rec Record) error {
	modified := rec.Modified
	if modified.IsZero() {
		modified = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO records (owner, name, version, body, modified) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (owner, name) DO UPDATE SET version = excluded.version, body = excluded.body, modified = excluded.modified`,
		owner, name, rec.Version, rec.Body, modified.Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: save %s/%s: %w", owner, name, err)
	}
	return nil
}

// Delete implements Store. Deleting a record that does not exist is not an
// error.
func (d *DB) Delete(ctx context.Context, owner, name string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM records WHERE owner = ? AND name = ?`, owner, name,
	)
	if err != nil {
		return fmt.Errorf("cache: delete %s/%s: %w", owner, name, err)
	}
	return nil
}
