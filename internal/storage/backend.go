// Copyright 2025 TableFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"tablefs/internal/common"
	"tablefs/internal/util"
)

// DefaultBusyTimeout in milliseconds.
const DefaultBusyTimeout = 30000

// Backend owns the single database connection the process is allowed
// to hold. It executes parameterized statements and classifies driver
// errors; it knows nothing about filesystem operations.
type Backend struct {
	path string
	lock *flock.Flock
	db   *bun.DB
}

// Open opens the database at path and takes the sidecar process lock.
// A second tablefs process pointed at the same database fails here:
// multi-process coordination is explicitly unsupported.
func Open(path string) (*Backend, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s.lock: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("database %s is owned by another tablefs process", path)
	}

	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One connection: dispatch is serialized, and a single connection
	// keeps exactly one statement in flight at a time.
	sqlDB.SetMaxOpenConns(1)

	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		lock.Unlock()
		return nil, err
	}

	db := bun.NewDB(sqlDB, sqlitedialect.New())
	log.WithField("database", path).Info("backend opened")
	return &Backend{path: path, lock: lock, db: db}, nil
}

// execPragma runs a PRAGMA via Query because libsql returns rows for
// PRAGMA statements; the rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return fmt.Errorf("%s: %w", pragma, err)
	}
	return rows.Close()
}

// applyPragmas sets essential PRAGMAs after opening a libsql
// connection. libsql ignores DSN-based pragma parameters, so each one
// is set explicitly. busy_timeout goes first so journal_mode=WAL waits
// for locks instead of failing immediately.
func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout),
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if err := execPragma(db, p); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying bun handle for tests and tooling.
func (b *Backend) DB() *bun.DB {
	return b.db
}

// Path returns the database file path.
func (b *Backend) Path() string {
	return b.path
}

// Close releases the connection and the process lock.
func (b *Backend) Close() error {
	err := b.db.Close()
	if b.lock != nil {
		if uerr := b.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// Query executes a row-returning statement and materializes the result.
// Transient "database is locked" errors are retried here — retry policy
// belongs to the connection, never to the engine or the write cache.
func (b *Backend) Query(ctx context.Context, stmt string, args ...any) ([]Row, error) {
	return util.RetryWithResult(ctx, func() ([]Row, error) {
		return b.queryOnce(ctx, stmt, args)
	}, util.DatabaseRetryOptions(ctx)...)
}

func (b *Backend) queryOnce(ctx context.Context, stmt string, args []any) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(stmt, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(stmt, err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		dests := make([]any, len(cols))
		for i := range values {
			dests[i] = &values[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, classify(stmt, err)
		}
		out = append(out, Row{Columns: cols, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(stmt, err)
	}
	return out, nil
}

// Exec executes a non-row statement and returns the affected row count.
func (b *Backend) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	return util.RetryWithResult(ctx, func() (int64, error) {
		res, err := b.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, classify(stmt, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, classify(stmt, err)
		}
		return n, nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// classify tags a driver error with the shared backend sentinel so
// callers can test with errors.Is without knowing driver strings.
func classify(stmt string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrNotFound
	}
	log.WithError(err).WithField("stmt", firstWords(stmt)).Debug("backend error")
	return fmt.Errorf("%v: %w", err, common.ErrBackend)
}

// IsConstraint reports whether the error is a constraint violation.
func IsConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}

// IsLocked reports whether the error is a lock/busy condition.
func IsLocked(err error) bool {
	return util.IsDatabaseLocked(err)
}

// firstWords trims a statement for log lines.
func firstWords(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 48 {
		return stmt[:48] + "…"
	}
	return stmt
}
