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

// Package engine selects and executes the configured statement for a
// logical operation and normalizes the backend's rows into file
// attributes and content. It never retries and never maps errors to
// filesystem codes — both belong to other layers.
package engine

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"tablefs/internal/common"
	"tablefs/internal/mapping"
	"tablefs/internal/storage"
)

// Backend is the execute capability the engine consumes.
type Backend interface {
	Query(ctx context.Context, stmt string, args ...any) ([]storage.Row, error)
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)
}

// Engine binds operation inputs into statement templates and runs them.
type Engine struct {
	backend Backend
}

// New creates an engine over the backend capability.
func New(backend Backend) *Engine {
	return &Engine{backend: backend}
}

// Attr is normalized file metadata: content length plus whatever
// timestamp columns the namespace declares.
type Attr struct {
	Size     int64
	Mtime    time.Time
	HasMtime bool
	Ctime    time.Time
	HasCtime bool
}

// Entry is a normalized row from a lookup or list statement.
type Entry struct {
	Identity string
	Name     string
	Attr     Attr
}

// template fetches the statement for (namespace, op) or reports the
// operation unsupported — a permission-class condition, not a crash.
func template(ns *mapping.Namespace, op mapping.Op) (*mapping.Template, error) {
	t, ok := ns.Template(op)
	if !ok {
		return nil, fmt.Errorf("namespace %s has no %s statement: %w", ns.Name, op, common.ErrNotSupported)
	}
	return t, nil
}

// query binds inputs and runs a row-returning template.
func (e *Engine) query(ctx context.Context, ns *mapping.Namespace, op mapping.Op, inputs map[string]any) ([]storage.Row, error) {
	t, err := template(ns, op)
	if err != nil {
		return nil, err
	}
	args, err := t.Bind(inputs)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"namespace": ns.Name, "op": op}).Trace("execute query")
	rows, err := e.backend.Query(ctx, t.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", ns.Name, op, err)
	}
	return rows, nil
}

// exec binds inputs and runs a mutating template, returning the
// affected row count.
func (e *Engine) exec(ctx context.Context, ns *mapping.Namespace, op mapping.Op, inputs map[string]any) (int64, error) {
	t, err := template(ns, op)
	if err != nil {
		return 0, err
	}
	args, err := t.Bind(inputs)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"namespace": ns.Name, "op": op}).Trace("execute statement")
	n, err := e.backend.Exec(ctx, t.SQL, args...)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", ns.Name, op, err)
	}
	return n, nil
}

// entryFromRow normalizes a lookup/list row using the namespace's
// column bindings. Operator-supplied statements must alias their
// columns to the configured names; the synthesized defaults already do.
func entryFromRow(ns *mapping.Namespace, row storage.Row, fallbackName string) Entry {
	entry := Entry{Name: fallbackName}
	if id, ok := row.String(ns.IDColumn); ok {
		entry.Identity = id
	}
	if name, ok := row.String(ns.NameColumn); ok {
		entry.Name = name
	}
	entry.Attr = attrFromRow(ns, row)
	return entry
}

func attrFromRow(ns *mapping.Namespace, row storage.Row) Attr {
	var attr Attr
	if size, ok := row.Int64(ns.LengthColumn); ok {
		attr.Size = size
	}
	if ns.ModifiedColumn != "" {
		attr.Mtime, attr.HasMtime = row.Time(ns.ModifiedColumn)
	}
	if ns.CreatedColumn != "" {
		attr.Ctime, attr.HasCtime = row.Time(ns.CreatedColumn)
	}
	return attr
}

// Lookup resolves a display name to its row. Zero rows is NotFound;
// with duplicates the first row wins, matching directory semantics
// where one name maps to one entry.
func (e *Engine) Lookup(ctx context.Context, ns *mapping.Namespace, name string) (*Entry, error) {
	rows, err := e.query(ctx, ns, mapping.OpLookup, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, common.ErrNotFound
	}
	entry := entryFromRow(ns, rows[0], name)
	return &entry, nil
}

// List runs the namespace's list statement and returns one entry per
// row. Always a fresh backend round-trip: directory contents are never
// cached, staleness here would be a correctness bug.
func (e *Engine) List(ctx context.Context, ns *mapping.Namespace) ([]Entry, error) {
	rows, err := e.query(ctx, ns, mapping.OpList, map[string]any{})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, entryFromRow(ns, row, ""))
	}
	return entries, nil
}

// Stat fetches fresh attributes for a row.
func (e *Engine) Stat(ctx context.Context, ns *mapping.Namespace, identity string) (*Attr, error) {
	rows, err := e.query(ctx, ns, mapping.OpStat, map[string]any{"id": identity})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, common.ErrNotFound
	}
	attr := attrFromRow(ns, rows[0])
	return &attr, nil
}

// Read returns length bytes of content starting at offset. A row whose
// content is NULL or shorter than the requested range yields the bytes
// that exist — possibly none. A missing row is NotFound, distinct from
// an existing-but-empty value.
func (e *Engine) Read(ctx context.Context, ns *mapping.Namespace, identity string, offset, length int64) ([]byte, error) {
	rows, err := e.query(ctx, ns, mapping.OpRead, map[string]any{
		"id":     identity,
		"offset": offset,
		"length": length,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, common.ErrNotFound
	}
	data := rows[0].FirstBytes()
	if data == nil {
		return []byte{}, nil
	}
	return data, nil
}

// Create inserts a new named row with empty content ("touch") and
// returns its identity. Synthesized statements use RETURNING; an
// operator statement without it falls back to an immediate lookup.
func (e *Engine) Create(ctx context.Context, ns *mapping.Namespace, name string) (string, error) {
	rows, err := e.query(ctx, ns, mapping.OpCreate, map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	if len(rows) > 0 {
		if id, ok := rows[0].String(ns.IDColumn); ok {
			return id, nil
		}
		if len(rows[0].Values) > 0 {
			return rows[0].FirstString(), nil
		}
	}
	entry, err := e.Lookup(ctx, ns, name)
	if err != nil {
		return "", fmt.Errorf("create %s/%s: row not visible after insert: %w", ns.Name, name, err)
	}
	return entry.Identity, nil
}

// Write replaces the byte range [offset, offset+len(content)) of the
// row's value with content, via the namespace's write statement.
func (e *Engine) Write(ctx context.Context, ns *mapping.Namespace, identity string, offset int64, content []byte) error {
	n, err := e.exec(ctx, ns, mapping.OpWrite, map[string]any{
		"id":      identity,
		"offset":  offset,
		"length":  int64(len(content)),
		"content": content,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Truncate cuts the row's value to its first size bytes.
func (e *Engine) Truncate(ctx context.Context, ns *mapping.Namespace, identity string, size int64) error {
	n, err := e.exec(ctx, ns, mapping.OpTruncate, map[string]any{
		"id":   identity,
		"size": size,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Rename updates the row's display name.
func (e *Engine) Rename(ctx context.Context, ns *mapping.Namespace, identity, newName string) error {
	n, err := e.exec(ctx, ns, mapping.OpRename, map[string]any{
		"id":      identity,
		"newname": newName,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Delete runs the namespace's delete statement — which may be a hard
// DELETE or any operator-configured soft-archive update.
func (e *Engine) Delete(ctx context.Context, ns *mapping.Namespace, identity string) error {
	n, err := e.exec(ctx, ns, mapping.OpDelete, map[string]any{"id": identity})
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
