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

package mapping

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"tablefs/internal/common"
)

// Namespace is one validated, immutable exposed namespace: a path
// prefix backed by a table (or arbitrary statements) with one compiled
// template per enabled operation.
type Namespace struct {
	Name           string
	Table          string
	IDColumn       string
	NameColumn     string
	LengthColumn   string
	ContentColumn  string
	CreatedColumn  string
	ModifiedColumn string
	ReadOnly       bool

	templates map[Op]*Template
}

// Template returns the compiled statement for op, if the namespace
// supports it.
func (n *Namespace) Template(op Op) (*Template, bool) {
	t, ok := n.templates[op]
	return t, ok
}

// Supports reports whether the namespace has a template for op.
func (n *Namespace) Supports(op Op) bool {
	_, ok := n.templates[op]
	return ok
}

// Operations returns the sorted list of supported operations.
func (n *Namespace) Operations() []Op {
	ops := make([]string, 0, len(n.templates))
	for op := range n.templates {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	out := make([]Op, len(ops))
	for i, s := range ops {
		out[i] = Op(s)
	}
	return out
}

// MappingSet is the loaded, immutable mapping model shared read-only by
// every request.
type MappingSet struct {
	Database       string
	Listen         string
	ReadOnly       bool
	WriteBufferMax int
	GapSlack       int

	namespaces map[string]*Namespace
}

// Namespace returns the namespace registered under the given prefix.
func (s *MappingSet) Namespace(name string) (*Namespace, bool) {
	ns, ok := s.namespaces[name]
	return ns, ok
}

// Names returns the sorted namespace prefixes (one root directory
// entry each).
func (s *MappingSet) Names() []string {
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// identRe constrains table/column identifiers that get spliced into
// synthesized statements. Caller-controlled values never take this
// path; they are always bound as parameters.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads, validates and compiles the config file into a MappingSet.
// Any violation is fatal: the process must not start with an ambiguous
// or partially bound mapping.
func Load(path string) (*MappingSet, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return Build(cfg)
}

// Parse is Load for in-memory config bytes.
func Parse(data []byte) (*MappingSet, error) {
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return Build(cfg)
}

// Build compiles a parsed config into a MappingSet.
func Build(cfg *Config) (*MappingSet, error) {
	set := &MappingSet{
		Database:       cfg.Database,
		Listen:         cfg.Listen,
		ReadOnly:       cfg.ReadOnly,
		WriteBufferMax: cfg.WriteBuffer.MaxSize,
		GapSlack:       cfg.WriteBuffer.GapSlack,
		namespaces:     make(map[string]*Namespace, len(cfg.Namespaces)),
	}

	for name, nc := range cfg.Namespaces {
		ns, err := buildNamespace(name, nc)
		if err != nil {
			return nil, err
		}
		// Map keys are unique, but a prefix that nests under another
		// namespace would make resolution ambiguous.
		if strings.ContainsAny(name, "/\\") || name == "" || name == "." || name == ".." {
			return nil, fmt.Errorf("namespace %q: prefix must be a single path component: %w", name, common.ErrConfig)
		}
		set.namespaces[name] = ns
	}
	return set, nil
}

func buildNamespace(name string, nc *NamespaceConfig) (*Namespace, error) {
	ns := &Namespace{
		Name:           name,
		Table:          nc.Table,
		IDColumn:       nc.IDColumn,
		NameColumn:     nc.NameColumn,
		LengthColumn:   nc.LengthColumn,
		ContentColumn:  nc.ContentColumn,
		CreatedColumn:  nc.CreatedColumn,
		ModifiedColumn: nc.ModifiedColumn,
		ReadOnly:       nc.ReadOnly != nil && *nc.ReadOnly,
		templates:      make(map[Op]*Template, len(nc.Operations)),
	}

	enabled := make(map[Op]bool, len(nc.Operations))
	for _, opName := range nc.Operations {
		if !KnownOp(opName) {
			return nil, fmt.Errorf("namespace %q: unknown operation %q: %w", name, opName, common.ErrConfig)
		}
		enabled[Op(opName)] = true
	}
	for opName := range nc.Queries {
		if !KnownOp(opName) {
			return nil, fmt.Errorf("namespace %q: query for unknown operation %q: %w", name, opName, common.ErrConfig)
		}
		if !enabled[Op(opName)] {
			return nil, fmt.Errorf("namespace %q: query for operation %q which is not enabled: %w", name, opName, common.ErrConfig)
		}
	}

	// lookup and read are the floor: a namespace that cannot resolve a
	// name to a row and read its bytes is not a filesystem entry.
	if !enabled[OpLookup] || !enabled[OpRead] {
		return nil, fmt.Errorf("namespace %q: operations must include lookup and read: %w", name, common.ErrConfig)
	}
	if enabled[OpWrite] || enabled[OpCreate] || enabled[OpTruncate] {
		// Flushes and creates report sizes back through stat-class reads.
		if !enabled[OpStat] {
			return nil, fmt.Errorf("namespace %q: mutating operations require stat: %w", name, common.ErrConfig)
		}
	}

	for op := range enabled {
		sqlText, ok := nc.Queries[string(op)]
		if !ok {
			synth, err := synthesize(op, ns)
			if err != nil {
				return nil, fmt.Errorf("namespace %q: %w", name, err)
			}
			sqlText = synth
		}
		tmpl, err := compileTemplate(op, sqlText)
		if err != nil {
			return nil, fmt.Errorf("namespace %q: %w", name, err)
		}
		ns.templates[op] = tmpl
	}
	return ns, nil
}

// synthesize produces the conventional SQLite statement for op from the
// namespace's table and column bindings. Mirrors the default statements
// of the original table-as-directory filesystems: create is touch,
// write is a byte-range splice, truncate keeps the first :size bytes.
func synthesize(op Op, ns *Namespace) (string, error) {
	idents := []string{ns.Table, ns.IDColumn, ns.NameColumn, ns.ContentColumn, ns.LengthColumn}
	if ns.CreatedColumn != "" {
		idents = append(idents, ns.CreatedColumn)
	}
	if ns.ModifiedColumn != "" {
		idents = append(idents, ns.ModifiedColumn)
	}
	for _, id := range idents {
		if !identRe.MatchString(id) {
			return "", fmt.Errorf("cannot synthesize %s statement: invalid identifier %q (provide an explicit query): %w", op, id, common.ErrConfig)
		}
	}

	timeCols := ""
	if ns.CreatedColumn != "" {
		timeCols += ", " + ns.CreatedColumn
	}
	if ns.ModifiedColumn != "" {
		timeCols += ", " + ns.ModifiedColumn
	}
	touchModified := ""
	if ns.ModifiedColumn != "" {
		touchModified = fmt.Sprintf(", %s = strftime('%%s','now')", ns.ModifiedColumn)
	}

	switch op {
	case OpLookup:
		return fmt.Sprintf("SELECT %s, %s, length(%s) AS %s%s FROM %s WHERE %s = :name",
			ns.IDColumn, ns.NameColumn, ns.ContentColumn, ns.LengthColumn, timeCols, ns.Table, ns.NameColumn), nil
	case OpList:
		return fmt.Sprintf("SELECT %s, %s, length(%s) AS %s%s FROM %s ORDER BY %s",
			ns.IDColumn, ns.NameColumn, ns.ContentColumn, ns.LengthColumn, timeCols, ns.Table, ns.NameColumn), nil
	case OpStat:
		return fmt.Sprintf("SELECT length(%s) AS %s%s FROM %s WHERE %s = :id",
			ns.ContentColumn, ns.LengthColumn, timeCols, ns.Table, ns.IDColumn), nil
	case OpRead:
		return fmt.Sprintf("SELECT substr(%s, :offset + 1, :length) FROM %s WHERE %s = :id",
			ns.ContentColumn, ns.Table, ns.IDColumn), nil
	case OpCreate:
		return fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (:name, zeroblob(0)) RETURNING %s",
			ns.Table, ns.NameColumn, ns.ContentColumn, ns.IDColumn), nil
	case OpWrite:
		c := ns.ContentColumn
		return fmt.Sprintf(
			"UPDATE %s SET %s = CAST(substr(COALESCE(%s, zeroblob(0)), 1, :offset) AS BLOB) || :content || CAST(substr(COALESCE(%s, zeroblob(0)), :offset + :length + 1) AS BLOB)%s WHERE %s = :id",
			ns.Table, c, c, c, touchModified, ns.IDColumn), nil
	case OpTruncate:
		c := ns.ContentColumn
		return fmt.Sprintf("UPDATE %s SET %s = CAST(substr(COALESCE(%s, zeroblob(0)), 1, :size) AS BLOB)%s WHERE %s = :id",
			ns.Table, c, c, touchModified, ns.IDColumn), nil
	case OpRename:
		return fmt.Sprintf("UPDATE %s SET %s = :newname%s WHERE %s = :id",
			ns.Table, ns.NameColumn, touchModified, ns.IDColumn), nil
	case OpDelete:
		return fmt.Sprintf("DELETE FROM %s WHERE %s = :id", ns.Table, ns.IDColumn), nil
	}
	return "", fmt.Errorf("no default statement for operation %q: %w", op, common.ErrConfig)
}
