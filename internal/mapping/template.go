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
	"sort"
	"strings"

	"tablefs/internal/common"
)

// Op is a logical filesystem operation a namespace can support.
type Op string

const (
	OpLookup   Op = "lookup"
	OpList     Op = "list"
	OpRead     Op = "read"
	OpStat     Op = "stat"
	OpWrite    Op = "write"
	OpCreate   Op = "create"
	OpRename   Op = "rename"
	OpDelete   Op = "delete"
	OpTruncate Op = "truncate"
)

// opInputs lists the parameter names each operation can supply to its
// statement. A template referencing anything else is rejected at load.
var opInputs = map[Op][]string{
	OpLookup:   {"name"},
	OpList:     {},
	OpRead:     {"id", "offset", "length"},
	OpStat:     {"id"},
	OpWrite:    {"id", "offset", "length", "content"},
	OpCreate:   {"name"},
	OpRename:   {"id", "newname"},
	OpDelete:   {"id"},
	OpTruncate: {"id", "size"},
}

// KnownOp reports whether name is a recognized operation.
func KnownOp(name string) bool {
	_, ok := opInputs[Op(name)]
	return ok
}

// MutatingOps are the operations rejected in read-only mode.
var MutatingOps = map[Op]bool{
	OpWrite:    true,
	OpCreate:   true,
	OpRename:   true,
	OpDelete:   true,
	OpTruncate: true,
}

// Template is a compiled statement for one (namespace, operation) pair.
// SQL holds positional placeholders; Params is the bind order derived
// from the :name references in the source text.
type Template struct {
	Op     Op
	SQL    string
	Params []string
}

// Bind produces the positional argument list for the template from the
// operation's named inputs. Every parameter was verified satisfiable at
// load time, so a missing key here is a programming error.
func (t *Template) Bind(inputs map[string]any) ([]any, error) {
	args := make([]any, 0, len(t.Params))
	for _, p := range t.Params {
		v, ok := inputs[p]
		if !ok {
			return nil, fmt.Errorf("template %s: missing input %q: %w", t.Op, p, common.ErrBackend)
		}
		args = append(args, v)
	}
	return args, nil
}

// compileTemplate rewrites :name parameter references into positional
// placeholders and validates them against the operation's inputs.
// Named references inside single-quoted SQL strings are left alone.
func compileTemplate(op Op, sqlText string) (*Template, error) {
	allowed, ok := opInputs[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q: %w", op, common.ErrConfig)
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}

	var out strings.Builder
	var params []string
	inString := false
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		if c == '\'' {
			inString = !inString
			out.WriteByte(c)
			continue
		}
		if inString || c != ':' || i+1 >= len(sqlText) || !isIdentStart(sqlText[i+1]) {
			out.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(sqlText) && isIdentByte(sqlText[j]) {
			j++
		}
		name := sqlText[i+1 : j]
		if !allowedSet[name] {
			return nil, fmt.Errorf("operation %s: parameter :%s is not available (have %s): %w",
				op, name, strings.Join(sortedCopy(allowed), ", "), common.ErrConfig)
		}
		params = append(params, name)
		out.WriteByte('?')
		i = j - 1
	}

	return &Template{Op: op, SQL: out.String(), Params: params}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
