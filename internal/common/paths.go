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

package common

import (
	"path"
	"strings"
)

// NormalizePath cleans a path and strips leading/trailing slashes.
// The root directory normalizes to "".
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	return p
}

// SplitNamespace splits a normalized path into its namespace prefix
// (first component) and the remainder. Both are empty for the root.
func SplitNamespace(p string) (namespace, rest string) {
	p = NormalizePath(p)
	if p == "" {
		return "", ""
	}
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

// JoinPath joins path components and normalizes the result.
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// BaseName returns the last component of a path.
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}
