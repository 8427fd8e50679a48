package storage

import (
	"strconv"
	"strings"
	"time"
)

// Row is one result row as ordered column/value pairs. Values carry
// whatever the driver produced (int64, float64, string, []byte, nil);
// the accessors below coerce leniently because operator-supplied
// statements control the column types, not tablefs.
type Row struct {
	Columns []string
	Values  []any
}

// Value returns the value of the named column (case-insensitive).
func (r Row) Value(col string) (any, bool) {
	for i, c := range r.Columns {
		if strings.EqualFold(c, col) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// String returns the named column as a string.
func (r Row) String(col string) (string, bool) {
	v, ok := r.Value(col)
	if !ok || v == nil {
		return "", false
	}
	return asString(v), true
}

// Int64 returns the named column as an int64.
func (r Row) Int64(col string) (int64, bool) {
	v, ok := r.Value(col)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case []byte:
		parsed, err := strconv.ParseInt(string(n), 10, 64)
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// Bytes returns the named column as raw bytes.
func (r Row) Bytes(col string) ([]byte, bool) {
	v, ok := r.Value(col)
	if !ok || v == nil {
		return nil, false
	}
	return asBytes(v), true
}

// FirstBytes returns the first column as raw bytes. Read statements
// return a single content column whose name the engine does not know.
func (r Row) FirstBytes() []byte {
	if len(r.Values) == 0 || r.Values[0] == nil {
		return nil
	}
	return asBytes(r.Values[0])
}

// FirstString returns the first column as a string.
func (r Row) FirstString() string {
	if len(r.Values) == 0 || r.Values[0] == nil {
		return ""
	}
	return asString(r.Values[0])
}

// Time returns the named column as a timestamp. Accepts unix seconds
// (integer or float) and the common SQLite text datetime formats.
func (r Row) Time(col string) (time.Time, bool) {
	v, ok := r.Value(col)
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0), true
	case float64:
		return time.Unix(int64(t), 0), true
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0), true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return []byte(asString(v))
}
