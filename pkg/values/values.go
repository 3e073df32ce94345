// Package values holds the loose value coercions shared by manifests,
// fields and configuration merging.
package values

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var (
	trueWords  = []string{"true", "t", "yes", "y", "1", "on", "enabled", "active", "oui", "vrai"}
	falseWords = []string{"false", "f", "no", "n", "0", "off", "disabled", "inactive", "non", "faux", ""}
)

func isWord(s string, words []string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, w := range words {
		if s == w {
			return true
		}
	}
	return false
}

// Bool coerces v to a boolean. Strings are true only when they are one of
// the lax true words; other values follow the usual truthiness rules.
func Bool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return isWord(t, trueWords)
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// IsBoolLike reports whether v is a boolean or a lax boolean word.
func IsBoolLike(v any) bool {
	switch t := v.(type) {
	case bool:
		return true
	case string:
		return isWord(t, trueWords) || (strings.TrimSpace(t) != "" && isWord(t, falseWords))
	}
	return false
}

// Equal compares two values with lax boolean and numeric semantics.
func Equal(a, b any) bool {
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool || bBool {
		return Bool(a) == Bool(b)
	}
	if IsBoolLike(a) && IsBoolLike(b) {
		return Bool(a) == Bool(b)
	}
	if fa, ok := Float(a); ok {
		if fb, ok := Float(b); ok {
			return fa == fb
		}
	}
	return String(a) == String(b)
}

// Float returns v as a float64 when it is numeric or a numeric string.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns v as an int, or def when it cannot be converted.
func Int(v any, def int) int {
	if f, ok := Float(v); ok {
		return int(f)
	}
	return def
}

// String renders v as a string. Nil becomes the empty string.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Strings converts a list-like value to a slice of strings.
func Strings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, String(item))
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return []string{String(v)}
}

// IsEmpty reports whether v is nil, an empty string or an empty collection.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// CopyMap returns a deep copy of a document map.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
