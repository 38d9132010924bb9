package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/escalate/model"
)

// Compare applies op to an actual and an expected value. Every operator
// except EQUALS is false when either side is nil. Unknown operators and
// incomparable types are false.
func Compare(op model.Operator, actual, expected any) bool {
	switch op {
	case model.OpEquals:
		return valuesEqual(actual, expected)
	case model.OpNotEquals:
		if actual == nil || expected == nil {
			return false
		}
		return !valuesEqual(actual, expected)
	case model.OpGreaterThan:
		c, ok := order(actual, expected)
		return ok && c > 0
	case model.OpGreaterThanOrEqual:
		c, ok := order(actual, expected)
		return ok && c >= 0
	case model.OpLessThan:
		c, ok := order(actual, expected)
		return ok && c < 0
	case model.OpLessThanOrEqual:
		c, ok := order(actual, expected)
		return ok && c <= 0
	case model.OpContains:
		if actual == nil || expected == nil {
			return false
		}
		return contains(actual, expected)
	case model.OpNotContains:
		if actual == nil || expected == nil {
			return false
		}
		return !contains(actual, expected)
	case model.OpIn:
		if actual == nil || expected == nil {
			return false
		}
		return member(expected, actual)
	}
	return false
}

// valuesEqual compares two values after normalising numbers to float64 and
// times to instants.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Equal(tb)
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return reflect.DeepEqual(a, b)
}

// order returns -1, 0 or 1 when a and b are both numeric or both times.
func order(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	ta, ok := toTime(a)
	if !ok {
		return 0, false
	}
	tb, ok := toTime(b)
	if !ok {
		return 0, false
	}
	return ta.Compare(tb), true
}

// contains is substring on strings, membership on collections and key
// presence on maps.
func contains(actual, expected any) bool {
	if s, ok := actual.(string); ok {
		needle, ok := scalarString(expected)
		return ok && strings.Contains(s, needle)
	}
	v := reflect.ValueOf(actual)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return member(actual, expected)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return false
		}
		key, ok := scalarString(expected)
		if !ok {
			return false
		}
		return v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key())).IsValid()
	}
	return false
}

// member reports whether item equals any element of the collection.
func member(collection, item any) bool {
	v := reflect.ValueOf(collection)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return false
	}
	for i := range v.Len() {
		if valuesEqual(v.Index(i).Interface(), item) {
			return true
		}
	}
	return false
}

// toFloat converts numeric kinds and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// toTime accepts time.Time, *time.Time and RFC 3339 strings.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	case bool, int, int32, int64, float32, float64, json.Number:
		return fmt.Sprint(s), true
	}
	return "", false
}
