// Package condition evaluates step and audience predicates against a
// recipient attribute snapshot. Evaluation never fails: operands that
// cannot be compared make the predicate false.
package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/outreach-engine/internal/model"
)

// Evaluate reports whether the snapshot satisfies c. A missing field is
// false for every operator, exists included.
func Evaluate(c model.Condition, snapshot map[string]any) bool {
	field, ok := Lookup(snapshot, c.Field)
	if c.Operator == model.OpExists {
		return ok && field != nil
	}
	if !ok || field == nil {
		return false
	}

	switch c.Operator {
	case model.OpEq:
		return equal(field, c.Value)
	case model.OpNe:
		return !equal(field, c.Value)
	case model.OpGt:
		cmp, ok := compare(field, c.Value)
		return ok && cmp > 0
	case model.OpLt:
		cmp, ok := compare(field, c.Value)
		return ok && cmp < 0
	case model.OpGte:
		cmp, ok := compare(field, c.Value)
		return ok && cmp >= 0
	case model.OpLte:
		cmp, ok := compare(field, c.Value)
		return ok && cmp <= 0
	case model.OpContains:
		return contains(field, c.Value)
	}
	return false
}

// All reports whether every condition holds. An empty list holds.
func All(conds []model.Condition, snapshot map[string]any) bool {
	for _, c := range conds {
		if !Evaluate(c, snapshot) {
			return false
		}
	}
	return true
}

// Any reports whether at least one condition holds.
func Any(conds []model.Condition, snapshot map[string]any) bool {
	for _, c := range conds {
		if Evaluate(c, snapshot) {
			return true
		}
	}
	return false
}

// SelectBranch returns the target of the first matching branch in list order.
func SelectBranch(branches []model.Branch, snapshot map[string]any) (string, bool) {
	for _, b := range branches {
		if Evaluate(b.Condition, snapshot) {
			return b.NextStepID, true
		}
	}
	return "", false
}

// Lookup resolves a dotted path through nested maps.
func Lookup(snapshot map[string]any, path string) (any, bool) {
	var current any = snapshot
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := toBool(b)
		return ok && ba == bb
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Equal(tb)
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return toString(a) == toString(b)
}

// compare orders numbers, then dates. ok is false when neither applies.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	return 0, false
}

func contains(field, value any) bool {
	if s, ok := field.(string); ok {
		if value == nil {
			return false
		}
		return strings.Contains(s, toString(value))
	}
	rv := reflect.ValueOf(field)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), value) {
			return true
		}
	}
	return false
}

// toFloat rejects NaN, which would otherwise compare equal to everything,
// and textual infinities.
func toFloat(v any) (float64, bool) {
	f, ok := number(v)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	if _, isString := v.(string); isString && math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

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
		return ParseTime(t)
	}
	return time.Time{}, false
}

// ParseTime accepts RFC3339 timestamps and plain dates.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case fmt.Stringer:
		return s.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
