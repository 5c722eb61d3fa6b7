package condition

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/unclebandit/outreach-engine/internal/model"
)

var untilExpr = regexp.MustCompile(`^\{\{\s*([A-Za-z0-9_.]+)\s*\}\}\s*(?:([+-])\s*(\S+))?$`)

// ResolveTime evaluates a wait-until expression: an RFC3339 timestamp or date,
// or "{{field}}" naming a date attribute with an optional "+ 2d" / "- 24h" offset.
func ResolveTime(expr string, snapshot map[string]any) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if t, ok := ParseTime(expr); ok {
		return t, nil
	}

	m := untilExpr.FindStringSubmatch(expr)
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognised wait expression %q", expr)
	}
	raw, ok := Lookup(snapshot, m[1])
	if !ok || raw == nil {
		return time.Time{}, fmt.Errorf("attribute %q is missing", m[1])
	}
	t, ok := toTime(raw)
	if !ok {
		return time.Time{}, fmt.Errorf("attribute %q is not a date: %v", m[1], raw)
	}
	if m[2] == "" {
		return t, nil
	}
	offset, err := model.ParseDuration(m[3])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad offset in %q: %w", expr, err)
	}
	if m[2] == "-" {
		offset = -offset
	}
	return t.Add(offset), nil
}

// ValidateExpr checks the shape of a wait-until expression without a snapshot.
func ValidateExpr(expr string, schema model.Schema) error {
	expr = strings.TrimSpace(expr)
	if _, ok := ParseTime(expr); ok {
		return nil
	}
	m := untilExpr.FindStringSubmatch(expr)
	if m == nil {
		return fmt.Errorf("unrecognised wait expression %q", expr)
	}
	if !schema.Knows(m[1]) {
		return fmt.Errorf("field %q is not a recipient attribute", m[1])
	}
	if m[2] != "" {
		if _, err := model.ParseDuration(m[3]); err != nil {
			return fmt.Errorf("bad offset in %q: %w", expr, err)
		}
	}
	return nil
}
