package model

import (
	"strconv"
	"strings"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpContains, OpExists:
		return true
	}
	return false
}

// Condition is a single predicate over a recipient attribute.
// Value is ignored for OpExists.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

func (c Condition) Validate(schema Schema) error {
	if strings.TrimSpace(c.Field) == "" {
		return appErrors.New(appErrors.CodeMissingCondition, "condition field is required")
	}
	if !c.Operator.Valid() {
		return appErrors.New(appErrors.CodeInvalidOperator, "unknown operator %q", c.Operator)
	}
	if !schema.Knows(c.Field) {
		return appErrors.New(appErrors.CodeUnknownField, "field %q is not a recipient attribute", c.Field)
	}
	return nil
}

// ParseDuration extends time.ParseDuration with a "d" (24h) unit, e.g. "7d" or "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, 'd'); i > 0 {
		days, err := strconv.Atoi(s[:i])
		if err != nil {
			return time.ParseDuration(s)
		}
		total := time.Duration(days) * 24 * time.Hour
		if rest := s[i+1:]; rest != "" {
			d, err := time.ParseDuration(rest)
			if err != nil {
				return 0, err
			}
			total += d
		}
		return total, nil
	}
	return time.ParseDuration(s)
}
