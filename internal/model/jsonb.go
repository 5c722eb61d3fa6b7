package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB column codecs for Postgres.

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("cannot scan %T into %T", src, dst)
}

func (t Trigger) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *Trigger) Scan(src any) error {
	return scanJSON(src, t)
}

func (a Audience) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Condition(a))
}

func (a *Audience) Scan(src any) error {
	return scanJSON(src, (*[]Condition)(a))
}

// Attributes is the recipient attribute snapshot.
type Attributes map[string]any

func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(a))
}

func (a *Attributes) Scan(src any) error {
	return scanJSON(src, (*map[string]any)(a))
}
