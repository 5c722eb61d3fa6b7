// internal/model/recipient.go
package model

import "strings"

// Recipient is a patient reachable by campaigns. Attributes is the snapshot
// conditions and templates are evaluated against.
type Recipient struct {
	ID         string     `db:"id" json:"id"`
	Attributes Attributes `db:"attributes" json:"attributes"`
}

// Snapshot returns the attribute map with the recipient id folded in.
func (r *Recipient) Snapshot() map[string]any {
	snap := make(map[string]any, len(r.Attributes)+1)
	for k, v := range r.Attributes {
		snap[k] = v
	}
	snap["id"] = r.ID
	return snap
}

var DefaultRecipientFields = []string{
	"id",
	"first_name",
	"last_name",
	"email",
	"phone",
	"age",
	"gender",
	"date_of_birth",
	"city",
	"tags",
	"last_visit_at",
	"next_appointment_at",
	"insurance_provider",
	"preferred_channel",
	"opted_out",
}

// Schema is the set of attribute names conditions may reference.
type Schema map[string]struct{}

func NewSchema(fields ...string) Schema {
	s := make(Schema, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			s[f] = struct{}{}
		}
	}
	return s
}

// DefaultSchema is the clinic patient schema plus any extra fields.
func DefaultSchema(extra ...string) Schema {
	return NewSchema(append(append([]string{}, DefaultRecipientFields...), extra...)...)
}

// Knows matches on the first segment of a dotted path, so "address.city"
// is accepted when "address" is known.
func (s Schema) Knows(field string) bool {
	root, _, _ := strings.Cut(field, ".")
	_, ok := s[root]
	return ok
}
