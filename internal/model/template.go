package model

import "time"

// Template is a message body a SEND step references by id.
type Template struct {
	ID        string    `db:"id" json:"id"`
	Channel   Channel   `db:"channel" json:"channel"`
	Subject   string    `db:"subject" json:"subject,omitempty"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
