// internal/model/send_record.go
package model

import "time"

type SendStatus string

const (
	SendPending   SendStatus = "PENDING"
	SendSent      SendStatus = "SENT"
	SendFailed    SendStatus = "FAILED"
	SendCancelled SendStatus = "CANCELLED"
)

func (s SendStatus) Terminal() bool {
	return s != SendPending
}

// SendRecord is the outcome row of one delivery attempt at a SEND step.
// At most one PENDING record exists per (campaign, recipient, step).
type SendRecord struct {
	ID          string     `db:"id" json:"id"`
	CampaignID  string     `db:"campaign_id" json:"campaignId"`
	RecipientID string     `db:"recipient_id" json:"recipientId"`
	StepID      string     `db:"step_id" json:"stepId"`
	Channel     Channel    `db:"channel" json:"channel"`
	Status      SendStatus `db:"status" json:"status"`
	ProviderRef string     `db:"provider_ref" json:"providerRef,omitempty"`
	LastError   string     `db:"last_error" json:"lastError,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}
