// internal/model/instance.go
package model

import "time"

type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceWaiting   InstanceStatus = "WAITING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled
}

// Instance is one recipient's progress through a campaign graph.
// CurrentStepID is the next step to execute; empty means the path ended.
// ResumeAt is set only while WAITING. Version guards concurrent saves.
type Instance struct {
	ID            string         `db:"id" json:"id"`
	CampaignID    string         `db:"campaign_id" json:"campaignId"`
	RecipientID   string         `db:"recipient_id" json:"recipientId"`
	CurrentStepID string         `db:"current_step_id" json:"currentStepId,omitempty"`
	Status        InstanceStatus `db:"status" json:"status"`
	ResumeAt      *time.Time     `db:"resume_at" json:"resumeAt,omitempty"`
	Version       int            `db:"version" json:"version"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updatedAt"`
	FinishedAt    *time.Time     `db:"finished_at" json:"finishedAt,omitempty"`
}

// Due reports whether a scheduler should hand the instance to a worker.
func (i *Instance) Due(now time.Time) bool {
	switch i.Status {
	case InstanceRunning:
		return true
	case InstanceWaiting:
		return i.ResumeAt == nil || !i.ResumeAt.After(now)
	}
	return false
}
