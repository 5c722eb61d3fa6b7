// internal/model/campaign.go
package model

import (
	"fmt"
	"strings"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

type CampaignType string

const (
	CampaignAppointmentReminder CampaignType = "APPOINTMENT_REMINDER"
	CampaignRecall              CampaignType = "RECALL"
	CampaignFollowUp            CampaignType = "FOLLOW_UP"
	CampaignWellness            CampaignType = "WELLNESS"
	CampaignPromotional         CampaignType = "PROMOTIONAL"
)

func (t CampaignType) Valid() bool {
	switch t {
	case CampaignAppointmentReminder, CampaignRecall, CampaignFollowUp, CampaignWellness, CampaignPromotional:
		return true
	}
	return false
}

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusScheduled CampaignStatus = "SCHEDULED"
	StatusActive    CampaignStatus = "ACTIVE"
	StatusPaused    CampaignStatus = "PAUSED"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusArchived  CampaignStatus = "ARCHIVED"
)

type Campaign struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Type           CampaignType   `db:"type" json:"type"`
	Status         CampaignStatus `db:"status" json:"status"`
	Trigger        Trigger        `db:"trigger_def" json:"trigger"`
	Audience       Audience       `db:"audience" json:"audience"`
	Exclusions     Audience       `db:"exclusions" json:"exclusions"`
	ActivatedAt    *time.Time     `db:"activated_at" json:"activatedAt,omitempty"`
	PausedAt       *time.Time     `db:"paused_at" json:"pausedAt,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	LastAdmittedAt *time.Time     `db:"last_admitted_at" json:"lastAdmittedAt,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      *time.Time     `db:"updated_at" json:"updatedAt,omitempty"`
}

// Validate checks the campaign definition, not its steps.
func (c *Campaign) Validate(schema Schema) error {
	if strings.TrimSpace(c.Name) == "" {
		return appErrors.New(appErrors.CodeInvalidCampaign, "campaign name is required")
	}
	if !c.Type.Valid() {
		return appErrors.New(appErrors.CodeInvalidCampaignType, "unknown campaign type %q", c.Type)
	}
	if err := c.Trigger.Validate(); err != nil {
		return err
	}
	if err := c.Audience.Validate(schema); err != nil {
		return err
	}
	return c.Exclusions.Validate(schema)
}

// Live reports whether recipient instances may advance.
func (c *Campaign) Live() bool {
	return c.Status == StatusActive
}

type TriggerKind string

const (
	TriggerEvent     TriggerKind = "EVENT"
	TriggerSchedule  TriggerKind = "SCHEDULE"
	TriggerRecurring TriggerKind = "RECURRING"
)

// Trigger is a tagged union; exactly the field matching Kind is populated.
type Trigger struct {
	Kind           TriggerKind `json:"kind"`
	EventName      string      `json:"eventName,omitempty"`
	AtTime         *time.Time  `json:"atTime,omitempty"`
	RecurrenceRule string      `json:"recurrenceRule,omitempty"`
}

func (t Trigger) Validate() error {
	populated := 0
	if t.EventName != "" {
		populated++
	}
	if t.AtTime != nil {
		populated++
	}
	if t.RecurrenceRule != "" {
		populated++
	}
	if populated != 1 {
		return appErrors.New(appErrors.CodeInvalidTrigger, "exactly one of eventName, atTime, recurrenceRule must be set")
	}

	switch t.Kind {
	case TriggerEvent:
		if t.EventName == "" {
			return appErrors.New(appErrors.CodeInvalidTrigger, "EVENT trigger requires eventName")
		}
	case TriggerSchedule:
		if t.AtTime == nil {
			return appErrors.New(appErrors.CodeInvalidTrigger, "SCHEDULE trigger requires atTime")
		}
	case TriggerRecurring:
		if t.RecurrenceRule == "" {
			return appErrors.New(appErrors.CodeInvalidTrigger, "RECURRING trigger requires recurrenceRule")
		}
		if _, err := ParseRecurrence(t.RecurrenceRule); err != nil {
			return appErrors.New(appErrors.CodeInvalidTrigger, "%v", err)
		}
	default:
		return appErrors.New(appErrors.CodeInvalidTrigger, "unknown trigger kind %q", t.Kind)
	}
	return nil
}

// ParseRecurrence understands @hourly, @daily, @weekly and "@every <duration>".
func ParseRecurrence(rule string) (time.Duration, error) {
	rule = strings.TrimSpace(rule)
	switch rule {
	case "@hourly":
		return time.Hour, nil
	case "@daily":
		return 24 * time.Hour, nil
	case "@weekly":
		return 7 * 24 * time.Hour, nil
	}
	if rest, ok := strings.CutPrefix(rule, "@every "); ok {
		d, err := ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
		}
		if d < time.Minute {
			return 0, fmt.Errorf("recurrence interval %s is shorter than a minute", d)
		}
		return d, nil
	}
	return 0, fmt.Errorf("unsupported recurrence rule %q", rule)
}

// NextOccurrence returns when a recurring campaign should admit again.
func (t Trigger) NextOccurrence(last *time.Time, activatedAt time.Time) (time.Time, bool) {
	if t.Kind != TriggerRecurring {
		return time.Time{}, false
	}
	every, err := ParseRecurrence(t.RecurrenceRule)
	if err != nil {
		return time.Time{}, false
	}
	if last == nil {
		return activatedAt, true
	}
	return last.Add(every), true
}

// Audience is a conjunction of conditions; an empty audience admits everyone.
// Used as an exclusion list it is a disjunction: any match excludes.
type Audience []Condition

func (a Audience) Validate(schema Schema) error {
	for _, c := range a {
		if err := c.Validate(schema); err != nil {
			return err
		}
	}
	return nil
}
