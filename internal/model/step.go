// internal/model/step.go
package model

import (
	"strings"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

type StepType string

const (
	StepSend      StepType = "SEND"
	StepWait      StepType = "WAIT"
	StepCondition StepType = "CONDITION"
	StepBranch    StepType = "BRANCH"
)

type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
	ChannelInApp Channel = "IN_APP"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// Branch is a conditional edge out of a BRANCH step.
type Branch struct {
	Condition  Condition `json:"condition"`
	NextStepID string    `json:"nextStepId"`
}

type Branches []Branch

// Step is one node of a campaign graph. Only the fields belonging to Type
// are populated; Action exposes them as a typed payload.
type Step struct {
	ID           string     `db:"id" json:"id"`
	CampaignID   string     `db:"campaign_id" json:"campaignId"`
	Order        int        `db:"step_order" json:"order"`
	Name         string     `db:"name" json:"name"`
	Type         StepType   `db:"type" json:"type"`
	Channel      Channel    `db:"channel" json:"channel,omitempty"`
	TemplateID   string     `db:"template_id" json:"templateId,omitempty"`
	WaitDuration *int       `db:"wait_duration" json:"waitDuration,omitempty"` // minutes
	WaitUntil    string     `db:"wait_until" json:"waitUntil,omitempty"`
	Condition    *Condition `db:"-" json:"condition,omitempty"`
	Branches     Branches   `db:"-" json:"branches,omitempty"`
	NextStepID   string     `db:"next_step_id" json:"nextStepId,omitempty"`
}

// Normalize drops fields that do not belong to the step's type.
func (s *Step) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	switch s.Type {
	case StepSend:
		s.WaitDuration, s.WaitUntil, s.Condition, s.Branches = nil, "", nil, nil
	case StepWait:
		s.Channel, s.TemplateID, s.Condition, s.Branches = "", "", nil, nil
	case StepCondition:
		s.Channel, s.TemplateID, s.WaitDuration, s.WaitUntil, s.Branches = "", "", nil, "", nil
	case StepBranch:
		s.Channel, s.TemplateID, s.WaitDuration, s.WaitUntil = "", "", nil, ""
	}
}

// Validate checks the type-specific invariants. Template existence is
// checked by the caller, which owns the template store.
func (s *Step) Validate(schema Schema) error {
	switch s.Type {
	case StepSend:
		if s.Channel == "" {
			return appErrors.New(appErrors.CodeMissingChannel, "SEND step requires a channel")
		}
		if !s.Channel.Valid() {
			return appErrors.New(appErrors.CodeInvalidChannel, "unknown channel %q", s.Channel)
		}
		if strings.TrimSpace(s.TemplateID) == "" {
			return appErrors.New(appErrors.CodeMissingTemplate, "SEND step requires a templateId")
		}
	case StepWait:
		hasDuration := s.WaitDuration != nil
		hasUntil := strings.TrimSpace(s.WaitUntil) != ""
		if !hasDuration && !hasUntil {
			return appErrors.New(appErrors.CodeMissingWaitConfig, "WAIT step requires waitDuration or waitUntil")
		}
		if hasDuration && hasUntil {
			return appErrors.New(appErrors.CodeConflictingWait, "WAIT step takes waitDuration or waitUntil, not both")
		}
		if hasDuration && *s.WaitDuration <= 0 {
			return appErrors.New(appErrors.CodeInvalidWaitDuration, "waitDuration must be a positive number of minutes")
		}
	case StepCondition:
		if s.Condition == nil {
			return appErrors.New(appErrors.CodeMissingCondition, "CONDITION step requires a condition")
		}
		return s.Condition.Validate(schema)
	case StepBranch:
		if len(s.Branches) == 0 {
			return appErrors.New(appErrors.CodeMissingBranches, "BRANCH step requires at least one branch")
		}
		for _, b := range s.Branches {
			if strings.TrimSpace(b.NextStepID) == "" {
				return appErrors.New(appErrors.CodeMissingBranches, "every branch needs a nextStepId")
			}
			if err := b.Condition.Validate(schema); err != nil {
				return err
			}
		}
	default:
		return appErrors.New(appErrors.CodeInvalidStepType, "unknown step type %q", s.Type)
	}
	return nil
}

// Targets lists every step id this step can hand control to.
func (s *Step) Targets() []string {
	var out []string
	for _, b := range s.Branches {
		out = append(out, b.NextStepID)
	}
	if s.NextStepID != "" {
		out = append(out, s.NextStepID)
	}
	return out
}

// StepAction is the typed payload of a step.
type StepAction interface {
	stepAction()
}

type SendAction struct {
	Channel    Channel
	TemplateID string
}

type WaitAction struct {
	Duration time.Duration
	Until    string
}

type ConditionAction struct {
	Condition Condition
}

type BranchAction struct {
	Branches []Branch
}

func (SendAction) stepAction()      {}
func (WaitAction) stepAction()      {}
func (ConditionAction) stepAction() {}
func (BranchAction) stepAction()    {}

// Action returns the typed payload for the step's type.
func (s *Step) Action() (StepAction, error) {
	switch s.Type {
	case StepSend:
		return SendAction{Channel: s.Channel, TemplateID: s.TemplateID}, nil
	case StepWait:
		a := WaitAction{Until: s.WaitUntil}
		if s.WaitDuration != nil {
			a.Duration = time.Duration(*s.WaitDuration) * time.Minute
		}
		return a, nil
	case StepCondition:
		if s.Condition == nil {
			return nil, appErrors.New(appErrors.CodeMissingCondition, "step %s has no condition", s.ID)
		}
		return ConditionAction{Condition: *s.Condition}, nil
	case StepBranch:
		return BranchAction{Branches: s.Branches}, nil
	}
	return nil, appErrors.New(appErrors.CodeInvalidStepType, "unknown step type %q", s.Type)
}

// StepPatch is a partial update; nil fields are left alone.
// ClearNext removes nextStepId, making the step terminal.
type StepPatch struct {
	Name         *string    `json:"name,omitempty"`
	Type         *StepType  `json:"type,omitempty"`
	Channel      *Channel   `json:"channel,omitempty"`
	TemplateID   *string    `json:"templateId,omitempty"`
	WaitDuration *int       `json:"waitDuration,omitempty"`
	WaitUntil    *string    `json:"waitUntil,omitempty"`
	Condition    *Condition `json:"condition,omitempty"`
	Branches     *Branches  `json:"branches,omitempty"`
	NextStepID   *string    `json:"nextStepId,omitempty"`
	ClearNext    bool       `json:"clearNext,omitempty"`
}

// Apply merges the patch into a copy of s.
func (p StepPatch) Apply(s Step) Step {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Type != nil {
		s.Type = *p.Type
	}
	if p.Channel != nil {
		s.Channel = *p.Channel
	}
	if p.TemplateID != nil {
		s.TemplateID = *p.TemplateID
	}
	if p.WaitDuration != nil {
		d := *p.WaitDuration
		s.WaitDuration = &d
		if p.WaitUntil == nil {
			s.WaitUntil = ""
		}
	}
	if p.WaitUntil != nil {
		s.WaitUntil = *p.WaitUntil
		if *p.WaitUntil != "" && p.WaitDuration == nil {
			s.WaitDuration = nil
		}
	}
	if p.Condition != nil {
		c := *p.Condition
		s.Condition = &c
	}
	if p.Branches != nil {
		s.Branches = append(Branches(nil), (*p.Branches)...)
	}
	if p.NextStepID != nil {
		s.NextStepID = *p.NextStepID
	}
	if p.ClearNext {
		s.NextStepID = ""
	}
	return s
}

// TouchesSend reports whether the patch changes what a SEND step resolves to.
func (p StepPatch) TouchesSend() bool {
	return p.Type != nil || p.TemplateID != nil || p.Channel != nil
}
