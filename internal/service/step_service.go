package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/unclebandit/outreach-engine/internal/condition"
	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// StepService edits campaign graphs. Every mutation requires the campaign
// to be DRAFT; the repositories re-check that under a row lock.
type StepService struct {
	Campaigns repository.CampaignRepositoryInterface
	Steps     repository.StepRepositoryInterface
	Templates repository.TemplateRepositoryInterface
	Schema    model.Schema
}

type StepList struct {
	Status model.CampaignStatus `json:"status"`
	Steps  []*model.Step        `json:"steps"`
}

func (s *StepService) ListSteps(ctx context.Context, campaignID string) (*StepList, error) {
	c, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	steps, err := s.Steps.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &StepList{Status: c.Status, Steps: steps}, nil
}

func (s *StepService) AddStep(ctx context.Context, campaignID string, spec model.Step) (*model.Step, error) {
	if err := s.requireDraft(ctx, campaignID); err != nil {
		return nil, err
	}
	step := spec
	step.CampaignID = campaignID
	if err := s.prepare(ctx, &step, true); err != nil {
		return nil, err
	}
	if err := s.Steps.Append(ctx, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *StepService) UpdateStep(ctx context.Context, campaignID, stepID string, patch model.StepPatch) (*model.Step, error) {
	if err := s.requireDraft(ctx, campaignID); err != nil {
		return nil, err
	}
	current, err := s.Steps.GetByID(ctx, campaignID, stepID)
	if err != nil {
		return nil, err
	}
	updated := patch.Apply(*current)
	if err := s.prepare(ctx, &updated, patch.TouchesSend()); err != nil {
		return nil, err
	}
	if err := s.Steps.Update(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *StepService) DeleteStep(ctx context.Context, campaignID, stepID string) error {
	if err := s.requireDraft(ctx, campaignID); err != nil {
		return err
	}
	return s.Steps.DeleteAndRenumber(ctx, campaignID, stepID)
}

func (s *StepService) ReorderSteps(ctx context.Context, campaignID string, orderedIDs []string) ([]*model.Step, error) {
	if err := s.requireDraft(ctx, campaignID); err != nil {
		return nil, err
	}
	if err := s.Steps.Reorder(ctx, campaignID, orderedIDs); err != nil {
		return nil, err
	}
	return s.Steps.ListByCampaign(ctx, campaignID)
}

func (s *StepService) requireDraft(ctx context.Context, campaignID string) error {
	c, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != model.StatusDraft {
		return appErrors.NewCampaignNotDraft(campaignID, string(c.Status))
	}
	return nil
}

// prepare normalizes and validates a step before it is stored. Template
// existence is checked when checkTemplate is set and the step is a SEND.
func (s *StepService) prepare(ctx context.Context, step *model.Step, checkTemplate bool) error {
	step.ID = strings.TrimSpace(step.ID)
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	step.Normalize()
	if err := step.Validate(s.Schema); err != nil {
		return err
	}
	if step.Type == model.StepWait && step.WaitUntil != "" {
		if err := condition.ValidateExpr(step.WaitUntil, s.Schema); err != nil {
			return appErrors.New(appErrors.CodeInvalidWaitUntil, "%v", err)
		}
	}
	if step.Type == model.StepSend && checkTemplate {
		if _, err := s.Templates.GetByID(ctx, step.TemplateID); err != nil {
			return err
		}
	}
	return nil
}

// CheckGraph is run inside the activation transaction.
func (s *StepService) CheckGraph(ctx context.Context) repository.GraphCheck {
	return func(steps []*model.Step) error {
		if err := model.NewGraph(steps).Validate(); err != nil {
			return err
		}
		for _, st := range steps {
			if st.Type != model.StepSend {
				continue
			}
			if _, err := s.Templates.GetByID(ctx, st.TemplateID); err != nil {
				return err
			}
		}
		return nil
	}
}
