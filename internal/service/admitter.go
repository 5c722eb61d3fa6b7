package service

import (
	"context"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// Admitter turns matching recipients into instances.
type Admitter struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Audience   AudienceEvaluator
	Engine     *Engine
	BatchSize  int
	Logger     *slog.Logger
}

// AdmitAudience pages through every recipient and admits the ones matching
// the campaign audience, then records the admission time.
func (a *Admitter) AdmitAudience(ctx context.Context, c *model.Campaign, at time.Time) ([]string, error) {
	batch := a.BatchSize
	if batch < 1 {
		batch = 200
	}
	var admitted []string
	for offset := 0; ; offset += batch {
		recipients, err := a.Recipients.List(ctx, offset, batch)
		if err != nil {
			return admitted, err
		}
		for _, r := range recipients {
			if !a.Audience.Matches(c.Audience, c.Exclusions, r) {
				continue
			}
			inst, created, err := a.Engine.Admit(ctx, c, r.ID)
			if err != nil {
				return admitted, err
			}
			if created {
				admitted = append(admitted, inst.ID)
			}
		}
		if len(recipients) < batch {
			break
		}
	}
	if err := a.Campaigns.MarkAdmitted(ctx, c.ID, at); err != nil {
		return admitted, err
	}
	a.Logger.InfoContext(ctx, "audience admitted", slog.String("campaign_id", c.ID), slog.Int("count", len(admitted)))
	return admitted, nil
}

// AdmitRecipient admits a single recipient if it matches the audience.
func (a *Admitter) AdmitRecipient(ctx context.Context, c *model.Campaign, recipientID string) (*model.Instance, bool, error) {
	r, err := a.Recipients.GetByID(ctx, recipientID)
	if err != nil {
		return nil, false, err
	}
	if !a.Audience.Matches(c.Audience, c.Exclusions, r) {
		return nil, false, nil
	}
	inst, created, err := a.Engine.Admit(ctx, c, r.ID)
	if appErrors.Is(err, appErrors.CodeNoSteps) {
		a.Logger.WarnContext(ctx, "active campaign has no entry step", slog.String("campaign_id", c.ID))
		return nil, false, nil
	}
	return inst, created, err
}
