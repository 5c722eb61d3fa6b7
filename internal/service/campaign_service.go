// internal/service/campaign_service.go
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	InstanceRepo repository.InstanceRepositoryInterface
	SendRepo     repository.SendRecordRepositoryInterface
	StepService  *StepService
	Admitter     *Admitter
	Engine       *Engine
	Dispatcher   Dispatcher
	Schema       model.Schema
	BatchSize    int
	Logger       *slog.Logger
	Now          func() time.Time
}

type CreateCampaignInput struct {
	Name       string             `json:"name"`
	Type       model.CampaignType `json:"type"`
	Trigger    model.Trigger      `json:"trigger"`
	Audience   model.Audience     `json:"audience"`
	Exclusions model.Audience     `json:"exclusions"`
	Steps      []model.Step       `json:"steps"`
}

type CampaignDetails struct {
	*model.Campaign
	Steps     []*model.Step                `json:"steps"`
	SendStats map[string]int               `json:"sendStats"`
	Instances map[model.InstanceStatus]int `json:"instances"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateCampaign stores a DRAFT campaign and its initial steps in one
// transaction. Steps are ordered by their position in the input.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, []*model.Step, error) {
	c := &model.Campaign{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(in.Name),
		Type:       in.Type,
		Status:     model.StatusDraft,
		Trigger:    in.Trigger,
		Audience:   in.Audience,
		Exclusions: in.Exclusions,
		CreatedAt:  s.now(),
	}
	if err := c.Validate(s.Schema); err != nil {
		return nil, nil, err
	}

	steps := make([]*model.Step, len(in.Steps))
	seen := make(map[string]bool, len(in.Steps))
	for i := range in.Steps {
		st := in.Steps[i]
		st.CampaignID = c.ID
		st.Order = i + 1
		if err := s.StepService.prepare(ctx, &st, true); err != nil {
			return nil, nil, err
		}
		if seen[st.ID] {
			return nil, nil, appErrors.New(appErrors.CodeDuplicateStepID, "step id %s appears twice", st.ID)
		}
		seen[st.ID] = true
		steps[i] = &st
	}

	if err := s.CampaignRepo.Create(ctx, c, steps); err != nil {
		return nil, nil, err
	}
	s.Logger.InfoContext(ctx, "campaign created", slog.String("campaign_id", c.ID), slog.Int("steps", len(steps)))
	return c, steps, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, campaignType, status string) ([]*model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	campaigns, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, campaignType, status)
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.StepService.Steps.ListByCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.SendRepo.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.InstanceRepo.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	stats["total"] = total
	return &CampaignDetails{Campaign: c, Steps: steps, SendStats: stats, Instances: counts}, nil
}

// Activate leaves DRAFT once the graph validates. A SCHEDULE trigger in the
// future parks the campaign in SCHEDULED; otherwise it goes ACTIVE and
// SCHEDULE/RECURRING audiences are admitted at once.
func (s *CampaignService) Activate(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	to := model.StatusActive
	if c.Trigger.Kind == model.TriggerSchedule && c.Trigger.AtTime != nil && c.Trigger.AtTime.After(now) {
		to = model.StatusScheduled
	}

	c, err = s.CampaignRepo.Activate(ctx, id, to, now, s.StepService.CheckGraph(ctx))
	if err != nil {
		return nil, err
	}
	s.Logger.InfoContext(ctx, "campaign activated", slog.String("campaign_id", id), slog.String("status", string(c.Status)))

	if c.Status == model.StatusActive && c.Trigger.Kind != model.TriggerEvent {
		if err := s.admitAndDispatch(ctx, c, now); err != nil {
			return nil, err
		}
		return s.CampaignRepo.GetByID(ctx, id)
	}
	return c, nil
}

// admitAndDispatch admits the campaign audience and runs the new instances.
func (s *CampaignService) admitAndDispatch(ctx context.Context, c *model.Campaign, at time.Time) error {
	ids, err := s.Admitter.AdmitAudience(ctx, c, at)
	if err != nil {
		return err
	}
	return s.Dispatcher.Dispatch(ctx, ids)
}

// Pause flips the campaign to PAUSED and cancels its PENDING sends in the
// same transaction.
func (s *CampaignService) Pause(ctx context.Context, id string) (*model.Campaign, error) {
	c, cancelled, err := s.CampaignRepo.Pause(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.Logger.InfoContext(ctx, "campaign paused", slog.String("campaign_id", id), slog.Int64("cancelled_sends", cancelled))
	return c, nil
}

// Resume returns a paused campaign to ACTIVE and immediately dispatches its
// due instances. A campaign paused before its schedule fired goes back to
// SCHEDULED.
func (s *CampaignService) Resume(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	to := model.StatusActive
	if c.Trigger.Kind == model.TriggerSchedule && c.LastAdmittedAt == nil && c.Trigger.AtTime != nil && c.Trigger.AtTime.After(now) {
		to = model.StatusScheduled
	}
	c, err = s.CampaignRepo.Transition(ctx, id, []model.CampaignStatus{model.StatusPaused}, to, now)
	if err != nil {
		return nil, err
	}
	s.Logger.InfoContext(ctx, "campaign resumed", slog.String("campaign_id", id), slog.String("status", string(c.Status)))
	if to != model.StatusActive {
		return c, nil
	}

	if c.Trigger.Kind != model.TriggerEvent && c.LastAdmittedAt == nil {
		if err := s.admitAndDispatch(ctx, c, now); err != nil {
			return nil, err
		}
	}
	if err := s.DispatchDue(ctx, id); err != nil {
		return nil, err
	}
	return s.CampaignRepo.GetByID(ctx, id)
}

// DispatchDue hands one batch of the campaign's due instances to the
// dispatcher; the scheduler picks up whatever is left.
func (s *CampaignService) DispatchDue(ctx context.Context, id string) error {
	batch := s.BatchSize
	if batch < 1 {
		batch = 200
	}
	due, err := s.InstanceRepo.ListDueForCampaign(ctx, id, s.now(), batch)
	if err != nil {
		return err
	}
	ids := make([]string, len(due))
	for i, inst := range due {
		ids[i] = inst.ID
	}
	return s.Dispatcher.Dispatch(ctx, ids)
}

// Complete closes an ACTIVE campaign whose instances have all finished.
func (s *CampaignService) Complete(ctx context.Context, id string) (*model.Campaign, error) {
	counts, err := s.InstanceRepo.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if live := counts[model.InstanceRunning] + counts[model.InstanceWaiting]; live > 0 {
		return nil, appErrors.New(appErrors.CodeCampaignInFlight, "campaign %s still has %d live instances", id, live)
	}
	c, err := s.CampaignRepo.Transition(ctx, id, []model.CampaignStatus{model.StatusActive}, model.StatusCompleted, s.now())
	if err != nil {
		return nil, err
	}
	s.Logger.InfoContext(ctx, "campaign completed", slog.String("campaign_id", id))
	return c, nil
}

func (s *CampaignService) Archive(ctx context.Context, id string) (*model.Campaign, error) {
	return s.CampaignRepo.Transition(ctx, id, []model.CampaignStatus{model.StatusDraft, model.StatusCompleted}, model.StatusArchived, s.now())
}

// IngestEvent admits the recipient into every ACTIVE campaign triggered by
// eventName and runs the new instances. It returns the admitted instances.
func (s *CampaignService) IngestEvent(ctx context.Context, eventName, recipientID string) ([]*model.Instance, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" || strings.TrimSpace(recipientID) == "" {
		return nil, appErrors.New(appErrors.CodeInvalidEvent, "eventName and recipientId are required")
	}
	if _, err := s.Admitter.Recipients.GetByID(ctx, recipientID); err != nil {
		return nil, err
	}

	active, err := s.CampaignRepo.ListByStatus(ctx, model.StatusActive)
	if err != nil {
		return nil, err
	}
	admitted := []*model.Instance{}
	var ids []string
	for _, c := range active {
		if c.Trigger.Kind != model.TriggerEvent || c.Trigger.EventName != eventName {
			continue
		}
		inst, created, err := s.Admitter.AdmitRecipient(ctx, c, recipientID)
		if err != nil {
			return nil, err
		}
		if created {
			admitted = append(admitted, inst)
			ids = append(ids, inst.ID)
		}
	}
	s.Logger.InfoContext(ctx, "event ingested",
		slog.String("event", eventName), slog.String("recipient_id", recipientID), slog.Int("admitted", len(ids)))
	if err := s.Dispatcher.Dispatch(ctx, ids); err != nil {
		return nil, err
	}
	return admitted, nil
}

func (s *CampaignService) CancelInstance(ctx context.Context, campaignID, recipientID string) (*model.Instance, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.Engine.CancelInstance(ctx, campaignID, recipientID)
}

func (s *CampaignService) ListSendRecords(ctx context.Context, campaignID string, page, pageSize int) ([]*model.SendRecord, map[string]int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	records, total, err := s.SendRepo.ListByCampaign(ctx, campaignID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return records, map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}, nil
}
