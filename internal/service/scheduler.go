package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/unclebandit/outreach-engine/internal/metrics"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// Scheduler is the durable-timer loop: every tick it starts scheduled
// campaigns, runs due admissions, dispatches due instances and closes
// drained one-shot campaigns.
type Scheduler struct {
	Campaigns  repository.CampaignRepositoryInterface
	Instances  repository.InstanceRepositoryInterface
	Admitter   *Admitter
	Dispatcher Dispatcher
	Interval   time.Duration
	BatchSize  int
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "Starting campaign scheduler", slog.Duration("interval", s.Interval))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.InfoContext(ctx, "Campaign scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.Logger.ErrorContext(ctx, "Scheduler tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick runs one scheduler pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.SchedulerTick.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	if err := s.promoteScheduled(ctx, now); err != nil {
		return err
	}
	if err := s.runAdmissions(ctx, now); err != nil {
		return err
	}
	if err := s.dispatchDue(ctx, now); err != nil {
		return err
	}
	return s.completeDrained(ctx)
}

func (s *Scheduler) promoteScheduled(ctx context.Context, now time.Time) error {
	scheduled, err := s.Campaigns.ListByStatus(ctx, model.StatusScheduled)
	if err != nil {
		return err
	}
	for _, c := range scheduled {
		if c.Trigger.AtTime != nil && c.Trigger.AtTime.After(now) {
			continue
		}
		_, err := s.Campaigns.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusScheduled}, model.StatusActive, now)
		if err != nil {
			s.Logger.WarnContext(ctx, "failed to start scheduled campaign", slog.String("campaign_id", c.ID), slog.Any("error", err))
			continue
		}
		s.Logger.InfoContext(ctx, "scheduled campaign started", slog.String("campaign_id", c.ID))
	}
	return nil
}

// admissionDue reports whether the campaign's trigger wants an admission pass now.
func admissionDue(c *model.Campaign, now time.Time) bool {
	switch c.Trigger.Kind {
	case model.TriggerSchedule:
		return c.LastAdmittedAt == nil
	case model.TriggerRecurring:
		activated := now
		if c.ActivatedAt != nil {
			activated = *c.ActivatedAt
		}
		next, ok := c.Trigger.NextOccurrence(c.LastAdmittedAt, activated)
		return ok && !next.After(now)
	}
	return false
}

func (s *Scheduler) runAdmissions(ctx context.Context, now time.Time) error {
	active, err := s.Campaigns.ListByStatus(ctx, model.StatusActive)
	if err != nil {
		return err
	}
	for _, c := range active {
		if !admissionDue(c, now) {
			continue
		}
		if _, err := s.Admitter.AdmitAudience(ctx, c, now); err != nil {
			s.Logger.ErrorContext(ctx, "audience admission failed", slog.String("campaign_id", c.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) error {
	due, err := s.Instances.ListDue(ctx, now, s.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	ids := make([]string, len(due))
	for i, inst := range due {
		ids[i] = inst.ID
	}
	s.Logger.InfoContext(ctx, "Dispatching due instances", slog.Int("count", len(ids)))
	return s.Dispatcher.Dispatch(ctx, ids)
}

// completeDrained closes SCHEDULE campaigns whose single admission has run
// and whose instances have all finished.
func (s *Scheduler) completeDrained(ctx context.Context) error {
	active, err := s.Campaigns.ListByStatus(ctx, model.StatusActive)
	if err != nil {
		return err
	}
	for _, c := range active {
		if c.Trigger.Kind != model.TriggerSchedule || c.LastAdmittedAt == nil {
			continue
		}
		counts, err := s.Instances.CountByStatus(ctx, c.ID)
		if err != nil {
			return err
		}
		if counts[model.InstanceRunning]+counts[model.InstanceWaiting] > 0 {
			continue
		}
		if _, err := s.Campaigns.Transition(ctx, c.ID, []model.CampaignStatus{model.StatusActive}, model.StatusCompleted, s.now()); err != nil {
			s.Logger.WarnContext(ctx, "failed to complete drained campaign", slog.String("campaign_id", c.ID), slog.Any("error", err))
			continue
		}
		s.Logger.InfoContext(ctx, "campaign completed", slog.String("campaign_id", c.ID))
	}
	return nil
}
