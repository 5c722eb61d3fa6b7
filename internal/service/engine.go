package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/outreach-engine/internal/condition"
	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/metrics"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// Engine walks recipient instances through their campaign graph. Every step
// is persisted before the next one starts; WAIT suspends by saving resumeAt
// and returning, the scheduler picks the instance up again once it is due.
type Engine struct {
	Campaigns  repository.CampaignRepositoryInterface
	Steps      repository.StepRepositoryInterface
	Instances  repository.InstanceRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Tracker    *SendTracker
	Sender     ChannelSender
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewEngine wires an engine and its send tracker over one store.
func NewEngine(store *repository.Store, sender ChannelSender, logger *slog.Logger) *Engine {
	return &Engine{
		Campaigns:  store.Campaigns,
		Steps:      store.Steps,
		Instances:  store.Instances,
		Recipients: store.Recipients,
		Tracker:    &SendTracker{Sends: store.Sends, Campaigns: store.Campaigns, Logger: logger},
		Sender:     sender,
		Logger:     logger,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Admit creates the recipient's instance at the entry step. It returns false
// when the recipient already has one in this campaign.
func (e *Engine) Admit(ctx context.Context, c *model.Campaign, recipientID string) (*model.Instance, bool, error) {
	steps, err := e.Steps.ListByCampaign(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	entry := model.NewGraph(steps).Entry()
	if entry == nil {
		return nil, false, appErrors.New(appErrors.CodeNoSteps, "campaign %s has no entry step", c.ID)
	}

	inst := &model.Instance{
		ID:            uuid.NewString(),
		CampaignID:    c.ID,
		RecipientID:   recipientID,
		CurrentStepID: entry.ID,
		Status:        model.InstanceRunning,
		CreatedAt:     e.now(),
	}
	created, err := e.Instances.Create(ctx, inst)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return nil, false, nil
	}
	metrics.InstancesAdmitted.Inc()
	return inst, true, nil
}

// Advance runs the instance until it waits, finishes, or its campaign stops
// being ACTIVE. Execution-time problems are logged and absorbed; only
// storage failures are returned.
func (e *Engine) Advance(ctx context.Context, instanceID string) error {
	inst, err := e.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	now := e.now()
	if !inst.Due(now) {
		return nil
	}

	c, err := e.Campaigns.GetByID(ctx, inst.CampaignID)
	if err != nil {
		return err
	}
	if !c.Live() {
		return nil
	}
	steps, err := e.Steps.ListByCampaign(ctx, c.ID)
	if err != nil {
		return err
	}
	graph := model.NewGraph(steps)

	log := e.Logger.With(slog.String("campaign_id", inst.CampaignID), slog.String("recipient_id", inst.RecipientID))

	recipient, err := e.Recipients.GetByID(ctx, inst.RecipientID)
	if appErrors.Is(err, appErrors.CodeRecipientNotFound) {
		log.WarnContext(ctx, "recipient no longer exists, cancelling instance")
		return e.finish(ctx, inst, model.InstanceCancelled)
	}
	if err != nil {
		return err
	}
	snap := recipient.Snapshot()

	// An acyclic graph visits each step at most once per run.
	for range graph.Len() + 1 {
		if inst.Status == model.InstanceWaiting {
			inst.Status = model.InstanceRunning
			inst.ResumeAt = nil
		}
		if inst.CurrentStepID == "" {
			return e.finish(ctx, inst, model.InstanceCompleted)
		}
		step, ok := graph.Step(inst.CurrentStepID)
		if !ok {
			log.WarnContext(ctx, "instance points at a missing step", slog.String("step_id", inst.CurrentStepID))
			return e.finish(ctx, inst, model.InstanceCancelled)
		}
		if c, err = e.Campaigns.GetByID(ctx, inst.CampaignID); err != nil {
			return err
		}
		if !c.Live() {
			return nil
		}

		next, halt, err := e.execute(ctx, log, inst, step, recipient, snap)
		if err != nil {
			return err
		}
		if halt {
			return nil
		}
		metrics.StepExecutions.WithLabelValues(string(step.Type)).Inc()

		inst.CurrentStepID = next
		if inst.Status == model.InstanceWaiting {
			if err := e.save(ctx, inst); err != nil {
				return ignoreConflict(err)
			}
			if inst.ResumeAt.After(e.now()) {
				return nil
			}
			continue
		}
		if next == "" {
			return e.finish(ctx, inst, model.InstanceCompleted)
		}
		if err := e.save(ctx, inst); err != nil {
			return ignoreConflict(err)
		}
	}
	log.ErrorContext(ctx, "step limit reached, graph may contain a cycle", slog.String("step_id", inst.CurrentStepID))
	return e.finish(ctx, inst, model.InstanceCancelled)
}

// execute runs one step and returns the id of the step to continue with.
// halt means the instance must stop where it is without being saved.
func (e *Engine) execute(ctx context.Context, log *slog.Logger, inst *model.Instance, step *model.Step, recipient *model.Recipient, snap map[string]any) (next string, halt bool, err error) {
	action, err := step.Action()
	if err != nil {
		log.WarnContext(ctx, "malformed step, skipping", slog.String("step_id", step.ID), slog.Any("error", err))
		return step.NextStepID, false, nil
	}

	switch a := action.(type) {
	case model.SendAction:
		rec, done, err := e.Tracker.Begin(ctx, inst, step)
		if err != nil {
			return "", false, err
		}
		if done {
			return step.NextStepID, false, nil
		}
		if rec == nil {
			return "", true, nil
		}
		res, sendErr := e.Sender.Send(ctx, a.Channel, a.TemplateID, recipient)
		ok, err := e.Tracker.Complete(ctx, rec, res, sendErr)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", true, nil
		}
		return step.NextStepID, false, nil

	case model.WaitAction:
		resumeAt := e.now().Add(a.Duration)
		if a.Until != "" {
			t, err := condition.ResolveTime(a.Until, snap)
			if err != nil {
				log.WarnContext(ctx, "cannot resolve wait expression, resuming now",
					slog.String("step_id", step.ID), slog.Any("error", err))
				t = e.now()
			}
			resumeAt = t
		}
		inst.Status = model.InstanceWaiting
		inst.ResumeAt = &resumeAt
		return step.NextStepID, false, nil

	case model.ConditionAction:
		matched := condition.Evaluate(a.Condition, snap)
		log.DebugContext(ctx, "condition evaluated", slog.String("step_id", step.ID), slog.Bool("matched", matched))
		return step.NextStepID, false, nil

	case model.BranchAction:
		if target, ok := condition.SelectBranch(a.Branches, snap); ok {
			return target, false, nil
		}
		return step.NextStepID, false, nil
	}
	return "", false, fmt.Errorf("unhandled step action %T", action)
}

func (e *Engine) save(ctx context.Context, inst *model.Instance) error {
	return e.Instances.Save(ctx, inst)
}

func (e *Engine) finish(ctx context.Context, inst *model.Instance, status model.InstanceStatus) error {
	now := e.now()
	inst.Status = status
	inst.ResumeAt = nil
	inst.FinishedAt = &now
	if status == model.InstanceCompleted {
		inst.CurrentStepID = ""
	}
	if err := e.save(ctx, inst); err != nil {
		return ignoreConflict(err)
	}
	metrics.InstancesFinished.WithLabelValues(string(status)).Inc()
	return nil
}

// CancelInstance stops one recipient's run. Cancelling a finished instance
// is a no-op.
func (e *Engine) CancelInstance(ctx context.Context, campaignID, recipientID string) (*model.Instance, error) {
	for attempt := 0; attempt < 3; attempt++ {
		inst, err := e.Instances.GetByRecipient(ctx, campaignID, recipientID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		now := e.now()
		inst.Status = model.InstanceCancelled
		inst.ResumeAt = nil
		inst.FinishedAt = &now
		err = e.save(ctx, inst)
		if appErrors.Is(err, appErrors.CodeVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := e.Tracker.CancelForRecipient(ctx, campaignID, recipientID); err != nil {
			return nil, err
		}
		metrics.InstancesFinished.WithLabelValues(string(model.InstanceCancelled)).Inc()
		return inst, nil
	}
	return nil, appErrors.New(appErrors.CodeVersionConflict, "instance of recipient %s kept changing", recipientID)
}

// ignoreConflict treats a lost compare-and-set as another worker having
// taken over the instance.
func ignoreConflict(err error) error {
	if appErrors.Is(err, appErrors.CodeVersionConflict) {
		return nil
	}
	return err
}
