package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/metrics"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// SendResult is what a ChannelSender reports for one delivery.
type SendResult struct {
	Delivered   bool
	ProviderRef string
}

// ChannelSender transmits a templated message to a recipient on a channel.
// Retries and backoff are its own business.
type ChannelSender interface {
	Send(ctx context.Context, channel model.Channel, templateRef string, recipient *model.Recipient) (SendResult, error)
}

// DefaultSendLease is how long a PENDING record belongs to the worker that
// created it before another worker may take it over.
const DefaultSendLease = 5 * time.Minute

// SendTracker owns the Send Record lifecycle for the engine. The PENDING
// record of a step is its lease: only the worker holding it delivers. The
// campaign status is re-checked right after a record is created, so a
// concurrent pause never leaves a PENDING record behind.
type SendTracker struct {
	Sends     repository.SendRecordRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface
	Logger    *slog.Logger
	Lease     time.Duration
	Now       func() time.Time
}

func (t *SendTracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *SendTracker) lease() time.Duration {
	if t.Lease > 0 {
		return t.Lease
	}
	return DefaultSendLease
}

// Begin returns the record the SEND step should deliver against. done is true
// when an earlier run already reached SENT or FAILED for this step, in which
// case nothing must be sent again. A nil record with done=false means the
// instance must stop: the campaign is no longer active, or another worker
// holds a live lease on the step.
func (t *SendTracker) Begin(ctx context.Context, inst *model.Instance, step *model.Step) (rec *model.SendRecord, done bool, err error) {
	latest, err := t.Sends.Latest(ctx, inst.CampaignID, inst.RecipientID, step.ID)
	if err != nil {
		return nil, false, err
	}
	if latest != nil && (latest.Status == model.SendSent || latest.Status == model.SendFailed) {
		return latest, true, nil
	}

	now := t.now()
	rec, created, err := t.Sends.CreatePending(ctx, &model.SendRecord{
		ID:          uuid.NewString(),
		CampaignID:  inst.CampaignID,
		RecipientID: inst.RecipientID,
		StepID:      step.ID,
		Channel:     step.Channel,
		CreatedAt:   now,
	})
	if appErrors.Is(err, appErrors.CodeInvalidStatus) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !created {
		claimed, err := t.Sends.Claim(ctx, rec.ID, now.Add(-t.lease()), now)
		if err != nil {
			return nil, false, err
		}
		if !claimed {
			t.Logger.DebugContext(ctx, "send already in flight",
				slog.String("send_id", rec.ID), slog.String("step_id", step.ID))
			return nil, false, nil
		}
		t.Logger.WarnContext(ctx, "taking over stale pending send",
			slog.String("send_id", rec.ID), slog.String("step_id", step.ID), slog.Time("since", rec.UpdatedAt))
	}

	live, err := t.campaignLive(ctx, inst.CampaignID)
	if err != nil {
		return nil, false, err
	}
	if !live {
		t.cancel(ctx, rec, "campaign paused")
		return nil, false, nil
	}
	return rec, false, nil
}

// Complete records the delivery outcome, even when a pause cancelled the
// record while the message was with the provider. It returns false when the
// instance must stop here: the campaign is no longer active, or the record
// was settled by someone else. A resumed run then finds the outcome and does
// not send again.
func (t *SendTracker) Complete(ctx context.Context, rec *model.SendRecord, res SendResult, sendErr error) (bool, error) {
	status := model.SendSent
	lastError := ""
	switch {
	case sendErr != nil:
		status, lastError = model.SendFailed, sendErr.Error()
	case !res.Delivered:
		status, lastError = model.SendFailed, "not delivered"
	}
	ok, err := t.Sends.RecordOutcome(ctx, rec.ID, status, res.ProviderRef, lastError)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	rec.Status, rec.ProviderRef, rec.LastError = status, res.ProviderRef, lastError
	metrics.SendRecords.WithLabelValues(string(rec.Channel), string(status)).Inc()
	if status == model.SendFailed {
		t.Logger.WarnContext(ctx, "delivery failed",
			slog.String("campaign_id", rec.CampaignID),
			slog.String("recipient_id", rec.RecipientID),
			slog.String("step_id", rec.StepID),
			slog.String("error", lastError))
	}
	return t.campaignLive(ctx, rec.CampaignID)
}

// CancelForRecipient cancels the recipient's PENDING records in the campaign.
func (t *SendTracker) CancelForRecipient(ctx context.Context, campaignID, recipientID string) (int64, error) {
	return t.Sends.CancelPending(ctx, campaignID, recipientID)
}

func (t *SendTracker) cancel(ctx context.Context, rec *model.SendRecord, reason string) {
	ok, err := t.Sends.Finish(ctx, rec.ID, model.SendCancelled, "", reason)
	if err != nil {
		t.Logger.ErrorContext(ctx, "failed to cancel send record", slog.String("send_id", rec.ID), slog.Any("error", err))
		return
	}
	if ok {
		metrics.SendRecords.WithLabelValues(string(rec.Channel), string(model.SendCancelled)).Inc()
	}
}

func (t *SendTracker) campaignLive(ctx context.Context, campaignID string) (bool, error) {
	c, err := t.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return false, err
	}
	return c.Live(), nil
}
