package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

func TestSendWaitSendSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{"first_name": "Amina"})
	c := f.activeCampaign(t, eventTrigger("visit_completed"),
		sendStep("s1", model.ChannelSMS, "welcome", "s2"),
		waitStep("s2", 1440, "s3"),
		sendStep("s3", model.ChannelEmail, "followup", ""),
	)

	_, err := f.svc.IngestEvent(ctx, "visit_completed", "pat_1")
	require.NoError(t, err)

	recs := f.sends(t, c.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ChannelSMS, recs[0].Channel)
	assert.Equal(t, model.SendSent, recs[0].Status)
	assert.Equal(t, "s1", recs[0].StepID)

	inst := f.instance(t, c.ID, "pat_1")
	assert.Equal(t, model.InstanceWaiting, inst.Status)
	require.NotNil(t, inst.ResumeAt)
	assert.True(t, inst.ResumeAt.Equal(t0.Add(1440*time.Minute)))
	assert.Equal(t, "s3", inst.CurrentStepID)

	f.clock.Advance(1439 * time.Minute)
	require.NoError(t, f.sched.Tick(ctx))
	assert.Len(t, f.sends(t, c.ID), 1)
	assert.Equal(t, model.InstanceWaiting, f.instance(t, c.ID, "pat_1").Status)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.Tick(ctx))
	recs = f.sends(t, c.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, model.ChannelEmail, recs[1].Channel)
	assert.Equal(t, model.SendSent, recs[1].Status)

	inst = f.instance(t, c.ID, "pat_1")
	assert.Equal(t, model.InstanceCompleted, inst.Status)
	assert.Empty(t, inst.CurrentStepID)
	assert.NotNil(t, inst.FinishedAt)
	assert.Nil(t, inst.ResumeAt)
}

func TestBranchRoutesToFirstMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("minor", map[string]any{"age": 15})
	f.addRecipient("adult", map[string]any{"age": 40})
	f.addRecipient("unknown", map[string]any{})

	c := f.activeCampaign(t, eventTrigger("checkup"),
		model.Step{ID: "route", Type: model.StepBranch, Branches: model.Branches{
			{Condition: model.Condition{Field: "age", Operator: model.OpGt, Value: 18}, NextStepID: "adult_step"},
			{Condition: model.Condition{Field: "age", Operator: model.OpLte, Value: 18}, NextStepID: "minor_step"},
		}},
		sendStep("adult_step", model.ChannelSMS, "adult", ""),
		sendStep("minor_step", model.ChannelSMS, "minor", ""),
	)

	for _, id := range []string{"minor", "adult", "unknown"} {
		_, err := f.svc.IngestEvent(ctx, "checkup", id)
		require.NoError(t, err)
	}

	byRecipient := map[string]string{}
	for _, rec := range f.sends(t, c.ID) {
		byRecipient[rec.RecipientID] = rec.StepID
	}
	assert.Equal(t, map[string]string{"minor": "minor_step", "adult": "adult_step"}, byRecipient)

	// no branch matches and there is no fallthrough: the path ends
	assert.Equal(t, model.InstanceCompleted, f.instance(t, c.ID, "unknown").Status)
}

func TestConditionStepContinuesEitherWay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("a", map[string]any{"city": "Nairobi"})
	f.addRecipient("b", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"),
		model.Step{ID: "check", Type: model.StepCondition, Condition: &model.Condition{Field: "city", Operator: model.OpEq, Value: "Nairobi"}, NextStepID: "send"},
		sendStep("send", model.ChannelSMS, "welcome", ""),
	)
	for _, id := range []string{"a", "b"} {
		_, err := f.svc.IngestEvent(ctx, "e", id)
		require.NoError(t, err)
	}
	assert.Len(t, f.sends(t, c.ID), 2)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, channel model.Channel, templateRef string, recipient *model.Recipient) (SendResult, error) {
	args := m.Called(ctx, channel, templateRef, recipient)
	return args.Get(0).(SendResult), args.Error(1)
}

func TestDeliveryFailureDoesNotHaltSequence(t *testing.T) {
	ctx := context.Background()
	sender := new(mockSender)
	sender.On("Send", mock.Anything, model.ChannelSMS, "welcome", mock.Anything).Return(SendResult{}, errors.New("provider down")).Once()
	sender.On("Send", mock.Anything, model.ChannelEmail, "followup", mock.Anything).Return(SendResult{Delivered: false}, nil).Once()
	sender.On("Send", mock.Anything, model.ChannelSMS, "adult", mock.Anything).Return(SendResult{Delivered: true, ProviderRef: "sms-1"}, nil).Once()

	f := newFixtureWithSender(t, sender)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"),
		sendStep("s1", model.ChannelSMS, "welcome", "s2"),
		sendStep("s2", model.ChannelEmail, "followup", "s3"),
		sendStep("s3", model.ChannelSMS, "adult", ""),
	)

	_, err := f.svc.IngestEvent(ctx, "e", "pat_1")
	require.NoError(t, err)

	recs := f.sends(t, c.ID)
	require.Len(t, recs, 3)
	assert.Equal(t, model.SendFailed, recs[0].Status)
	assert.Equal(t, "provider down", recs[0].LastError)
	assert.Equal(t, model.SendFailed, recs[1].Status)
	assert.Equal(t, model.SendSent, recs[2].Status)
	assert.Equal(t, "sms-1", recs[2].ProviderRef)
	assert.Equal(t, model.InstanceCompleted, f.instance(t, c.ID, "pat_1").Status)
	sender.AssertExpectations(t)
}

func TestPauseDuringSendKeepsDeliveredOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"),
		sendStep("s1", model.ChannelSMS, "welcome", "s2"),
		waitStep("s2", 60, ""),
	)

	f.sender.before = func(ctx context.Context, n int) {
		if n == 0 {
			_, err := f.svc.Pause(ctx, c.ID)
			assert.NoError(t, err)
		}
	}
	_, err := f.svc.IngestEvent(ctx, "e", "pat_1")
	require.NoError(t, err)

	// the provider accepted the message, so the pause cannot undo it
	assert.Equal(t, map[string]int{"PENDING": 0, "SENT": 1, "FAILED": 0, "CANCELLED": 0}, f.stats(t, c.ID))
	inst := f.instance(t, c.ID, "pat_1")
	assert.Equal(t, model.InstanceRunning, inst.Status)
	assert.Equal(t, "s1", inst.CurrentStepID)

	// a paused campaign does not advance
	require.NoError(t, f.engine.Advance(ctx, inst.ID))
	assert.Equal(t, "s1", f.instance(t, c.ID, "pat_1").CurrentStepID)

	_, err = f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, f.sender.Sent(), 1)
	assert.Equal(t, map[string]int{"PENDING": 0, "SENT": 1, "FAILED": 0, "CANCELLED": 0}, f.stats(t, c.ID))
	inst = f.instance(t, c.ID, "pat_1")
	assert.Equal(t, model.InstanceWaiting, inst.Status)
	assert.Empty(t, inst.CurrentStepID)
}

func TestConcurrentAdvanceSendsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"), sendStep("s1", model.ChannelSMS, "welcome", ""))
	inst, created, err := f.engine.Admit(ctx, c, "pat_1")
	require.NoError(t, err)
	require.True(t, created)

	inSend := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.sender.before = func(ctx context.Context, n int) {
		if calls.Add(1) == 1 {
			close(inSend)
			<-release
		}
	}

	first := make(chan error, 1)
	go func() { first <- f.engine.Advance(ctx, inst.ID) }()
	<-inSend

	// the second worker finds the step leased and backs off
	require.NoError(t, f.engine.Advance(ctx, inst.ID))
	close(release)
	require.NoError(t, <-first)

	assert.Len(t, f.sender.Sent(), 1)
	recs := f.sends(t, c.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.SendSent, recs[0].Status)
	assert.Equal(t, model.InstanceCompleted, f.instance(t, c.ID, "pat_1").Status)
}

func TestStalePendingSendIsTakenOver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"), sendStep("s1", model.ChannelSMS, "welcome", ""))
	inst, _, err := f.engine.Admit(ctx, c, "pat_1")
	require.NoError(t, err)

	// a worker created the record and then went away
	_, _, err = f.store.Sends.CreatePending(ctx, &model.SendRecord{
		ID: "orphan", CampaignID: c.ID, RecipientID: "pat_1", StepID: "s1", Channel: model.ChannelSMS, CreatedAt: t0,
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Advance(ctx, inst.ID))
	assert.Empty(t, f.sender.Sent(), "lease still held")
	assert.Equal(t, model.InstanceRunning, f.instance(t, c.ID, "pat_1").Status)

	f.clock.Advance(DefaultSendLease + time.Second)
	require.NoError(t, f.engine.Advance(ctx, inst.ID))

	assert.Len(t, f.sender.Sent(), 1)
	recs := f.sends(t, c.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, "orphan", recs[0].ID)
	assert.Equal(t, model.SendSent, recs[0].Status)
	assert.Equal(t, model.InstanceCompleted, f.instance(t, c.ID, "pat_1").Status)
}

// pausedView reports the campaign as PAUSED to the tracker while the store
// still considers it ACTIVE, the window between creating a record and the
// pause committing.
type pausedView struct {
	repository.CampaignRepositoryInterface
}

func (p pausedView) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := p.CampaignRepositoryInterface.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Status = model.StatusPaused
	return c, nil
}

func TestTrackerCompensatesWhenPausedAfterCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.activeCampaign(t, eventTrigger("e"), sendStep("s1", model.ChannelSMS, "welcome", ""))

	tracker := &SendTracker{Sends: f.store.Sends, Campaigns: pausedView{f.store.Campaigns}, Logger: f.engine.Logger}
	inst := &model.Instance{CampaignID: c.ID, RecipientID: "pat_1"}
	step := &model.Step{ID: "s1", Channel: model.ChannelSMS}

	rec, done, err := tracker.Begin(ctx, inst, step)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, done)

	latest, err := f.store.Sends.Latest(ctx, c.ID, "pat_1", "s1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.SendCancelled, latest.Status)
}

func TestReentryDoesNotResend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"),
		sendStep("s1", model.ChannelSMS, "welcome", "s2"),
		sendStep("s2", model.ChannelEmail, "followup", ""),
	)
	inst, created, err := f.engine.Admit(ctx, c, "pat_1")
	require.NoError(t, err)
	require.True(t, created)

	// simulate a crash after s1 was sent but before the pointer moved on
	rec, _, err := f.store.Sends.CreatePending(ctx, &model.SendRecord{ID: "pre", CampaignID: c.ID, RecipientID: "pat_1", StepID: "s1", Channel: model.ChannelSMS})
	require.NoError(t, err)
	ok, err := f.store.Sends.Finish(ctx, rec.ID, model.SendSent, "ref-0", "")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.engine.Advance(ctx, inst.ID))

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "followup", sent[0].TemplateRef)
	assert.Len(t, f.sends(t, c.ID), 2)
}

func TestCancelInstanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"), waitStep("w", 60, ""))
	_, err := f.svc.IngestEvent(ctx, "e", "pat_1")
	require.NoError(t, err)

	first, err := f.svc.CancelInstance(ctx, c.ID, "pat_1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCancelled, first.Status)

	second, err := f.svc.CancelInstance(ctx, c.ID, "pat_1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCancelled, second.Status)
	assert.Equal(t, first.Version, second.Version)

	// cancelled instances never resume
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.sched.Tick(ctx))
	assert.Equal(t, model.InstanceCancelled, f.instance(t, c.ID, "pat_1").Status)

	_, err = f.svc.CancelInstance(ctx, c.ID, "nobody")
	assert.True(t, appErrors.Is(err, appErrors.CodeInstanceNotFound))
}

func TestCancelCompletedInstanceIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"), sendStep("s1", model.ChannelSMS, "welcome", ""))
	_, err := f.svc.IngestEvent(ctx, "e", "pat_1")
	require.NoError(t, err)

	inst, err := f.svc.CancelInstance(ctx, c.ID, "pat_1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCompleted, inst.Status)
}

func TestWaitUntilExpression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("booked", map[string]any{"next_appointment_at": "2026-11-20T09:30:00Z"})
	f.addRecipient("walk_in", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"),
		model.Step{ID: "w", Type: model.StepWait, WaitUntil: "{{next_appointment_at}} - 1d", NextStepID: "s"},
		sendStep("s", model.ChannelSMS, "welcome", ""),
	)
	for _, id := range []string{"booked", "walk_in"} {
		_, err := f.svc.IngestEvent(ctx, "e", id)
		require.NoError(t, err)
	}

	booked := f.instance(t, c.ID, "booked")
	assert.Equal(t, model.InstanceWaiting, booked.Status)
	require.NotNil(t, booked.ResumeAt)
	assert.True(t, booked.ResumeAt.Equal(time.Date(2026, 11, 19, 9, 30, 0, 0, time.UTC)))

	// an unresolvable expression resumes immediately
	assert.Equal(t, model.InstanceCompleted, f.instance(t, c.ID, "walk_in").Status)
}

func TestRemovedRecipientCancelsInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{})
	c := f.activeCampaign(t, eventTrigger("e"), waitStep("w", 10, "s"), sendStep("s", model.ChannelSMS, "welcome", ""))
	_, err := f.svc.IngestEvent(ctx, "e", "pat_1")
	require.NoError(t, err)

	f.store.RemoveRecipient("pat_1")
	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.Tick(ctx))
	assert.Equal(t, model.InstanceCancelled, f.instance(t, c.ID, "pat_1").Status)
	assert.Empty(t, f.sends(t, c.ID))
}
