package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-engine/internal/model"
)

func TestScheduledCampaignStartsAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", map[string]any{"first_name": "Ada"})
	f.addRecipient("pat_2", map[string]any{"first_name": "Bo"})
	f.addRecipient("pat_3", map[string]any{"first_name": "Cy"})

	c := f.activeCampaign(t, scheduleTrigger(t0.Add(time.Hour)),
		sendStep("s1", model.ChannelSMS, "welcome", "w"),
		waitStep("w", 24*60, "s2"),
		sendStep("s2", model.ChannelEmail, "followup", ""))
	assert.Equal(t, model.StatusScheduled, c.Status)

	require.NoError(t, f.sched.Tick(ctx))
	assert.Equal(t, model.StatusScheduled, f.status(t, c.ID))
	assert.Empty(t, f.sender.Sent())

	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.Tick(ctx))
	assert.Equal(t, model.StatusActive, f.status(t, c.ID))
	assert.Len(t, f.sender.Sent(), 3)
	for _, id := range []string{"pat_1", "pat_2", "pat_3"} {
		inst := f.instance(t, c.ID, id)
		assert.Equal(t, model.InstanceWaiting, inst.Status)
		require.NotNil(t, inst.ResumeAt)
		assert.True(t, inst.ResumeAt.Equal(t0.Add(25*time.Hour)))
	}

	// a recipient added after the single admission is not picked up
	f.addRecipient("pat_4", nil)
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.sched.Tick(ctx))

	assert.Len(t, f.sender.Sent(), 6)
	assert.Equal(t, model.StatusCompleted, f.status(t, c.ID))
	counts, err := f.store.Instances.CountByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.InstanceCompleted])
	assert.Equal(t, 6, f.stats(t, c.ID)["SENT"])
}

func TestRecurringCampaignAdmitsNewRecipientsOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRecipient("pat_1", nil)

	c := f.activeCampaign(t, model.Trigger{Kind: model.TriggerRecurring, RecurrenceRule: "@daily"},
		sendStep("s", model.ChannelSMS, "welcome", ""))
	assert.Equal(t, model.StatusActive, c.Status)
	require.NotNil(t, c.LastAdmittedAt)
	assert.True(t, c.LastAdmittedAt.Equal(t0))
	require.Len(t, f.sender.Sent(), 1)

	f.addRecipient("pat_2", nil)
	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.Tick(ctx))
	assert.Len(t, f.sender.Sent(), 1)

	f.clock.Advance(23 * time.Hour)
	require.NoError(t, f.sched.Tick(ctx))
	sent := f.sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "pat_2", sent[1].RecipientID)
	assert.Equal(t, model.StatusActive, f.status(t, c.ID))

	after, err := f.store.Campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, after.LastAdmittedAt.Equal(t0.Add(24*time.Hour)))
}

func TestAdmissionDue(t *testing.T) {
	last := t0.Add(-2 * time.Hour)
	activated := t0.Add(-48 * time.Hour)

	assert.True(t, admissionDue(&model.Campaign{Trigger: scheduleTrigger(t0)}, t0))
	assert.False(t, admissionDue(&model.Campaign{Trigger: scheduleTrigger(t0), LastAdmittedAt: &last}, t0))
	assert.False(t, admissionDue(&model.Campaign{Trigger: eventTrigger("e")}, t0))

	hourly := model.Trigger{Kind: model.TriggerRecurring, RecurrenceRule: "@every 3h"}
	assert.True(t, admissionDue(&model.Campaign{Trigger: hourly, ActivatedAt: &activated}, t0))
	assert.False(t, admissionDue(&model.Campaign{Trigger: hourly, ActivatedAt: &activated, LastAdmittedAt: &last}, t0))
	assert.True(t, admissionDue(&model.Campaign{Trigger: hourly, ActivatedAt: &activated, LastAdmittedAt: &last}, t0.Add(time.Hour)))
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.sched.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
