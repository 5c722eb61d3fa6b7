package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

var t0 = time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	Channel     model.Channel
	TemplateRef string
	RecipientID string
}

// recordingSender delivers everything and remembers what it sent.
type recordingSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	before func(ctx context.Context, n int)
}

func (s *recordingSender) Send(ctx context.Context, channel model.Channel, templateRef string, recipient *model.Recipient) (SendResult, error) {
	s.mu.Lock()
	n := len(s.sent)
	hook := s.before
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{Channel: channel, TemplateRef: templateRef, RecipientID: recipient.ID})
	return SendResult{Delivered: true, ProviderRef: fmt.Sprintf("ref-%d", len(s.sent))}, nil
}

func (s *recordingSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fixture struct {
	store  *repository.MemoryStore
	clock  *testClock
	sender *recordingSender
	steps  *StepService
	engine *Engine
	svc    *CampaignService
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithSender(t, nil)
}

func newFixtureWithSender(t *testing.T, sender ChannelSender) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := &testClock{now: t0}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &recordingSender{}
	if sender == nil {
		sender = rec
	}

	for _, tpl := range []*model.Template{
		{ID: "welcome", Channel: model.ChannelSMS, Body: "Welcome {first_name}"},
		{ID: "followup", Channel: model.ChannelEmail, Subject: "How are you?", Body: "Hi {first_name}"},
		{ID: "adult", Channel: model.ChannelSMS, Body: "Adult screening"},
		{ID: "minor", Channel: model.ChannelSMS, Body: "Pediatric visit"},
	} {
		store.AddTemplate(tpl)
	}

	steps := &StepService{
		Campaigns: store.Campaigns,
		Steps:     store.Steps,
		Templates: store.Templates,
		Schema:    model.DefaultSchema(),
	}
	engine := &Engine{
		Campaigns:  store.Campaigns,
		Steps:      store.Steps,
		Instances:  store.Instances,
		Recipients: store.Recipients,
		Tracker:    &SendTracker{Sends: store.Sends, Campaigns: store.Campaigns, Logger: logger, Now: clock.Now},
		Sender:     sender,
		Logger:     logger,
		Now:        clock.Now,
	}
	dispatcher := &PoolDispatcher{Engine: engine, WorkerLimit: 4, Logger: logger}
	admitter := &Admitter{
		Campaigns:  store.Campaigns,
		Recipients: store.Recipients,
		Audience:   AttributeAudience{},
		Engine:     engine,
		BatchSize:  2,
		Logger:     logger,
	}
	svc := &CampaignService{
		CampaignRepo: store.Campaigns,
		InstanceRepo: store.Instances,
		SendRepo:     store.Sends,
		StepService:  steps,
		Admitter:     admitter,
		Engine:       engine,
		Dispatcher:   dispatcher,
		Schema:       model.DefaultSchema(),
		BatchSize:    10,
		Logger:       logger,
		Now:          clock.Now,
	}
	sched := &Scheduler{
		Campaigns:  store.Campaigns,
		Instances:  store.Instances,
		Admitter:   admitter,
		Dispatcher: dispatcher,
		Interval:   time.Minute,
		BatchSize:  10,
		Logger:     logger,
		Now:        clock.Now,
	}
	return &fixture{store: store, clock: clock, sender: rec, steps: steps, engine: engine, svc: svc, sched: sched}
}

func (f *fixture) addRecipient(id string, attrs map[string]any) {
	f.store.AddRecipient(&model.Recipient{ID: id, Attributes: attrs})
}

func eventTrigger(name string) model.Trigger {
	return model.Trigger{Kind: model.TriggerEvent, EventName: name}
}

func sendStep(id string, channel model.Channel, tpl, next string) model.Step {
	return model.Step{ID: id, Type: model.StepSend, Channel: channel, TemplateID: tpl, NextStepID: next}
}

func waitStep(id string, minutes int, next string) model.Step {
	return model.Step{ID: id, Type: model.StepWait, WaitDuration: &minutes, NextStepID: next}
}

func (f *fixture) createCampaign(t *testing.T, trigger model.Trigger, steps ...model.Step) *model.Campaign {
	t.Helper()
	c, _, err := f.svc.CreateCampaign(context.Background(), CreateCampaignInput{
		Name:    "Outreach",
		Type:    model.CampaignFollowUp,
		Trigger: trigger,
		Steps:   steps,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) activeCampaign(t *testing.T, trigger model.Trigger, steps ...model.Step) *model.Campaign {
	t.Helper()
	c := f.createCampaign(t, trigger, steps...)
	c, err := f.svc.Activate(context.Background(), c.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) instance(t *testing.T, campaignID, recipientID string) *model.Instance {
	t.Helper()
	inst, err := f.store.Instances.GetByRecipient(context.Background(), campaignID, recipientID)
	require.NoError(t, err)
	return inst
}

func (f *fixture) sends(t *testing.T, campaignID string) []*model.SendRecord {
	t.Helper()
	recs, _, err := f.store.Sends.ListByCampaign(context.Background(), campaignID, 0, 1000)
	require.NoError(t, err)
	// oldest first
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}

func (f *fixture) stats(t *testing.T, campaignID string) map[string]int {
	t.Helper()
	stats, err := f.store.Sends.GetCampaignStats(context.Background(), campaignID)
	require.NoError(t, err)
	return stats
}
