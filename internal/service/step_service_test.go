package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func orders(t *testing.T, f *fixture, campaignID string) ([]string, []int) {
	t.Helper()
	list, err := f.steps.ListSteps(context.Background(), campaignID)
	require.NoError(t, err)
	ids := make([]string, len(list.Steps))
	ords := make([]int, len(list.Steps))
	for i, s := range list.Steps {
		ids[i], ords[i] = s.ID, s.Order
	}
	return ids, ords
}

func TestDeleteRenumbersPreservingOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"),
		waitStep("one", 1, ""), waitStep("two", 1, ""), waitStep("three", 1, ""), waitStep("four", 1, ""))

	require.NoError(t, f.steps.DeleteStep(ctx, c.ID, "two"))

	ids, ords := orders(t, f, c.ID)
	assert.Equal(t, []string{"one", "three", "four"}, ids)
	assert.Equal(t, []int{1, 2, 3}, ords)
}

func TestStepOrdersStayContiguous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"), waitStep("a", 1, ""), waitStep("b", 1, ""))

	_, err := f.steps.AddStep(ctx, c.ID, waitStep("c", 5, ""))
	require.NoError(t, err)
	added, err := f.steps.AddStep(ctx, c.ID, sendStep("", model.ChannelSMS, "welcome", ""))
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, 4, added.Order)

	require.NoError(t, f.steps.DeleteStep(ctx, c.ID, "a"))
	_, err = f.steps.ReorderSteps(ctx, c.ID, []string{added.ID, "c", "b"})
	require.NoError(t, err)
	require.NoError(t, f.steps.DeleteStep(ctx, c.ID, "c"))
	_, err = f.steps.AddStep(ctx, c.ID, waitStep("d", 5, ""))
	require.NoError(t, err)

	ids, ords := orders(t, f, c.ID)
	assert.Equal(t, []string{added.ID, "b", "d"}, ids)
	assert.Equal(t, []int{1, 2, 3}, ords)
}

func TestReorderRejectsMismatchedIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"), waitStep("a", 1, ""), waitStep("b", 1, ""))

	_, err := f.steps.ReorderSteps(ctx, c.ID, []string{"b"})
	assert.True(t, appErrors.Is(err, appErrors.CodeInvalidStepOrder))
	_, err = f.steps.ReorderSteps(ctx, c.ID, []string{"b", "b"})
	assert.True(t, appErrors.Is(err, appErrors.CodeInvalidStepOrder))

	ids, _ := orders(t, f, c.ID)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStepMutationsRequireDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.activeCampaign(t, eventTrigger("e"), waitStep("a", 1, "b"), waitStep("b", 1, ""))

	_, err := f.steps.AddStep(ctx, c.ID, waitStep("c", 1, ""))
	assert.ErrorIs(t, err, appErrors.ErrCampaignNotDraft)
	// validation never runs before the draft guard
	_, err = f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepSend})
	assert.ErrorIs(t, err, appErrors.ErrCampaignNotDraft)
	_, err = f.steps.UpdateStep(ctx, c.ID, "a", model.StepPatch{Name: strPtr("renamed")})
	assert.ErrorIs(t, err, appErrors.ErrCampaignNotDraft)
	assert.ErrorIs(t, f.steps.DeleteStep(ctx, c.ID, "a"), appErrors.ErrCampaignNotDraft)
	_, err = f.steps.ReorderSteps(ctx, c.ID, []string{"b", "a"})
	assert.ErrorIs(t, err, appErrors.ErrCampaignNotDraft)

	list, err := f.steps.ListSteps(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, list.Status)
	require.Len(t, list.Steps, 2)
	assert.Equal(t, "a", list.Steps[0].ID)
	assert.Empty(t, list.Steps[0].Name)
}

func TestSendStepValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"))

	cases := []struct {
		name string
		step model.Step
		code appErrors.Code
	}{
		{"missing channel", model.Step{Type: model.StepSend, TemplateID: "welcome"}, appErrors.CodeMissingChannel},
		{"bad channel", model.Step{Type: model.StepSend, Channel: "FAX", TemplateID: "welcome"}, appErrors.CodeInvalidChannel},
		{"missing template", model.Step{Type: model.StepSend, Channel: model.ChannelSMS}, appErrors.CodeMissingTemplate},
		{"unknown template", model.Step{Type: model.StepSend, Channel: model.ChannelSMS, TemplateID: "nope"}, appErrors.CodeTemplateNotFound},
		{"unknown type", model.Step{Type: "LOOP"}, appErrors.CodeInvalidStepType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.steps.AddStep(ctx, c.ID, tc.step)
			assert.True(t, appErrors.Is(err, tc.code), "got %v", err)
		})
	}

	list, err := f.steps.ListSteps(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, list.Steps)
}

func TestWaitStepValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"), waitStep("w", 30, ""))

	_, err := f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepWait})
	assert.True(t, appErrors.Is(err, appErrors.CodeMissingWaitConfig))

	_, err = f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepWait, WaitDuration: intPtr(5), WaitUntil: "2026-12-01"})
	assert.True(t, appErrors.Is(err, appErrors.CodeConflictingWait))

	_, err = f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepWait, WaitDuration: intPtr(0)})
	assert.True(t, appErrors.Is(err, appErrors.CodeInvalidWaitDuration))

	_, err = f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepWait, WaitUntil: "{{shoe_size}} + 1d"})
	assert.True(t, appErrors.Is(err, appErrors.CodeInvalidWaitUntil))

	_, err = f.steps.UpdateStep(ctx, c.ID, "w", model.StepPatch{WaitDuration: intPtr(10), WaitUntil: strPtr("2026-12-01")})
	assert.True(t, appErrors.Is(err, appErrors.CodeConflictingWait))

	// switching from duration to until replaces the duration
	updated, err := f.steps.UpdateStep(ctx, c.ID, "w", model.StepPatch{WaitUntil: strPtr("{{last_visit_at}} + 180d")})
	require.NoError(t, err)
	assert.Nil(t, updated.WaitDuration)
	assert.Equal(t, "{{last_visit_at}} + 180d", updated.WaitUntil)

	stored, err := f.store.Steps.GetByID(ctx, c.ID, "w")
	require.NoError(t, err)
	assert.Nil(t, stored.WaitDuration)
	assert.Equal(t, 1, stored.Order)
}

func TestUpdateStepRevalidatesOnTypeChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"), waitStep("w", 30, ""))

	sendType := model.StepSend
	_, err := f.steps.UpdateStep(ctx, c.ID, "w", model.StepPatch{Type: &sendType})
	assert.True(t, appErrors.Is(err, appErrors.CodeMissingChannel))

	ch := model.ChannelEmail
	updated, err := f.steps.UpdateStep(ctx, c.ID, "w", model.StepPatch{Type: &sendType, Channel: &ch, TemplateID: strPtr("followup")})
	require.NoError(t, err)
	assert.Nil(t, updated.WaitDuration)
	assert.Equal(t, model.ChannelEmail, updated.Channel)

	_, err = f.steps.UpdateStep(ctx, c.ID, "w", model.StepPatch{TemplateID: strPtr("missing")})
	assert.True(t, appErrors.Is(err, appErrors.CodeTemplateNotFound))

	_, err = f.steps.UpdateStep(ctx, c.ID, "ghost", model.StepPatch{Name: strPtr("x")})
	assert.True(t, appErrors.Is(err, appErrors.CodeStepNotFound))
}

func TestConditionStepsCheckSchema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"))

	_, err := f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepCondition,
		Condition: &model.Condition{Field: "blood_type", Operator: model.OpEq, Value: "O"}})
	assert.True(t, appErrors.Is(err, appErrors.CodeUnknownField))

	_, err = f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepBranch, Branches: model.Branches{
		{Condition: model.Condition{Field: "age", Operator: "between"}, NextStepID: "x"},
	}})
	assert.True(t, appErrors.Is(err, appErrors.CodeInvalidOperator))

	_, err = f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepBranch})
	assert.True(t, appErrors.Is(err, appErrors.CodeMissingBranches))

	_, err = f.steps.AddStep(ctx, c.ID, model.Step{Type: model.StepCondition})
	assert.True(t, appErrors.Is(err, appErrors.CodeMissingCondition))
}

func TestDuplicateStepIDRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCampaign(t, eventTrigger("e"), waitStep("a", 1, ""))

	_, err := f.steps.AddStep(ctx, c.ID, waitStep("a", 2, ""))
	assert.True(t, appErrors.Is(err, appErrors.CodeDuplicateStepID))
}
