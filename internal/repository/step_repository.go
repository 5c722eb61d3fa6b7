package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

const stepColumns = `campaign_id, id, step_order, name, type, channel, template_id,
	wait_duration, wait_until, condition, branches, next_step_id`

// stepRow carries the JSONB columns of a step as raw JSON.
type stepRow struct {
	CampaignID   string             `db:"campaign_id"`
	ID           string             `db:"id"`
	Order        int                `db:"step_order"`
	Name         string             `db:"name"`
	Type         string             `db:"type"`
	Channel      string             `db:"channel"`
	TemplateID   string             `db:"template_id"`
	WaitDuration sql.NullInt64      `db:"wait_duration"`
	WaitUntil    string             `db:"wait_until"`
	Condition    types.NullJSONText `db:"condition"`
	Branches     types.NullJSONText `db:"branches"`
	NextStepID   string             `db:"next_step_id"`
}

func toStepRow(s *model.Step) (stepRow, error) {
	row := stepRow{
		CampaignID: s.CampaignID,
		ID:         s.ID,
		Order:      s.Order,
		Name:       s.Name,
		Type:       string(s.Type),
		Channel:    string(s.Channel),
		TemplateID: s.TemplateID,
		WaitUntil:  s.WaitUntil,
		NextStepID: s.NextStepID,
	}
	if s.WaitDuration != nil {
		row.WaitDuration = sql.NullInt64{Int64: int64(*s.WaitDuration), Valid: true}
	}
	if s.Condition != nil {
		b, err := json.Marshal(s.Condition)
		if err != nil {
			return row, fmt.Errorf("encode condition: %w", err)
		}
		row.Condition = types.NullJSONText{JSONText: b, Valid: true}
	}
	if len(s.Branches) > 0 {
		b, err := json.Marshal(s.Branches)
		if err != nil {
			return row, fmt.Errorf("encode branches: %w", err)
		}
		row.Branches = types.NullJSONText{JSONText: b, Valid: true}
	}
	return row, nil
}

func (r stepRow) toModel() (*model.Step, error) {
	s := &model.Step{
		CampaignID: r.CampaignID,
		ID:         r.ID,
		Order:      r.Order,
		Name:       r.Name,
		Type:       model.StepType(r.Type),
		Channel:    model.Channel(r.Channel),
		TemplateID: r.TemplateID,
		WaitUntil:  r.WaitUntil,
		NextStepID: r.NextStepID,
	}
	if r.WaitDuration.Valid {
		d := int(r.WaitDuration.Int64)
		s.WaitDuration = &d
	}
	if r.Condition.Valid {
		var c model.Condition
		if err := r.Condition.Unmarshal(&c); err != nil {
			return nil, fmt.Errorf("decode condition of step %s: %w", r.ID, err)
		}
		s.Condition = &c
	}
	if r.Branches.Valid {
		if err := r.Branches.Unmarshal(&s.Branches); err != nil {
			return nil, fmt.Errorf("decode branches of step %s: %w", r.ID, err)
		}
	}
	return s, nil
}

func insertStep(ctx context.Context, tx *sqlx.Tx, s *model.Step) error {
	row, err := toStepRow(s)
	if err != nil {
		return err
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO campaign_steps (`+stepColumns+`)
		VALUES (:campaign_id, :id, :step_order, :name, :type, :channel, :template_id,
			:wait_duration, :wait_until, :condition, :branches, :next_step_id)`, row)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "campaign_steps_pkey" {
		return appErrors.New(appErrors.CodeDuplicateStepID, "step id %s already exists in campaign %s", s.ID, s.CampaignID)
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func listSteps(ctx context.Context, q sqlx.QueryerContext, campaignID string) ([]*model.Step, error) {
	var rows []stepRow
	query := `SELECT ` + stepColumns + ` FROM campaign_steps WHERE campaign_id=$1 ORDER BY step_order`
	if err := sqlx.SelectContext(ctx, q, &rows, query, campaignID); err != nil {
		return nil, err
	}
	steps := make([]*model.Step, 0, len(rows))
	for _, row := range rows {
		s, err := row.toModel()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

type StepRepository struct {
	DB *sqlx.DB
}

func (r *StepRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*model.Step, error) {
	return listSteps(ctx, r.DB, campaignID)
}

func (r *StepRepository) GetByID(ctx context.Context, campaignID, stepID string) (*model.Step, error) {
	var row stepRow
	query := `SELECT ` + stepColumns + ` FROM campaign_steps WHERE campaign_id=$1 AND id=$2`
	if err := r.DB.GetContext(ctx, &row, query, campaignID, stepID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewStepNotFound(campaignID, stepID)
		}
		return nil, err
	}
	return row.toModel()
}

func (r *StepRepository) Append(ctx context.Context, step *model.Step) error {
	return withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		if err := lockDraft(ctx, tx, step.CampaignID); err != nil {
			return err
		}
		var next int
		if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(step_order), 0) + 1 FROM campaign_steps WHERE campaign_id=$1`, step.CampaignID); err != nil {
			return err
		}
		step.Order = next
		return insertStep(ctx, tx, step)
	})
}

func (r *StepRepository) Update(ctx context.Context, step *model.Step) error {
	return withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		if err := lockDraft(ctx, tx, step.CampaignID); err != nil {
			return err
		}
		row, err := toStepRow(step)
		if err != nil {
			return err
		}
		res, err := tx.NamedExecContext(ctx, `
			UPDATE campaign_steps SET
				name=:name, type=:type, channel=:channel, template_id=:template_id,
				wait_duration=:wait_duration, wait_until=:wait_until,
				condition=:condition, branches=:branches, next_step_id=:next_step_id
			WHERE campaign_id=:campaign_id AND id=:id`, row)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.NewStepNotFound(step.CampaignID, step.ID)
		}
		return nil
	})
}

// DeleteAndRenumber relies on the order constraint being DEFERRABLE so the
// single renumbering UPDATE may pass through transient duplicates.
func (r *StepRepository) DeleteAndRenumber(ctx context.Context, campaignID, stepID string) error {
	return withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		if err := lockDraft(ctx, tx, campaignID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM campaign_steps WHERE campaign_id=$1 AND id=$2`, campaignID, stepID)
		if err != nil {
			return fmt.Errorf("delete step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.NewStepNotFound(campaignID, stepID)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_steps s SET step_order = r.rn
			FROM (
				SELECT id, ROW_NUMBER() OVER (ORDER BY step_order) AS rn
				FROM campaign_steps WHERE campaign_id=$1
			) r
			WHERE s.campaign_id=$1 AND s.id=r.id AND s.step_order <> r.rn`, campaignID)
		if err != nil {
			return fmt.Errorf("renumber steps: %w", err)
		}
		return nil
	})
}

func (r *StepRepository) Reorder(ctx context.Context, campaignID string, orderedIDs []string) error {
	return withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		if err := lockDraft(ctx, tx, campaignID); err != nil {
			return err
		}
		var existing []string
		if err := tx.SelectContext(ctx, &existing, `SELECT id FROM campaign_steps WHERE campaign_id=$1`, campaignID); err != nil {
			return err
		}
		if err := sameStepSet(existing, orderedIDs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE campaign_steps s SET step_order = v.ord
			FROM unnest($2::text[]) WITH ORDINALITY AS v(id, ord)
			WHERE s.campaign_id=$1 AND s.id=v.id`, campaignID, pq.Array(orderedIDs))
		if err != nil {
			return fmt.Errorf("reorder steps: %w", err)
		}
		return nil
	})
}

// sameStepSet requires ordered to be a permutation of existing.
func sameStepSet(existing, ordered []string) error {
	if len(existing) != len(ordered) {
		return appErrors.New(appErrors.CodeInvalidStepOrder, "expected %d step ids, got %d", len(existing), len(ordered))
	}
	known := make(map[string]bool, len(existing))
	for _, id := range existing {
		known[id] = false
	}
	for _, id := range ordered {
		seen, ok := known[id]
		if !ok {
			return appErrors.New(appErrors.CodeInvalidStepOrder, "step %s does not belong to the campaign", id)
		}
		if seen {
			return appErrors.New(appErrors.CodeInvalidStepOrder, "step %s listed twice", id)
		}
		known[id] = true
	}
	return nil
}

var _ StepRepositoryInterface = (*StepRepository)(nil)
