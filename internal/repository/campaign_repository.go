package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

const campaignColumns = `id, name, type, status, trigger_def, audience, exclusions,
	activated_at, paused_at, completed_at, last_admitted_at, created_at, updated_at`

type CampaignRepository struct {
	DB *sqlx.DB
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, steps []*model.Step) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	return withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO campaigns (id, name, type, status, trigger_def, audience, exclusions, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		if _, err := tx.ExecContext(ctx, query, c.ID, c.Name, c.Type, c.Status, c.Trigger, c.Audience, c.Exclusions, c.CreatedAt); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		for _, s := range steps {
			if err := insertStep(ctx, tx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	return getCampaign(ctx, r.DB, id)
}

func getCampaign(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Campaign, error) {
	var c model.Campaign
	err := sqlx.GetContext(ctx, q, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, campaignType, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if campaignType != "" {
		where += fmt.Sprintf(" AND type=$%d", argPos)
		args = append(args, campaignType)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, `SELECT COUNT(*) FROM campaigns`+where, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	campaigns := []*model.Campaign{}
	if err := r.DB.SelectContext(ctx, &campaigns, query, args...); err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = ANY($1) ORDER BY created_at`
	if err := r.DB.SelectContext(ctx, &campaigns, query, pq.Array(names)); err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (r *CampaignRepository) Transition(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error) {
	var out *model.Campaign
	err := withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		var err error
		out, err = transition(ctx, tx, id, from, to, at)
		return err
	})
	return out, err
}

func (r *CampaignRepository) Activate(ctx context.Context, id string, to model.CampaignStatus, at time.Time, check GraphCheck) (*model.Campaign, error) {
	var out *model.Campaign
	err := withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		status, err := lockCampaign(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != model.StatusDraft {
			return appErrors.NewInvalidStatus(id, string(status), "activate")
		}
		steps, err := listSteps(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := check(steps); err != nil {
			return err
		}
		out, err = transition(ctx, tx, id, []model.CampaignStatus{model.StatusDraft}, to, at)
		return err
	})
	return out, err
}

// transition is a compare-and-set on status. Timestamps follow the target state.
func transition(ctx context.Context, tx *sqlx.Tx, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}
	query := `
		UPDATE campaigns SET
			status = $1::text,
			activated_at = CASE WHEN $1::text = 'ACTIVE' AND activated_at IS NULL THEN $2::timestamptz ELSE activated_at END,
			paused_at = CASE WHEN $1::text = 'PAUSED' THEN $2::timestamptz WHEN $1::text = 'ACTIVE' THEN NULL ELSE paused_at END,
			completed_at = CASE WHEN $1::text = 'COMPLETED' THEN $2::timestamptz ELSE completed_at END,
			updated_at = $2::timestamptz
		WHERE id = $3 AND status = ANY($4)
		RETURNING ` + campaignColumns
	var c model.Campaign
	err := tx.GetContext(ctx, &c, query, to, at, id, pq.Array(names))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := getCampaign(ctx, tx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, appErrors.NewInvalidStatus(id, string(current.Status), "move to "+string(to))
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) Pause(ctx context.Context, id string, at time.Time) (*model.Campaign, int64, error) {
	var (
		out       *model.Campaign
		cancelled int64
	)
	err := withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		var err error
		out, err = transition(ctx, tx, id, []model.CampaignStatus{model.StatusActive, model.StatusScheduled}, model.StatusPaused, at)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE send_records SET status='CANCELLED', last_error='campaign paused', updated_at=$2
			WHERE campaign_id=$1 AND status='PENDING'`, id, at)
		if err != nil {
			return fmt.Errorf("cancel pending sends: %w", err)
		}
		cancelled, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return out, cancelled, nil
}

func (r *CampaignRepository) MarkAdmitted(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET last_admitted_at=$1, updated_at=$1 WHERE id=$2`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
