package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

const instanceColumns = `id, campaign_id, recipient_id, current_step_id, status, resume_at,
	version, created_at, updated_at, finished_at`

type InstanceRepository struct {
	DB *sqlx.DB
}

func (r *InstanceRepository) Create(ctx context.Context, inst *model.Instance) (bool, error) {
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = inst.CreatedAt
	inst.Version = 1
	res, err := r.DB.NamedExecContext(ctx, `
		INSERT INTO campaign_instances (`+instanceColumns+`)
		VALUES (:id, :campaign_id, :recipient_id, :current_step_id, :status, :resume_at,
			:version, :created_at, :updated_at, :finished_at)
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING`, inst)
	if err != nil {
		return false, fmt.Errorf("insert instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*model.Instance, error) {
	var inst model.Instance
	err := r.DB.GetContext(ctx, &inst, `SELECT `+instanceColumns+` FROM campaign_instances WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.New(appErrors.CodeInstanceNotFound, "instance %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *InstanceRepository) GetByRecipient(ctx context.Context, campaignID, recipientID string) (*model.Instance, error) {
	var inst model.Instance
	err := r.DB.GetContext(ctx, &inst, `SELECT `+instanceColumns+` FROM campaign_instances WHERE campaign_id=$1 AND recipient_id=$2`, campaignID, recipientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewInstanceNotFound(campaignID, recipientID)
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *InstanceRepository) Save(ctx context.Context, inst *model.Instance) error {
	inst.UpdatedAt = time.Now()
	res, err := r.DB.NamedExecContext(ctx, `
		UPDATE campaign_instances SET
			current_step_id=:current_step_id, status=:status, resume_at=:resume_at,
			finished_at=:finished_at, updated_at=:updated_at, version=version+1
		WHERE id=:id AND version=:version`, inst)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.DB.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM campaign_instances WHERE id=$1)`, inst.ID); err != nil {
			return err
		}
		if !exists {
			return appErrors.NewInstanceNotFound(inst.CampaignID, inst.RecipientID)
		}
		return appErrors.New(appErrors.CodeVersionConflict, "instance %s changed since version %d", inst.ID, inst.Version)
	}
	inst.Version++
	return nil
}

const dueFilter = `
	i.status = 'RUNNING' OR (i.status = 'WAITING' AND (i.resume_at IS NULL OR i.resume_at <= $1))`

func (r *InstanceRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Instance, error) {
	query := `
		SELECT ` + prefixed("i.", instanceColumns) + `
		FROM campaign_instances i
		JOIN campaigns c ON c.id = i.campaign_id AND c.status = 'ACTIVE'
		WHERE (` + dueFilter + `)
		ORDER BY i.resume_at NULLS FIRST, i.updated_at
		LIMIT $2`
	out := []*model.Instance{}
	if err := r.DB.SelectContext(ctx, &out, query, now, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *InstanceRepository) ListDueForCampaign(ctx context.Context, campaignID string, now time.Time, limit int) ([]*model.Instance, error) {
	query := `
		SELECT ` + prefixed("i.", instanceColumns) + `
		FROM campaign_instances i
		WHERE i.campaign_id = $3 AND (` + dueFilter + `)
		ORDER BY i.resume_at NULLS FIRST, i.updated_at
		LIMIT $2`
	out := []*model.Instance{}
	if err := r.DB.SelectContext(ctx, &out, query, now, limit, campaignID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *InstanceRepository) CountByStatus(ctx context.Context, campaignID string) (map[model.InstanceStatus]int, error) {
	var rows []struct {
		Status model.InstanceStatus `db:"status"`
		Count  int                  `db:"count"`
	}
	err := r.DB.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM campaign_instances WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	out := make(map[model.InstanceStatus]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

var _ InstanceRepositoryInterface = (*InstanceRepository)(nil)
