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

const sendRecordColumns = `id, campaign_id, recipient_id, step_id, channel, status,
	provider_ref, last_error, created_at, updated_at`

type SendRecordRepository struct {
	DB *sqlx.DB
}

// CreatePending holds a share lock on the campaign row for the insert, so a
// concurrent Pause either sees the new record or makes this call fail.
func (r *SendRecordRepository) CreatePending(ctx context.Context, rec *model.SendRecord) (*model.SendRecord, bool, error) {
	var (
		out     *model.SendRecord
		created bool
	)
	err := withTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		var status model.CampaignStatus
		err := tx.GetContext(ctx, &status, `SELECT status FROM campaigns WHERE id=$1 FOR SHARE`, rec.CampaignID)
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.NewCampaignNotFound(rec.CampaignID)
		}
		if err != nil {
			return err
		}
		if status != model.StatusActive {
			return appErrors.NewInvalidStatus(rec.CampaignID, string(status), "send for")
		}

		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		rec.Status = model.SendPending
		rec.UpdatedAt = rec.CreatedAt
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO send_records (`+sendRecordColumns+`)
			VALUES (:id, :campaign_id, :recipient_id, :step_id, :channel, :status,
				:provider_ref, :last_error, :created_at, :updated_at)
			ON CONFLICT (campaign_id, recipient_id, step_id) WHERE status = 'PENDING' DO NOTHING`, rec)
		if err != nil {
			return fmt.Errorf("insert send record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out, created = rec, true
			return nil
		}

		var existing model.SendRecord
		err = tx.GetContext(ctx, &existing, `
			SELECT `+sendRecordColumns+` FROM send_records
			WHERE campaign_id=$1 AND recipient_id=$2 AND step_id=$3 AND status='PENDING'`,
			rec.CampaignID, rec.RecipientID, rec.StepID)
		if err != nil {
			return fmt.Errorf("load pending send record: %w", err)
		}
		out = &existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *SendRecordRepository) Latest(ctx context.Context, campaignID, recipientID, stepID string) (*model.SendRecord, error) {
	var rec model.SendRecord
	err := r.DB.GetContext(ctx, &rec, `
		SELECT `+sendRecordColumns+` FROM send_records
		WHERE campaign_id=$1 AND recipient_id=$2 AND step_id=$3
		ORDER BY created_at DESC, id DESC LIMIT 1`, campaignID, recipientID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *SendRecordRepository) Finish(ctx context.Context, id string, status model.SendStatus, providerRef, lastError string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE send_records SET status=$2, provider_ref=$3, last_error=$4, updated_at=$5
		WHERE id=$1 AND status='PENDING'`, id, status, providerRef, lastError, time.Now())
	if err != nil {
		return false, fmt.Errorf("finish send record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SendRecordRepository) Claim(ctx context.Context, id string, staleBefore, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE send_records SET updated_at=$3
		WHERE id=$1 AND status='PENDING' AND updated_at < $2`, id, staleBefore, now)
	if err != nil {
		return false, fmt.Errorf("claim send record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SendRecordRepository) RecordOutcome(ctx context.Context, id string, status model.SendStatus, providerRef, lastError string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE send_records SET status=$2, provider_ref=$3, last_error=$4, updated_at=$5
		WHERE id=$1 AND status IN ('PENDING', 'CANCELLED')`, id, status, providerRef, lastError, time.Now())
	if err != nil {
		return false, fmt.Errorf("record send outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SendRecordRepository) CancelPending(ctx context.Context, campaignID, recipientID string) (int64, error) {
	query := `UPDATE send_records SET status='CANCELLED', last_error=$3, updated_at=$4
		WHERE campaign_id=$1 AND status='PENDING' AND ($2 = '' OR recipient_id=$2)`
	reason := "recipient cancelled"
	if recipientID == "" {
		reason = "campaign paused"
	}
	res, err := r.DB.ExecContext(ctx, query, campaignID, recipientID, reason, time.Now())
	if err != nil {
		return 0, fmt.Errorf("cancel pending sends: %w", err)
	}
	return res.RowsAffected()
}

func (r *SendRecordRepository) ListByCampaign(ctx context.Context, campaignID string, offset, limit int) ([]*model.SendRecord, int, error) {
	var total int
	if err := r.DB.GetContext(ctx, &total, `SELECT COUNT(*) FROM send_records WHERE campaign_id=$1`, campaignID); err != nil {
		return nil, 0, err
	}
	out := []*model.SendRecord{}
	err := r.DB.SelectContext(ctx, &out, `
		SELECT `+sendRecordColumns+` FROM send_records WHERE campaign_id=$1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, campaignID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetCampaignStats counts send records by status; every status is present.
func (r *SendRecordRepository) GetCampaignStats(ctx context.Context, campaignID string) (map[string]int, error) {
	stats := emptySendStats()
	rows, err := r.DB.QueryxContext(ctx, `SELECT status, COUNT(*) FROM send_records WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func emptySendStats() map[string]int {
	return map[string]int{
		string(model.SendPending):   0,
		string(model.SendSent):      0,
		string(model.SendFailed):    0,
		string(model.SendCancelled): 0,
	}
}

var _ SendRecordRepositoryInterface = (*SendRecordRepository)(nil)
