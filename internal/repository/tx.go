package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lockCampaign takes a row lock on the campaign and returns its status.
func lockCampaign(ctx context.Context, tx *sqlx.Tx, id string) (model.CampaignStatus, error) {
	var status model.CampaignStatus
	err := tx.GetContext(ctx, &status, `SELECT status FROM campaigns WHERE id=$1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return status, err
}

func lockDraft(ctx context.Context, tx *sqlx.Tx, id string) error {
	status, err := lockCampaign(ctx, tx, id)
	if err != nil {
		return err
	}
	if status != model.StatusDraft {
		return appErrors.NewCampaignNotDraft(id, string(status))
	}
	return nil
}

// prefixed qualifies each column of a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
