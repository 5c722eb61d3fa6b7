package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

type RecipientRepository struct {
	DB *sqlx.DB
}

func (r *RecipientRepository) GetByID(ctx context.Context, id string) (*model.Recipient, error) {
	var rec model.Recipient
	err := r.DB.GetContext(ctx, &rec, `SELECT id, attributes FROM recipients WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RecipientRepository) List(ctx context.Context, offset, limit int) ([]*model.Recipient, error) {
	out := []*model.Recipient{}
	err := r.DB.SelectContext(ctx, &out, `SELECT id, attributes FROM recipients ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type TemplateRepository struct {
	DB *sqlx.DB
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*model.Template, error) {
	var t model.Template
	err := r.DB.GetContext(ctx, &t, `SELECT id, channel, subject, body, created_at FROM templates WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var (
	_ RecipientRepositoryInterface = (*RecipientRepository)(nil)
	_ TemplateRepositoryInterface  = (*TemplateRepository)(nil)
)
