package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/outreach-engine/internal/model"
)

// GraphCheck validates a campaign's steps inside the activation transaction.
type GraphCheck func(steps []*model.Step) error

type CampaignRepositoryInterface interface {
	// Create stores the campaign in DRAFT together with its initial steps.
	Create(ctx context.Context, c *model.Campaign, steps []*model.Step) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, campaignType, status string) ([]*model.Campaign, int, error)
	ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error)
	// Transition moves the campaign to `to` only if its status is one of `from`.
	Transition(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error)
	// Activate runs check against the locked step set before leaving DRAFT.
	Activate(ctx context.Context, id string, to model.CampaignStatus, at time.Time, check GraphCheck) (*model.Campaign, error)
	// Pause flips the campaign to PAUSED and cancels its PENDING send records atomically.
	Pause(ctx context.Context, id string, at time.Time) (*model.Campaign, int64, error)
	MarkAdmitted(ctx context.Context, id string, at time.Time) error
}

type StepRepositoryInterface interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]*model.Step, error)
	GetByID(ctx context.Context, campaignID, stepID string) (*model.Step, error)
	// Append stores the step with the next free order; the campaign must be DRAFT.
	Append(ctx context.Context, step *model.Step) error
	Update(ctx context.Context, step *model.Step) error
	// DeleteAndRenumber removes the step and closes the gap in one batch.
	DeleteAndRenumber(ctx context.Context, campaignID, stepID string) error
	// Reorder assigns order = position+1; ids must be exactly the campaign's steps.
	Reorder(ctx context.Context, campaignID string, orderedIDs []string) error
}

type InstanceRepositoryInterface interface {
	// Create returns false when the recipient already has an instance in the campaign.
	Create(ctx context.Context, inst *model.Instance) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Instance, error)
	GetByRecipient(ctx context.Context, campaignID, recipientID string) (*model.Instance, error)
	// Save is compare-and-set on Version and bumps it on success.
	Save(ctx context.Context, inst *model.Instance) error
	// ListDue returns RUNNING and elapsed WAITING instances of ACTIVE campaigns.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Instance, error)
	ListDueForCampaign(ctx context.Context, campaignID string, now time.Time, limit int) ([]*model.Instance, error)
	CountByStatus(ctx context.Context, campaignID string) (map[model.InstanceStatus]int, error)
}

type SendRecordRepositoryInterface interface {
	// CreatePending inserts a PENDING record unless one already exists for the
	// (campaign, recipient, step); the existing one is returned with created=false.
	// It refuses with INVALID_STATUS when the campaign is not ACTIVE. A zero
	// CreatedAt is set to the current time; UpdatedAt starts equal to it.
	CreatePending(ctx context.Context, rec *model.SendRecord) (*model.SendRecord, bool, error)
	// Claim takes over a PENDING record whose UpdatedAt is before staleBefore
	// by moving UpdatedAt to now. Only one caller can win a given claim.
	Claim(ctx context.Context, id string, staleBefore, now time.Time) (bool, error)
	// Latest returns the newest record for the step, or nil.
	Latest(ctx context.Context, campaignID, recipientID, stepID string) (*model.SendRecord, error)
	// Finish moves a PENDING record to a terminal status; false if it was no longer PENDING.
	Finish(ctx context.Context, id string, status model.SendStatus, providerRef, lastError string) (bool, error)
	// RecordOutcome stores a delivery result. A record cancelled while its
	// message was with the provider is overwritten as well.
	RecordOutcome(ctx context.Context, id string, status model.SendStatus, providerRef, lastError string) (bool, error)
	// CancelPending cancels PENDING records of one recipient, or the whole campaign when recipientID is empty.
	CancelPending(ctx context.Context, campaignID, recipientID string) (int64, error)
	ListByCampaign(ctx context.Context, campaignID string, offset, limit int) ([]*model.SendRecord, int, error)
	GetCampaignStats(ctx context.Context, campaignID string) (map[string]int, error)
}

type RecipientRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Recipient, error)
	List(ctx context.Context, offset, limit int) ([]*model.Recipient, error)
}

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Template, error)
}

// Store bundles one implementation of every repository.
type Store struct {
	Campaigns  CampaignRepositoryInterface
	Steps      StepRepositoryInterface
	Instances  InstanceRepositoryInterface
	Sends      SendRecordRepositoryInterface
	Recipients RecipientRepositoryInterface
	Templates  TemplateRepositoryInterface
}

func NewPostgresStore(db *sqlx.DB) *Store {
	return &Store{
		Campaigns:  &CampaignRepository{DB: db},
		Steps:      &StepRepository{DB: db},
		Instances:  &InstanceRepository{DB: db},
		Sends:      &SendRecordRepository{DB: db},
		Recipients: &RecipientRepository{DB: db},
		Templates:  &TemplateRepository{DB: db},
	}
}
