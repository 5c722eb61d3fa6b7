// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Kind groups codes by how a caller is expected to react.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation errors are raised before any mutation.
	KindValidation
	// KindStateConflict means the caller must re-fetch current state.
	KindStateConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindNotFound:
		return "not_found"
	}
	return "internal"
}

type Code string

// Validation
const (
	CodeMissingChannel       Code = "MISSING_CHANNEL"
	CodeMissingTemplate      Code = "MISSING_TEMPLATE"
	CodeMissingWaitConfig    Code = "MISSING_WAIT_CONFIG"
	CodeConflictingWait      Code = "CONFLICTING_WAIT_CONFIG"
	CodeInvalidWaitDuration  Code = "INVALID_WAIT_DURATION"
	CodeInvalidWaitUntil     Code = "INVALID_WAIT_UNTIL"
	CodeInvalidCampaign      Code = "INVALID_CAMPAIGN"
	CodeInvalidCampaignType  Code = "INVALID_CAMPAIGN_TYPE"
	CodeInvalidTrigger       Code = "INVALID_TRIGGER"
	CodeInvalidStepType      Code = "INVALID_STEP_TYPE"
	CodeInvalidChannel       Code = "INVALID_CHANNEL"
	CodeMissingCondition     Code = "MISSING_CONDITION"
	CodeInvalidOperator      Code = "INVALID_OPERATOR"
	CodeUnknownField         Code = "UNKNOWN_FIELD"
	CodeMissingBranches      Code = "MISSING_BRANCHES"
	CodeDuplicateStepID      Code = "DUPLICATE_STEP_ID"
	CodeInvalidStepOrder     Code = "INVALID_STEP_ORDER"
	CodeNoSteps              Code = "NO_STEPS"
	CodeUnknownStepReference Code = "UNKNOWN_STEP_REFERENCE"
	CodeGraphCycle           Code = "GRAPH_CYCLE"
	CodeInvalidEvent         Code = "INVALID_EVENT"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
)

// State conflicts
const (
	CodeCampaignNotDraft Code = "CAMPAIGN_NOT_DRAFT"
	CodeInvalidStatus    Code = "INVALID_STATUS"
	CodeCampaignInFlight Code = "CAMPAIGN_IN_FLIGHT"
	CodeVersionConflict  Code = "VERSION_CONFLICT"
)

// Not found
const (
	CodeCampaignNotFound  Code = "CAMPAIGN_NOT_FOUND"
	CodeStepNotFound      Code = "STEP_NOT_FOUND"
	CodeTemplateNotFound  Code = "TEMPLATE_NOT_FOUND"
	CodeInstanceNotFound  Code = "INSTANCE_NOT_FOUND"
	CodeRecipientNotFound Code = "RECIPIENT_NOT_FOUND"
)

var kinds = map[Code]Kind{
	CodeCampaignNotDraft:  KindStateConflict,
	CodeInvalidStatus:     KindStateConflict,
	CodeCampaignInFlight:  KindStateConflict,
	CodeVersionConflict:   KindStateConflict,
	CodeCampaignNotFound:  KindNotFound,
	CodeStepNotFound:      KindNotFound,
	CodeTemplateNotFound:  KindNotFound,
	CodeInstanceNotFound:  KindNotFound,
	CodeRecipientNotFound: KindNotFound,
}

// AppError is the error type every service and repository surfaces to callers.
type AppError struct {
	Code    Code
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Kind reports the category of the error. Unlisted codes are validation errors.
func (e *AppError) Kind() Kind {
	if k, ok := kinds[e.Code]; ok {
		return k
	}
	return KindValidation
}

// Is matches on code so errors.Is works against the exported sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, format string, args ...any) error {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// KindOf returns KindInternal for errors that are not AppErrors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	return KindInternal
}

// CodeOf returns the empty code for errors that are not AppErrors.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrCampaignNotDraft = &AppError{Code: CodeCampaignNotDraft}
	ErrInvalidStatus    = &AppError{Code: CodeInvalidStatus}
	ErrVersionConflict  = &AppError{Code: CodeVersionConflict}
)

func NewCampaignNotFound(id string) error {
	return New(CodeCampaignNotFound, "campaign with ID %s not found", id)
}

func NewStepNotFound(campaignID, stepID string) error {
	return New(CodeStepNotFound, "step %s not found in campaign %s", stepID, campaignID)
}

func NewTemplateNotFound(id string) error {
	return New(CodeTemplateNotFound, "template %s not found", id)
}

func NewInstanceNotFound(campaignID, recipientID string) error {
	return New(CodeInstanceNotFound, "recipient %s has no instance in campaign %s", recipientID, campaignID)
}

func NewRecipientNotFound(id string) error {
	return New(CodeRecipientNotFound, "recipient %s not found", id)
}

func NewCampaignNotDraft(id, status string) error {
	return New(CodeCampaignNotDraft, "campaign %s is %s; steps can only change while DRAFT", id, status)
}

func NewInvalidStatus(id, status, action string) error {
	return New(CodeInvalidStatus, "cannot %s campaign %s in status %s", action, id, status)
}
