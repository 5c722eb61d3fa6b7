package service

import (
	"github.com/unclebandit/outreach-engine/internal/condition"
	"github.com/unclebandit/outreach-engine/internal/model"
)

// AudienceEvaluator decides whether a recipient joins a campaign.
type AudienceEvaluator interface {
	Matches(audience, exclusions model.Audience, recipient *model.Recipient) bool
}

// AttributeAudience matches when every audience condition holds and no
// exclusion does.
type AttributeAudience struct{}

func (AttributeAudience) Matches(audience, exclusions model.Audience, recipient *model.Recipient) bool {
	snap := recipient.Snapshot()
	if !condition.All(audience, snap) {
		return false
	}
	return !condition.Any(exclusions, snap)
}
