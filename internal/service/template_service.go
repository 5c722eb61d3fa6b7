// internal/service/template_service.go
package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/unclebandit/outreach-engine/internal/condition"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// RenderTemplate replaces {field} placeholders with recipient attributes.
// Missing attributes render as empty strings.
func RenderTemplate(template string, data map[string]any) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		v, ok := condition.Lookup(data, m[1:len(m)-1])
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// RenderedMessage is a template resolved for one recipient.
type RenderedMessage struct {
	TemplateID string        `json:"templateId"`
	Channel    model.Channel `json:"channel"`
	Subject    string        `json:"subject,omitempty"`
	Body       string        `json:"body"`
}

type TemplateService struct {
	Templates repository.TemplateRepositoryInterface
}

func (s *TemplateService) Render(ctx context.Context, templateID string, recipient *model.Recipient) (*RenderedMessage, error) {
	t, err := s.Templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	snap := recipient.Snapshot()
	return &RenderedMessage{
		TemplateID: t.ID,
		Channel:    t.Channel,
		Subject:    strings.TrimSpace(RenderTemplate(t.Subject, snap)),
		Body:       RenderTemplate(t.Body, snap),
	}, nil
}
