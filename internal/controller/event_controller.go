package controller

import (
	"net/http"

	"github.com/unclebandit/outreach-engine/internal/handler"
	"github.com/unclebandit/outreach-engine/internal/service"
)

type EventController struct {
	CampaignService *service.CampaignService
}

// IngestEvent admits the recipient into every active campaign listening
// for the event.
func (c *EventController) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventName   string `json:"eventName"`
		RecipientID string `json:"recipientId"`
	}
	if err := handler.Decode(r, &body); err != nil {
		handler.WriteError(w, r, err)
		return
	}
	admitted, err := c.CampaignService.IngestEvent(r.Context(), body.EventName, body.RecipientID)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, map[string]any{"admitted": admitted})
}
