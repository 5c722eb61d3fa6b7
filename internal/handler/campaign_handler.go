// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/outreach-engine/internal/service"
)

// CampaignHandler serves campaign read models.
type CampaignHandler struct {
	Service *service.CampaignService
}

// GetCampaignWithStats returns the campaign, its steps, send-record stats
// and instance counts.
func (h *CampaignHandler) GetCampaignWithStats(w http.ResponseWriter, r *http.Request) {
	details, err := h.Service.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

// HealthHandler reports liveness; Check, when set, is run with a short timeout.
type HealthHandler struct {
	Check func(ctx context.Context) error
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Check(ctx); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
