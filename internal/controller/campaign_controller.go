// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/outreach-engine/internal/handler"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := handler.Decode(r, &body); err != nil {
		handler.WriteError(w, r, err)
		return
	}

	campaign, steps, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, map[string]any{
		"campaign": campaign,
		"steps":    steps,
	})
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	campaignType := r.URL.Query().Get("type")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, campaignType, status)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

type lifecycleAction func(ctx context.Context, id string) (*model.Campaign, error)

// transition adapts a lifecycle operation to a POST /campaigns/{id}/<action> handler.
func (c *CampaignController) transition(action lifecycleAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaign, err := action(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			handler.WriteError(w, r, err)
			return
		}
		handler.WriteJSON(w, http.StatusOK, campaign)
	}
}

func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	c.transition(c.CampaignService.Activate)(w, r)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.transition(c.CampaignService.Pause)(w, r)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	c.transition(c.CampaignService.Resume)(w, r)
}

func (c *CampaignController) Complete(w http.ResponseWriter, r *http.Request) {
	c.transition(c.CampaignService.Complete)(w, r)
}

func (c *CampaignController) Archive(w http.ResponseWriter, r *http.Request) {
	c.transition(c.CampaignService.Archive)(w, r)
}

func (c *CampaignController) ListSendRecords(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	records, pagination, err := c.CampaignService.ListSendRecords(r.Context(), chi.URLParam(r, "id"), page, pageSize)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       records,
		"pagination": pagination,
	})
}

func (c *CampaignController) CancelInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := c.CampaignService.CancelInstance(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "rid"))
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, inst)
}
