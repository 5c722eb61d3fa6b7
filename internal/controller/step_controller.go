package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/outreach-engine/internal/handler"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/service"
)

type StepController struct {
	StepService *service.StepService
}

func (c *StepController) ListSteps(w http.ResponseWriter, r *http.Request) {
	list, err := c.StepService.ListSteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, list)
}

func (c *StepController) AddStep(w http.ResponseWriter, r *http.Request) {
	var body model.Step
	if err := handler.Decode(r, &body); err != nil {
		handler.WriteError(w, r, err)
		return
	}
	step, err := c.StepService.AddStep(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, step)
}

func (c *StepController) UpdateStep(w http.ResponseWriter, r *http.Request) {
	var patch model.StepPatch
	if err := handler.Decode(r, &patch); err != nil {
		handler.WriteError(w, r, err)
		return
	}
	step, err := c.StepService.UpdateStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), patch)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, step)
}

func (c *StepController) DeleteStep(w http.ResponseWriter, r *http.Request) {
	if err := c.StepService.DeleteStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId")); err != nil {
		handler.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *StepController) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StepIDs []string `json:"stepIds"`
	}
	if err := handler.Decode(r, &body); err != nil {
		handler.WriteError(w, r, err)
		return
	}
	steps, err := c.StepService.ReorderSteps(r.Context(), chi.URLParam(r, "id"), body.StepIDs)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"steps": steps})
}
