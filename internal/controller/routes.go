package controller

import (
	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/outreach-engine/internal/handler"
)

// Routes registers the outreach API on r.
func Routes(r chi.Router, campaigns *CampaignController, steps *StepController, events *EventController, details *handler.CampaignHandler) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", campaigns.CreateCampaign)
		r.Get("/", campaigns.ListCampaigns)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", details.GetCampaignWithStats)
			r.Post("/activate", campaigns.Activate)
			r.Post("/pause", campaigns.Pause)
			r.Post("/resume", campaigns.Resume)
			r.Post("/complete", campaigns.Complete)
			r.Post("/archive", campaigns.Archive)
			r.Get("/sends", campaigns.ListSendRecords)
			r.Delete("/recipients/{rid}", campaigns.CancelInstance)

			r.Get("/steps", steps.ListSteps)
			r.Post("/steps", steps.AddStep)
			r.Put("/steps/order", steps.ReorderSteps)
			r.Patch("/steps/{stepId}", steps.UpdateStep)
			r.Delete("/steps/{stepId}", steps.DeleteStep)
		})
	})
	r.Post("/events", events.IngestEvent)
}
