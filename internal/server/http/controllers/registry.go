package controllers

import (
	"github.com/go-chi/chi/v5"

	"github.com/rzbill/orchq/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	queues  *QueuesController
	events  *EventsController
}

// NewControllerRegistry creates a new controller registry over rt.
func NewControllerRegistry(rt *runtime.Runtime) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		queues:  NewQueuesController(rt.Service(), rt.Logger()),
		events:  NewEventsController(rt.Journal()),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
func (r *ControllerRegistry) RegisterAllRoutes(router chi.Router) {
	r.general.RegisterRoutes(router)
	r.queues.RegisterRoutes(router)
	r.events.RegisterRoutes(router)
}
