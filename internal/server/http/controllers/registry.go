package controllers

import (
	"net/http"

	"github.com/rzbill/scavenger/internal/runtime"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general   *GeneralController
	streams   *StreamsController
	scavenges *ScavengesController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, logger logpkg.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:   NewGeneralController(rt),
		streams:   NewStreamsController(rt, logger),
		scavenges: NewScavengesController(rt, logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.streams.RegisterRoutes(mux)
	r.scavenges.RegisterRoutes(mux)
}
