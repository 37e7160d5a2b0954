package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rzbill/scavenger/internal/runtime"
	"github.com/rzbill/scavenger/internal/scavenge"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// stopTimeout bounds how long DELETE /v1/scavenges/current waits for the run
// to unwind.
const stopTimeout = 30 * time.Second

// ScavengesController starts, stops and reports scavenges.
type ScavengesController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// NewScavengesController creates a new scavenges controller.
func NewScavengesController(rt *runtime.Runtime, logger logpkg.Logger) *ScavengesController {
	return &ScavengesController{rt: rt, logger: logger.WithComponent("http.scavenges")}
}

// RegisterRoutes registers:
// - POST /v1/scavenges          start a run (409 if one is running)
// - GET /v1/scavenges/current   status of the current and last run
// - DELETE /v1/scavenges/current stop the current run
func (c *ScavengesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/scavenges", c.handleStart)
	mux.HandleFunc("/v1/scavenges/current", c.handleCurrent)
}

func (c *ScavengesController) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	runID, err := c.rt.Scavenges().Start(r.Context())
	if errors.Is(err, scavenge.ErrScavengeInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		c.logger.Error("start scavenge failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "start scavenge failed")
		return
	}
	c.logger.Info("scavenge started", logpkg.Str(logpkg.ScavengeIDKey, runID.String()))
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"runId": runID.String()})
}

func (c *ScavengesController) handleCurrent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, statusView(c.rt.Scavenges().Status()))
	case http.MethodDelete:
		ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
		defer cancel()
		stopped, err := c.rt.Scavenges().Stop(ctx)
		if !stopped {
			writeError(w, http.StatusNotFound, "no scavenge running")
			return
		}
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, "scavenge is still stopping")
			return
		}
		writeJSON(w, statusView(c.rt.Scavenges().Status()))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
