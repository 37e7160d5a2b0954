package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/rzbill/scavenger/internal/eventlog"
	"github.com/rzbill/scavenger/internal/runtime"
	"github.com/rzbill/scavenger/internal/scavenge"
	logpkg "github.com/rzbill/scavenger/pkg/log"
)

// StreamsController writes events, metadata and tombstones, and reads
// streams back.
type StreamsController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// NewStreamsController creates a new streams controller.
func NewStreamsController(rt *runtime.Runtime, logger logpkg.Logger) *StreamsController {
	return &StreamsController{rt: rt, logger: logger.WithComponent("http.streams")}
}

// RegisterRoutes registers all stream routes with the given mux.
func (c *StreamsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/streams/append", c.handleAppend)
	mux.HandleFunc("/v1/streams/metadata", c.handleMetadata)
	mux.HandleFunc("/v1/streams/delete", c.handleDelete)
	mux.HandleFunc("/v1/streams/read", c.handleRead)
}

// writeLogError maps event log errors to status codes.
func (c *StreamsController) writeLogError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, eventlog.ErrWrongExpectedVersion):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, eventlog.ErrStreamDeleted):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, eventlog.ErrInvalidStream), errors.Is(err, eventlog.ErrRecordTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		c.logger.Error(op+" failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func (c *StreamsController) handleAppend(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req appendReq
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events are required")
		return
	}
	events := make([]eventlog.EventData, len(req.Events))
	for i, e := range req.Events {
		events[i] = eventlog.EventData{Type: e.Type, Data: e.Data}
	}
	res, err := c.rt.Log().Append(r.Context(), req.Stream, expected(req.ExpectedVersion), events)
	if err != nil {
		c.writeLogError(w, "append", err)
		return
	}
	writeJSON(w, appendResp{FirstEventNumber: res.FirstEventNumber, LastEventNumber: res.LastEventNumber, Positions: res.Positions})
}

func (c *StreamsController) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req metadataReq
	if !decodeBody(w, r, &req) {
		return
	}
	md := scavenge.StreamMetadata{MaxCount: req.MaxCount, TruncateBefore: req.TruncateBefore}
	if req.MaxAgeSeconds != nil {
		d := time.Duration(*req.MaxAgeSeconds) * time.Second
		md.MaxAge = &d
	}
	res, err := c.rt.Log().SetMetadata(r.Context(), req.Stream, expected(req.ExpectedVersion), md)
	if err != nil {
		c.writeLogError(w, "set metadata", err)
		return
	}
	writeJSON(w, appendResp{FirstEventNumber: res.FirstEventNumber, LastEventNumber: res.LastEventNumber, Positions: res.Positions})
}

func (c *StreamsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req deleteReq
	if !decodeBody(w, r, &req) {
		return
	}
	pos, err := c.rt.Log().Delete(r.Context(), req.Stream, expected(req.ExpectedVersion))
	if err != nil {
		c.writeLogError(w, "delete", err)
		return
	}
	writeJSON(w, map[string]int64{"position": pos})
}

// handleRead returns events of ?stream= from ?from= (default 0), at most
// ?limit= of them.
func (c *StreamsController) handleRead(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	stream := q.Get("stream")
	if stream == "" {
		writeError(w, http.StatusBadRequest, "stream is required")
		return
	}
	evs, err := c.rt.Log().ReadStream(r.Context(), stream, parseInt64(q.Get("from"), 0), parseLimit(q.Get("limit")))
	if err != nil {
		c.writeLogError(w, "read", err)
		return
	}
	out := make([]eventResp, len(evs))
	for i, e := range evs {
		out[i] = eventResp{
			Stream:      e.Stream,
			EventNumber: e.EventNumber,
			Type:        e.Type,
			Position:    e.Position,
			Time:        time.Unix(0, e.TimeStamp).UTC(),
			Data:        e.Data,
		}
	}
	writeJSON(w, map[string]any{"events": out})
}
