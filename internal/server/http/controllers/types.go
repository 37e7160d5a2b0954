package controllers

import (
	"time"

	"github.com/rzbill/scavenger/internal/eventlog"
	"github.com/rzbill/scavenger/internal/scavenge"
)

// Common request/response types for HTTP controllers

// eventReq is one event of an append request. Data is base64 in JSON.
type eventReq struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// appendReq represents a request to append events to a stream.
type appendReq struct {
	Stream string `json:"stream"`
	// ExpectedVersion defaults to any.
	ExpectedVersion *int64     `json:"expectedVersion"`
	Events          []eventReq `json:"events"`
}

// metadataReq sets the retention policy of a stream.
type metadataReq struct {
	Stream          string `json:"stream"`
	ExpectedVersion *int64 `json:"expectedVersion"`
	MaxAgeSeconds   *int64 `json:"maxAgeSeconds"`
	MaxCount        *int64 `json:"maxCount"`
	TruncateBefore  *int64 `json:"truncateBefore"`
}

// deleteReq hard-deletes a stream.
type deleteReq struct {
	Stream          string `json:"stream"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type appendResp struct {
	FirstEventNumber int64   `json:"firstEventNumber"`
	LastEventNumber  int64   `json:"lastEventNumber"`
	Positions        []int64 `json:"positions"`
}

type eventResp struct {
	Stream      string    `json:"stream"`
	EventNumber int64     `json:"eventNumber"`
	Type        string    `json:"type"`
	Position    int64     `json:"position"`
	Time        time.Time `json:"time"`
	Data        []byte    `json:"data"`
}

// ScavengePointView is the JSON form of a scavenge point.
type ScavengePointView struct {
	Name         string    `json:"name"`
	Position     int64     `json:"position"`
	EventNumber  int64     `json:"eventNumber"`
	EffectiveNow time.Time `json:"effectiveNow"`
	Threshold    float64   `json:"threshold"`
}

// ResultView is the JSON form of a finished scavenge.
type ResultView struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	Phase        string             `json:"phase"`
	Error        string             `json:"error,omitempty"`
	Started      time.Time          `json:"started"`
	ElapsedMs    int64              `json:"elapsedMs"`
	Point        ScavengePointView  `json:"scavengePoint"`
	PhaseTimings map[string]float64 `json:"phaseTimingsMs,omitempty"`
}

// StatusView is the JSON form of the scavenge service status.
type StatusView struct {
	Running bool               `json:"running"`
	RunID   string             `json:"runId,omitempty"`
	Started *time.Time         `json:"started,omitempty"`
	Phase   string             `json:"phase,omitempty"`
	Point   *ScavengePointView `json:"scavengePoint,omitempty"`
	Last    *ResultView        `json:"last,omitempty"`
}

func expected(v *int64) int64 {
	if v == nil {
		return eventlog.ExpectedAny
	}
	return *v
}

func pointView(sp scavenge.ScavengePoint) ScavengePointView {
	return ScavengePointView{
		Name:         sp.Name(),
		Position:     sp.Position,
		EventNumber:  sp.EventNumber,
		EffectiveNow: sp.EffectiveNow,
		Threshold:    sp.Threshold,
	}
}

func resultView(res scavenge.Result) *ResultView {
	v := &ResultView{
		ID:        res.ID.String(),
		Status:    string(res.Status),
		Phase:     res.Phase.String(),
		Started:   res.Started,
		ElapsedMs: res.Elapsed.Milliseconds(),
		Point:     pointView(res.Point),
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	if len(res.PhaseTimings) > 0 {
		v.PhaseTimings = make(map[string]float64, len(res.PhaseTimings))
		for k, d := range res.PhaseTimings {
			v.PhaseTimings[k] = float64(d) / float64(time.Millisecond)
		}
	}
	return v
}

func statusView(st scavenge.Status) StatusView {
	v := StatusView{Running: st.Running}
	if st.Running {
		v.RunID = st.RunID.String()
		started := st.Started
		v.Started = &started
		v.Phase = st.Progress.Phase.String()
		if st.Progress.Point.EventNumber != 0 || st.Progress.Point.Position != 0 {
			p := pointView(st.Progress.Point)
			v.Point = &p
		}
	}
	if st.Last != nil {
		v.Last = resultView(*st.Last)
	}
	return v
}
