package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"

	"github.com/rzbill/scavenger/internal/scavenge"
)

const (
	// ScavengePointsStream holds one event per scavenge point.
	ScavengePointsStream = "$scavengePoints"
	// ScavengePointEventType is the event type of scavenge point markers.
	ScavengePointEventType = "$scavengePoint"
)

type pointDoc struct {
	Threshold float64 `json:"threshold"`
}

// LatestScavengePoint returns the newest scavenge point marker.
func (l *Log) LatestScavengePoint(ctx context.Context) (scavenge.ScavengePoint, bool, error) {
	last, ok, err := l.version(ScavengePointsStream)
	if err != nil || !ok {
		return scavenge.ScavengePoint{}, false, err
	}
	evs, err := l.ReadStream(ctx, ScavengePointsStream, last, 1)
	if err != nil {
		return scavenge.ScavengePoint{}, false, err
	}
	if len(evs) == 0 {
		return scavenge.ScavengePoint{}, false, errors.Errorf("eventlog: scavenge point %d missing", last)
	}
	return pointFromEvent(evs[0]), true, nil
}

func pointFromEvent(e Event) scavenge.ScavengePoint {
	threshold, _ := jsonparser.GetFloat(e.Data, "threshold")
	return scavenge.ScavengePoint{
		Position:     e.Position,
		EventNumber:  e.EventNumber,
		EffectiveNow: time.Unix(0, e.TimeStamp).UTC(),
		Threshold:    threshold,
	}
}

// AddScavengePoint appends a scavenge point marker. Records at or after the
// marker are out of the point's scope.
func (l *Log) AddScavengePoint(ctx context.Context, expectedVersion int64, threshold float64) (scavenge.ScavengePoint, error) {
	data, err := json.Marshal(pointDoc{Threshold: threshold})
	if err != nil {
		return scavenge.ScavengePoint{}, err
	}
	if expectedVersion < 0 {
		expectedVersion = ExpectedNoStream
	}
	res, err := l.Append(ctx, ScavengePointsStream, expectedVersion, []EventData{{Type: ScavengePointEventType, Data: data}})
	if errors.Is(err, ErrWrongExpectedVersion) {
		return scavenge.ScavengePoint{}, errors.Wrap(scavenge.ErrConflict, err.Error())
	}
	if err != nil {
		return scavenge.ScavengePoint{}, err
	}
	evs, err := l.ReadStream(ctx, ScavengePointsStream, res.LastEventNumber, 1)
	if err != nil {
		return scavenge.ScavengePoint{}, err
	}
	if len(evs) == 0 {
		return scavenge.ScavengePoint{}, errors.New("eventlog: scavenge point not readable after append")
	}
	return pointFromEvent(evs[0]), nil
}
