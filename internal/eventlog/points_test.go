package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/rzbill/scavenger/internal/scavenge"
)

func TestScavengePoints(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	if _, ok, err := l.LatestScavengePoint(ctx); err != nil || ok {
		t.Fatalf("expected no point, got %v %v", ok, err)
	}
	appendN(t, l, "s", 2)

	sp, err := l.AddScavengePoint(ctx, -1, 0.5)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sp.EventNumber != 0 || sp.Threshold != 0.5 || !sp.EffectiveNow.Equal(testNow) {
		t.Fatalf("unexpected point: %+v", sp)
	}
	if sp.Position != l.Position()-int64(frameLen(t, l, sp.Position)) {
		t.Fatalf("expected point at the marker position, got %d", sp.Position)
	}
	latest, ok, err := l.LatestScavengePoint(ctx)
	if err != nil || !ok || latest != sp {
		t.Fatalf("expected latest %+v, got %+v %v %v", sp, latest, ok, err)
	}

	if _, err := l.AddScavengePoint(ctx, -1, 0); !errors.Is(err, scavenge.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	next, err := l.AddScavengePoint(ctx, 0, 0)
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	if next.EventNumber != 1 || next.Position <= sp.Position {
		t.Fatalf("unexpected second point: %+v", next)
	}
}

// frameLen returns the framed size of the record at pos.
func frameLen(t *testing.T, l *Log, pos int64) int {
	t.Helper()
	r, ok, err := l.recordAt(context.Background(), pos)
	if err != nil || !ok {
		t.Fatalf("record at %d: %v %v", pos, ok, err)
	}
	frame, err := encodeFrame(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return len(frame)
}
