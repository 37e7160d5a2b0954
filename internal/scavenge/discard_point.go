package scavenge

import (
	"math"
	"strconv"
)

// DiscardPoint is the boundary below which a stream's events may be removed.
// It is represented by the first event number to keep, so the zero value
// keeps everything.
type DiscardPoint struct {
	firstToKeep int64
}

// KeepAll discards nothing. It is the minimum of the order.
var KeepAll = DiscardPoint{}

// DiscardBefore discards every event numbered below n.
func DiscardBefore(n int64) DiscardPoint {
	if n < 0 {
		n = 0
	}
	return DiscardPoint{firstToKeep: n}
}

// DiscardIncluding discards every event numbered n or below. It saturates:
// math.MaxInt64 is the tombstone event number, which always survives, so
// DiscardIncluding(math.MaxInt64) equals DiscardBefore(math.MaxInt64).
func DiscardIncluding(n int64) DiscardPoint {
	if n == math.MaxInt64 {
		return DiscardPoint{firstToKeep: math.MaxInt64}
	}
	return DiscardBefore(n + 1)
}

// FirstEventNumberToKeep returns the lowest event number that survives.
func (d DiscardPoint) FirstEventNumberToKeep() int64 { return d.firstToKeep }

func (d DiscardPoint) IsKeepAll() bool { return d.firstToKeep == 0 }

// ShouldDiscard reports whether event n lies at or before the boundary.
func (d DiscardPoint) ShouldDiscard(n int64) bool { return n < d.firstToKeep }

// Or returns whichever point discards more.
func (d DiscardPoint) Or(o DiscardPoint) DiscardPoint {
	if o.firstToKeep > d.firstToKeep {
		return o
	}
	return d
}

// Compare returns -1, 0 or 1.
func (d DiscardPoint) Compare(o DiscardPoint) int {
	switch {
	case d.firstToKeep < o.firstToKeep:
		return -1
	case d.firstToKeep > o.firstToKeep:
		return 1
	default:
		return 0
	}
}

func (d DiscardPoint) Less(o DiscardPoint) bool { return d.firstToKeep < o.firstToKeep }

func (d DiscardPoint) String() string {
	if d.IsKeepAll() {
		return "KeepAll"
	}
	return "DiscardBefore(" + strconv.FormatInt(d.firstToKeep, 10) + ")"
}
